// Package registry keeps the in-memory view of active jobs and owns every
// write of their Processing Records.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/local/pagetrack/internal/apperr"
	"github.com/local/pagetrack/internal/metrics"
	"github.com/local/pagetrack/internal/record"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("registry closed")

// RecordStore is the persistence the registry writes through.
type RecordStore interface {
	SaveRecord(ctx context.Context, rec *record.ProcessingRecord) error
	LoadRecord(ctx context.Context, jobID string) (*record.ProcessingRecord, error)
}

// Options configures a Registry.
type Options struct {
	// Persisters is the number of write shards. A job always maps to the
	// same shard, so its writes are applied in order by one goroutine.
	Persisters int
	Now        func() time.Time
	// FinishedTTL is how long a completed or failed record is remembered
	// after it leaves the active set.
	FinishedTTL time.Duration
	// ForgetTTL is how long a forgotten job keeps answering not found
	// instead of being reloaded.
	ForgetTTL time.Duration
}

// Registry is a concurrency-safe map of job id to Processing Record with one
// lock per entry. Reads and writes of different jobs never contend. Only
// unfinished jobs stay in the map; finished records move to a short-lived
// cache so late writers still see them as immutable.
type Registry struct {
	store RecordStore
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	finished *gocache.Cache
	gone     *gocache.Cache

	loads  singleflight.Group
	shards []chan persistReq
	wg     sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

type entry struct {
	mu  sync.Mutex
	rec *record.ProcessingRecord
}

type persistReq struct {
	ctx  context.Context
	rec  *record.ProcessingRecord
	done chan error
}

// New starts the persistence workers.
func New(store RecordStore, opts Options) *Registry {
	if opts.Persisters <= 0 {
		opts.Persisters = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FinishedTTL <= 0 {
		opts.FinishedTTL = 10 * time.Minute
	}
	if opts.ForgetTTL <= 0 {
		opts.ForgetTTL = time.Hour
	}
	r := &Registry{
		store:    store,
		now:      opts.Now,
		entries:  map[string]*entry{},
		finished: gocache.New(opts.FinishedTTL, opts.FinishedTTL/2),
		gone:     gocache.New(opts.ForgetTTL, opts.ForgetTTL/2),
		shards:   make([]chan persistReq, opts.Persisters),
		closed:   make(chan struct{}),
	}
	for i := range r.shards {
		ch := make(chan persistReq, 64)
		r.shards[i] = ch
		r.wg.Add(1)
		go r.persistLoop(ch)
	}
	return r
}

func (r *Registry) persistLoop(ch <-chan persistReq) {
	defer r.wg.Done()
	for {
		select {
		case req := <-ch:
			req.done <- r.store.SaveRecord(req.ctx, req.rec)
		case <-r.closed:
			return
		}
	}
}

// persist hands rec to its shard and waits for the write to land.
func (r *Registry) persist(ctx context.Context, rec *record.ProcessingRecord) error {
	shard := r.shards[xxhash.Sum64String(rec.JobID)%uint64(len(r.shards))]
	req := persistReq{ctx: ctx, rec: rec, done: make(chan error, 1)}
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}
	select {
	case shard <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.closed:
		return ErrClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.closed:
		return ErrClosed
	}
}

func (r *Registry) entryFor(jobID string, create bool) *entry {
	r.mu.RLock()
	e := r.entries[jobID]
	r.mu.RUnlock()
	if e != nil || !create {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e = r.entries[jobID]; e == nil {
		e = &entry{rec: r.finishedRecord(jobID)}
		r.entries[jobID] = e
		metrics.SetActiveJobs(len(r.entries))
	}
	return e
}

// Create registers a new job and persists its first record.
func (r *Registry) Create(ctx context.Context, rec *record.ProcessingRecord) error {
	if err := rec.Validate(); err != nil {
		return apperr.Validation("registry.create", "%v", err)
	}
	e := r.entryFor(rec.JobID, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec != nil {
		return apperr.Validation("registry.create", "job %s already exists", rec.JobID)
	}
	next := rec.Clone()
	next.Version = 1
	next.UpdatedAt = r.now().UTC()
	if err := r.persist(ctx, next); err != nil {
		r.dropIfEmpty(rec.JobID, e)
		return err
	}
	e.rec = next
	metrics.IncTransition(string(next.Status))
	log.Info().Str("job_id", next.JobID).Str("session_id", next.SessionID).Msg("job registered")
	return nil
}

func (r *Registry) dropIfEmpty(jobID string, e *entry) {
	r.mu.Lock()
	if r.entries[jobID] == e && e.rec == nil {
		delete(r.entries, jobID)
	}
	r.mu.Unlock()
}

func (r *Registry) finishedRecord(jobID string) *record.ProcessingRecord {
	if v, ok := r.finished.Get(jobID); ok {
		return v.(*record.ProcessingRecord)
	}
	return nil
}

// retire moves a finished record out of the active set. The caller holds
// e.mu.
func (r *Registry) retire(jobID string, e *entry, rec *record.ProcessingRecord) {
	r.finished.SetDefault(jobID, rec)
	r.mu.Lock()
	if r.entries[jobID] == e {
		delete(r.entries, jobID)
		metrics.SetActiveJobs(len(r.entries))
	}
	r.mu.Unlock()
}

func (r *Registry) forgotten(jobID string) bool {
	_, ok := r.gone.Get(jobID)
	return ok
}

// checkGone reports a forgotten job as not found and unlinks e. The caller
// holds e.mu.
func (r *Registry) checkGone(jobID string, e *entry) error {
	if !r.forgotten(jobID) {
		return nil
	}
	r.mu.Lock()
	if r.entries[jobID] == e {
		delete(r.entries, jobID)
	}
	r.mu.Unlock()
	return apperr.NotFound("registry", "job %s was removed", jobID)
}

// load reads the persisted record once per job even under concurrent callers.
func (r *Registry) load(ctx context.Context, jobID string) (*record.ProcessingRecord, error) {
	v, err, _ := r.loads.Do(jobID, func() (interface{}, error) {
		return r.store.LoadRecord(ctx, jobID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*record.ProcessingRecord).Clone(), nil
}

// current returns the fresher of the in-memory and persisted record. The
// caller holds e.mu.
func (r *Registry) current(ctx context.Context, jobID string, e *entry) (*record.ProcessingRecord, error) {
	persisted, err := r.load(ctx, jobID)
	if err != nil {
		if e.rec != nil && (apperr.IsKind(err, apperr.KindNotFound) || apperr.IsKind(err, apperr.KindTransientStorage)) {
			// not yet visible; memory is at least as new
			return e.rec, nil
		}
		return nil, err
	}
	return record.Fresher(e.rec, persisted), nil
}

// Get returns a copy of the job's record, recovering it from storage when
// the registry has no entry (for example after a restart). Records loaded
// in a terminal state are not added to the active set.
func (r *Registry) Get(ctx context.Context, jobID string) (*record.ProcessingRecord, error) {
	if r.forgotten(jobID) {
		return nil, apperr.NotFound("registry.get", "job %s was removed", jobID)
	}
	if rec := r.finishedRecord(jobID); rec != nil {
		return rec.Clone(), nil
	}
	if e := r.entryFor(jobID, false); e != nil {
		e.mu.Lock()
		rec := e.rec
		e.mu.Unlock()
		if rec != nil {
			return rec.Clone(), nil
		}
	}
	rec, err := r.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		r.finished.SetDefault(jobID, rec.Clone())
		return rec, nil
	}
	e := r.entryFor(jobID, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := r.checkGone(jobID, e); err != nil {
		return nil, err
	}
	e.rec = record.Fresher(e.rec, rec)
	log.Debug().Str("job_id", jobID).Int64("version", rec.Version).Msg("job recovered from storage")
	return e.rec.Clone(), nil
}

// Refresh is Get that always consults storage, so records written by
// another process are observed.
func (r *Registry) Refresh(ctx context.Context, jobID string) (*record.ProcessingRecord, error) {
	e := r.entryFor(jobID, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := r.checkGone(jobID, e); err != nil {
		return nil, err
	}
	rec, err := r.current(ctx, jobID, e)
	if err != nil {
		r.mu.Lock()
		if r.entries[jobID] == e && e.rec == nil {
			delete(r.entries, jobID)
		}
		r.mu.Unlock()
		return nil, err
	}
	e.rec = rec
	if rec.Status.Terminal() {
		r.retire(jobID, e, rec)
	}
	return rec.Clone(), nil
}

// Status returns the latest state of a job without adding it to the active
// set: the fresher of the in-memory record and storage, so progress written
// by another process sharing the storage is observed.
func (r *Registry) Status(ctx context.Context, jobID string) (*record.ProcessingRecord, error) {
	if r.forgotten(jobID) {
		return nil, apperr.NotFound("registry.status", "job %s was removed", jobID)
	}
	if rec := r.finishedRecord(jobID); rec != nil {
		return rec.Clone(), nil
	}
	var cached *record.ProcessingRecord
	if e := r.entryFor(jobID, false); e != nil {
		e.mu.Lock()
		cached = e.rec
		e.mu.Unlock()
	}
	persisted, err := r.load(ctx, jobID)
	if err != nil {
		if cached != nil && (apperr.IsKind(err, apperr.KindNotFound) || apperr.IsKind(err, apperr.KindTransientStorage)) {
			return cached.Clone(), nil
		}
		return nil, err
	}
	rec := record.Fresher(cached, persisted)
	if rec.Status.Terminal() {
		r.finished.SetDefault(jobID, rec.Clone())
	}
	return rec.Clone(), nil
}

// ErrImmutable is returned when updating a job that already finished.
var ErrImmutable = errors.New("record is immutable once terminal")

// Update performs a read-modify-write of the full record: load the current
// value, apply fn to a copy, merge so nothing moves backwards, bump
// updated_at and version, validate, and persist. fn's changes are discarded
// if it returns an error. Updates to the same job never interleave.
func (r *Registry) Update(ctx context.Context, jobID string, fn func(*record.ProcessingRecord) error) (*record.ProcessingRecord, error) {
	e := r.entryFor(jobID, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := r.checkGone(jobID, e); err != nil {
		return nil, err
	}

	base, err := r.current(ctx, jobID, e)
	if err != nil {
		if e.rec == nil {
			r.dropIfEmpty(jobID, e)
		}
		return nil, err
	}
	if base.Status.Terminal() {
		e.rec = base
		r.retire(jobID, e, base)
		return nil, fmt.Errorf("update %s: %w", jobID, ErrImmutable)
	}

	next := base.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	merged := record.Merge(base, next)
	merged.Version = base.Version + 1
	if now := r.now().UTC(); now.After(base.UpdatedAt) {
		merged.UpdatedAt = now
	} else {
		merged.UpdatedAt = base.UpdatedAt.Add(time.Nanosecond)
	}
	if err := merged.Validate(); err != nil {
		return nil, apperr.Fatal("registry.update", err)
	}
	if err := r.persist(ctx, merged); err != nil {
		return nil, err
	}
	if merged.Status != base.Status {
		metrics.IncTransition(string(merged.Status))
		log.Info().
			Str("job_id", jobID).
			Str("from", string(base.Status)).
			Str("to", string(merged.Status)).
			Int("percent", merged.Percent).
			Msg("job transition")
	}
	e.rec = merged
	if merged.Status.Terminal() {
		r.retire(jobID, e, merged)
	}
	return merged.Clone(), nil
}

// Forget drops the job from memory without touching storage and makes it
// read as not found from then on. It waits for an update already holding
// the job, so once Forget returns nothing in this registry writes the
// job's record again.
func (r *Registry) Forget(jobID string) {
	r.mu.Lock()
	r.gone.SetDefault(jobID, struct{}{})
	r.finished.Delete(jobID)
	e := r.entries[jobID]
	delete(r.entries, jobID)
	metrics.SetActiveJobs(len(r.entries))
	r.mu.Unlock()
	if e != nil {
		e.mu.Lock()
		e.mu.Unlock() // wait out an update in progress
	}
}

// Reset drops every in-memory entry and cache. Used to simulate a restart.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.entries = map[string]*entry{}
	r.finished.Flush()
	r.gone.Flush()
	metrics.SetActiveJobs(0)
	r.mu.Unlock()
}

// Len is the number of unfinished jobs held in memory.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close stops the persistence workers. A write already picked up by a
// worker finishes before Close returns.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.wg.Wait()
	})
}
