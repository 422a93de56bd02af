// Package upload reassembles chunked uploads into a session's raw source
// and hands the resulting job to the orchestrator.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/pagetrack/internal/apperr"
	"github.com/local/pagetrack/internal/filetype"
	"github.com/local/pagetrack/internal/metrics"
	"github.com/local/pagetrack/internal/partition"
	"github.com/local/pagetrack/internal/record"
	"github.com/local/pagetrack/internal/retry"
	"github.com/local/pagetrack/internal/storage"
	"github.com/local/pagetrack/internal/store"
)

// ChunkPrefix is where chunks wait for assembly.
const ChunkPrefix = "tmp/uploads/"

func chunkKey(uploadID string, index int) string {
	return fmt.Sprintf("%s%s/chunk_%06d", ChunkPrefix, uploadID, index)
}

// JobCreator registers a queued Processing Record.
type JobCreator interface {
	Create(ctx context.Context, rec *record.ProcessingRecord) error
}

// Submitter hands a job to the processing orchestrator.
type Submitter interface {
	Submit(ctx context.Context, jobID string) error
}

// Options bounds what an upload may declare.
type Options struct {
	MaxChunks        int
	MaxSize          int64
	FetchConcurrency int
	Retry            retry.Policy
}

// Assembler implements the chunked upload protocol.
type Assembler struct {
	store     *store.Store
	jobs      JobCreator
	submit    Submitter
	manifests ManifestStore
	opts      Options
	now       func() time.Time
}

func NewAssembler(st *store.Store, jobs JobCreator, submit Submitter, manifests ManifestStore, opts Options) *Assembler {
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = 10000
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 2 << 30
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 8
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = retry.Default()
	}
	return &Assembler{store: st, jobs: jobs, submit: submit, manifests: manifests, opts: opts, now: time.Now}
}

// StartRequest declares an upload.
type StartRequest struct {
	Identity    string
	Filename    string
	TotalSize   int64
	TotalChunks int
	// Optional existing session to upload into; must belong to Identity.
	SessionID string
}

// Start allocates a manifest with an empty received set.
func (a *Assembler) Start(ctx context.Context, req StartRequest) (Manifest, error) {
	const op = "upload.start"
	name := filepath.Base(strings.TrimSpace(req.Filename))
	switch {
	case name == "" || name == "." || name == "/":
		return Manifest{}, apperr.Validation(op, "filename is required")
	case req.TotalChunks < 1 || req.TotalChunks > a.opts.MaxChunks:
		return Manifest{}, apperr.Validation(op, "total_chunks must be between 1 and %d", a.opts.MaxChunks)
	case req.TotalSize < 1 || req.TotalSize > a.opts.MaxSize:
		return Manifest{}, apperr.Validation(op, "total_size must be between 1 and %d", a.opts.MaxSize)
	case int64(req.TotalChunks) > req.TotalSize:
		return Manifest{}, apperr.Validation(op, "total_chunks %d exceeds total_size %d", req.TotalChunks, req.TotalSize)
	}

	owner := partition.OwnerHash(req.Identity)
	if req.SessionID != "" {
		sess, err := a.store.Session(ctx, req.SessionID)
		if err != nil {
			return Manifest{}, err
		}
		if sess.OwnerUserHash != owner {
			return Manifest{}, apperr.NotFound(op, "session %s", req.SessionID)
		}
	}

	m := Manifest{
		UploadID:    uuid.NewString(),
		Filename:    name,
		TotalSize:   req.TotalSize,
		TotalChunks: req.TotalChunks,
		OwnerHash:   owner,
		SessionID:   req.SessionID,
		CreatedAt:   a.now().UTC(),
	}
	if err := a.manifests.Create(ctx, m); err != nil {
		return Manifest{}, fmt.Errorf("create manifest: %w", err)
	}
	log.Info().
		Str("upload_id", m.UploadID).
		Str("filename", m.Filename).
		Int64("total_size", m.TotalSize).
		Int("total_chunks", m.TotalChunks).
		Msg("upload started")
	return m, nil
}

// ChunkResult reports upload progress after a chunk.
type ChunkResult struct {
	Complete  bool   `json:"complete"`
	JobID     string `json:"job_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Received  int    `json:"received"`
	Missing   []int  `json:"missing,omitempty"`
}

func (a *Assembler) manifest(ctx context.Context, op, uploadID string) (Manifest, error) {
	m, err := a.manifests.Get(ctx, uploadID)
	if errors.Is(err, ErrUnknownUpload) {
		return Manifest{}, apperr.NotFound(op, "upload %s", uploadID)
	}
	return m, err
}

// SubmitChunk stores one chunk. Resending an index overwrites it. When the
// received set covers every index the upload is assembled in index order.
func (a *Assembler) SubmitChunk(ctx context.Context, uploadID string, index int, data []byte) (ChunkResult, error) {
	const op = "upload.chunk"
	m, err := a.manifest(ctx, op, uploadID)
	if err != nil {
		return ChunkResult{}, err
	}
	if index < 0 || index >= m.TotalChunks {
		metrics.IncChunk("rejected")
		return ChunkResult{}, apperr.Validation(op, "chunk index %d out of range [0, %d)", index, m.TotalChunks)
	}
	if len(data) == 0 || int64(len(data)) > m.TotalSize {
		metrics.IncChunk("rejected")
		return ChunkResult{}, apperr.Validation(op, "chunk %d has invalid size %d", index, len(data))
	}

	if err := a.store.Backend().Put(ctx, chunkKey(uploadID, index), data); err != nil {
		return ChunkResult{}, apperr.Wrap(apperr.KindTransientStorage, op, err)
	}
	count, dup, err := a.manifests.MarkReceived(ctx, uploadID, index)
	if errors.Is(err, ErrUnknownUpload) {
		return ChunkResult{}, apperr.NotFound(op, "upload %s", uploadID)
	}
	if err != nil {
		return ChunkResult{}, err
	}
	if dup {
		metrics.IncChunk("duplicate")
	} else {
		metrics.IncChunk("new")
	}
	log.Debug().Str("upload_id", uploadID).Int("index", index).Int("received", count).Bool("duplicate", dup).Msg("chunk stored")

	if count < m.TotalChunks {
		return ChunkResult{Received: count}, nil
	}
	return a.assemble(ctx, m)
}

// Missing reports the indices in [0, total_chunks) not yet received.
func (a *Assembler) Missing(ctx context.Context, uploadID string) (Manifest, []int, []int, error) {
	m, err := a.manifest(ctx, "upload.missing", uploadID)
	if err != nil {
		return Manifest{}, nil, nil, err
	}
	received, err := a.manifests.Received(ctx, uploadID)
	if errors.Is(err, ErrUnknownUpload) {
		return Manifest{}, nil, nil, apperr.NotFound("upload.missing", "upload %s", uploadID)
	}
	if err != nil {
		return Manifest{}, nil, nil, err
	}
	return m, received, MissingIndices(m.TotalChunks, received), nil
}

// MissingIndices is the set difference {0..total-1} minus received.
func MissingIndices(total int, received []int) []int {
	seen := make([]bool, total)
	for _, i := range received {
		if i >= 0 && i < total {
			seen[i] = true
		}
	}
	var out []int
	for i, ok := range seen {
		if !ok {
			out = append(out, i)
		}
	}
	return out
}

func (a *Assembler) assemble(ctx context.Context, m Manifest) (ChunkResult, error) {
	const op = "upload.assemble"
	claimed, err := a.manifests.ClaimAssembly(ctx, m.UploadID)
	if err != nil {
		return ChunkResult{}, err
	}
	if !claimed {
		metrics.IncAssembly("duplicate")
		return ChunkResult{}, apperr.Validation(op, "upload %s is already being completed", m.UploadID)
	}
	res, err := a.assembleClaimed(ctx, m)
	if err != nil {
		metrics.IncAssembly("error")
		if rerr := a.manifests.ReleaseAssembly(context.WithoutCancel(ctx), m.UploadID); rerr != nil {
			log.Warn().Err(rerr).Str("upload_id", m.UploadID).Msg("release assembly claim")
		}
		return ChunkResult{}, err
	}
	metrics.IncAssembly("ok")
	return res, nil
}

func (a *Assembler) assembleClaimed(ctx context.Context, m Manifest) (ChunkResult, error) {
	const op = "upload.assemble"
	backend := a.store.Backend()

	// chunks land in index order regardless of fetch completion order
	parts := make([][]byte, m.TotalChunks)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.FetchConcurrency)
	for i := 0; i < m.TotalChunks; i++ {
		g.Go(func() error {
			data, err := retry.Value(gctx, a.opts.Retry.Named("fetch_chunk"), nil, func(ctx context.Context) ([]byte, error) {
				return backend.Get(ctx, chunkKey(m.UploadID, i))
			})
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			parts[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ChunkResult{}, apperr.Wrap(apperr.KindTransientStorage, op, err)
		}
		return ChunkResult{}, err
	}

	source := bytes.Join(parts, nil)
	if int64(len(source)) != m.TotalSize {
		return ChunkResult{}, apperr.Validation(op, "assembled size %d does not match declared total_size %d", len(source), m.TotalSize)
	}

	sess, err := a.sessionFor(ctx, m)
	if err != nil {
		return ChunkResult{}, err
	}
	scope := a.store.Scope(sess)

	info := filetype.Detect(source, m.Filename)
	ext := strings.ToLower(filepath.Ext(m.Filename))
	if ext == "" {
		ext = info.Extension
	}
	rawName := "source" + ext
	if err := scope.Put(ctx, rawName, source); err != nil {
		return ChunkResult{}, apperr.Wrap(apperr.KindTransientStorage, op, err)
	}

	fileInfo := record.FileInfo{
		Filename:       m.Filename,
		FileType:       info.MIMEType,
		RawArtifactRef: rawName,
		FileSize:       int64(len(source)),
	}
	if !info.NeedsSplit() && info.Supported() {
		fileInfo.TotalPages = 1
	}
	rec := record.New(uuid.NewString(), sess.SessionID, sess.OwnerUserHash, fileInfo, a.now().UTC())
	if err := a.store.RegisterJob(ctx, rec); err != nil {
		return ChunkResult{}, err
	}
	if err := a.jobs.Create(ctx, rec); err != nil {
		return ChunkResult{}, err
	}

	a.cleanup(context.WithoutCancel(ctx), m)

	log.Info().
		Str("upload_id", m.UploadID).
		Str("job_id", rec.JobID).
		Str("session_id", sess.SessionID).
		Int("size", len(source)).
		Str("file_type", info.MIMEType).
		Msg("upload assembled")

	if a.submit != nil {
		if err := a.submit.Submit(ctx, rec.JobID); err != nil {
			// the job stays queued and is picked up by recovery
			log.Error().Err(err).Str("job_id", rec.JobID).Msg("submit job")
		}
	}
	return ChunkResult{Complete: true, JobID: rec.JobID, SessionID: sess.SessionID, Received: m.TotalChunks}, nil
}

func (a *Assembler) sessionFor(ctx context.Context, m Manifest) (store.Session, error) {
	if m.SessionID != "" {
		return a.store.Session(ctx, m.SessionID)
	}
	// CreateSession takes an identity; the manifest only keeps its hash.
	sess, err := a.store.CreateSessionForOwner(ctx, m.OwnerHash)
	if err != nil {
		return store.Session{}, err
	}
	return sess, nil
}

// cleanup removes the temporary chunks and the manifest. Failures are
// logged; leftovers are collected by the sweeper.
func (a *Assembler) cleanup(ctx context.Context, m Manifest) {
	if err := DeleteChunks(ctx, a.store.Backend(), m.UploadID); err != nil {
		log.Warn().Err(err).Str("upload_id", m.UploadID).Msg("delete upload chunks")
	}
	if err := a.manifests.Delete(ctx, m.UploadID); err != nil {
		log.Warn().Err(err).Str("upload_id", m.UploadID).Msg("delete upload manifest")
	}
}

// DeleteChunks removes every stored chunk of an upload.
func DeleteChunks(ctx context.Context, b storage.Backend, uploadID string) error {
	keys, err := b.List(ctx, ChunkPrefix+uploadID+"/")
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, k := range keys {
		g.Go(func() error { return b.Delete(gctx, k) })
	}
	return g.Wait()
}
