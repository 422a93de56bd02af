package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pagetrack/internal/apperr"
)

// maxConsecutiveErrors is how many failed steps in a row a job tolerates
// before it is failed.
const maxConsecutiveErrors = 5

// ErrStopped is returned by Submit after the pool was stopped.
var ErrStopped = errors.New("orchestrator stopped")

// LocalPool runs jobs on in-process goroutines. A job is driven by one
// worker from submission to its terminal state; submitting a job that is
// already running is a no-op.
type LocalPool struct {
	orch    *Orchestrator
	workers int
	jobs    chan string

	mu      sync.Mutex
	active  map[string]bool
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLocalPool(orch *Orchestrator, workers int) *LocalPool {
	if workers <= 0 {
		workers = 1
	}
	return &LocalPool{
		orch:    orch,
		workers: workers,
		jobs:    make(chan string, 256),
		active:  map[string]bool{},
	}
}

// Start launches the workers; they run until Stop or ctx ends.
func (p *LocalPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
	log.Info().Int("workers", p.workers).Msg("local orchestrator started")
}

// Stop cancels running jobs and waits for the workers. Jobs left mid-way
// are picked up by Recover on the next start.
func (p *LocalPool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Submit schedules jobID.
func (p *LocalPool) Submit(ctx context.Context, jobID string) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.active[jobID] {
		p.mu.Unlock()
		return nil
	}
	p.active[jobID] = true
	p.mu.Unlock()

	select {
	case p.jobs <- jobID:
		return nil
	case <-ctx.Done():
		p.done(jobID)
		return ctx.Err()
	}
}

func (p *LocalPool) done(jobID string) {
	p.mu.Lock()
	delete(p.active, jobID)
	p.mu.Unlock()
}

func (p *LocalPool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Int("worker", id).Msg("orchestrator worker stopped")
			return
		case jobID := <-p.jobs:
			p.run(ctx, jobID)
			p.done(jobID)
		}
	}
}

// run advances jobID until it is terminal, ctx ends, or it keeps erroring.
func (p *LocalPool) run(ctx context.Context, jobID string) {
	start := time.Now()
	errs := 0
	for {
		step, err := p.orch.Advance(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if apperr.IsKind(err, apperr.KindNotFound) {
				log.Warn().Err(err).Str("job_id", jobID).Msg("job vanished; dropping")
				return
			}
			errs++
			log.Warn().Err(err).Str("job_id", jobID).Int("consecutive", errs).Msg("advance failed")
			if errs >= maxConsecutiveErrors {
				if ferr := p.orch.Fail(ctx, jobID, fmt.Errorf("gave up after %d errors: %w", errs, err)); ferr != nil {
					log.Error().Err(ferr).Str("job_id", jobID).Msg("fail job")
				}
				return
			}
			if !sleep(ctx, p.orch.RetryDelay()) {
				return
			}
			continue
		}
		errs = 0
		if step.Done {
			log.Info().Str("job_id", jobID).Dur("elapsed", time.Since(start)).Msg("job finished")
			return
		}
		if step.Retry && !sleep(ctx, p.orch.RetryDelay()) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
