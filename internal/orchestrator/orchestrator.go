// Package orchestrator drives a job from its raw source to the combined
// result: page extraction, batched recognition and finalization. Every
// state change goes through the registry so progress stays monotonic.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pagetrack/internal/apperr"
	"github.com/local/pagetrack/internal/filetype"
	"github.com/local/pagetrack/internal/limiter"
	"github.com/local/pagetrack/internal/partition"
	"github.com/local/pagetrack/internal/recognize"
	"github.com/local/pagetrack/internal/record"
	"github.com/local/pagetrack/internal/registry"
	"github.com/local/pagetrack/internal/render"
	"github.com/local/pagetrack/internal/store"
)

// FailurePolicy decides what a permanently failed page does to its job.
type FailurePolicy string

const (
	// FailFast fails the job on the first failed page.
	FailFast FailurePolicy = "fail_fast"
	// Continue records the failure and completes the job with the rest.
	Continue FailurePolicy = "continue"
)

// Jobs is the record registry as seen by the orchestrator.
type Jobs interface {
	Get(ctx context.Context, jobID string) (*record.ProcessingRecord, error)
	Refresh(ctx context.Context, jobID string) (*record.ProcessingRecord, error)
	Update(ctx context.Context, jobID string, fn func(*record.ProcessingRecord) error) (*record.ProcessingRecord, error)
}

// Opener turns a raw source into renderable pages.
type Opener interface {
	Open(ctx context.Context, source []byte, info filetype.Info, ext string) (render.Document, error)
}

type Dependencies struct {
	Store      *store.Store
	Jobs       Jobs
	Renderer   Opener
	Recognizer recognize.Recognizer
	// Gate bounds recognition calls across every job in the process.
	Gate *limiter.Gate
}

type Options struct {
	BatchSize       int
	PageMaxAttempts int
	FailurePolicy   FailurePolicy
	// ClaimTTL is how long a page claim is honored before another
	// worker may take the page over.
	ClaimTTL   time.Duration
	RetryDelay time.Duration
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 1
	}
	if o.PageMaxAttempts <= 0 {
		o.PageMaxAttempts = 3
	}
	if o.FailurePolicy != Continue {
		o.FailurePolicy = FailFast
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = 10 * time.Minute
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
}

type Orchestrator struct {
	deps Dependencies
	opts Options
	now  func() time.Time
}

func New(deps Dependencies, opts Options) *Orchestrator {
	opts.defaults()
	if deps.Gate == nil {
		deps.Gate = limiter.NewGate(1)
	}
	return &Orchestrator{deps: deps, opts: opts, now: time.Now}
}

// RetryDelay is the pause a strategy takes before advancing a job whose
// last step asked for a retry.
func (o *Orchestrator) RetryDelay() time.Duration { return o.opts.RetryDelay }

// Step reports the outcome of one Advance call.
type Step struct {
	// Done is set once the job is completed or failed.
	Done bool
	// Retry asks the caller to wait RetryDelay before advancing again.
	Retry bool
}

var errClaimLost = errors.New("page claim lost")

// Advance performs the next unit of work for jobID: extraction if the
// source has not been split yet, otherwise one batch of recognition.
// Fatal errors fail the job and are not returned; anything returned is
// worth retrying later.
func (o *Orchestrator) Advance(ctx context.Context, jobID string) (Step, error) {
	rec, err := o.deps.Jobs.Refresh(ctx, jobID)
	if err != nil {
		return Step{}, err
	}
	if rec.Status.Terminal() {
		return Step{Done: true}, nil
	}

	var step Step
	switch rec.Status {
	case record.StatusQueued, record.StatusExtracting:
		err = o.extract(ctx, rec)
	default:
		step, err = o.recognizeBatch(ctx, rec)
	}
	if err == nil {
		return step, nil
	}

	switch {
	case errors.Is(err, registry.ErrImmutable):
		return Step{Done: true}, nil
	case ctx.Err() != nil:
		return Step{}, ctx.Err()
	case apperr.IsKind(err, apperr.KindFatal), apperr.IsKind(err, apperr.KindValidation):
		if ferr := o.Fail(ctx, jobID, err); ferr != nil {
			return Step{}, ferr
		}
		return Step{Done: true}, nil
	}
	return Step{}, err
}

// Fail moves the job to failed with cause as its message. Failing a job
// that already finished is a no-op.
func (o *Orchestrator) Fail(ctx context.Context, jobID string, cause error) error {
	_, err := o.deps.Jobs.Update(ctx, jobID, func(r *record.ProcessingRecord) error {
		return r.Transition(record.StatusFailed, "failed", cause.Error())
	})
	if errors.Is(err, registry.ErrImmutable) {
		return nil
	}
	if err == nil {
		log.Error().Err(cause).Str("job_id", jobID).Msg("job failed")
	}
	return err
}

func (o *Orchestrator) scope(rec *record.ProcessingRecord) partition.Scope {
	return o.deps.Store.Scope(store.Session{SessionID: rec.SessionID, OwnerUserHash: rec.OwnerUserHash})
}

func pageFailureMessage(failed []int) string {
	if len(failed) == 0 {
		return ""
	}
	return fmt.Sprintf("pages %v could not be recognized", failed)
}
