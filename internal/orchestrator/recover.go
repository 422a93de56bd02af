package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pagetrack/internal/apperr"
	"github.com/local/pagetrack/internal/record"
)

// Submitter schedules a job on a strategy.
type Submitter interface {
	Submit(ctx context.Context, jobID string) error
}

// JobLister enumerates every job known to storage.
type JobLister interface {
	Jobs(ctx context.Context) ([]string, error)
}

// StatusReader reads the latest persisted state of a job.
type StatusReader interface {
	Status(ctx context.Context, jobID string) (*record.ProcessingRecord, error)
}

// Recover resubmits every job that storage shows as unfinished, so work
// interrupted by a restart resumes. It returns how many were handed to sub;
// a queue strategy ignores jobs whose task chain is still alive.
func Recover(ctx context.Context, lister JobLister, jobs StatusReader, sub Submitter) (int, error) {
	ids, err := lister.Jobs(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		rec, err := jobs.Status(ctx, id)
		if err != nil {
			if !apperr.IsKind(err, apperr.KindNotFound) {
				log.Warn().Err(err).Str("job_id", id).Msg("recover: load record")
			}
			continue
		}
		if rec.Status.Terminal() {
			continue
		}
		if err := sub.Submit(ctx, id); err != nil {
			return n, err
		}
		n++
		log.Info().Str("job_id", id).Str("status", string(rec.Status)).Int("percent", rec.Percent).Msg("submitted unfinished job")
	}
	return n, nil
}

// RecoverEvery runs Recover every interval until ctx is done, picking up
// jobs whose task chain was lost with a crashed consumer.
func RecoverEvery(ctx context.Context, interval time.Duration, lister JobLister, jobs StatusReader, sub Submitter) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := Recover(ctx, lister, jobs, sub); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("periodic recovery")
			}
		}
	}
}
