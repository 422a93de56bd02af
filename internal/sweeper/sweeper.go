// Package sweeper deletes sessions that have been idle past the timeout,
// together with their artifacts and Processing Record, and clears chunk
// uploads and scratch files nobody will come back for.
package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/pagetrack/internal/apperr"
	"github.com/local/pagetrack/internal/metrics"
	"github.com/local/pagetrack/internal/store"
	"github.com/local/pagetrack/internal/upload"
)

// TempPrefix marks scratch files and directories created by the converter
// and renderer.
const TempPrefix = "pagetrack-"

// Forgetter drops cached job state once its session is gone.
type Forgetter interface {
	Forget(jobID string)
}

// Expirer reports uploads whose manifest lapsed.
type Expirer interface {
	Expired(ctx context.Context) ([]string, error)
}

type Options struct {
	IdleTimeout time.Duration
	Interval    time.Duration
	// TempDir is scanned for stale scratch files; empty means os.TempDir().
	TempDir string
}

type Sweeper struct {
	st        *store.Store
	jobs      Forgetter
	manifests Expirer
	opts      Options
	now       func() time.Time
}

// Result counts what one sweep removed.
type Result struct {
	Sessions int
	Uploads  int
	Temps    int
}

func New(st *store.Store, jobs Forgetter, manifests Expirer, opts Options) *Sweeper {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 24 * time.Hour
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &Sweeper{st: st, jobs: jobs, manifests: manifests, opts: opts, now: time.Now}
}

// Run sweeps every Interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	log.Info().Dur("idle_timeout", s.opts.IdleTimeout).Dur("interval", s.opts.Interval).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("sweep failed")
				continue
			}
			if res.Sessions+res.Uploads+res.Temps > 0 {
				log.Info().
					Int("sessions", res.Sessions).
					Int("uploads", res.Uploads).
					Int("temps", res.Temps).
					Msg("sweep finished")
			}
		}
	}
}

// Sweep runs one pass. A session is idle when neither it nor its record
// changed within IdleTimeout; it is removed whatever its job's status.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	cutoff := s.now().Add(-s.opts.IdleTimeout)

	ids, err := s.st.Sessions(ctx)
	if err != nil {
		return res, err
	}
	var swept atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range ids {
		g.Go(func() error {
			ok, err := s.sweepSession(gctx, id, cutoff)
			if err != nil {
				log.Warn().Err(err).Str("session_id", id).Msg("sweep session")
				return nil
			}
			if ok {
				swept.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	res.Sessions = int(swept.Load())

	if s.manifests != nil {
		expired, err := s.manifests.Expired(ctx)
		if err != nil {
			return res, err
		}
		for _, id := range expired {
			if err := upload.DeleteChunks(ctx, s.st.Backend(), id); err != nil {
				log.Warn().Err(err).Str("upload_id", id).Msg("delete expired chunks")
				continue
			}
			res.Uploads++
		}
	}

	res.Temps = s.cleanTemps(cutoff)
	return res, nil
}

func (s *Sweeper) sweepSession(ctx context.Context, sessionID string, cutoff time.Time) (bool, error) {
	sess, err := s.st.Session(ctx, sessionID)
	if err != nil {
		return false, err
	}
	lastActive := sess.CreatedAt
	jobID := ""
	rec, err := s.st.LoadSessionRecord(ctx, sess)
	switch {
	case err == nil:
		jobID = rec.JobID
		if rec.UpdatedAt.After(lastActive) {
			lastActive = rec.UpdatedAt
		}
	case !apperr.IsKind(err, apperr.KindNotFound):
		return false, err
	}
	if lastActive.After(cutoff) {
		return false, nil
	}

	// forget first so no write of this process lands after the delete
	if jobID != "" {
		s.jobs.Forget(jobID)
	}
	if err := s.st.DeleteSession(ctx, sess, jobID); err != nil {
		return false, err
	}
	metrics.IncSwept()
	log.Info().
		Str("session_id", sessionID).
		Str("job_id", jobID).
		Time("last_active", lastActive).
		Msg("idle session deleted")
	return true, nil
}

// cleanTemps removes scratch entries older than cutoff left behind by a
// crashed conversion or page count.
func (s *Sweeper) cleanTemps(cutoff time.Time) int {
	entries, err := os.ReadDir(s.opts.TempDir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), TempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.opts.TempDir, e.Name())); err == nil {
			n++
		}
	}
	return n
}
