package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/pagetrack/internal/apperr"
	"github.com/local/pagetrack/internal/metrics"
	"github.com/local/pagetrack/internal/recognize"
	"github.com/local/pagetrack/internal/record"
	"github.com/local/pagetrack/internal/registry"
	"github.com/local/pagetrack/internal/storage"
)

var (
	errNothingClaimable = errors.New("no claimable pages")
	errNotReady         = errors.New("pages still unfinished")
)

type outcome int

const (
	pageDone outcome = iota
	pageReleased
	pageFailed
	jobFailed
)

// recognizeBatch claims up to BatchSize pages, lowest first, and recognizes
// them in order. A page released for retry releases the rest of the batch
// so pages are always finished in increasing order.
func (o *Orchestrator) recognizeBatch(ctx context.Context, rec *record.ProcessingRecord) (Step, error) {
	claimID := uuid.NewString()
	claimed, rec, err := o.claim(ctx, rec.JobID, claimID)
	if errors.Is(err, errNothingClaimable) {
		if rec.AllPagesTerminal() {
			return o.finalize(ctx, rec.JobID)
		}
		// pages are in flight under someone else's claim
		return Step{Retry: true}, nil
	}
	if err != nil {
		return Step{}, err
	}

	for i, n := range claimed {
		out, err := o.recognizePage(ctx, rec, n, claimID)
		if err != nil {
			o.release(ctx, rec.JobID, claimID, claimed[i:], err)
			return Step{}, err
		}
		switch out {
		case jobFailed:
			return Step{Done: true}, nil
		case pageReleased:
			o.release(ctx, rec.JobID, claimID, claimed[i+1:], nil)
			return Step{Retry: true}, nil
		}
	}

	rec, err = o.deps.Jobs.Get(ctx, rec.JobID)
	if err != nil {
		return Step{}, err
	}
	if rec.AllPagesTerminal() {
		return o.finalize(ctx, rec.JobID)
	}
	return Step{}, nil
}

// claim marks the next claimable pages as processing under claimID and
// moves the job into processing on its first claim.
func (o *Orchestrator) claim(ctx context.Context, jobID, claimID string) ([]int, *record.ProcessingRecord, error) {
	var claimed []int
	rec, err := o.deps.Jobs.Update(ctx, jobID, func(r *record.ProcessingRecord) error {
		claimed = claimed[:0]
		now := o.now().UTC()
		for _, n := range r.Claimable(o.opts.BatchSize, now.Add(-o.opts.ClaimTTL)) {
			p := r.Pages[n]
			p.Status = record.PageProcessing
			p.ProcessingStartedAt = &now
			p.ClaimID = claimID
			p.Attempts++
			if err := r.SetPage(n, p); err != nil {
				return err
			}
			claimed = append(claimed, n)
		}
		if len(claimed) == 0 {
			return errNothingClaimable
		}
		msg := fmt.Sprintf("Recognizing page %d of %d", claimed[0], r.FileInfo.TotalPages)
		if r.Status == record.StatusPending {
			return r.Transition(record.StatusProcessing, "recognizing", msg)
		}
		r.CurrentStep, r.Message = "recognizing", msg
		return nil
	})
	if errors.Is(err, errNothingClaimable) {
		cur, gerr := o.deps.Jobs.Get(ctx, jobID)
		if gerr != nil {
			return nil, nil, gerr
		}
		return nil, cur, err
	}
	if err != nil {
		return nil, nil, err
	}
	log.Debug().Str("job_id", jobID).Ints("pages", claimed).Str("claim_id", claimID).Msg("pages claimed")
	return claimed, rec, nil
}

// release hands claimed but unfinished pages back for another attempt.
func (o *Orchestrator) release(ctx context.Context, jobID, claimID string, pages []int, cause error) {
	if len(pages) == 0 {
		return
	}
	_, err := o.deps.Jobs.Update(ctx, jobID, func(r *record.ProcessingRecord) error {
		for _, n := range pages {
			p, ok := r.Pages[n]
			if !ok || p.Status != record.PageProcessing || p.ClaimID != claimID {
				continue
			}
			p.ProcessingStartedAt = nil
			p.ClaimID = ""
			if cause != nil {
				p.Error = cause.Error()
			}
			r.Pages[n] = p
		}
		return nil
	})
	if err != nil && !errors.Is(err, registry.ErrImmutable) {
		log.Warn().Err(err).Str("job_id", jobID).Ints("pages", pages).Msg("release claims")
	}
}

// recognizePage runs one claimed page through the recognizer and records
// the result. Errors returned are storage failures; recognition failures
// are folded into the page state.
func (o *Orchestrator) recognizePage(ctx context.Context, rec *record.ProcessingRecord, n int, claimID string) (outcome, error) {
	page := rec.Pages[n]
	scope := o.scope(rec)
	total := rec.FileInfo.TotalPages

	data, err := o.deps.Store.ReadArtifact(ctx, scope, page.ImageRef)
	if errors.Is(err, storage.ErrNotFound) {
		return o.pageFailure(ctx, rec.JobID, n, claimID, page.Attempts,
			apperr.Fatal("orchestrator.read_page", fmt.Errorf("page %d image %q is missing", n, page.ImageRef)))
	}
	if err != nil {
		return 0, err
	}

	release, err := o.deps.Gate.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	text, rerr := o.deps.Recognizer.Recognize(ctx, recognize.Image{
		JobID: rec.JobID,
		Page:  n,
		Data:  data,
		MIME:  mimeOf(page.ImageRef),
	})
	release()
	if rerr != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return o.pageFailure(ctx, rec.JobID, n, claimID, page.Attempts, rerr)
	}

	ref, err := o.deps.Store.SavePageText(ctx, scope, n, text)
	if err != nil {
		return 0, err
	}
	_, err = o.deps.Jobs.Update(ctx, rec.JobID, func(r *record.ProcessingRecord) error {
		p := r.Pages[n]
		if p.Status != record.PageProcessing || p.ClaimID != claimID {
			return errClaimLost
		}
		now := o.now().UTC()
		p.Status = record.PageCompleted
		p.ProcessingCompletedAt = &now
		p.ResultRef = ref
		p.Error = ""
		p.ClaimID = ""
		if err := r.SetPage(n, p); err != nil {
			return err
		}
		r.SetPercent(record.RecognitionPercent(r.Counts().Terminal(), total))
		r.Message = fmt.Sprintf("Recognized page %d of %d", n, total)
		return nil
	})
	if errors.Is(err, errClaimLost) {
		log.Warn().Str("job_id", rec.JobID).Int("page", n).Msg("claim taken over; dropping result")
		return pageDone, nil
	}
	if err != nil {
		return 0, err
	}
	metrics.IncPage("completed")
	log.Info().Str("job_id", rec.JobID).Int("page", n).Int("text_len", len(text)).Msg("page recognized")
	return pageDone, nil
}

// pageFailure releases the page when the error is transient and attempts
// remain, otherwise fails it and, under FailFast, the job.
func (o *Orchestrator) pageFailure(ctx context.Context, jobID string, n int, claimID string, attempts int, cause error) (outcome, error) {
	retryable := recognize.IsTransient(cause) && attempts < o.opts.PageMaxAttempts
	failJob := !retryable && o.opts.FailurePolicy == FailFast

	_, err := o.deps.Jobs.Update(ctx, jobID, func(r *record.ProcessingRecord) error {
		p := r.Pages[n]
		if p.Status != record.PageProcessing || p.ClaimID != claimID {
			return errClaimLost
		}
		p.Error = cause.Error()
		p.ClaimID = ""
		if retryable {
			p.ProcessingStartedAt = nil
			r.Pages[n] = p
			return nil
		}
		now := o.now().UTC()
		p.Status = record.PageFailed
		p.ProcessingCompletedAt = &now
		if err := r.SetPage(n, p); err != nil {
			return err
		}
		if failJob {
			return r.Transition(record.StatusFailed, "failed", fmt.Sprintf("Page %d failed: %v", n, cause))
		}
		r.SetPercent(record.RecognitionPercent(r.Counts().Terminal(), r.FileInfo.TotalPages))
		return nil
	})
	if errors.Is(err, errClaimLost) {
		return pageDone, nil
	}
	if err != nil {
		return 0, err
	}

	evt := log.Warn().Err(cause).Str("job_id", jobID).Int("page", n).Int("attempt", attempts)
	switch {
	case retryable:
		metrics.IncPage("retried")
		evt.Msg("page released for retry")
		return pageReleased, nil
	case failJob:
		metrics.IncPage("failed")
		evt.Msg("page failed; failing job")
		return jobFailed, nil
	default:
		metrics.IncPage("failed")
		evt.Msg("page failed")
		return pageFailed, nil
	}
}

// finalize writes the combined result and completes the job.
func (o *Orchestrator) finalize(ctx context.Context, jobID string) (Step, error) {
	rec, err := o.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return Step{}, err
	}
	if rec.Status.Terminal() {
		return Step{Done: true}, nil
	}
	scope := o.scope(rec)
	combined := o.deps.Store.AggregateText(ctx, scope, rec)
	if err := scope.Put(ctx, record.CombinedResultName, []byte(combined)); err != nil {
		return Step{}, err
	}

	rec, err = o.deps.Jobs.Update(ctx, jobID, func(r *record.ProcessingRecord) error {
		if !r.AllPagesTerminal() {
			return errNotReady
		}
		total := r.FileInfo.TotalPages
		msg := fmt.Sprintf("Recognized %d pages", total)
		if failed := r.FailedPages(); len(failed) > 0 {
			msg = fmt.Sprintf("Recognized %d of %d pages; %s", total-len(failed), total, pageFailureMessage(failed))
		}
		r.ResultRef = record.CombinedResultName
		r.SetPercent(record.Full)
		return r.Transition(record.StatusCompleted, "completed", msg)
	})
	if errors.Is(err, errNotReady) {
		return Step{Retry: true}, nil
	}
	if err != nil {
		return Step{}, err
	}
	log.Info().
		Str("job_id", jobID).
		Int("pages", rec.FileInfo.TotalPages).
		Ints("failed_pages", rec.FailedPages()).
		Int("result_len", len(combined)).
		Msg("job completed")
	return Step{Done: true}, nil
}

func mimeOf(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
