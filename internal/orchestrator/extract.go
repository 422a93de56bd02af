package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/local/pagetrack/internal/apperr"
	"github.com/local/pagetrack/internal/filetype"
	"github.com/local/pagetrack/internal/partition"
	"github.com/local/pagetrack/internal/record"
	"github.com/local/pagetrack/internal/render"
	"github.com/local/pagetrack/internal/storage"
)

// extract splits the raw source into page images. A single image becomes
// page 1 directly; PDFs and office documents are rendered page by page,
// with already rendered pages skipped when a crashed extraction resumes.
func (o *Orchestrator) extract(ctx context.Context, rec *record.ProcessingRecord) error {
	const op = "orchestrator.extract"
	scope := o.scope(rec)

	raw, err := o.deps.Store.ReadArtifact(ctx, scope, rec.FileInfo.RawArtifactRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.Fatal(op, fmt.Errorf("raw source %q is missing", rec.FileInfo.RawArtifactRef))
		}
		return err
	}

	info := filetype.Detect(raw, rec.FileInfo.Filename)
	if !info.Supported() {
		return apperr.Fatal(op, fmt.Errorf("unsupported file type %s", info.MIMEType))
	}
	if !info.NeedsSplit() {
		return o.singlePage(ctx, rec, scope, raw, info)
	}

	ext := strings.ToLower(filepath.Ext(rec.FileInfo.Filename))
	if ext == "" {
		ext = info.Extension
	}
	doc, err := o.deps.Renderer.Open(ctx, raw, info, ext)
	if err != nil {
		return err
	}
	defer doc.Close()

	total := doc.Pages()
	rec, err = o.deps.Jobs.Update(ctx, rec.JobID, func(r *record.ProcessingRecord) error {
		r.FileInfo.TotalPages = total
		if r.Status == record.StatusQueued {
			return r.Transition(record.StatusExtracting, "extracting", fmt.Sprintf("Splitting %d pages", total))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for n := 1; n <= total; n++ {
		if p, ok := rec.Pages[n]; ok && p.ImageRef != "" {
			continue
		}
		img, err := doc.Render(ctx, n)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return apperr.Fatal(op, fmt.Errorf("render page %d: %w", n, err))
		}
		name := record.PageImageName(n, render.PageExt)
		if err := scope.Put(ctx, name, img); err != nil {
			return err
		}

		rec, err = o.deps.Jobs.Update(ctx, rec.JobID, func(r *record.ProcessingRecord) error {
			now := o.now().UTC()
			if err := r.SetPage(n, record.PageRecord{Status: record.PagePending, ImageRef: name, ExtractedAt: &now}); err != nil {
				return err
			}
			r.SetPercent(record.ExtractionPercent(n, total))
			r.Message = fmt.Sprintf("Extracted page %d of %d", n, total)
			return nil
		})
		if err != nil {
			return err
		}
	}

	_, err = o.deps.Jobs.Update(ctx, rec.JobID, func(r *record.ProcessingRecord) error {
		r.SetPercent(record.ExtractionCeiling)
		return r.Transition(record.StatusPending, "extracted", fmt.Sprintf("%d pages ready for recognition", total))
	})
	if err == nil {
		log.Info().Str("job_id", rec.JobID).Int("pages", total).Msg("extraction finished")
	}
	return err
}

// singlePage registers an image source as the job's only page and skips
// straight to the recognition band.
func (o *Orchestrator) singlePage(ctx context.Context, rec *record.ProcessingRecord, scope partition.Scope, raw []byte, info filetype.Info) error {
	name := record.PageImageName(1, render.ImageExt(info, rec.FileInfo.Filename))
	if err := scope.Put(ctx, name, raw); err != nil {
		return err
	}
	_, err := o.deps.Jobs.Update(ctx, rec.JobID, func(r *record.ProcessingRecord) error {
		now := o.now().UTC()
		r.FileInfo.TotalPages = 1
		if err := r.SetPage(1, record.PageRecord{Status: record.PagePending, ImageRef: name, ExtractedAt: &now}); err != nil {
			return err
		}
		r.SetPercent(record.ExtractionCeiling)
		return r.Transition(record.StatusPending, "extracted", "1 page ready for recognition")
	})
	return err
}
