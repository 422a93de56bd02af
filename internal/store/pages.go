package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/local/pagetrack/internal/partition"
	"github.com/local/pagetrack/internal/record"
	"github.com/local/pagetrack/internal/retry"
	"github.com/local/pagetrack/internal/storage"
)

// SavePageText writes page n's recognized text and returns its artifact name.
func (s *Store) SavePageText(ctx context.Context, scope partition.Scope, n int, text string) (string, error) {
	name := record.PageResultName(n)
	if err := scope.Put(ctx, name, []byte(text)); err != nil {
		return "", fmt.Errorf("save page %d text: %w", n, err)
	}
	return name, nil
}

// ReadArtifact reads a session artifact that may have just been written.
func (s *Store) ReadArtifact(ctx context.Context, scope partition.Scope, name string) ([]byte, error) {
	data, err := retry.Value(ctx, s.policy.Named("read_artifact"), retryable, func(ctx context.Context) ([]byte, error) {
		return scope.Get(ctx, name)
	})
	return data, escalate("store.read_artifact", err)
}

// AggregateText joins page texts in page order under "=== Page N ==="
// markers. Failed or unreadable pages get a placeholder line.
func (s *Store) AggregateText(ctx context.Context, scope partition.Scope, rec *record.ProcessingRecord) string {
	var b strings.Builder
	for i, n := range rec.PageNumbers() {
		p := rec.Pages[n]
		var text string
		switch {
		case p.Status == record.PageFailed:
			text = fmt.Sprintf("[Page %d - recognition failed: %s]", n, p.Error)
		case p.ResultRef == "":
			text = fmt.Sprintf("[Page %d - no text]", n)
		default:
			data, err := s.ReadArtifact(ctx, scope, p.ResultRef)
			if err != nil {
				if !errors.Is(err, storage.ErrNotFound) {
					log.Warn().Err(err).Str("job_id", rec.JobID).Int("page", n).Msg("page text unreadable")
				}
				text = fmt.Sprintf("[Page %d - error retrieving text]", n)
			} else {
				text = string(data)
			}
		}

		if i > 0 {
			b.WriteString("\n\n")
		}
		marker := fmt.Sprintf("=== Page %d ===", n)
		if !strings.HasPrefix(strings.TrimSpace(text), marker) {
			b.WriteString(marker + "\n")
		}
		b.WriteString(text)
	}
	return b.String()
}
