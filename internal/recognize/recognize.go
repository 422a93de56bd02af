// Package recognize turns one page image into text. Engines are remote
// vision models or a local OCR engine; errors are classified so callers can
// tell a retryable provider hiccup from a page that will never succeed.
package recognize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/local/pagetrack/internal/metrics"
)

// Image is one page handed to an engine.
type Image struct {
	JobID string
	Page  int
	Data  []byte
	MIME  string
}

// Recognizer extracts the text of a single page image.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, img Image) (string, error)
}

// Func adapts a function to Recognizer.
type Func struct {
	Engine string
	Fn     func(ctx context.Context, img Image) (string, error)
}

func (f Func) Name() string {
	if f.Engine == "" {
		return "func"
	}
	return f.Engine
}

func (f Func) Recognize(ctx context.Context, img Image) (string, error) { return f.Fn(ctx, img) }

var (
	ErrRateLimited    = errors.New("rate_limited")
	ErrContentRefused = errors.New("content_refused")
)

// RateLimitError represents a rate limit or timeout error
type RateLimitError struct {
	Engine string
	Reason string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit: %s - %s", e.Engine, e.Reason)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// HTTPError represents an HTTP status error from a provider
type HTTPError struct {
	StatusCode int
	Body       string
	Engine     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d from %s: %s", e.StatusCode, e.Engine, e.Body)
}

// IsTransient reports whether err is worth retrying: timeouts, rate limits,
// 5xx responses and connection failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}
	if IsFatal(err) {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "eof")
}

// IsFatal reports whether retrying err cannot help.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrContentRefused) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != 429
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "invalid request") ||
		strings.Contains(errStr, "bad request") ||
		strings.Contains(errStr, "malformed")
}

// Timed records recognition latency per engine.
type Timed struct{ Recognizer }

func (t Timed) Recognize(ctx context.Context, img Image) (string, error) {
	start := time.Now()
	text, err := t.Recognizer.Recognize(ctx, img)
	metrics.ObserveRecognize(t.Name(), time.Since(start))
	return text, err
}
