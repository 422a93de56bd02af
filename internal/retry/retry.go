// Package retry is the one bounded retry/backoff helper used for reads that
// follow writes on weakly consistent storage and for ownership checks.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Policy bounds a retry loop. Attempts counts the first try.
type Policy struct {
	Name      string
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Default is 3 attempts starting at 200ms.
func Default() Policy {
	return Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Named returns a copy of p labelled for logging.
func (p Policy) Named(name string) Policy {
	p.Name = name
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = time.Millisecond
	}
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.1
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do runs op until it succeeds, the attempt budget is spent, or retryable
// reports false for the returned error. A nil retryable retries every error.
// The last error is returned unchanged.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Debug().
			Err(err).
			Str("op", p.Name).
			Int("attempt", attempt).
			Dur("next", next).
			Msg("retrying")
	}
	return backoff.RetryNotify(operation, p.backOff(ctx), notify)
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, retryable func(error) bool, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, retryable, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
