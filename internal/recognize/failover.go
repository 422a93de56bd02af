package recognize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Breaker is the cooldown store consulted before calling an engine.
type Breaker interface {
	IsOpen(ctx context.Context, engine string) bool
	Trip(ctx context.Context, engine string) time.Duration
	Reset(ctx context.Context, engine string)
}

// Chain tries engines in order, moving to the next one only on transient
// errors. An engine whose breaker is open is skipped.
type Chain struct {
	engines []Recognizer
	breaker Breaker
	timeout time.Duration
}

func NewChain(breaker Breaker, timeout time.Duration, engines ...Recognizer) *Chain {
	return &Chain{engines: engines, breaker: breaker, timeout: timeout}
}

func (c *Chain) Name() string {
	names := make([]string, len(c.engines))
	for i, e := range c.engines {
		names[i] = e.Name()
	}
	return strings.Join(names, ",")
}

func (c *Chain) Recognize(ctx context.Context, img Image) (string, error) {
	if len(c.engines) == 0 {
		return "", errors.New("no recognition engine configured")
	}
	var errs []error
	for i, eng := range c.engines {
		if c.breaker != nil && c.breaker.IsOpen(ctx, eng.Name()) {
			errs = append(errs, &RateLimitError{Engine: eng.Name(), Reason: "circuit open"})
			continue
		}

		text, err := c.call(ctx, eng, img)
		if err == nil {
			if c.breaker != nil {
				c.breaker.Reset(ctx, eng.Name())
			}
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", eng.Name(), err))

		if errors.Is(err, ErrRateLimited) && c.breaker != nil {
			d := c.breaker.Trip(ctx, eng.Name())
			log.Warn().Str("engine", eng.Name()).Dur("cooldown", d).Msg("recognition engine rate limited")
		}
		if !IsTransient(err) {
			break
		}
		if i < len(c.engines)-1 {
			log.Warn().
				Err(err).
				Str("job_id", img.JobID).
				Int("page", img.Page).
				Str("from", eng.Name()).
				Str("to", c.engines[i+1].Name()).
				Msg("recognition failover")
		}
	}
	return "", errors.Join(errs...)
}

func (c *Chain) call(ctx context.Context, eng Recognizer, img Image) (string, error) {
	if c.timeout <= 0 {
		return eng.Recognize(ctx, img)
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	text, err := eng.Recognize(cctx, img)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return "", &RateLimitError{Engine: eng.Name(), Reason: "timeout"}
	}
	return text, err
}
