// Package limiter bounds how much recognition work runs at once and keeps a
// cooldown breaker per recognition engine.
package limiter

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Gate is a counting semaphore whose Acquire honours context cancellation.
// The recognition gate has capacity 1 so page recognition is globally
// serialized within a process.
type Gate struct {
	slots chan struct{}
	inUse atomic.Int64
}

func NewGate(capacity int) *Gate {
	if capacity <= 0 {
		capacity = 1
	}
	return &Gate{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free. The returned release must be called
// exactly once.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	g.inUse.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			g.inUse.Add(-1)
			<-g.slots
		}
	}, nil
}

// TryAcquire reserves a slot without waiting.
func (g *Gate) TryAcquire() (func(), bool) {
	select {
	case g.slots <- struct{}{}:
		g.inUse.Add(1)
		var once atomic.Bool
		return func() {
			if once.CompareAndSwap(false, true) {
				g.inUse.Add(-1)
				<-g.slots
			}
		}, true
	default:
		return func() {}, false
	}
}

func (g *Gate) InUse() int    { return int(g.inUse.Load()) }
func (g *Gate) Capacity() int { return cap(g.slots) }

// Breaker tracks a cooldown per engine in Redis so every process backs off
// together after a provider starts rejecting requests.
type Breaker struct {
	rdb         redis.Cmdable
	baseBackoff time.Duration
	maxBackoff  time.Duration
	now         func() time.Time
}

type BreakerOptions struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewBreaker(rdb redis.Cmdable, opts BreakerOptions) *Breaker {
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 30 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	return &Breaker{rdb: rdb, baseBackoff: opts.BaseBackoff, maxBackoff: opts.MaxBackoff, now: time.Now}
}

func (b *Breaker) key(engine string) string {
	return fmt.Sprintf("cb:%s", strings.ToLower(engine))
}

// IsOpen returns true while the engine's cooldown is active.
func (b *Breaker) IsOpen(ctx context.Context, engine string) bool {
	ts, err := b.rdb.Get(ctx, b.key(engine)).Int64()
	if err != nil {
		return false
	}
	return b.now().Unix() < ts
}

// Trip opens or extends the cooldown, doubling it on every consecutive trip.
// It returns the cooldown applied.
func (b *Breaker) Trip(ctx context.Context, engine string) time.Duration {
	k := b.key(engine)
	attempts, _ := b.rdb.Incr(ctx, k+":attempts").Result()
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 16 {
		attempts = 16
	}
	d := b.baseBackoff * (1 << (attempts - 1))
	if d > b.maxBackoff {
		d = b.maxBackoff
	}
	until := b.now().Add(d).Unix()
	_ = b.rdb.Set(ctx, k, until, d).Err()
	_ = b.rdb.Expire(ctx, k+":attempts", b.maxBackoff*2).Err()
	return d
}

// Reset closes the breaker after a success.
func (b *Breaker) Reset(ctx context.Context, engine string) {
	k := b.key(engine)
	_ = b.rdb.Del(ctx, k, k+":attempts").Err()
}
