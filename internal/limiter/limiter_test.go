package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateSerializes(t *testing.T) {
	g := NewGate(1)
	var active, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Acquire(context.Background())
			require.NoError(t, err)
			defer release()
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), peak.Load())
	assert.Equal(t, 0, g.InUse())
}

func TestGateAcquireHonoursContext(t *testing.T) {
	g := NewGate(1)
	release, err := g.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok := g.TryAcquire()
	assert.False(t, ok)

	release()
	release()
	assert.Equal(t, 0, g.InUse())
	rel, ok := g.TryAcquire()
	assert.True(t, ok)
	rel()
}

func TestBreaker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	b := NewBreaker(rdb, BreakerOptions{BaseBackoff: time.Minute, MaxBackoff: 3 * time.Minute})
	assert.False(t, b.IsOpen(ctx, "openai"))

	assert.Equal(t, time.Minute, b.Trip(ctx, "openai"))
	assert.True(t, b.IsOpen(ctx, "OpenAI"))
	assert.False(t, b.IsOpen(ctx, "tesseract"))
	assert.Equal(t, 2*time.Minute, b.Trip(ctx, "openai"))
	assert.Equal(t, 3*time.Minute, b.Trip(ctx, "openai"))

	b.Reset(ctx, "openai")
	assert.False(t, b.IsOpen(ctx, "openai"))

	b.Trip(ctx, "openai")
	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.False(t, b.IsOpen(ctx, "openai"))
}
