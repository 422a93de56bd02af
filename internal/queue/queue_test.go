package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestEnqueueDequeueAck(t *testing.T) {
	_, c := newRedis(t)
	ctx := context.Background()
	q, err := NewRedisQueue(ctx, c, "tasks", "workers", 10*time.Millisecond)
	require.NoError(t, err)
	defer q.Close()

	// creating the group twice is fine
	q2, err := NewRedisQueue(ctx, c, "tasks", "workers", 10*time.Millisecond)
	require.NoError(t, err)
	q2.Close()

	require.NoError(t, q.Enqueue(ctx, Task{JobID: "job-1", Attempt: 1}))
	msg, ok, err := q.Dequeue(ctx, "c1", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-1", msg.Task.JobID)
	assert.Equal(t, 1, msg.Task.Attempt)
	require.NoError(t, q.Ack(ctx, msg.ID))

	_, ok, err = q.Dequeue(ctx, "c1", 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelayedTasksMoveWhenDue(t *testing.T) {
	_, c := newRedis(t)
	ctx := context.Background()
	q, err := NewRedisQueue(ctx, c, "tasks", "workers", 5*time.Millisecond)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.EnqueueDelayed(ctx, Task{JobID: "later"}, time.Now().Add(time.Hour)))
	require.NoError(t, q.EnqueueDelayed(ctx, Task{JobID: "soon"}, time.Now().Add(20*time.Millisecond)))

	var got Message
	require.Eventually(t, func() bool {
		msg, ok, err := q.Dequeue(ctx, "c1", 10*time.Millisecond)
		if err != nil || !ok {
			return false
		}
		got = msg
		return true
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "soon", got.Task.JobID)

	stream, delayed, dlq, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stream)
	assert.Equal(t, int64(1), delayed)
	assert.Zero(t, dlq)
}

func TestPoisonMessagesGoToDLQ(t *testing.T) {
	_, c := newRedis(t)
	ctx := context.Background()
	q, err := NewRedisQueue(ctx, c, "tasks", "workers", time.Second)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, c.XAdd(ctx, &redis.XAddArgs{Stream: "tasks", Values: map[string]any{"data": "{not json"}}).Err())
	_, ok, err := q.Dequeue(ctx, "c1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.AddDLQ(ctx, Task{JobID: "j"}, "exhausted"))
	_, _, dlq, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), dlq)
}

func TestLease(t *testing.T) {
	mr, c := newRedis(t)
	ctx := context.Background()
	l := NewLease(c, "lease:recognition", time.Second)

	ok, err := l.TryAcquire(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.TryAcquire(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)

	// only the holder can release or extend
	require.NoError(t, l.Release(ctx, "b"))
	assert.ErrorIs(t, l.Extend(ctx, "b"), ErrLeaseLost)
	require.NoError(t, l.Extend(ctx, "a"))
	assert.True(t, mr.Exists("lease:recognition"))

	require.NoError(t, l.Release(ctx, "a"))
	ok, err = l.TryAcquire(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)

	// an abandoned lease frees itself after the TTL
	mr.FastForward(2 * time.Second)
	require.NoError(t, l.Acquire(ctx, "c", time.Millisecond))

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(cctx, "d", 5*time.Millisecond), context.DeadlineExceeded)
}

func TestChainMarker(t *testing.T) {
	mr, c := newRedis(t)
	ctx := context.Background()
	q, err := NewRedisQueue(ctx, c, "tasks", "workers", 10*time.Millisecond)
	require.NoError(t, err)
	defer q.Close()

	started, err := q.StartChain(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, started)
	started, err = q.StartChain(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, started, "second chain for a live job")

	// renewal keeps it alive past the original ttl
	mr.FastForward(40 * time.Second)
	require.NoError(t, q.TouchChain(ctx, "job-1", time.Minute))
	mr.FastForward(40 * time.Second)
	assert.True(t, mr.Exists("tasks:chain:job-1"))

	// a lost chain expires and can be started again
	mr.FastForward(2 * time.Minute)
	started, err = q.StartChain(ctx, "job-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, started)

	require.NoError(t, q.EndChain(ctx, "job-1"))
	assert.False(t, mr.Exists("tasks:chain:job-1"))
}
