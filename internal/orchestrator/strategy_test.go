package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/pagetrack/internal/queue"
	"github.com/local/pagetrack/internal/recognize"
	"github.com/local/pagetrack/internal/record"
	"github.com/local/pagetrack/internal/retry"
)

func (f *fixture) waitFor(t *testing.T, jobID string, status record.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := f.reg.Refresh(context.Background(), jobID)
		return err == nil && rec.Status == status
	}, 5*time.Second, 5*time.Millisecond)
}

func TestLocalPool(t *testing.T) {
	f := newFixture(t, 3, Options{BatchSize: 2})
	pool := NewLocalPool(f.orch, 2)
	pool.Start(context.Background())
	defer pool.Stop()

	a := f.submit(t, "a.pdf", pdfSource)
	b := f.submit(t, "b.png", pngBytes(t))
	require.NoError(t, pool.Submit(context.Background(), a))
	require.NoError(t, pool.Submit(context.Background(), a))
	require.NoError(t, pool.Submit(context.Background(), b))

	f.waitFor(t, a, record.StatusCompleted)
	f.waitFor(t, b, record.StatusCompleted)
	for n := 1; n <= 3; n++ {
		assert.LessOrEqual(t, f.rec.count(n), 2, "page %d", n)
	}
}

func TestLocalPoolRejectsAfterStop(t *testing.T) {
	f := newFixture(t, 1, Options{})
	pool := NewLocalPool(f.orch, 1)
	pool.Start(context.Background())
	pool.Stop()
	assert.ErrorIs(t, pool.Submit(context.Background(), "x"), ErrStopped)
}

func newQueue(t *testing.T) (*miniredis.Miniredis, *redis.Client, *queue.RedisQueue) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	q, err := queue.NewRedisQueue(context.Background(), c, "jobs", "workers", 5*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return mr, c, q
}

func TestQueueWorker(t *testing.T) {
	f := newFixture(t, 4, Options{BatchSize: 2})
	f.rec.fail = func(page, call int) error {
		if page == 3 && call == 1 {
			return &recognize.RateLimitError{Engine: "echo", Reason: "429"}
		}
		return nil
	}
	_, c, q := newQueue(t)
	lease := queue.NewLease(c, "lease:jobs", time.Second)

	// two consumers share the stream; the lease keeps them from overlapping
	var workers []*QueueWorker
	for _, name := range []string{"w1", "w2"} {
		w := NewQueueWorker(f.orch, q, lease, QueueOptions{Consumer: name, Poll: 10 * time.Millisecond})
		w.Start(context.Background())
		workers = append(workers, w)
	}
	defer func() {
		for _, w := range workers {
			w.Stop()
		}
	}()

	jobID := f.submit(t, "a.pdf", pdfSource)
	require.NoError(t, workers[0].Submit(context.Background(), jobID))
	f.waitFor(t, jobID, record.StatusCompleted)

	assert.Equal(t, 2, f.rec.count(3))
	for _, n := range []int{1, 2, 4} {
		assert.Equal(t, 1, f.rec.count(n), "page %d", n)
	}
	assert.Contains(t, f.combined(t), "=== Page 4 ===\ntext of page 4")
}

type flakyQueue struct {
	TaskQueue
	mu      sync.Mutex
	delayed []queue.Task
	dlq     []queue.Task
	enq     []queue.Task
	ended   int
}

func (q *flakyQueue) Enqueue(ctx context.Context, t queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enq = append(q.enq, t)
	return nil
}

func (q *flakyQueue) EnqueueDelayed(ctx context.Context, t queue.Task, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed = append(q.delayed, t)
	return nil
}

func (q *flakyQueue) AddDLQ(ctx context.Context, t queue.Task, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dlq = append(q.dlq, t)
	return nil
}

func (q *flakyQueue) Ack(ctx context.Context, id string) error { return nil }

func (q *flakyQueue) TouchChain(ctx context.Context, jobID string, ttl time.Duration) error {
	return nil
}

func (q *flakyQueue) EndChain(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ended++
	return nil
}

func TestQueueWorkerSchedule(t *testing.T) {
	f := newFixture(t, 1, Options{})
	jobID := f.submit(t, "a.pdf", pdfSource)
	fq := &flakyQueue{}
	w := NewQueueWorker(f.orch, fq, nil, QueueOptions{MaxAttempts: 2})
	ctx := context.Background()

	require.NoError(t, w.schedule(ctx, queue.Task{JobID: jobID, Attempt: 1}, Step{}, nil))
	require.NoError(t, w.schedule(ctx, queue.Task{JobID: jobID, Attempt: 1}, Step{Retry: true}, nil))
	require.NoError(t, w.schedule(ctx, queue.Task{JobID: jobID, Attempt: 1}, Step{Done: true}, nil))
	require.NoError(t, w.schedule(ctx, queue.Task{JobID: jobID, Attempt: 1}, Step{}, assert.AnError))
	assert.Len(t, fq.enq, 1)
	require.Len(t, fq.delayed, 2)
	assert.Equal(t, 2, fq.delayed[1].Attempt)
	assert.Equal(t, 1, fq.ended)

	// the last attempt goes to the dead letter stream and fails the job
	require.NoError(t, w.schedule(ctx, queue.Task{JobID: jobID, Attempt: 2}, Step{}, assert.AnError))
	assert.Len(t, fq.dlq, 1)
	assert.Equal(t, 2, fq.ended)
	assert.Equal(t, record.StatusFailed, f.get(t, jobID).Status)
}

var errTimeout = errors.New("redis: i/o timeout")

// failingLease fails the first n Acquire calls.
type failingLease struct {
	*queue.Lease
	mu sync.Mutex
	n  int
}

func (l *failingLease) Acquire(ctx context.Context, owner string, poll time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n > 0 {
		l.n--
		return errTimeout
	}
	return l.Lease.Acquire(ctx, owner, poll)
}

// failingQueue fails the Enqueue call numbered failAt, counting from 1.
type failingQueue struct {
	TaskQueue
	mu     sync.Mutex
	calls  int
	failAt int
}

func (q *failingQueue) Enqueue(ctx context.Context, t queue.Task) error {
	q.mu.Lock()
	q.calls++
	fail := q.calls == q.failAt
	q.mu.Unlock()
	if fail {
		return errTimeout
	}
	return q.TaskQueue.Enqueue(ctx, t)
}

func TestQueueWorkerSurvivesRedisErrors(t *testing.T) {
	once := retry.Policy{Attempts: 1}
	tests := []struct {
		name  string
		wrap  func(*queue.RedisQueue, *queue.Lease) (TaskQueue, Lease)
		retry retry.Policy
	}{
		{
			name: "lease acquire retried in place",
			wrap: func(q *queue.RedisQueue, l *queue.Lease) (TaskQueue, Lease) {
				return q, &failingLease{Lease: l, n: 1}
			},
		},
		{
			name: "lease acquire handled again",
			wrap: func(q *queue.RedisQueue, l *queue.Lease) (TaskQueue, Lease) {
				return q, &failingLease{Lease: l, n: 2}
			},
			retry: once,
		},
		{
			name: "follow-up enqueue handled again",
			wrap: func(q *queue.RedisQueue, l *queue.Lease) (TaskQueue, Lease) {
				// call 1 is Submit; call 2 is the first follow-up
				return &failingQueue{TaskQueue: q, failAt: 2}, l
			},
			retry: once,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 2, Options{})
			mr, c, q := newQueue(t)
			tq, lease := tt.wrap(q, queue.NewLease(c, "lease:jobs", time.Second))
			w := NewQueueWorker(f.orch, tq, lease, QueueOptions{Consumer: "w1", Poll: 10 * time.Millisecond, Retry: tt.retry})
			w.Start(context.Background())
			defer w.Stop()

			jobID := f.submit(t, "a.pdf", pdfSource)
			require.NoError(t, w.Submit(context.Background(), jobID))
			f.waitFor(t, jobID, record.StatusCompleted)
			assert.Contains(t, f.combined(t), "=== Page 2 ===\ntext of page 2")
			require.Eventually(t, func() bool { return !mr.Exists("jobs:chain:" + jobID) }, 2*time.Second, 5*time.Millisecond)
		})
	}
}

func TestSubmitStartsOneTaskChain(t *testing.T) {
	f := newFixture(t, 2, Options{})
	mr, c, q := newQueue(t)
	w := NewQueueWorker(f.orch, q, queue.NewLease(c, "lease:jobs", time.Second), QueueOptions{Consumer: "w1", ChainTTL: time.Minute})
	ctx := context.Background()
	jobID := f.submit(t, "a.pdf", pdfSource)

	require.NoError(t, w.Submit(ctx, jobID))
	require.NoError(t, w.Submit(ctx, jobID))
	// another process booting resubmits nothing while the chain is alive
	n, err := Recover(ctx, f.st, f.reg, w)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), c.XLen(ctx, "jobs").Val())

	// a chain whose marker lapsed was lost and is started again
	mr.FastForward(2 * time.Minute)
	require.NoError(t, w.Submit(ctx, jobID))
	assert.Equal(t, int64(2), c.XLen(ctx, "jobs").Val())
}

type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []string
}

func (s *recordingSubmitter) Submit(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, jobID)
	return nil
}

func TestRecover(t *testing.T) {
	f := newFixture(t, 1, Options{})
	done := f.submit(t, "a.pdf", pdfSource)
	f.drive(t, done)
	open := f.submit(t, "b.pdf", pdfSource)
	_, err := f.orch.Advance(context.Background(), open)
	require.NoError(t, err)

	sub := &recordingSubmitter{}
	n, err := Recover(context.Background(), f.st, f.reg, sub)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{open}, sub.jobs)
}
