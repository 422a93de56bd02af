package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/pagetrack/internal/apperr"
	"github.com/local/pagetrack/internal/queue"
	"github.com/local/pagetrack/internal/retry"
)

// TaskQueue is the durable task transport.
type TaskQueue interface {
	Enqueue(ctx context.Context, t queue.Task) error
	EnqueueDelayed(ctx context.Context, t queue.Task, at time.Time) error
	Dequeue(ctx context.Context, consumer string, timeout time.Duration) (queue.Message, bool, error)
	Ack(ctx context.Context, msgID string) error
	AddDLQ(ctx context.Context, t queue.Task, reason string) error
	Depths(ctx context.Context) (int64, int64, int64, error)

	StartChain(ctx context.Context, jobID string, ttl time.Duration) (bool, error)
	TouchChain(ctx context.Context, jobID string, ttl time.Duration) error
	EndChain(ctx context.Context, jobID string) error
}

// Lease serializes dispatch across every worker sharing the queue.
type Lease interface {
	Acquire(ctx context.Context, owner string, poll time.Duration) error
	Extend(ctx context.Context, owner string) error
	Release(ctx context.Context, owner string) error
}

type QueueOptions struct {
	Consumer string
	// MaxAttempts bounds how often a task that keeps erroring is retried
	// before it goes to the dead letter stream.
	MaxAttempts int
	LeaseTTL    time.Duration
	Poll        time.Duration
	// ChainTTL is how long a job's task chain counts as alive without
	// progress. Submit does not start a second chain while one is alive.
	ChainTTL time.Duration
	// Retry bounds retries of the Redis calls around a step: the lease,
	// follow-up tasks and the ack.
	Retry retry.Policy
}

// QueueWorker advances jobs from a Redis stream. Each task advances a job
// by one step under the global lease, then schedules the follow-up step, so
// at most one step is dispatched at a time no matter how many processes
// consume the stream.
type QueueWorker struct {
	orch  *Orchestrator
	queue TaskQueue
	lease Lease
	opts  QueueOptions

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewQueueWorker(orch *Orchestrator, q TaskQueue, lease Lease, opts QueueOptions) *QueueWorker {
	if opts.Consumer == "" {
		opts.Consumer = "worker-" + uuid.NewString()[:8]
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = maxConsecutiveErrors
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	if opts.Poll <= 0 {
		opts.Poll = time.Second
	}
	if opts.ChainTTL <= 0 {
		opts.ChainTTL = 6 * opts.LeaseTTL
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = retry.Policy{Attempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
	}
	return &QueueWorker{orch: orch, queue: q, lease: lease, opts: opts}
}

// Submit enqueues the first step of jobID unless a task chain for the job
// is already alive.
func (w *QueueWorker) Submit(ctx context.Context, jobID string) error {
	var started bool
	err := w.do(ctx, "start_chain", func(ctx context.Context) error {
		var err error
		started, err = w.queue.StartChain(ctx, jobID, w.opts.ChainTTL)
		return err
	})
	if err != nil {
		return err
	}
	if !started {
		log.Debug().Str("job_id", jobID).Msg("task chain already running; not resubmitting")
		return nil
	}
	task := queue.Task{JobID: jobID, Attempt: 1, Reason: "submitted"}
	if err := w.do(ctx, "enqueue", func(ctx context.Context) error { return w.queue.Enqueue(ctx, task) }); err != nil {
		if eerr := w.queue.EndChain(context.WithoutCancel(ctx), jobID); eerr != nil {
			log.Warn().Err(eerr).Str("job_id", jobID).Msg("clear chain marker")
		}
		return err
	}
	return nil
}

// do retries a Redis call around a step.
func (w *QueueWorker) do(ctx context.Context, name string, fn func(context.Context) error) error {
	return retry.Do(ctx, w.opts.Retry.Named("queue."+name), func(err error) bool { return ctx.Err() == nil }, fn)
}

func (w *QueueWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	log.Info().Str("consumer", w.opts.Consumer).Msg("queue orchestrator started")
}

func (w *QueueWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *QueueWorker) loop(ctx context.Context) {
	defer w.wg.Done()
	for ctx.Err() == nil {
		msg, ok, err := w.queue.Dequeue(ctx, w.opts.Consumer, w.opts.Poll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("queue dequeue error")
			sleep(ctx, 500*time.Millisecond)
			continue
		}
		if !ok {
			continue
		}
		// the message stays with this consumer until handled, so keep
		// trying rather than leave the job without a task
		for {
			err := w.Handle(ctx, msg)
			if err == nil || ctx.Err() != nil {
				break
			}
			log.Error().Err(err).Str("job_id", msg.Task.JobID).Msg("handle task; trying again")
			if !sleep(ctx, w.orch.RetryDelay()) {
				return
			}
		}
		if _, _, _, err := w.queue.Depths(ctx); err != nil && ctx.Err() == nil {
			log.Debug().Err(err).Msg("queue depths")
		}
	}
}

// Handle runs one delivered task and schedules whatever comes next. The
// message is acked once the follow-up is durable.
func (w *QueueWorker) Handle(ctx context.Context, msg queue.Message) error {
	t := msg.Task
	owner := fmt.Sprintf("%s/%s", w.opts.Consumer, uuid.NewString())
	err := w.do(ctx, "acquire_lease", func(ctx context.Context) error {
		return w.lease.Acquire(ctx, owner, 50*time.Millisecond)
	})
	if err != nil {
		return err
	}

	hctx, stop := context.WithCancel(ctx)
	var kwg sync.WaitGroup
	kwg.Add(1)
	go func() {
		defer kwg.Done()
		w.keepAlive(hctx, t.JobID, owner, stop)
	}()

	step, err := w.orch.Advance(hctx, t.JobID)

	stop()
	kwg.Wait()
	if rerr := w.lease.Release(context.WithoutCancel(ctx), owner); rerr != nil {
		log.Warn().Err(rerr).Msg("release lease")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if next := w.schedule(ctx, t, step, err); next != nil {
		return next
	}
	return w.do(ctx, "ack", func(ctx context.Context) error { return w.queue.Ack(ctx, msg.ID) })
}

// schedule decides the follow-up of task t and makes it durable.
func (w *QueueWorker) schedule(ctx context.Context, t queue.Task, step Step, err error) error {
	delay := w.orch.RetryDelay()
	switch {
	case err != nil && apperr.IsKind(err, apperr.KindNotFound):
		log.Warn().Err(err).Str("job_id", t.JobID).Msg("job vanished; dropping task")
		return w.endChain(ctx, t.JobID)
	case err != nil && t.Attempt >= w.opts.MaxAttempts:
		if dlqErr := w.do(ctx, "dlq", func(ctx context.Context) error { return w.queue.AddDLQ(ctx, t, err.Error()) }); dlqErr != nil {
			return dlqErr
		}
		log.Error().Err(err).Str("job_id", t.JobID).Int("attempt", t.Attempt).Msg("task exhausted; moved to DLQ")
		if ferr := w.orch.Fail(ctx, t.JobID, fmt.Errorf("gave up after %d attempts: %w", t.Attempt, err)); ferr != nil {
			return ferr
		}
		return w.endChain(ctx, t.JobID)
	case err != nil:
		log.Warn().Err(err).Str("job_id", t.JobID).Int("attempt", t.Attempt).Msg("advance failed; retrying")
		next := queue.Task{JobID: t.JobID, Attempt: t.Attempt + 1, Reason: err.Error()}
		return w.follow(ctx, next, delay*time.Duration(t.Attempt))
	case step.Done:
		return w.endChain(ctx, t.JobID)
	case step.Retry:
		return w.follow(ctx, queue.Task{JobID: t.JobID, Attempt: 1, Reason: "page retry"}, delay)
	default:
		return w.follow(ctx, queue.Task{JobID: t.JobID, Attempt: 1, Reason: "next batch"}, 0)
	}
}

// follow renews the chain marker and adds the next task, delayed when
// after is positive.
func (w *QueueWorker) follow(ctx context.Context, next queue.Task, after time.Duration) error {
	return w.do(ctx, "follow_up", func(ctx context.Context) error {
		if err := w.queue.TouchChain(ctx, next.JobID, w.opts.ChainTTL); err != nil {
			return err
		}
		if after > 0 {
			return w.queue.EnqueueDelayed(ctx, next, time.Now().Add(after))
		}
		return w.queue.Enqueue(ctx, next)
	})
}

func (w *QueueWorker) endChain(ctx context.Context, jobID string) error {
	return w.do(ctx, "end_chain", func(ctx context.Context) error { return w.queue.EndChain(ctx, jobID) })
}

// keepAlive extends the lease and renews the chain marker while a step
// runs, and cancels the step if the lease is lost.
func (w *QueueWorker) keepAlive(ctx context.Context, jobID, owner string, lost context.CancelFunc) {
	tick := time.NewTicker(w.opts.LeaseTTL / 3)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := w.queue.TouchChain(ctx, jobID, w.opts.ChainTTL); err != nil && ctx.Err() == nil {
				log.Debug().Err(err).Str("job_id", jobID).Msg("renew chain marker")
			}
			if err := w.lease.Extend(ctx, owner); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Str("owner", owner).Msg("lease lost; abandoning step")
				lost()
				return
			}
		}
	}
}
