// Package queue carries orchestration tasks between processes on Redis
// Streams, with a delayed ZSET for retries, a dead letter stream and a
// lease used to serialize recognition across every worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/local/pagetrack/internal/metrics"
)

// Task asks a worker to advance one job.
type Task struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason,omitempty"`
}

// Message is a delivered task awaiting Ack.
type Message struct {
	ID   string
	Task Task
}

// Dial connects to Redis and checks it answers.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return c, nil
}

// RedisQueue implements Redis Streams + consumer groups with a delayed ZSET mover.
type RedisQueue struct {
	client *redis.Client

	Stream     string
	Group      string
	DelayedKey string
	DLQStream  string

	pollInterval time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
	done         chan struct{}
}

// NewRedisQueue ensures stream & group exist and starts the delayed mover.
func NewRedisQueue(ctx context.Context, client *redis.Client, stream, group string, poll time.Duration) (*RedisQueue, error) {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	q := &RedisQueue{
		client:       client,
		Stream:       stream,
		Group:        group,
		DelayedKey:   stream + ":delayed",
		DLQStream:    stream + ":dlq",
		pollInterval: poll,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	// MKSTREAM creates the stream if missing
	if err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("xgroup create: %w", err)
	}
	go q.mover()
	return q, nil
}

func isBusyGroupErr(err error) bool {
	if err == nil {
		return false
	}
	// go-redis returns the raw Redis error string
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

// Close stops the mover. The client is owned by the caller.
func (q *RedisQueue) Close() {
	q.stopOnce.Do(func() {
		close(q.stop)
		<-q.done
	})
}

// Ping checks redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

// Enqueue adds a task to the stream as a single-field entry {data: <json>}.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.Stream,
		Values: map[string]any{"data": string(b)},
	}).Err()
}

// EnqueueDelayed schedules a task for later execution via ZSET.
func (q *RedisQueue) EnqueueDelayed(ctx context.Context, t Task, executeAt time.Time) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.DelayedKey, redis.Z{Score: float64(executeAt.UnixMilli()), Member: string(b)}).Err()
}

// Dequeue reads one task for consumer, blocking up to timeout. ok is false
// when nothing arrived.
func (q *RedisQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (Message, bool, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.Group,
		Consumer: consumer,
		Streams:  []string{q.Stream, ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Message{}, false, nil
		}
		return Message{}, false, err
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return Message{}, false, nil
	}
	msg := res[0].Messages[0]
	var raw string
	switch v := msg.Values["data"].(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	}
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil || t.JobID == "" {
		// poison message; park it and move on
		_ = q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.DLQStream, Values: map[string]any{"data": raw, "reason": "undecodable"}}).Err()
		_ = q.Ack(ctx, msg.ID)
		return Message{}, false, nil
	}
	return Message{ID: msg.ID, Task: t}, true, nil
}

// Ack marks a message as processed.
func (q *RedisQueue) Ack(ctx context.Context, msgID string) error {
	if msgID == "" {
		return nil
	}
	return q.client.XAck(ctx, q.Stream, q.Group, msgID).Err()
}

// AddDLQ pushes a task that can no longer be retried to the DLQ stream.
func (q *RedisQueue) AddDLQ(ctx context.Context, t Task, reason string) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.DLQStream, Values: map[string]any{"data": string(b), "reason": reason}}).Err()
}

// mover periodically moves due delayed tasks from ZSET into the stream.
func (q *RedisQueue) mover() {
	defer close(q.done)
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.moveOnce()
		}
	}
}

func (q *RedisQueue) moveOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	now := time.Now().UnixMilli()
	vals, err := q.client.ZRangeByScore(ctx, q.DelayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: 100,
	}).Result()
	if err != nil || len(vals) == 0 {
		return
	}
	for _, s := range vals {
		// ZREM first so two movers never both forward the same task
		removed, err := q.client.ZRem(ctx, q.DelayedKey, s).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.Stream, Values: map[string]any{"data": s}}).Err(); err != nil {
			log.Error().Err(err).Msg("move delayed task")
		}
	}
}

// Depths returns approximate stream/deferred/dlq lengths and publishes them.
func (q *RedisQueue) Depths(ctx context.Context) (int64, int64, int64, error) {
	pipe := q.client.Pipeline()
	xlen := pipe.XLen(ctx, q.Stream)
	zcard := pipe.ZCard(ctx, q.DelayedKey)
	dxlen := pipe.XLen(ctx, q.DLQStream)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	metrics.SetQueueDepth("stream", xlen.Val())
	metrics.SetQueueDepth("delayed", zcard.Val())
	metrics.SetQueueDepth("dlq", dxlen.Val())
	return xlen.Val(), zcard.Val(), dxlen.Val(), nil
}
