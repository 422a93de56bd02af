package queue

import (
	"context"
	"time"
)

// A job's task chain is the sequence of tasks that advance it, each one
// enqueuing the next. The chain marker says a chain is alive; it is renewed
// whenever the chain makes progress and expires when the chain was lost,
// for example with a consumer that crashed holding the only task.

func (q *RedisQueue) chainKey(jobID string) string { return q.Stream + ":chain:" + jobID }

// StartChain marks a chain for jobID as running. It reports false when one
// is already alive, in which case no task should be added.
func (q *RedisQueue) StartChain(ctx context.Context, jobID string, ttl time.Duration) (bool, error) {
	return q.client.SetNX(ctx, q.chainKey(jobID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// TouchChain renews the marker of a live chain.
func (q *RedisQueue) TouchChain(ctx context.Context, jobID string, ttl time.Duration) error {
	return q.client.Set(ctx, q.chainKey(jobID), time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

// EndChain clears the marker once the job needs no further tasks.
func (q *RedisQueue) EndChain(ctx context.Context, jobID string) error {
	return q.client.Del(ctx, q.chainKey(jobID)).Err()
}
