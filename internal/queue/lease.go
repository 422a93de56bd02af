package queue

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned when a lease expired or was taken over.
var ErrLeaseLost = errors.New("lease lost")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Lease is a single-holder lock with a TTL, so a crashed holder only blocks
// others until the TTL runs out.
type Lease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewLease(client *redis.Client, key string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Lease{client: client, key: key, ttl: ttl}
}

// TryAcquire takes the lease for owner if it is free.
func (l *Lease) TryAcquire(ctx context.Context, owner string) (bool, error) {
	return l.client.SetNX(ctx, l.key, owner, l.ttl).Result()
}

// Acquire polls until the lease is taken or ctx ends.
func (l *Lease) Acquire(ctx context.Context, owner string, poll time.Duration) error {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	for {
		ok, err := l.TryAcquire(ctx, owner)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// Extend pushes the expiry out by another TTL while owner still holds it.
func (l *Lease) Extend(ctx context.Context, owner string) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release frees the lease if owner still holds it.
func (l *Lease) Release(ctx context.Context, owner string) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, owner).Result()
	return err
}
