// Package entitylock serializes status transitions per domain entity. Two
// concurrent transitions on the same subject are mutually exclusive; across
// different subjects there is no ordering.
package entitylock

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Locker obtains short-lived per-entity advisory locks in Redis.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

func New(rdb *redis.Client, ttl time.Duration) *Locker {
	if ttl == 0 {
		ttl = 10 * time.Second
	}
	return &Locker{
		client: redislock.New(rdb),
		ttl:    ttl,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 100),
	}
}

// WithLock runs fn while holding the entity's lock. The lock covers the
// read-validate-write of a status transition, never an external call.
func (l *Locker) WithLock(ctx context.Context, entityID string, fn func(ctx context.Context) error) error {
	lock, err := l.client.Obtain(ctx, "lock:entity:"+entityID, l.ttl, &redislock.Options{
		RetryStrategy: l.retry,
	})
	if err != nil {
		return fmt.Errorf("obtain entity lock %s: %w", entityID, err)
	}
	defer lock.Release(ctx)
	return fn(ctx)
}
