package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TickLock is a non-blocking distributed lock used to keep two replicas of
// the same reconciler from overlapping a tick. A replica that cannot acquire
// the lock skips the tick rather than waiting for it.
type TickLock struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewTickLock builds a TickLock backed by rdb. ttl should be comfortably
// longer than one reconciler tick so a crashed holder's lock still expires.
func NewTickLock(rdb *redis.Client, ttl time.Duration) *TickLock {
	return &TickLock{rdb: rdb, ttl: ttl}
}

// TryAcquire attempts to take the named lock for this process and returns
// whether it succeeded. The lock is released automatically after ttl even if
// Release is never called.
func (l *TickLock) TryAcquire(ctx context.Context, name string) (bool, error) {
	key := lockKey(name)
	ok, err := l.rdb.SetNX(ctx, key, "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring tick lock %q: %w", name, err)
	}
	return ok, nil
}

// Release drops the named lock early, allowing the next tick (on this or any
// other replica) to proceed without waiting out the TTL.
func (l *TickLock) Release(ctx context.Context, name string) error {
	if err := l.rdb.Del(ctx, lockKey(name)).Err(); err != nil {
		return fmt.Errorf("releasing tick lock %q: %w", name, err)
	}
	return nil
}

func lockKey(name string) string {
	return "vtscan:ticklock:" + name
}
