// Package lock provides the cross-instance mutual exclusion used by the
// scheduler's skip-if-running policy.
//
// A Provider hands out named, TTL-bounded locks. TryAcquire never blocks
// longer than the wait it is given; a nil Handle with a nil error means the
// lock is held elsewhere.
package lock

import (
	"context"
	"time"
)

// Provider acquires named locks.
type Provider interface {
	// TryAcquire attempts to take the lock name for at most ttl, retrying
	// for up to wait. Returns (nil, nil) when the lock is unavailable.
	TryAcquire(ctx context.Context, name string, ttl, wait time.Duration) (Handle, error)
}

// Handle is a held lock.
type Handle interface {
	// Name returns the lock name.
	Name() string
	// Release gives the lock up. Releasing a lock that has already expired
	// or been taken over is not an error.
	Release(ctx context.Context) error
}

// retryInterval is how often a waiting TryAcquire re-attempts.
const retryInterval = 25 * time.Millisecond

// retryUntil calls attempt until it reports success, wait elapses, or ctx
// is done. wait <= 0 means a single attempt.
func retryUntil(ctx context.Context, wait time.Duration, attempt func() (bool, error)) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := attempt()
		if err != nil || ok {
			return ok, err
		}
		if wait <= 0 || !time.Now().Before(deadline) {
			return false, nil
		}

		timer := time.NewTimer(retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}
