// Package statemgr owns every mutation of a space's state: it serializes
// transitions behind a per-space distributed lock, validates them against
// the transition table, appends the immutable audit records, and pushes
// the resulting display update into the downlink queue.
package statemgr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cpaumelle/smart-parking-platform-sub000/errors"
	"github.com/cpaumelle/smart-parking-platform-sub000/kv"
)

const (
	lockPrefix     = "lock:"
	lockTTL        = 5 * time.Second
	lockRetryDelay = 100 * time.Millisecond
)

// locker acquires short-lived exclusive locks through the shared KV
// store. Acquisition is bounded: one retry after a fixed delay, then the
// caller gets a contention error rather than an unbounded wait.
type locker struct {
	store  kv.Store
	logger *slog.Logger
}

// lease is a held lock. Only the holder that set the value can release
// it, so a slow holder's lease cannot be stolen and then released by a
// neighbor after expiry.
type lease struct {
	key   string
	token string
}

// acquire takes the lock for resource, retrying once on contention.
func (l *locker) acquire(ctx context.Context, resource string) (*lease, error) {
	key := lockPrefix + resource
	token := uuid.NewString()

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.WrapTransient(ctx.Err(), "statemgr", "locker.acquire", "lock wait")
			case <-time.After(lockRetryDelay):
			}
		}

		ok, err := l.store.SetNX(ctx, key, token, lockTTL)
		if err != nil {
			return nil, errors.WrapTransient(err, "statemgr", "locker.acquire", "lock set")
		}
		if ok {
			return &lease{key: key, token: token}, nil
		}
	}

	return nil, errors.WrapContention(
		fmt.Errorf("%w: %s", errors.ErrLockContention, resource),
		"statemgr", "locker.acquire", "lock acquisition")
}

// release frees the lock if this lease still holds it. A lease that
// expired and was taken over by another holder is left alone.
func (l *locker) release(ctx context.Context, ls *lease) {
	ok, err := l.store.CompareAndDelete(ctx, ls.key, ls.token)
	if err != nil {
		l.logger.Warn("lock release failed", "key", ls.key, "error", err)
		return
	}
	if !ok {
		l.logger.Warn("lock expired before release", "key", ls.key)
	}
}
