package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	backend "github.com/redis/go-redis/v9"
)

var ErrLockNotHeld = errors.New("lock was not held or already expired")

// RedsyncLocker is a Locker backed by redsync mutexes.
type RedsyncLocker struct {
	rs         *redsync.Redsync
	prefix     string
	tries      int
	retryDelay time.Duration
}

func NewRedsyncLocker(client *backend.Client, prefix string) *RedsyncLocker {
	return &RedsyncLocker{
		rs:         redsync.New(goredis.NewPool(client)),
		prefix:     prefix,
		tries:      32,
		retryDelay: 50 * time.Millisecond,
	}
}

func (l *RedsyncLocker) Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	mutex := l.rs.NewMutex(l.prefix+"lock:"+key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(l.tries),
		redsync.WithRetryDelay(l.retryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("unlock %s: %w", key, err)
		}
		if !ok {
			return ErrLockNotHeld
		}
		return nil
	}, nil
}
