// Package lock serialises writers of one bundle or order.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrLockLost cancels the callback context when another holder took over
	// an expired lock.
	ErrLockLost = errors.New("lock: ownership lost")

	errNoCallback = errors.New("lock: callback not provided")
)

// Locker runs fn while holding an exclusive lock on key.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Local is an in-process Locker for single-node deployments and tests.
type Local struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// WithLock implements Locker. ttl is ignored.
func (l *Local) WithLock(ctx context.Context, key string, _ time.Duration, fn func(context.Context) error) error {
	if fn == nil {
		return errNoCallback
	}
	for {
		l.mu.Lock()
		if l.locks == nil {
			l.locks = make(map[string]chan struct{})
		}
		held, busy := l.locks[key]
		if !busy {
			done := make(chan struct{})
			l.locks[key] = done
			l.mu.Unlock()
			defer func() {
				l.mu.Lock()
				delete(l.locks, key)
				l.mu.Unlock()
				close(done)
			}()
			return fn(ctx)
		}
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-held:
		}
	}
}
