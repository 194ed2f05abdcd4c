// Package synclock serializes sync runs. Within a process a single-slot channel
// guards the critical section; an optional lock file extends the exclusion to
// other processes sharing the same ledger.
package synclock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// DefaultRetryDelay is how often a held lock file is re-tried.
const DefaultRetryDelay = 500 * time.Millisecond

// Lock is a mutual-exclusion lock whose acquisition honors a context.
type Lock struct {
	slot       chan struct{}
	file       *flock.Flock
	retryDelay time.Duration
}

// New creates a Lock. When lockPath is empty only in-process exclusion applies.
func New(lockPath string) *Lock {
	l := &Lock{
		slot:       make(chan struct{}, 1),
		retryDelay: DefaultRetryDelay,
	}
	if lockPath != "" {
		l.file = flock.New(lockPath)
	}
	return l
}

// Acquire blocks until the lock is held or ctx is done. The returned release
// function is safe to call more than once.
func (l *Lock) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if l.file != nil {
		locked, err := l.file.TryLockContext(ctx, l.retryDelay)
		if err != nil || !locked {
			<-l.slot
			if err == nil {
				err = ctx.Err()
			}
			return nil, fmt.Errorf("synclock: lock file %s: %w", l.file.Path(), err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if l.file != nil {
				_ = l.file.Unlock()
			}
			<-l.slot
		})
	}, nil
}

// Do runs fn while holding the lock and releases it on every exit path.
func (l *Lock) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
