// Package poll waits for a remote condition with a fixed interval and an upper
// bound on the total wait.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when the condition is not met within the wait bound.
var ErrTimeout = errors.New("poll: timed out")

// CheckFunc reports whether the awaited condition holds. A non-nil error stops
// polling immediately.
type CheckFunc func(ctx context.Context) (bool, error)

// Until calls check every interval until it returns true, returns an error,
// maxWait elapses or ctx is done.
func Until(ctx context.Context, interval, maxWait time.Duration, check CheckFunc) error {
	deadline := time.Now().Add(maxWait)
	for attempt := 1; ; attempt++ {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w after %d checks (%s)", ErrTimeout, attempt, maxWait)
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
