package server

import (
	"context"
	"errors"
	"time"
)

var errWaitTimeout = errors.New("wait timed out")

// waiter blocks a synchronous operation until a condition over server state
// holds. It is registered as a listener before the operation is triggered;
// every event it receives only wakes the loop, which then re-reads state, so
// an event delivered before wait is entered is never lost.
type waiter struct {
	wake chan struct{}
}

func newWaiter() *waiter {
	return &waiter{wake: make(chan struct{}, 1)}
}

func (w *waiter) HandleEvent(Event) {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// wait returns nil once done reports true, errWaitTimeout when timeout
// elapses first, or the ctx error.
func (w *waiter) wait(ctx context.Context, timeout time.Duration, done func() bool) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if done() {
			return nil
		}
		select {
		case <-w.wake:
		case <-timer.C:
			if done() {
				return nil
			}
			return errWaitTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
