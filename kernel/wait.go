package kernel

import (
	"time"

	"github.com/ardnew/softbridge/pkg"
)

// Waiter is the only blocking primitive available to handlers. It polls a
// predicate at a fixed interval and never waits longer than Max.
type Waiter struct {
	Clock Clock
	Poll  time.Duration
	Max   time.Duration
}

// Until polls pred every w.Poll until it returns true or timeout elapses.
// timeout is clamped to w.Max. It returns [pkg.ErrTimeout] on expiry.
func (w Waiter) Until(timeout time.Duration, pred func() bool) error {
	if w.Max > 0 && (timeout <= 0 || timeout > w.Max) {
		timeout = w.Max
	}
	poll := w.Poll
	if poll <= 0 {
		poll = 100 * time.Microsecond
	}
	start := w.Clock.Now()
	for {
		if pred() {
			return nil
		}
		if w.Clock.Now().Sub(start) >= timeout {
			return pkg.ErrTimeout
		}
		w.Clock.Sleep(poll)
	}
}

// Bound returns the number of polls a wait of timeout performs at most.
// It is the loop bound that replaces hardware polling counts.
func (w Waiter) Bound(timeout time.Duration) int {
	if w.Max > 0 && (timeout <= 0 || timeout > w.Max) {
		timeout = w.Max
	}
	if w.Poll <= 0 {
		return 1
	}
	return int(timeout/w.Poll) + 1
}
