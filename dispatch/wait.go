package dispatch

import (
	"sync"
	"time"
)

// deadlineFor converts the Dequeue timeout convention (negative = infinite,
// zero = no-wait, positive = bounded) into an absolute deadline. The bool
// return reports whether the deadline is meaningful (false for infinite).
func deadlineFor(timeout time.Duration) (time.Time, bool) {
	if timeout < 0 {
		return time.Time{}, false
	}
	return time.Now().Add(timeout), true
}

// waitOn blocks on cond until woken, returning false once the deadline (if
// any) has passed. mu must be the same mutex backing cond and must be held
// by the caller; waitOn releases and reacquires it internally via cond.Wait.
func waitOn(cond *sync.Cond, mu sync.Locker, deadline time.Time, hasDeadline bool) bool {
	if !hasDeadline {
		cond.Wait()
		return true
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}

	// sync.Cond has no timed wait; a timer that broadcasts on expiry wakes
	// every waiter so each can re-check its own deadline.
	timer := time.AfterFunc(remaining, cond.Broadcast)
	cond.Wait()
	timer.Stop()

	return time.Now().Before(deadline)
}
