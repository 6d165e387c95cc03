package bridge

import (
	"sync"
	"time"
)

// timerPurpose names an individually cancellable timer slot. Collapsing all
// scheduling into one table keyed by purpose (instead of loose timer fields)
// keeps cancellation on state exit a single call.
type timerPurpose string

const (
	timerConnect           timerPurpose = "connect-timeout"
	timerCredentialRefresh timerPurpose = "credential-refresh"
	timerHealthCheck       timerPurpose = "health-check"
	timerRetry             timerPurpose = "retry"
)

// timerTable tracks at most one pending timer per purpose.
// Scheduling a purpose replaces any pending timer for it. A timer that is
// cancelled or replaced while its callback is waiting to run becomes a no-op.
type timerTable struct {
	mu     sync.Mutex
	timers map[timerPurpose]*time.Timer
}

func newTimerTable() *timerTable {
	return &timerTable{timers: make(map[timerPurpose]*time.Timer)}
}

// schedule arms fn to run after d, replacing any pending timer for purpose.
func (tt *timerTable) schedule(purpose timerPurpose, d time.Duration, fn func()) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if old, ok := tt.timers[purpose]; ok {
		old.Stop()
	}

	var tm *time.Timer
	tm = time.AfterFunc(d, func() {
		tt.mu.Lock()
		current := tt.timers[purpose] == tm
		if current {
			delete(tt.timers, purpose)
		}
		tt.mu.Unlock()

		// Superseded or cancelled while waiting for the lock.
		if !current {
			return
		}
		fn()
	})
	tt.timers[purpose] = tm
}

// cancel stops the pending timer for purpose, if any.
func (tt *timerTable) cancel(purpose timerPurpose) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if tm, ok := tt.timers[purpose]; ok {
		tm.Stop()
		delete(tt.timers, purpose)
	}
}

// cancelAll stops every pending timer. Invoked on every state exit so no
// timer can fire against a torn-down configuration.
func (tt *timerTable) cancelAll() {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	for purpose, tm := range tt.timers {
		tm.Stop()
		delete(tt.timers, purpose)
	}
}

// active reports whether a timer is pending for purpose.
func (tt *timerTable) active(purpose timerPurpose) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	_, ok := tt.timers[purpose]
	return ok
}
