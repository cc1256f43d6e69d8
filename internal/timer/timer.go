// Package timer provides the single reusable debounce/delay primitive used
// throughout procman (supervisor tick re-arm, broker-sync debounce, respawn
// backoff clear). It generalizes the ad hoc ticker/AfterFunc usage scattered
// across loykin-provisr's internal/manager reconciler loop and
// internal/cronjob scheduling into one small, re-entrant type.
package timer

import (
	"sync"
	"time"
)

// Timer wraps a *time.Timer with re-entrancy safety: a callback invoked by
// Set is free to call Set or Clear again without deadlocking, because the
// lock is released before the callback runs.
type Timer struct {
	mu sync.Mutex
	t  *time.Timer
}

// Set arranges for cb to run after delay, replacing any previously pending
// callback. A delay <= 0 invokes cb synchronously, before Set returns.
func (rt *Timer) Set(cb func(), delay time.Duration) {
	if delay <= 0 {
		rt.Clear()
		cb()
		return
	}
	rt.mu.Lock()
	if rt.t != nil {
		rt.t.Stop()
	}
	rt.t = time.AfterFunc(delay, cb)
	rt.mu.Unlock()
}

// Clear cancels any pending callback. It is a no-op if none is pending.
func (rt *Timer) Clear() {
	rt.mu.Lock()
	if rt.t != nil {
		rt.t.Stop()
		rt.t = nil
	}
	rt.mu.Unlock()
}
