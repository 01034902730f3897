// Package coarsetime provides a clock updated every 50ms, for bookkeeping
// where time.Now() on every call would be measurable: connection idle times
// are checked on every pool release.
package coarsetime

import (
	"sync/atomic"
	"time"
)

const tick = 50 * time.Millisecond

var now atomic.Pointer[time.Time]

func init() {
	t := time.Now()
	now.Store(&t)

	ticker := time.NewTicker(tick)
	go func() {
		for t := range ticker.C {
			now.Store(&t)
		}
	}()
}

// Now returns the current time, up to 50ms late.
func Now() time.Time {
	return *now.Load()
}

// Since returns the time elapsed since t, measured with the coarse clock.
// It is never negative.
func Since(t time.Time) time.Duration {
	return max(Now().Sub(t), 0)
}
