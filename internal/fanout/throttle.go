package fanout

import (
	"sync"
	"time"
)

// pushGate enforces the per-session push policy: at most one push per
// configured interval, and only when the value actually changed. Both
// checks are skipped for the first push so a fresh session always gets an
// immediate update.
type pushGate struct {
	mu       sync.Mutex
	last     time.Time
	lastVal  float64
	hasValue bool
	now      func() time.Time
}

func newPushGate() *pushGate {
	return &pushGate{now: time.Now}
}

// Allow reports whether a push carrying value may go out under the given
// minimum interval, and records it if so. Zero minInterval disables the
// rate check but change-only still applies.
func (g *pushGate) Allow(minInterval time.Duration, value float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.hasValue {
		if value == g.lastVal {
			return false
		}
		if minInterval > 0 && g.now().Sub(g.last) < minInterval {
			return false
		}
	}

	g.last = g.now()
	g.lastVal = value
	g.hasValue = true
	return true
}

// Reset clears gate state, forcing the next push through. Used when a
// session's window changes.
func (g *pushGate) Reset() {
	g.mu.Lock()
	g.hasValue = false
	g.mu.Unlock()
}
