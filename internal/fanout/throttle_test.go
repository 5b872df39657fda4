package fanout

import (
	"testing"
	"time"
)

func TestPushGate_FirstPushAlwaysAllowed(t *testing.T) {
	g := newPushGate()
	if !g.Allow(time.Minute, 100.0) {
		t.Fatal("first push should pass any interval")
	}
}

func TestPushGate_ChangeOnly(t *testing.T) {
	g := newPushGate()
	base := time.Unix(1700000000, 0)
	g.now = func() time.Time { return base }

	g.Allow(0, 100.0)
	if g.Allow(0, 100.0) {
		t.Fatal("unchanged value pushed twice")
	}
	if !g.Allow(0, 100.5) {
		t.Fatal("changed value blocked with zero interval")
	}
}

func TestPushGate_MinInterval(t *testing.T) {
	g := newPushGate()
	base := time.Unix(1700000000, 0)
	g.now = func() time.Time { return base }

	g.Allow(2*time.Second, 100.0)

	// Changed value, but inside the interval.
	g.now = func() time.Time { return base.Add(time.Second) }
	if g.Allow(2*time.Second, 101.0) {
		t.Fatal("push allowed inside min interval")
	}

	g.now = func() time.Time { return base.Add(3 * time.Second) }
	if !g.Allow(2*time.Second, 101.0) {
		t.Fatal("push blocked after interval elapsed")
	}
}

func TestPushGate_ThrottledPushDoesNotAdvanceClock(t *testing.T) {
	g := newPushGate()
	base := time.Unix(1700000000, 0)
	g.now = func() time.Time { return base }
	g.Allow(2*time.Second, 100.0)

	// Rejected attempts must not reset the interval window.
	g.now = func() time.Time { return base.Add(1900 * time.Millisecond) }
	g.Allow(2*time.Second, 101.0)
	g.now = func() time.Time { return base.Add(2100 * time.Millisecond) }
	if !g.Allow(2*time.Second, 101.0) {
		t.Fatal("rejected attempt advanced the rate window")
	}
}

func TestPushGate_Reset(t *testing.T) {
	g := newPushGate()
	base := time.Unix(1700000000, 0)
	g.now = func() time.Time { return base }

	g.Allow(time.Minute, 100.0)
	g.Reset()
	if !g.Allow(time.Minute, 100.0) {
		t.Fatal("reset gate should behave like a fresh session")
	}
}
