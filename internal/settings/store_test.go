package settings

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(filepath.Join(t.TempDir(), "settings.db"), log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStreamDelta_DefaultZero(t *testing.T) {
	s := openTestStore(t)
	delta, err := s.StreamDelta(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatal(err)
	}
	if delta != 0 {
		t.Fatalf("unset instrument delta = %v, want 0", delta)
	}
}

func TestStreamDelta_SetAndUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetStreamDelta(ctx, "BTC-USDT", 2*time.Second); err != nil {
		t.Fatal(err)
	}
	delta, err := s.StreamDelta(ctx, "BTC-USDT")
	if err != nil {
		t.Fatal(err)
	}
	if delta != 2*time.Second {
		t.Fatalf("delta = %v, want 2s", delta)
	}

	// Upsert replaces the row.
	if err := s.SetStreamDelta(ctx, "BTC-USDT", 0); err != nil {
		t.Fatal(err)
	}
	delta, _ = s.StreamDelta(ctx, "BTC-USDT")
	if delta != 0 {
		t.Fatalf("after reset delta = %v, want 0", delta)
	}
}

func TestCached_ServesWithinTTL(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.SetStreamDelta(ctx, "BTC-USDT", time.Second)

	c := NewCached(s, time.Minute)
	base := time.Unix(1700000000, 0)
	c.now = func() time.Time { return base }

	if d, _ := c.StreamDelta(ctx, "BTC-USDT"); d != time.Second {
		t.Fatalf("first read = %v", d)
	}

	// A write behind the cache is invisible inside the TTL.
	s.SetStreamDelta(ctx, "BTC-USDT", 5*time.Second)
	if d, _ := c.StreamDelta(ctx, "BTC-USDT"); d != time.Second {
		t.Fatalf("cached read = %v, want stale 1s", d)
	}

	// After expiry the new value shows up.
	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if d, _ := c.StreamDelta(ctx, "BTC-USDT"); d != 5*time.Second {
		t.Fatalf("post-ttl read = %v, want 5s", d)
	}
}

func TestCached_Invalidate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := NewCached(s, time.Hour)

	if d, _ := c.StreamDelta(ctx, "ETH-USDT"); d != 0 {
		t.Fatalf("initial = %v", d)
	}
	s.SetStreamDelta(ctx, "ETH-USDT", 3*time.Second)
	c.Invalidate("ETH-USDT")
	if d, _ := c.StreamDelta(ctx, "ETH-USDT"); d != 3*time.Second {
		t.Fatalf("after invalidate = %v, want 3s", d)
	}
}
