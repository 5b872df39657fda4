package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"

	"chartdata/internal/model"
)

func newTestStore(t *testing.T, maxEntries int64) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(Config{
		Addr:       mr.Addr(),
		MaxEntries: maxEntries,
		PointTTL:   time.Minute,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mkBar(ts int64, close float64) model.Bar {
	return model.Bar{
		Instrument: "BTC-USDT",
		Resolution: model.ResM1,
		TS:         ts,
		Open:       close - 1,
		High:       close + 1,
		Low:        close - 2,
		Close:      close,
		Volume:     10,
	}
}

func TestUpsertBars_DedupByTimestamp(t *testing.T) {
	s := newTestStore(t, 100)
	ctx := context.Background()
	key := model.BarKey("BTC-USDT", model.ResM1)

	if err := s.UpsertBars(ctx, key, []model.Bar{mkBar(1700000060, 100)}); err != nil {
		t.Fatal(err)
	}
	// Rewrite at the same timestamp: the later value must win, leaving one
	// member, not two.
	if err := s.UpsertBars(ctx, key, []model.Bar{mkBar(1700000060, 200)}); err != nil {
		t.Fatal(err)
	}

	card, err := s.Cardinality(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if card != 1 {
		t.Fatalf("cardinality = %d, want 1", card)
	}

	bars, err := s.QueryBars(ctx, key, 1700000000, 1700000120)
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 1 || bars[0].Close != 200 {
		t.Fatalf("bars = %+v, want one bar with close 200", bars)
	}
}

func TestTrim_BoundsSetSize(t *testing.T) {
	s := newTestStore(t, 5)
	ctx := context.Background()
	key := model.BarKey("BTC-USDT", model.ResM1)

	bars := make([]model.Bar, 8)
	for i := range bars {
		bars[i] = mkBar(1700000060+int64(i)*60, float64(100+i))
	}
	if err := s.UpsertBars(ctx, key, bars); err != nil {
		t.Fatal(err)
	}

	card, err := s.Cardinality(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if card != 5 {
		t.Fatalf("cardinality after trim = %d, want 5", card)
	}

	kept, err := s.QueryBars(ctx, key, 0, 1800000000)
	if err != nil {
		t.Fatal(err)
	}
	// Trim removes the oldest entries: the newest 5 of 8 survive.
	if len(kept) != 5 || kept[0].TS != 1700000060+3*60 || kept[4].TS != 1700000060+7*60 {
		t.Fatalf("kept range = %d..%d (n=%d), want newest five", kept[0].TS, kept[len(kept)-1].TS, len(kept))
	}
}

func TestQueryBars_SkipsMalformedMembers(t *testing.T) {
	s := newTestStore(t, 100)
	ctx := context.Background()
	key := model.BarKey("BTC-USDT", model.ResM1)

	if err := s.UpsertBars(ctx, key, []model.Bar{mkBar(1700000060, 100)}); err != nil {
		t.Fatal(err)
	}
	if err := s.client.ZAdd(ctx, key.SetKey(), &goredis.Z{Score: 1700000120, Member: "{not json"}).Err(); err != nil {
		t.Fatal(err)
	}

	bars, err := s.QueryBars(ctx, key, 0, 1800000000)
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 1 || bars[0].TS != 1700000060 {
		t.Fatalf("bars = %+v, want the single valid bar", bars)
	}
}

func TestPointAt(t *testing.T) {
	s := newTestStore(t, 100)
	ctx := context.Background()
	key := model.BarKey("BTC-USDT", model.ResM1)

	if err := s.UpsertBars(ctx, key, []model.Bar{mkBar(1700000060, 100)}); err != nil {
		t.Fatal(err)
	}

	b, err := s.PointAt(ctx, key, 1700000060)
	if err != nil {
		t.Fatal(err)
	}
	if b == nil || b.Close != 100 {
		t.Fatalf("point = %+v, want close 100", b)
	}

	miss, err := s.PointAt(ctx, key, 1700000120)
	if err != nil {
		t.Fatal(err)
	}
	if miss != nil {
		t.Fatalf("expected nil on miss, got %+v", miss)
	}
}

func TestStore_LatencyHooks(t *testing.T) {
	s := newTestStore(t, 100)
	ctx := context.Background()
	key := model.BarKey("BTC-USDT", model.ResM1)

	writes, queries := 0, 0
	s.OnWrite = func(time.Duration) { writes++ }
	s.OnQuery = func(time.Duration) { queries++ }

	if err := s.UpsertBars(ctx, key, []model.Bar{mkBar(1700000060, 100)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.QueryBars(ctx, key, 0, 1800000000); err != nil {
		t.Fatal(err)
	}

	if writes != 1 || queries != 1 {
		t.Fatalf("hooks fired writes=%d queries=%d, want 1 each", writes, queries)
	}
}

func TestStore_BuffersWhileBreakerOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := New(Config{
		Addr:       mr.Addr(),
		MaxEntries: 100,
		PointTTL:   time.Minute,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	trips, buffered := 0, 0
	s.OnBreakerTrip = func() { trips++ }
	s.OnBuffered = func() { buffered++ }

	// Kill the server: writes fail until the breaker opens, then batches
	// are buffered instead of lost.
	mr.Close()

	ctx := context.Background()
	key := model.BarKey("BTC-USDT", model.ResM1)
	for i := 0; i < 7; i++ {
		s.UpsertBars(ctx, key, []model.Bar{mkBar(1700000060+int64(i)*60, 100)})
	}

	if trips != 1 {
		t.Errorf("breaker trip hook fired %d times, want 1", trips)
	}
	if buffered == 0 {
		t.Error("no batches buffered after the breaker opened")
	}
	if s.PendingWrites() == 0 {
		t.Error("pending writes = 0, want buffered batches awaiting replay")
	}
}

func TestUpsertQueryMetric_RoundTrip(t *testing.T) {
	s := newTestStore(t, 100)
	ctx := context.Background()
	key := model.MetricKey("BTC-USDT", model.ResH1)

	points := []model.MetricPoint{
		{Instrument: "BTC-USDT", Resolution: model.ResH1, TS: 1700000400, Value: 12345},
		{Instrument: "BTC-USDT", Resolution: model.ResH1, TS: 1700004000, Value: 12400},
	}
	if err := s.UpsertMetric(ctx, key, points); err != nil {
		t.Fatal(err)
	}

	got, err := s.QueryMetric(ctx, key, 1700000000, 1700010000)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Value != 12345 || got[1].Value != 12400 {
		t.Fatalf("points = %+v", got)
	}
}
