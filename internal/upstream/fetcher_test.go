package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"chartdata/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// pagedCandleServer serves 1m candles for [serverFrom, serverTo], honoring
// from/limit query params the way the upstream pages.
func pagedCandleServer(t *testing.T, serverFrom, serverTo int64, pageCounter *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*pageCounter++
		from, _ := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
		to, _ := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if to > serverTo {
			to = serverTo
		}

		var rows [][]string
		for ts := from; ts <= to && len(rows) < limit; ts += 60 {
			if ts < serverFrom {
				continue
			}
			price := fmt.Sprintf("%d.5", 100+ts%1000)
			rows = append(rows, []string{strconv.FormatInt(ts, 10), price, price, price, price, "10"})
		}
		json.NewEncoder(w).Encode(map[string]any{"s": "ok", "candles": rows})
	}))
}

func TestFetchBars_PagesUntilShortPage(t *testing.T) {
	from := int64(1700000040)
	to := from + 249*60 // 250 bars, pageSize 100 → 3 pages
	pages := 0
	srv := pagedCandleServer(t, from, to, &pages)
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL}, testLogger())
	f := NewFetcher(client, FetcherConfig{PageSize: 100}, testLogger())

	bars, err := f.FetchBars(context.Background(), "BTC-USDT", model.ResM1, from, to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bars) != 250 {
		t.Fatalf("got %d bars, want 250", len(bars))
	}
	if pages != 3 {
		t.Errorf("got %d pages, want 3", pages)
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].TS <= bars[i-1].TS {
			t.Fatalf("bars not strictly ascending at %d", i)
		}
	}
	if bars[0].TS != from || bars[len(bars)-1].TS != to {
		t.Errorf("range [%d, %d], want [%d, %d]", bars[0].TS, bars[len(bars)-1].TS, from, to)
	}
}

func TestFetchBars_FatalNoRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL}, testLogger())
	f := NewFetcher(client, FetcherConfig{PageSize: 100}, testLogger())

	_, err := f.FetchBars(context.Background(), "BTC-USDT", model.ResM1, 1700000040, 1700000040)
	if !IsFatal(err) {
		t.Fatalf("expected FatalError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("fatal error retried: %d calls", calls)
	}
}

func TestFetchBars_TransientRetriesBounded(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "flaky", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL}, testLogger())
	f := NewFetcher(client, FetcherConfig{PageSize: 100, MaxRetries: 2}, testLogger())
	retries := 0
	f.OnRetry = func() { retries++ }

	_, err := f.FetchBars(context.Background(), "BTC-USDT", model.ResM1, 1700000040, 1700000040)
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if IsFatal(err) {
		t.Fatalf("transient error misclassified as fatal: %v", err)
	}
	if calls != 2 {
		t.Errorf("got %d calls, want 2", calls)
	}
	if retries != 1 {
		t.Errorf("retry hook fired %d times, want 1 (two attempts, one retry)", retries)
	}
}

func TestFetchBars_SkipsMalformedRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"s": "ok", "candles": [][]string{
			{"1700000040", "100", "101", "99", "100.5", "10"},
			{"bogus", "100", "101", "99", "100.5", "10"},
			{"1700000160", "100", "101", "99", "100.5", "10"},
		}})
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL}, testLogger())
	f := NewFetcher(client, FetcherConfig{PageSize: 100}, testLogger())

	bars, err := f.FetchBars(context.Background(), "BTC-USDT", model.ResM1, 1700000040, 1700000160)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2 (malformed row skipped)", len(bars))
	}
}

func TestFetchMetric_Pages(t *testing.T) {
	from := int64(1700000100)
	to := from + 119*300 // 120 points of 5m, pageSize 50 → 3 pages
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		qfrom, _ := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		var rows []map[string]any
		for ts := qfrom; ts <= to && len(rows) < limit; ts += 300 {
			rows = append(rows, map[string]any{"ts": ts, "oi": "12345.6"})
		}
		json.NewEncoder(w).Encode(map[string]any{"s": "ok", "data": rows})
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL}, testLogger())
	f := NewFetcher(client, FetcherConfig{PageSize: 50}, testLogger())

	points, err := f.FetchMetric(context.Background(), "BTC-USDT", model.ResM5, from, to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(points) != 120 {
		t.Fatalf("got %d points, want 120", len(points))
	}
}
