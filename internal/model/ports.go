package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple business logic from concrete implementations
// (Redis cache, SQLite settings, the upstream HTTP API). Tests substitute
// in-memory fakes.

// SeriesStore owns the bounded, trimmed working-set cache of bars and
// metric points. All mutating calls are dedup-by-timestamp: concurrent
// writers to the same key race only on which value wins.
type SeriesStore interface {
	// UpsertBars writes a batch of bars. For each timestamp any existing
	// record at that score is replaced atomically. Trim runs afterwards.
	UpsertBars(ctx context.Context, key SeriesKey, bars []Bar) error

	// QueryBars returns bars with TS in [from, to], ascending. Malformed
	// cached payloads are skipped and logged, never fatal.
	QueryBars(ctx context.Context, key SeriesKey, from, to int64) ([]Bar, error)

	// UpsertMetric and QueryMetric mirror the bar operations for the
	// secondary series.
	UpsertMetric(ctx context.Context, key SeriesKey, points []MetricPoint) error
	QueryMetric(ctx context.Context, key SeriesKey, from, to int64) ([]MetricPoint, error)

	// Close releases underlying resources.
	Close() error
}

// Fetcher pages through the external market-data API for a closed interval.
// Results are ascending and strictly inside [from, to]. The upstream is the
// sole source of truth when the cache is incomplete.
type Fetcher interface {
	FetchBars(ctx context.Context, instrument string, res Resolution, from, to int64) ([]Bar, error)
	FetchMetric(ctx context.Context, instrument string, res Resolution, from, to int64) ([]MetricPoint, error)
}

// SettingsStore provides per-instrument stream settings, re-read
// periodically by live sessions without requiring reconnect.
type SettingsStore interface {
	// StreamDelta returns the minimum inter-push interval for an
	// instrument. Zero means "push every tick".
	StreamDelta(ctx context.Context, instrument string) (time.Duration, error)
}

// BarPublisher appends newly produced bars to the per-key append-only log
// and updates the cache, then notifies any live session whose viewed window
// contains the new timestamp.
type BarPublisher interface {
	Publish(ctx context.Context, bar Bar) error
}
