// Package history serves complete bar and metric windows out of the cache,
// backfilling from upstream whenever gap analysis finds holes. It is the
// single read path: HTTP handlers, the indicator engine and live sessions
// all load windows through it.
package history

import (
	"context"
	"fmt"
	"log/slog"

	"chartdata/internal/gapfill"
	"chartdata/internal/model"
)

// Service answers range queries with cache-first, upstream-on-miss
// semantics. A range already covered by the cache never touches upstream.
type Service struct {
	store    model.SeriesStore
	analyzer *gapfill.Analyzer
	backfill *gapfill.Orchestrator
	log      *slog.Logger

	// OnBackfill is invoked after an upstream round trip with the number
	// of points written. Wired to metrics by the caller.
	OnBackfill func(points int)
}

// NewService builds the read path. Gap runs of at most tolerance missing
// points are served as-is without an upstream trip.
func NewService(store model.SeriesStore, fetcher model.Fetcher, tolerance int, log *slog.Logger) *Service {
	return &Service{
		store:    store,
		analyzer: gapfill.NewAnalyzer(tolerance),
		backfill: gapfill.NewOrchestrator(store, fetcher, log),
		log:      log,
	}
}

// Bars returns bars for [from, to] after aligning both bounds down to the
// resolution grid. Missing regions are fetched and cached before the final
// merged read. An empty result with nil error means upstream has no data.
func (s *Service) Bars(ctx context.Context, instrument string, res model.Resolution, from, to int64) ([]model.Bar, error) {
	from, to = res.Align(from), res.Align(to)
	if from > to {
		return nil, fmt.Errorf("inverted range [%d, %d]", from, to)
	}
	key := model.BarKey(instrument, res)

	bars, err := s.store.QueryBars(ctx, key, from, to)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}

	gaps := s.analyzer.FindGaps(barTimestamps(bars), res, from, to)
	if len(gaps) == 0 {
		return bars, nil
	}

	written := s.backfill.FillBars(ctx, instrument, res, gaps)
	if s.OnBackfill != nil {
		s.OnBackfill(written)
	}

	merged, err := s.store.QueryBars(ctx, key, from, to)
	if err != nil {
		return nil, fmt.Errorf("re-query bars after backfill: %w", err)
	}
	return merged, nil
}

// Metric mirrors Bars for the secondary metric series.
func (s *Service) Metric(ctx context.Context, instrument string, res model.Resolution, from, to int64) ([]model.MetricPoint, error) {
	from, to = res.Align(from), res.Align(to)
	if from > to {
		return nil, fmt.Errorf("inverted range [%d, %d]", from, to)
	}
	key := model.MetricKey(instrument, res)

	points, err := s.store.QueryMetric(ctx, key, from, to)
	if err != nil {
		return nil, fmt.Errorf("query metric: %w", err)
	}

	gaps := s.analyzer.FindGaps(metricTimestamps(points), res, from, to)
	if len(gaps) == 0 {
		return points, nil
	}

	written := s.backfill.FillMetric(ctx, instrument, res, gaps)
	if s.OnBackfill != nil {
		s.OnBackfill(written)
	}

	merged, err := s.store.QueryMetric(ctx, key, from, to)
	if err != nil {
		return nil, fmt.Errorf("re-query metric after backfill: %w", err)
	}
	return merged, nil
}

// pointLookup is the optional exact-timestamp fast path the Redis store
// provides through its expiring point records.
type pointLookup interface {
	PointAt(ctx context.Context, key model.SeriesKey, ts int64) (*model.Bar, error)
}

// BarAt returns the single bar at ts (aligned down to the grid), or nil
// when the cache has none. The store's point record is tried first; a miss
// falls back to a one-point range read.
func (s *Service) BarAt(ctx context.Context, instrument string, res model.Resolution, ts int64) (*model.Bar, error) {
	ts = res.Align(ts)
	key := model.BarKey(instrument, res)

	if pl, ok := s.store.(pointLookup); ok {
		if b, err := pl.PointAt(ctx, key, ts); err == nil && b != nil {
			return b, nil
		}
	}

	bars, err := s.store.QueryBars(ctx, key, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("query bar at %d: %w", ts, err)
	}
	if len(bars) == 0 {
		return nil, nil
	}
	return &bars[0], nil
}

// SetGapHook forwards per-gap fill counts from the backfill orchestrator,
// used for metrics.
func (s *Service) SetGapHook(fn func(points int)) {
	s.backfill.OnGapFilled = fn
}

// LoadBars satisfies the indicator engine's window loader.
func (s *Service) LoadBars(ctx context.Context, instrument string, res model.Resolution, from, to int64) ([]model.Bar, error) {
	return s.Bars(ctx, instrument, res, from, to)
}

func barTimestamps(bars []model.Bar) []int64 {
	out := make([]int64, len(bars))
	for i, b := range bars {
		out[i] = b.TS
	}
	return out
}

func metricTimestamps(points []model.MetricPoint) []int64 {
	out := make([]int64, len(points))
	for i, p := range points {
		out[i] = p.TS
	}
	return out
}
