package gapfill

import (
	"context"
	"log/slog"

	"chartdata/internal/model"
)

// Orchestrator drives the upstream fetcher for each gap and writes results
// back through the store. It is idempotent: re-running with the same gaps
// after a partial prior failure produces the same end state, because the
// store upsert dedups by timestamp.
type Orchestrator struct {
	store   model.SeriesStore
	fetcher model.Fetcher
	log     *slog.Logger

	// OnGapFilled, if set, is called with the point count per filled gap.
	OnGapFilled func(points int)
}

// NewOrchestrator creates a backfill orchestrator.
func NewOrchestrator(store model.SeriesStore, fetcher model.Fetcher, log *slog.Logger) *Orchestrator {
	return &Orchestrator{store: store, fetcher: fetcher, log: log}
}

// FillBars backfills the bar series for each gap. A fetch error for one gap
// is logged and skipped; it does not abort backfill of the remaining gaps.
// Cancellation between gaps leaves the rest unfilled, to be retried later.
// Returns the number of points written.
func (o *Orchestrator) FillBars(ctx context.Context, instrument string, res model.Resolution, gaps []model.Gap) int {
	key := model.BarKey(instrument, res)
	filled := 0
	for _, gap := range gaps {
		if ctx.Err() != nil {
			return filled
		}
		bars, err := o.fetcher.FetchBars(ctx, instrument, res, gap.From, gap.To)
		if err != nil {
			o.log.Warn("backfill fetch failed, skipping gap",
				slog.String("key", key.SetKey()),
				slog.Int64("from", gap.From), slog.Int64("to", gap.To),
				slog.Any("error", err))
			continue
		}
		if len(bars) == 0 {
			continue
		}
		if err := o.store.UpsertBars(ctx, key, bars); err != nil {
			o.log.Warn("backfill write failed, skipping gap",
				slog.String("key", key.SetKey()), slog.Any("error", err))
			continue
		}
		filled += len(bars)
		if o.OnGapFilled != nil {
			o.OnGapFilled(len(bars))
		}
	}
	return filled
}

// FillMetric mirrors FillBars for the secondary series.
func (o *Orchestrator) FillMetric(ctx context.Context, instrument string, res model.Resolution, gaps []model.Gap) int {
	key := model.MetricKey(instrument, res)
	filled := 0
	for _, gap := range gaps {
		if ctx.Err() != nil {
			return filled
		}
		points, err := o.fetcher.FetchMetric(ctx, instrument, res, gap.From, gap.To)
		if err != nil {
			o.log.Warn("backfill oi fetch failed, skipping gap",
				slog.String("key", key.SetKey()),
				slog.Int64("from", gap.From), slog.Int64("to", gap.To),
				slog.Any("error", err))
			continue
		}
		if len(points) == 0 {
			continue
		}
		if err := o.store.UpsertMetric(ctx, key, points); err != nil {
			o.log.Warn("backfill oi write failed, skipping gap",
				slog.String("key", key.SetKey()), slog.Any("error", err))
			continue
		}
		filled += len(points)
		if o.OnGapFilled != nil {
			o.OnGapFilled(len(points))
		}
	}
	return filled
}
