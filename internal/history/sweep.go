package history

import (
	"context"
	"log/slog"
	"time"

	"chartdata/internal/model"
)

// Sweeper keeps the recent edge of each configured series fresh and pushes
// every newly seen bar through the publisher. Dedup in the store makes
// overlapping sweeps harmless.
type Sweeper struct {
	svc         *Service
	pub         model.BarPublisher
	instruments []string
	resolutions []model.Resolution
	interval    time.Duration
	window      int // recent slots re-checked per sweep
	lastSeen    map[string]int64
	log         *slog.Logger
	now         func() time.Time
}

// NewSweeper creates a sweeper over the configured instrument and
// resolution matrix. pub may be nil, in which case bars are cached only.
func NewSweeper(svc *Service, pub model.BarPublisher, instruments []string, resolutions []model.Resolution, interval time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{
		svc:         svc,
		pub:         pub,
		instruments: instruments,
		resolutions: resolutions,
		interval:    interval,
		window:      30,
		lastSeen:    make(map[string]int64),
		log:         log,
		now:         time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled. One sweep
// runs immediately on start so sessions have data before the first tick.
func (w *Sweeper) Run(ctx context.Context) {
	w.SweepOnce(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.SweepOnce(ctx)
		}
	}
}

// SweepOnce refreshes the trailing window of every configured series and
// publishes bars not seen by a previous sweep.
func (w *Sweeper) SweepOnce(ctx context.Context) {
	now := w.now().Unix()
	for _, instrument := range w.instruments {
		for _, res := range w.resolutions {
			if ctx.Err() != nil {
				return
			}
			w.sweepSeries(ctx, instrument, res, now)
		}
	}
}

func (w *Sweeper) sweepSeries(ctx context.Context, instrument string, res model.Resolution, now int64) {
	to := res.Align(now)
	from := to - int64(w.window-1)*res.Seconds()

	bars, err := w.svc.Bars(ctx, instrument, res, from, to)
	if err != nil {
		w.log.Warn("sweep failed",
			slog.String("instrument", instrument),
			slog.String("resolution", string(res)),
			slog.String("error", err.Error()))
		return
	}

	key := model.BarKey(instrument, res).SetKey()
	mark := w.lastSeen[key]
	for _, bar := range bars {
		if bar.TS <= mark {
			continue
		}
		if w.pub != nil {
			if err := w.pub.Publish(ctx, bar); err != nil {
				w.log.Warn("publish failed",
					slog.String("key", key),
					slog.Int64("ts", bar.TS),
					slog.String("error", err.Error()))
				// Do not advance the mark past an unpublished bar: the
				// next sweep retries it.
				return
			}
		}
		w.lastSeen[key] = bar.TS
		mark = bar.TS
	}
}
