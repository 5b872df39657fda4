package redis

import (
	"context"
	"log/slog"
	"sync"

	"chartdata/internal/model"
)

// bufferedBatch is one upsert batch held back while the circuit is open.
type bufferedBatch struct {
	key    model.SeriesKey
	bars   []model.Bar
	points []model.MetricPoint
}

// writeBuffer holds upsert batches during a store outage and replays them
// when the circuit closes. The replay reuses the dedup-by-timestamp upsert,
// so flushing after a partial prior failure is idempotent.
type writeBuffer struct {
	store *Store

	mu      sync.Mutex
	batches []bufferedBatch
	maxBuf  int
}

func newWriteBuffer(store *Store, maxBuf int) *writeBuffer {
	if maxBuf <= 0 {
		maxBuf = 10000
	}
	return &writeBuffer{store: store, maxBuf: maxBuf}
}

func (wb *writeBuffer) addBars(key model.SeriesKey, bars []model.Bar) {
	cp := make([]model.Bar, len(bars))
	copy(cp, bars)
	wb.add(bufferedBatch{key: key, bars: cp})
}

func (wb *writeBuffer) addMetric(key model.SeriesKey, points []model.MetricPoint) {
	cp := make([]model.MetricPoint, len(points))
	copy(cp, points)
	wb.add(bufferedBatch{key: key, points: cp})
}

func (wb *writeBuffer) add(b bufferedBatch) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	if len(wb.batches) >= wb.maxBuf {
		// Buffer full: drop the oldest batch. Loss of old data is
		// acceptable; backfill re-fetches on the next read.
		wb.batches = wb.batches[1:]
	}
	wb.batches = append(wb.batches, b)
}

func (wb *writeBuffer) pending() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.batches)
}

// flush replays all buffered batches through the regular upsert path.
func (wb *writeBuffer) flush(ctx context.Context) {
	wb.mu.Lock()
	if len(wb.batches) == 0 {
		wb.mu.Unlock()
		return
	}
	toFlush := wb.batches
	wb.batches = nil
	wb.mu.Unlock()

	for _, b := range toFlush {
		var err error
		if len(b.bars) > 0 {
			err = wb.store.UpsertBars(ctx, b.key, b.bars)
		} else {
			err = wb.store.UpsertMetric(ctx, b.key, b.points)
		}
		if err != nil {
			wb.store.log.Warn("buffered write replay failed",
				slog.String("key", b.key.SetKey()), slog.Any("error", err))
		}
	}
	wb.store.log.Info("flushed buffered writes", slog.Int("batches", len(toFlush)))
}
