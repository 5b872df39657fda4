// Package stream maintains the per-series append-only log on Redis
// Streams. The publisher appends finalized bars; live sessions read their
// own consumer groups so notifications survive a reconnect.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/go-redis/redis/v8"

	"chartdata/internal/model"
)

const defaultMaxStreamLen = 10000

// Publisher writes bars to the cache and appends them to the series
// stream. Both writes are idempotent per timestamp from the reader's point
// of view: the cache dedups, and stream consumers tolerate replays.
type Publisher struct {
	client *goredis.Client
	store  model.SeriesStore
	log    *slog.Logger
	maxLen int64

	// OnPublish fires after a successful append. The fan-out hub hooks in
	// here to wake sessions watching the series.
	OnPublish func(bar model.Bar)
}

// NewPublisher creates a Publisher over an existing Redis client.
func NewPublisher(client *goredis.Client, store model.SeriesStore, log *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		store:  store,
		log:    log,
		maxLen: defaultMaxStreamLen,
	}
}

// Publish caches the bar, appends it to the series stream and wakes
// interested sessions. Stream length is capped approximately, trimming the
// oldest entries.
func (p *Publisher) Publish(ctx context.Context, bar model.Bar) error {
	key := model.BarKey(bar.Instrument, bar.Resolution)

	if p.store != nil {
		if err := p.store.UpsertBars(ctx, key, []model.Bar{bar}); err != nil {
			return fmt.Errorf("cache bar before publish: %w", err)
		}
	}

	payload, err := json.Marshal(bar)
	if err != nil {
		return fmt.Errorf("marshal bar: %w", err)
	}

	err = p.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: key.StreamKey(),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", key.StreamKey(), err)
	}

	if p.OnPublish != nil {
		p.OnPublish(bar)
	}
	return nil
}
