package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"chartdata/internal/model"
)

// Reader consumes series streams through per-group cursors. Each live
// session owns its own consumer group, so an acked position survives the
// session's WebSocket reconnecting under the same group name.
type Reader struct {
	client *goredis.Client
	log    *slog.Logger
}

// NewReader creates a Reader over an existing Redis client.
func NewReader(client *goredis.Client, log *slog.Logger) *Reader {
	return &Reader{client: client, log: log}
}

// EnsureGroup creates the consumer group on the stream if missing,
// positioned at the stream tail so only new bars are delivered.
func (r *Reader) EnsureGroup(ctx context.Context, stream, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

// DropGroup removes a session's consumer group once the session is torn
// down for good. Errors are logged, not returned: a leaked group is
// bounded by the stream's max length anyway.
func (r *Reader) DropGroup(ctx context.Context, stream, group string) {
	if err := r.client.XGroupDestroy(ctx, stream, group).Err(); err != nil {
		r.log.Warn("xgroup destroy failed",
			slog.String("stream", stream),
			slog.String("group", group),
			slog.String("error", err.Error()))
	}
}

// Consume blocks on the group cursor and sends decoded bars to out until
// ctx is cancelled. Undecodable entries are acked and skipped so a poison
// message cannot wedge the group.
func (r *Reader) Consume(ctx context.Context, stream, group, consumer string, out chan<- model.Bar) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    100,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			r.log.Warn("xreadgroup error",
				slog.String("stream", stream),
				slog.String("error", err.Error()))
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, res := range results {
			for _, msg := range res.Messages {
				bar, ok := decodeMessage(msg)
				if !ok {
					r.client.XAck(ctx, stream, group, msg.ID)
					continue
				}
				select {
				case out <- bar:
				case <-ctx.Done():
					return ctx.Err()
				}
				r.client.XAck(ctx, stream, group, msg.ID)
			}
		}
	}
}

// RecoverPending redelivers bars this group received but never acked, in
// delivery order, before normal consumption resumes. This is what makes a
// reconnecting session see every bar it missed.
func (r *Reader) RecoverPending(ctx context.Context, stream, group, consumer string, out chan<- model.Bar) error {
	for {
		pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  100,
		}).Result()
		if err != nil || len(pending) == 0 {
			return err
		}

		ids := make([]string, len(pending))
		for i, p := range pending {
			ids[i] = p.ID
		}

		claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  0,
			Messages: ids,
		}).Result()
		if err != nil {
			return fmt.Errorf("xclaim %s: %w", stream, err)
		}

		for _, msg := range claimed {
			bar, ok := decodeMessage(msg)
			if !ok {
				r.client.XAck(ctx, stream, group, msg.ID)
				continue
			}
			select {
			case out <- bar:
			case <-ctx.Done():
				return ctx.Err()
			}
			r.client.XAck(ctx, stream, group, msg.ID)
		}

		if len(claimed) < len(ids) {
			return nil
		}
	}
}

func decodeMessage(msg goredis.XMessage) (model.Bar, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return model.Bar{}, false
	}
	var bar model.Bar
	if err := json.Unmarshal([]byte(data), &bar); err != nil {
		return model.Bar{}, false
	}
	return bar, true
}
