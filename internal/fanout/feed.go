package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"chartdata/internal/model"
)

// FeedConfig configures the upstream tick feed bridge.
type FeedConfig struct {
	URL            string
	Instruments    []string
	ReconnectDelay time.Duration
	MaxReconnect   time.Duration
}

// Feed bridges the upstream tick WebSocket into the hub. It reconnects
// with capped exponential backoff and resubscribes on every connect.
type Feed struct {
	cfg FeedConfig
	hub *Hub
	log *slog.Logger

	// Hooks for metrics.
	OnTick      func()
	OnReconnect func()
}

// NewFeed creates a feed bridge.
func NewFeed(cfg FeedConfig, hub *Hub, log *slog.Logger) *Feed {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = 30 * time.Second
	}
	return &Feed{cfg: cfg, hub: hub, log: log}
}

// Run connects and streams ticks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) {
	delay := f.cfg.ReconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}

		if err := f.session(ctx); err != nil && ctx.Err() == nil {
			f.log.Warn("feed disconnected",
				slog.String("url", f.cfg.URL),
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay))
			if f.OnReconnect != nil {
				f.OnReconnect()
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.MaxReconnect {
			delay = f.cfg.MaxReconnect
		}
	}
}

// session runs one connection lifetime: dial, subscribe, read until error.
func (f *Feed) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub, err := json.Marshal(map[string]interface{}{
		"action":      "subscribe",
		"instruments": f.cfg.Instruments,
	})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return err
	}
	f.log.Info("feed connected", slog.String("url", f.cfg.URL))

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var tick struct {
			Instrument string  `json:"instrument"`
			Price      float64 `json:"price"`
			TS         int64   `json:"ts"`
		}
		if err := json.Unmarshal(msg, &tick); err != nil || tick.Instrument == "" {
			continue
		}

		if f.OnTick != nil {
			f.OnTick()
		}
		f.hub.DispatchTick(model.Tick{
			Instrument: tick.Instrument,
			Price:      tick.Price,
			TS:         tick.TS,
		})
	}
}
