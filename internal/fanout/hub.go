// Package fanout pushes live market data to WebSocket sessions. Each
// session watches one instrument and resolution over a time window; ticks
// arrive in-process from the feed bridge, finalized bars arrive through a
// per-session stream consumer group so a reconnecting session replays what
// it missed.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"chartdata/internal/model"
)

// NotifySource is the resumable bar-notification backend. The Redis stream
// reader implements it; tests substitute an in-memory fake.
type NotifySource interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	RecoverPending(ctx context.Context, stream, group, consumer string, out chan<- model.Bar) error
	Consume(ctx context.Context, stream, group, consumer string, out chan<- model.Bar) error
	DropGroup(ctx context.Context, stream, group string)
}

// Hub owns the live session registry and fans ticks and bars out to
// matching sessions.
type Hub struct {
	source   NotifySource
	settings model.SettingsStore
	log      *slog.Logger

	mu       sync.RWMutex
	sessions map[*Session]bool

	// Metrics hooks, wired by the caller.
	OnPush      func()
	OnThrottled func()
}

// NewHub creates an empty hub. source may be nil, in which case sessions
// receive ticks only.
func NewHub(source NotifySource, settings model.SettingsStore, log *slog.Logger) *Hub {
	return &Hub{
		source:   source,
		settings: settings,
		log:      log,
		sessions: make(map[*Session]bool),
	}
}

func (h *Hub) add(s *Session) {
	h.mu.Lock()
	h.sessions[s] = true
	count := len(h.sessions)
	h.mu.Unlock()
	h.log.Info("session attached",
		slog.String("session", s.ID),
		slog.String("instrument", s.Instrument),
		slog.String("resolution", string(s.Res)),
		slog.Int("total", count))
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	if !h.sessions[s] {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s)
	count := len(h.sessions)
	h.mu.Unlock()
	// s.send is never closed: notifyLoop and readPump may still be sending
	// while teardown runs. writePump exits via the session context and the
	// channel is garbage collected with the session.
	h.log.Info("session detached", slog.String("session", s.ID), slog.Int("total", count))
}

// SessionCount returns the number of attached sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// DispatchTick pushes a live price update to every session watching the
// instrument whose window reaches the tick, subject to the per-instrument
// push interval and change-only policy.
func (h *Hub) DispatchTick(tick model.Tick) {
	payload, err := json.Marshal(tickMsg{
		Type:       "tick",
		Instrument: tick.Instrument,
		Price:      tick.Price,
		TS:         tick.TS,
	})
	if err != nil {
		return
	}

	delta := h.streamDelta(tick.Instrument)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		if s.Instrument != tick.Instrument || !s.inWindow(tick.TS) {
			continue
		}
		if !s.gate.Allow(delta, tick.Price) {
			if h.OnThrottled != nil {
				h.OnThrottled()
			}
			continue
		}
		s.trySend(payload)
		if h.OnPush != nil {
			h.OnPush()
		}
	}
}

func (h *Hub) streamDelta(instrument string) time.Duration {
	if h.settings == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	delta, err := h.settings.StreamDelta(ctx, instrument)
	if err != nil {
		h.log.Warn("stream delta lookup failed",
			slog.String("instrument", instrument),
			slog.String("error", err.Error()))
		return 0
	}
	return delta
}

// CloseAll tears down every session, used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
