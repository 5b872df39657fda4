package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chartdata/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// SessionParams describes the window a connecting client wants to watch.
// To == 0 means open-ended live. Resume carries a previous session id so
// the client's consumer group picks up where it left off.
type SessionParams struct {
	Instrument string
	Res        model.Resolution
	From, To   int64
	Resume     string
}

// Session is one WebSocket peer watching a single series window.
type Session struct {
	ID         string
	Instrument string
	Res        model.Resolution

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	gate *pushGate

	winMu    sync.RWMutex
	from, to int64

	ctx       context.Context
	cancel    context.CancelFunc
	dropGroup atomic.Bool
	closeOnce sync.Once
}

// Attach registers a new session on an upgraded connection and starts its
// pumps. A resumed id reuses the existing consumer group, so bars appended
// while the client was away are redelivered before live consumption.
func (h *Hub) Attach(conn *websocket.Conn, p SessionParams) *Session {
	resumed := p.Resume != ""
	id := p.Resume
	if id == "" {
		id = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         id,
		Instrument: p.Instrument,
		Res:        p.Res,
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		gate:       newPushGate(),
		from:       p.From,
		to:         p.To,
		ctx:        ctx,
		cancel:     cancel,
	}

	conn.EnableWriteCompression(true)
	h.add(s)

	if hello, err := json.Marshal(helloMsg{Type: "hello", Session: id, Resumed: resumed}); err == nil {
		s.trySend(hello)
	}

	go s.writePump()
	go s.readPump()
	if h.source != nil {
		go s.notifyLoop()
	}
	return s
}

// inWindow reports whether a timestamp falls inside the watched window.
func (s *Session) inWindow(ts int64) bool {
	s.winMu.RLock()
	defer s.winMu.RUnlock()
	return ts >= s.from && (s.to == 0 || ts <= s.to)
}

func (s *Session) setWindow(from, to int64) {
	s.winMu.Lock()
	s.from, s.to = from, to
	s.winMu.Unlock()
	s.gate.Reset()
}

// trySend queues a payload without blocking. A session too slow to drain
// its buffer loses pushes rather than stalling the dispatcher.
func (s *Session) trySend(payload []byte) {
	select {
	case s.send <- payload:
	default:
		s.hub.log.Warn("session send buffer full, dropping push",
			slog.String("session", s.ID))
	}
}

// Close tears the session down. Safe to call from any goroutine and more
// than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.hub.remove(s)
		if s.conn != nil {
			s.conn.Close()
		}
		if s.dropGroup.Load() && s.hub.source != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.hub.source.DropGroup(ctx, s.streamKey(), s.groupName())
		}
	})
}

func (s *Session) streamKey() string {
	return model.BarKey(s.Instrument, s.Res).StreamKey()
}

func (s *Session) groupName() string {
	return "sess:" + s.ID
}

// notifyLoop delivers finalized bars from the session's consumer group.
// Pending entries are recovered first so a resumed session sees every bar
// published while it was disconnected.
func (s *Session) notifyLoop() {
	stream, group := s.streamKey(), s.groupName()
	if err := s.hub.source.EnsureGroup(s.ctx, stream, group); err != nil {
		s.hub.log.Warn("consumer group setup failed",
			slog.String("session", s.ID),
			slog.String("error", err.Error()))
		if payload, merr := json.Marshal(errorMsg{Type: "error", Error: "bar notifications unavailable"}); merr == nil {
			s.trySend(payload)
		}
		return
	}

	bars := make(chan model.Bar, 64)
	go func() {
		defer close(bars)
		if err := s.hub.source.RecoverPending(s.ctx, stream, group, s.ID, bars); err != nil && s.ctx.Err() == nil {
			s.hub.log.Warn("pending recovery failed",
				slog.String("session", s.ID),
				slog.String("error", err.Error()))
		}
		s.hub.source.Consume(s.ctx, stream, group, s.ID, bars)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case bar, ok := <-bars:
			if !ok {
				return
			}
			if !s.inWindow(bar.TS) {
				continue
			}
			payload, err := json.Marshal(barMsg{Type: "bar", Bar: bar})
			if err != nil {
				continue
			}
			s.trySend(payload)
			if s.hub.OnPush != nil {
				s.hub.OnPush()
			}
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// Coalesce queued pushes into one frame.
			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(s.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-s.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(4096)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var base struct {
			Type string `json:"type"`
			From int64  `json:"from"`
			To   int64  `json:"to"`
			Ping int64  `json:"ping"`
		}
		if json.Unmarshal(msg, &base) != nil {
			continue
		}

		switch base.Type {
		case "window":
			s.setWindow(base.From, base.To)
		case "detach":
			// Explicit goodbye: the client will not resume, drop its group.
			s.dropGroup.Store(true)
			return
		default:
			if base.Ping > 0 {
				pong, _ := json.Marshal(map[string]interface{}{
					"type":      "pong",
					"ping":      base.Ping,
					"server_ts": time.Now().UnixMilli(),
				})
				s.trySend(pong)
			}
		}
	}
}
