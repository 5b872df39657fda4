// Package api exposes the HTTP surface: history and indicator queries,
// the WebSocket session endpoint and stream settings administration.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chartdata/internal/fanout"
	"chartdata/internal/indicator"
	"chartdata/internal/logger"
	"chartdata/internal/model"
)

// HistoryProvider is the read path behind /api/history and /api/bar.
type HistoryProvider interface {
	Bars(ctx context.Context, instrument string, res model.Resolution, from, to int64) ([]model.Bar, error)
	Metric(ctx context.Context, instrument string, res model.Resolution, from, to int64) ([]model.MetricPoint, error)
	BarAt(ctx context.Context, instrument string, res model.Resolution, ts int64) (*model.Bar, error)
}

// IndicatorEngine is the compute path behind /api/indicators.
type IndicatorEngine interface {
	Compute(ctx context.Context, req indicator.Request) map[string]*model.IndicatorSeries
}

// SettingsWriter persists stream settings changed through the admin API.
type SettingsWriter interface {
	SetStreamDelta(ctx context.Context, instrument string, delta time.Duration) error
}

// Server wires the HTTP handlers.
type Server struct {
	history     HistoryProvider
	engine      IndicatorEngine
	hub         *fanout.Hub
	settings    SettingsWriter
	instruments map[string]bool
	log         *slog.Logger
	upgrader    websocket.Upgrader
	now         func() time.Time

	// OnNoData fires when an indicator request answers no_data.
	OnNoData func()
}

// NewServer builds the API server. hub and settings may be nil when the
// corresponding endpoints are not served; an empty instrument list accepts
// any instrument.
func NewServer(history HistoryProvider, engine IndicatorEngine, hub *fanout.Hub, settings SettingsWriter, instruments []string, log *slog.Logger) *Server {
	known := make(map[string]bool, len(instruments))
	for _, in := range instruments {
		known[in] = true
	}
	return &Server{
		history:     history,
		engine:      engine,
		hub:         hub,
		settings:    settings,
		instruments: known,
		log:         log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// Router returns the route table.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/bar", s.handleBar)
	mux.HandleFunc("/api/indicators", s.handleIndicators)
	mux.HandleFunc("/api/settings/stream", s.handleStreamSettings)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// rangeParams holds the validated common query parameters.
type rangeParams struct {
	instrument string
	res        model.Resolution
	from, to   int64
}

func (s *Server) parseRangeParams(r *http.Request) (rangeParams, error) {
	q := r.URL.Query()

	instrument := q.Get("instrument")
	if instrument == "" {
		return rangeParams{}, fmt.Errorf("instrument is required")
	}
	if !s.knownInstrument(instrument) {
		return rangeParams{}, fmt.Errorf("unknown instrument %q", instrument)
	}
	res, err := model.ParseResolution(q.Get("resolution"))
	if err != nil {
		return rangeParams{}, err
	}
	from, err := strconv.ParseInt(q.Get("from"), 10, 64)
	if err != nil {
		return rangeParams{}, fmt.Errorf("bad from %q", q.Get("from"))
	}
	to, err := strconv.ParseInt(q.Get("to"), 10, 64)
	if err != nil {
		return rangeParams{}, fmt.Errorf("bad to %q", q.Get("to"))
	}
	if from > to {
		return rangeParams{}, fmt.Errorf("from %d after to %d", from, to)
	}
	// A range entirely in the future can never have data; reject it before
	// it reaches the store and the backfill path.
	if res.Align(from) > s.now().Unix() {
		return rangeParams{}, fmt.Errorf("range starts in the future")
	}
	return rangeParams{instrument: instrument, res: res, from: from, to: to}, nil
}

func (s *Server) knownInstrument(instrument string) bool {
	return len(s.instruments) == 0 || s.instruments[instrument]
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.NewString()
	p, err := s.parseRangeParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, historyResponse{S: "error", ErrMsg: err.Error()})
		return
	}

	ctx := logger.WithTraceID(r.Context(), traceID)
	switch r.URL.Query().Get("series") {
	case "", "bars":
		bars, err := s.history.Bars(ctx, p.instrument, p.res, p.from, p.to)
		if err != nil {
			s.log.Error("history query failed",
				slog.String("trace_id", traceID),
				slog.String("instrument", p.instrument),
				slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, historyResponse{S: "error", ErrMsg: "history query failed"})
			return
		}
		writeJSON(w, http.StatusOK, barsToResponse(bars))
	case "oi":
		points, err := s.history.Metric(ctx, p.instrument, p.res, p.from, p.to)
		if err != nil {
			s.log.Error("metric query failed",
				slog.String("trace_id", traceID),
				slog.String("instrument", p.instrument),
				slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, historyResponse{S: "error", ErrMsg: "metric query failed"})
			return
		}
		writeJSON(w, http.StatusOK, metricToResponse(points))
	default:
		writeJSON(w, http.StatusBadRequest, historyResponse{S: "error", ErrMsg: "unknown series type"})
	}
}

// handleBar answers a single-bar lookup at an exact timestamp, served from
// the cache only (no backfill).
func (s *Server) handleBar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	instrument := q.Get("instrument")
	if instrument == "" || !s.knownInstrument(instrument) {
		writeJSON(w, http.StatusBadRequest, historyResponse{S: "error", ErrMsg: "unknown instrument"})
		return
	}
	res, err := model.ParseResolution(q.Get("resolution"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, historyResponse{S: "error", ErrMsg: err.Error()})
		return
	}
	ts, err := strconv.ParseInt(q.Get("ts"), 10, 64)
	if err != nil || res.Align(ts) > s.now().Unix() {
		writeJSON(w, http.StatusBadRequest, historyResponse{S: "error", ErrMsg: "bad or future ts"})
		return
	}

	bar, err := s.history.BarAt(r.Context(), instrument, res, ts)
	if err != nil {
		s.log.Error("bar lookup failed",
			slog.String("instrument", instrument),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, historyResponse{S: "error", ErrMsg: "bar lookup failed"})
		return
	}
	if bar == nil {
		writeJSON(w, http.StatusOK, historyResponse{S: "no_data"})
		return
	}
	writeJSON(w, http.StatusOK, barsToResponse([]model.Bar{*bar}))
}

func (s *Server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	p, err := s.parseRangeParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, indicatorResponse{S: "error", ErrMsg: err.Error()})
		return
	}
	specs, err := indicator.ParseSpecs(r.URL.Query().Get("ids"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, indicatorResponse{S: "error", ErrMsg: err.Error()})
		return
	}
	simulate := r.URL.Query().Get("simulate") == "true"

	results := s.engine.Compute(r.Context(), indicator.Request{
		Instrument: p.instrument,
		Resolution: p.res,
		From:       p.from,
		To:         p.to,
		Specs:      specs,
		Simulate:   simulate,
	})

	resp := indicatorResponse{S: "ok", Series: make(map[string]seriesPayload, len(results))}
	for id, series := range results {
		payload := seriesPayload{S: string(series.Status), ErrMsg: series.ErrMsg}
		if series.Status == model.StatusOK {
			payload.T = series.Timestamps
			payload.Values = series.Values
		} else if series.Status == model.StatusNoData && s.OnNoData != nil {
			s.OnNoData()
		}
		resp.Series[id] = payload
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStreamSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		http.Error(w, "settings not available", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Instrument string `json:"instrument"`
		DeltaMs    int64  `json:"delta_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Instrument == "" || body.DeltaMs < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"s": "error", "errmsg": "instrument and non-negative delta_ms required"})
		return
	}

	delta := time.Duration(body.DeltaMs) * time.Millisecond
	if err := s.settings.SetStreamDelta(r.Context(), body.Instrument, delta); err != nil {
		s.log.Error("stream settings update failed",
			slog.String("instrument", body.Instrument),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"s": "error", "errmsg": "settings update failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"s": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "streaming not available", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	instrument := q.Get("instrument")
	res, err := model.ParseResolution(q.Get("resolution"))
	if instrument == "" || err != nil {
		http.Error(w, "instrument and resolution are required", http.StatusBadRequest)
		return
	}
	if !s.knownInstrument(instrument) {
		http.Error(w, "unknown instrument", http.StatusBadRequest)
		return
	}
	from, _ := strconv.ParseInt(q.Get("from"), 10, 64)
	to, _ := strconv.ParseInt(q.Get("to"), 10, 64)
	if to != 0 && from > to {
		http.Error(w, "from after to", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", slog.String("error", err.Error()))
		return
	}

	s.hub.Attach(conn, fanout.SessionParams{
		Instrument: instrument,
		Res:        res,
		From:       from,
		To:         to,
		Resume:     q.Get("resume"),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(v)
}
