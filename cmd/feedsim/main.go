// cmd/feedsim — Development upstream simulator.
// Serves the same surface the real market-data vendor does, so chartserver
// runs end to end without credentials:
//
//	WS   /ws                    — live tick broadcast
//	GET  /api/v1/candles        — paged history, all-string rows
//	GET  /api/v1/openinterest   — paged open-interest points
//	POST /api/v1/auth/login     — accepts any credentials, returns a token
//
// History is synthesized deterministically from the timestamp, so repeated
// page fetches and overlapping ranges always agree.
//
// Config (env vars):
//
//	FEEDSIM_ADDR         — listen address (default: ":9001")
//	FEEDSIM_INSTRUMENTS  — comma-separated instrument ids (default: "BTC-USDT")
//	FEEDSIM_INTERVAL_MS  — tick broadcast interval (default: "250")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxPageLimit = 500

type tickMsg struct {
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	TS         int64   `json:"ts"`
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client, drop tick
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[feedsim] upgrade error: %v", err)
			return
		}
		log.Printf("[feedsim] client connected: %s", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[feedsim] client disconnected: %s", r.RemoteAddr)
		}()

		// Reader discards subscribe frames; the sim broadcasts everything.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Synthetic series ─────────────────────────────────────────────────────────

// basePrice returns a deterministic price for (instrument, ts): a slow sine
// plus instrument-specific offset. Every caller sees the same history.
func basePrice(instrument string, ts int64) float64 {
	var seed int64
	for _, ch := range instrument {
		seed = seed*31 + int64(ch)
	}
	base := 1000 + float64(seed%9000)
	return base + base*0.01*math.Sin(float64(ts)/900)
}

func candleRow(instrument string, ts, step int64) []string {
	open := basePrice(instrument, ts)
	cl := basePrice(instrument, ts+step)
	hi := math.Max(open, cl) * 1.001
	lo := math.Min(open, cl) * 0.999
	vol := 50 + float64(ts%100)
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
	return []string{
		strconv.FormatInt(ts, 10),
		f(open), f(hi), f(lo), f(cl), f(vol),
	}
}

var resolutionSteps = map[string]int64{
	"1m": 60, "5m": 300, "15m": 900, "1h": 3600, "1d": 86400,
}

// ─── History endpoints ────────────────────────────────────────────────────────

func parseHistoryQuery(r *http.Request) (instrument string, step, from, to int64, limit int, err error) {
	q := r.URL.Query()
	instrument = q.Get("instrument")
	if instrument == "" {
		return "", 0, 0, 0, 0, fmt.Errorf("instrument is required")
	}
	step, ok := resolutionSteps[q.Get("resolution")]
	if !ok {
		return "", 0, 0, 0, 0, fmt.Errorf("unknown resolution %q", q.Get("resolution"))
	}
	from, err = strconv.ParseInt(q.Get("from"), 10, 64)
	if err != nil {
		return "", 0, 0, 0, 0, fmt.Errorf("bad from")
	}
	to, err = strconv.ParseInt(q.Get("to"), 10, 64)
	if err != nil {
		return "", 0, 0, 0, 0, fmt.Errorf("bad to")
	}
	limit = maxPageLimit
	if v := q.Get("limit"); v != "" {
		if n, convErr := strconv.Atoi(v); convErr == nil && n > 0 && n < limit {
			limit = n
		}
	}
	return instrument, step, from, to, limit, nil
}

func candlesHandler(w http.ResponseWriter, r *http.Request) {
	instrument, step, from, to, limit, err := parseHistoryQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"s": "error", "errmsg": err.Error()})
		return
	}

	now := time.Now().Unix()
	if to > now {
		to = now
	}

	var rows [][]string
	for ts := from - from%step; ts <= to && len(rows) < limit; ts += step {
		rows = append(rows, candleRow(instrument, ts, step))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"s": "ok", "candles": rows})
}

func openInterestHandler(w http.ResponseWriter, r *http.Request) {
	instrument, step, from, to, limit, err := parseHistoryQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"s": "error", "errmsg": err.Error()})
		return
	}

	now := time.Now().Unix()
	if to > now {
		to = now
	}

	type oiPoint struct {
		TS int64  `json:"ts"`
		OI string `json:"oi"`
	}
	var points []oiPoint
	for ts := from - from%step; ts <= to && len(points) < limit; ts += step {
		oi := 100000 + 50000*math.Cos(float64(ts)/3600)*basePrice(instrument, ts)/1000
		points = append(points, oiPoint{TS: ts, OI: strconv.FormatFloat(oi, 'f', 0, 64)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"s": "ok", "data": points})
}

func loginHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		ClientCode string `json:"client_code"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	token := fmt.Sprintf("sim-%s-%d", body.ClientCode, time.Now().UnixNano())
	writeJSON(w, http.StatusOK, map[string]string{"s": "ok", "access_token": token})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(v)
}

// ─── Tick generator ──────────────────────────────────────────────────────────

func runGenerator(h *hub, instruments []string, intervalMs int) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	// Live prices follow the deterministic base with a small random jitter.
	for range ticker.C {
		now := time.Now()
		for _, instrument := range instruments {
			jitter := (rand.Float64()*0.2 - 0.1) / 100.0
			price := basePrice(instrument, now.Unix()) * (1 + jitter)
			msg, err := json.Marshal(tickMsg{
				Instrument: instrument,
				Price:      math.Round(price*100) / 100,
				TS:         now.Unix(),
			})
			if err != nil {
				continue
			}
			h.broadcast(msg)
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[feedsim] starting upstream simulator...")

	addr := envOrDefault("FEEDSIM_ADDR", ":9001")
	instruments := splitList(envOrDefault("FEEDSIM_INSTRUMENTS", "BTC-USDT"))
	intervalMs := envIntOrDefault("FEEDSIM_INTERVAL_MS", 250)
	if len(instruments) == 0 {
		log.Fatal("[feedsim] no instruments configured via FEEDSIM_INSTRUMENTS")
	}
	log.Printf("[feedsim] instruments: %v, tick interval: %dms", instruments, intervalMs)

	h := newHub()
	go runGenerator(h, instruments, intervalMs)

	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/api/v1/candles", candlesHandler)
	http.HandleFunc("/api/v1/openinterest", openInterestHandler)
	http.HandleFunc("/api/v1/auth/login", loginHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"feedsim"}`)
	})

	log.Printf("[feedsim] listening on %s (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[feedsim] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
