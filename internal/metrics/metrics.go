// Package metrics registers Prometheus instrumentation and serves the
// /metrics and /healthz endpoints on a dedicated listener.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the chart data service.
type Metrics struct {
	TicksTotal      prometheus.Counter
	PushesTotal     prometheus.Counter
	ThrottledPushes prometheus.Counter
	FeedReconnects  prometheus.Counter
	SessionsGauge   prometheus.Gauge

	BackfillPoints  prometheus.Counter
	BackfillGaps    prometheus.Counter
	UpstreamPages   prometheus.Counter
	UpstreamRetries prometheus.Counter

	StoreWriteDur prometheus.Histogram
	StoreQueryDur prometheus.Histogram

	IndicatorComputeDur prometheus.Histogram
	IndicatorNoData     prometheus.Counter

	BreakerState    prometheus.Gauge // 0=closed, 1=open, 2=half-open
	BreakerTrips    prometheus.Counter
	BufferedWrites  prometheus.Counter
	PendingWrites   prometheus.Gauge
	StreamPublishes prometheus.Counter
}

// New registers and returns the metric set.
func New() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartdata_ticks_total",
			Help: "Total ticks received from the upstream feed",
		}),
		PushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartdata_pushes_total",
			Help: "Total pushes delivered to WebSocket sessions",
		}),
		ThrottledPushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartdata_throttled_pushes_total",
			Help: "Pushes suppressed by per-instrument throttling or change-only policy",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartdata_feed_reconnects_total",
			Help: "Upstream tick feed reconnection attempts",
		}),
		SessionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartdata_live_sessions",
			Help: "Currently attached WebSocket sessions",
		}),
		BackfillPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartdata_backfill_points_total",
			Help: "Points written to the cache by gap backfill",
		}),
		BackfillGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartdata_backfill_gaps_total",
			Help: "Gaps detected by range analysis",
		}),
		UpstreamPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartdata_upstream_pages_total",
			Help: "Pages fetched from the upstream history API",
		}),
		UpstreamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartdata_upstream_retries_total",
			Help: "Transient upstream errors retried",
		}),
		StoreWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartdata_store_write_duration_seconds",
			Help:    "Cache write latency",
			Buckets: prometheus.DefBuckets,
		}),
		StoreQueryDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartdata_store_query_duration_seconds",
			Help:    "Cache range-query latency",
			Buckets: prometheus.DefBuckets,
		}),
		IndicatorComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartdata_indicator_compute_duration_seconds",
			Help:    "Indicator request latency including window loading",
			Buckets: prometheus.DefBuckets,
		}),
		IndicatorNoData: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartdata_indicator_no_data_total",
			Help: "Indicator requests answered with no_data after history exhaustion",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartdata_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartdata_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		BufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartdata_redis_buffered_writes_total",
			Help: "Writes buffered locally while the circuit breaker was open",
		}),
		PendingWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartdata_redis_pending_writes",
			Help: "Buffered write batches awaiting replay",
		}),
		StreamPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartdata_stream_publishes_total",
			Help: "Bars appended to the per-series streams",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.PushesTotal,
		m.ThrottledPushes,
		m.FeedReconnects,
		m.SessionsGauge,
		m.BackfillPoints,
		m.BackfillGaps,
		m.UpstreamPages,
		m.UpstreamRetries,
		m.StoreWriteDur,
		m.StoreQueryDur,
		m.IndicatorComputeDur,
		m.IndicatorNoData,
		m.BreakerState,
		m.BreakerTrips,
		m.BufferedWrites,
		m.PendingWrites,
		m.StreamPublishes,
	)
	return m
}

// HealthStatus tracks dependency health for the /healthz endpoint.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool
	LastTickTime   time.Time
	RedisConnected bool
	SQLiteOK       bool

	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a health tracker stamped with the start time.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the settings database and records latency and health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker probes dependencies on an interval until ctx ends.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if db != nil {
					h.CheckSQLite(probeCtx, db)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles /healthz.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := "healthy"
	code := http.StatusOK
	if !h.FeedConnected || !h.RedisConnected || !h.SQLiteOK {
		overall = "degraded"
		code = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.SQLiteOK {
		overall = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		FeedConnected   bool    `json:"feed_connected"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overall,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(status)
}

// Server exposes /metrics and /healthz on its own listener.
type Server struct {
	srv *http.Server
	log *slog.Logger
}

// NewServer builds the metrics server.
func NewServer(addr string, health *HealthStatus, log *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		srv: &http.Server{Addr: addr, Handler: mux},
		log: log,
	}
}

// Start launches the listener in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
