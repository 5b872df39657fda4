package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chartdata/config"
	"chartdata/internal/api"
	"chartdata/internal/fanout"
	"chartdata/internal/history"
	"chartdata/internal/indicator"
	"chartdata/internal/logger"
	"chartdata/internal/metrics"
	"chartdata/internal/model"
	"chartdata/internal/settings"
	redisstore "chartdata/internal/store/redis"
	"chartdata/internal/stream"
	"chartdata/internal/upstream"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := buildLogger(cfg)
	log.Info("chartserver starting",
		slog.String("listen", cfg.ListenAddr),
		slog.Any("instruments", cfg.Instruments))

	resolutions, err := parseResolutions(cfg.Resolutions)
	if err != nil {
		log.Error("bad resolution list", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	health := metrics.NewHealthStatus()

	// ---- Redis cache ----
	store, err := redisstore.New(redisstore.Config{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		MaxEntries: cfg.Cache.MaxEntries,
	}, log)
	if err != nil {
		log.Error("redis unavailable", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	// ---- Settings (SQLite) ----
	settingsStore, err := settings.New(cfg.SQLitePath, log)
	if err != nil {
		log.Error("settings store unavailable", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer settingsStore.Close()
	cachedSettings := settings.NewCached(settingsStore, cfg.SettingsPollInterval.Std())

	// ---- Upstream fetcher ----
	client := upstream.NewClient(upstream.ClientConfig{
		BaseURL:    cfg.Upstream.BaseURL,
		APIKey:     cfg.Upstream.APIKey,
		ClientCode: cfg.Upstream.ClientCode,
		Password:   cfg.Upstream.Password,
		TOTPSecret: cfg.Upstream.TOTPSecret,
	}, log)
	fetcher := upstream.NewFetcher(client, upstream.FetcherConfig{
		PageSize: cfg.Upstream.PageSize,
	}, log)
	fetcher.OnPage = func() { m.UpstreamPages.Inc() }
	fetcher.OnRetry = func() { m.UpstreamRetries.Inc() }

	store.OnWrite = func(d time.Duration) { m.StoreWriteDur.Observe(d.Seconds()) }
	store.OnQuery = func(d time.Duration) { m.StoreQueryDur.Observe(d.Seconds()) }
	store.OnBuffered = func() { m.BufferedWrites.Inc() }
	store.OnBreakerTrip = func() { m.BreakerTrips.Inc() }

	// ---- History read path ----
	svc := history.NewService(store, fetcher, cfg.Cache.GapTolerance, log)
	svc.OnBackfill = func(points int) { m.BackfillPoints.Add(float64(points)) }
	svc.SetGapHook(func(int) { m.BackfillGaps.Inc() })

	engine := indicator.NewEngine(svc, log)
	engine.OnCompute = func(d time.Duration) { m.IndicatorComputeDur.Observe(d.Seconds()) }

	// ---- Streams and live fan-out ----
	reader := stream.NewReader(store.Client(), log)
	publisher := stream.NewPublisher(store.Client(), store, log)

	hub := fanout.NewHub(reader, cachedSettings, log)
	hub.OnPush = func() { m.PushesTotal.Inc() }
	hub.OnThrottled = func() { m.ThrottledPushes.Inc() }
	publisher.OnPublish = func(model.Bar) { m.StreamPublishes.Inc() }

	sweeper := history.NewSweeper(svc, publisher, cfg.Instruments, resolutions, cfg.SweepInterval.Std(), log)
	go sweeper.Run(ctx)

	feed := fanout.NewFeed(fanout.FeedConfig{
		URL:         cfg.Upstream.FeedURL,
		Instruments: cfg.Instruments,
	}, hub, log)
	feed.OnTick = func() {
		m.TicksTotal.Inc()
		health.SetFeedConnected(true)
		health.SetLastTickTime(time.Now())
	}
	feed.OnReconnect = func() {
		m.FeedReconnects.Inc()
		health.SetFeedConnected(false)
	}
	go feed.Run(ctx)

	// ---- Observability ----
	health.StartLivenessChecker(ctx, store.Client(), settingsStore.DB(), 10*time.Second)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, log)
	metricsSrv.Start()
	go pollGauges(ctx, m, hub, store)

	// ---- HTTP API ----
	apiSrv := api.NewServer(svc, engine, hub, &adminSettings{store: settingsStore, cache: cachedSettings}, cfg.Instruments, log)
	apiSrv.OnNoData = func() { m.IndicatorNoData.Inc() }
	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: apiSrv.Router(),
	}
	go func() {
		log.Info("api server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Error("api server error", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	hub.CloseAll()
	metricsSrv.Stop(shutdownCtx)
	log.Info("chartserver stopped")
}

// adminSettings writes through to SQLite and drops the cached entry so the
// new interval takes effect without waiting for the TTL.
type adminSettings struct {
	store *settings.Store
	cache *settings.Cached
}

func (a *adminSettings) SetStreamDelta(ctx context.Context, instrument string, delta time.Duration) error {
	if err := a.store.SetStreamDelta(ctx, instrument, delta); err != nil {
		return err
	}
	a.cache.Invalidate(instrument)
	return nil
}

func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.Log.File != "" {
		return logger.InitWithRotation("chartserver", level, cfg.Log.File)
	}
	return logger.Init("chartserver", level)
}

func parseResolutions(raw []string) ([]model.Resolution, error) {
	out := make([]model.Resolution, 0, len(raw))
	for _, r := range raw {
		res, err := model.ParseResolution(r)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// pollGauges mirrors session count and breaker state into gauges.
func pollGauges(ctx context.Context, m *metrics.Metrics, hub *fanout.Hub, store *redisstore.Store) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SessionsGauge.Set(float64(hub.SessionCount()))
			m.PendingWrites.Set(float64(store.PendingWrites()))
			switch store.BreakerState() {
			case redisstore.StateClosed:
				m.BreakerState.Set(0)
			case redisstore.StateOpen:
				m.BreakerState.Set(1)
			case redisstore.StateHalfOpen:
				m.BreakerState.Set(2)
			}
		}
	}
}
