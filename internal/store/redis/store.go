// Package redis implements the time-series cache on Redis sorted sets.
//
// Each (instrument, resolution, kind) key maps to one sorted set whose
// score is the record's unix timestamp. Upserts remove any existing member
// at the same score before inserting, which makes concurrent writers
// commutative: they race only on which value wins, never on leaving
// duplicate entries. After every upsert the set is trimmed to a bounded
// number of newest entries — this is a working-set cache, not an archive.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"chartdata/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const defaultPointTTL = 30 * time.Minute

// Config configures the Redis store.
type Config struct {
	Addr     string
	Password string
	DB       int

	// MaxEntries caps each sorted set; oldest entries beyond it are
	// trimmed after every upsert.
	MaxEntries int64

	// PointTTL is the expiry of the secondary exact-timestamp lookup keys.
	PointTTL time.Duration
}

// Store is the Redis-backed SeriesStore. Writes go through a circuit
// breaker; while the breaker is open, batches are buffered locally and
// replayed when it closes.
type Store struct {
	client     *goredis.Client
	log        *slog.Logger
	maxEntries int64
	pointTTL   time.Duration

	cb     *CircuitBreaker
	buffer *writeBuffer

	// Metrics hooks, wired by the caller.
	OnWrite       func(time.Duration)
	OnQuery       func(time.Duration)
	OnBuffered    func()
	OnBreakerTrip func()
}

// New creates a Store and pings the server.
func New(cfg Config, log *slog.Logger) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 5000
	}
	if cfg.PointTTL <= 0 {
		cfg.PointTTL = defaultPointTTL
	}

	s := &Store{
		client:     client,
		log:        log,
		maxEntries: cfg.MaxEntries,
		pointTTL:   cfg.PointTTL,
		cb:         NewCircuitBreaker(5, 10*time.Second),
	}
	s.buffer = newWriteBuffer(s, 10000)
	s.cb.OnStateChange = func(from, to State) {
		log.Warn("store circuit breaker state change",
			slog.String("from", from.String()), slog.String("to", to.String()))
		if to == StateOpen && s.OnBreakerTrip != nil {
			s.OnBreakerTrip()
		}
		if to == StateClosed {
			go s.buffer.flush(context.Background())
		}
	}

	log.Info("redis connected", slog.String("addr", cfg.Addr))
	return s, nil
}

// Client exposes the underlying client for the stream publisher and
// health checks.
func (s *Store) Client() *goredis.Client { return s.client }

// UpsertBars writes a batch of bars with dedup-by-timestamp semantics.
// While the circuit is open the batch is buffered, not lost.
func (s *Store) UpsertBars(ctx context.Context, key model.SeriesKey, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	err := s.cb.Execute(func() error {
		return s.writeBatch(ctx, key, barMembers(key, bars))
	})
	if err == ErrCircuitOpen {
		s.buffer.addBars(key, bars)
		if s.OnBuffered != nil {
			s.OnBuffered()
		}
		return nil
	}
	return err
}

// UpsertMetric mirrors UpsertBars for the secondary series.
func (s *Store) UpsertMetric(ctx context.Context, key model.SeriesKey, points []model.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	err := s.cb.Execute(func() error {
		return s.writeBatch(ctx, key, metricMembers(key, points))
	})
	if err == ErrCircuitOpen {
		s.buffer.addMetric(key, points)
		if s.OnBuffered != nil {
			s.OnBuffered()
		}
		return nil
	}
	return err
}

// member pairs a score with its serialized payload for a pipelined write.
type member struct {
	ts      int64
	payload string
}

func barMembers(key model.SeriesKey, bars []model.Bar) []member {
	out := make([]member, len(bars))
	for i := range bars {
		out[i] = member{ts: bars[i].TS, payload: string(bars[i].JSON())}
	}
	return out
}

func metricMembers(key model.SeriesKey, points []model.MetricPoint) []member {
	out := make([]member, len(points))
	for i := range points {
		out[i] = member{ts: points[i].TS, payload: string(points[i].JSON())}
	}
	return out
}

// writeBatch performs the dedup-and-replace pipeline for one batch, then
// trims. A trim failure is logged, never fatal.
func (s *Store) writeBatch(ctx context.Context, key model.SeriesKey, members []member) error {
	start := time.Now()
	set := key.SetKey()
	pipe := s.client.Pipeline()
	for _, m := range members {
		score := strconv.FormatInt(m.ts, 10)
		// Remove-then-add at the same score keeps at most one record per
		// timestamp even under concurrent writers.
		pipe.ZRemRangeByScore(ctx, set, score, score)
		pipe.ZAdd(ctx, set, &goredis.Z{Score: float64(m.ts), Member: m.payload})
		// Secondary expiring record for exact-timestamp lookups.
		pipe.Set(ctx, key.PointKey(m.ts), m.payload, s.pointTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert %s: %w", set, err)
	}

	if err := s.trim(ctx, key); err != nil {
		s.log.Warn("trim failed", slog.String("key", set), slog.Any("error", err))
	}
	if s.OnWrite != nil {
		s.OnWrite(time.Since(start))
	}
	return nil
}

// trim deletes the oldest entries beyond the configured cap.
func (s *Store) trim(ctx context.Context, key model.SeriesKey) error {
	set := key.SetKey()
	card, err := s.Cardinality(ctx, key)
	if err != nil {
		return err
	}
	if card <= s.maxEntries {
		return nil
	}
	return s.client.ZRemRangeByRank(ctx, set, 0, card-s.maxEntries-1).Err()
}

// QueryBars returns bars with TS in [from, to], ascending. Malformed
// members are skipped and logged rather than failing the whole query.
func (s *Store) QueryBars(ctx context.Context, key model.SeriesKey, from, to int64) ([]model.Bar, error) {
	raw, err := s.rangeByScore(ctx, key, from, to)
	if err != nil {
		return nil, err
	}
	bars := make([]model.Bar, 0, len(raw))
	for _, payload := range raw {
		var b model.Bar
		if err := json.Unmarshal([]byte(payload), &b); err != nil || b.TS == 0 {
			s.log.Warn("skipping malformed cached bar",
				slog.String("key", key.SetKey()), slog.Any("error", err))
			continue
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// QueryMetric mirrors QueryBars for the secondary series.
func (s *Store) QueryMetric(ctx context.Context, key model.SeriesKey, from, to int64) ([]model.MetricPoint, error) {
	raw, err := s.rangeByScore(ctx, key, from, to)
	if err != nil {
		return nil, err
	}
	points := make([]model.MetricPoint, 0, len(raw))
	for _, payload := range raw {
		var p model.MetricPoint
		if err := json.Unmarshal([]byte(payload), &p); err != nil || p.TS == 0 {
			s.log.Warn("skipping malformed cached metric point",
				slog.String("key", key.SetKey()), slog.Any("error", err))
			continue
		}
		points = append(points, p)
	}
	return points, nil
}

func (s *Store) rangeByScore(ctx context.Context, key model.SeriesKey, from, to int64) ([]string, error) {
	start := time.Now()
	raw, err := s.client.ZRangeByScore(ctx, key.SetKey(), &goredis.ZRangeBy{
		Min: strconv.FormatInt(from, 10),
		Max: strconv.FormatInt(to, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key.SetKey(), err)
	}
	if s.OnQuery != nil {
		s.OnQuery(time.Since(start))
	}
	return raw, nil
}

// PointAt fetches the expiring exact-timestamp record, if still present.
// Returns nil, nil on a miss.
func (s *Store) PointAt(ctx context.Context, key model.SeriesKey, ts int64) (*model.Bar, error) {
	payload, err := s.client.Get(ctx, key.PointKey(ts)).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key.PointKey(ts), err)
	}
	var b model.Bar
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		return nil, nil // malformed point record: treat as a miss
	}
	return &b, nil
}

// Cardinality returns the number of entries in a series set.
func (s *Store) Cardinality(ctx context.Context, key model.SeriesKey) (int64, error) {
	return s.client.ZCard(ctx, key.SetKey()).Result()
}

// BreakerState exposes the circuit state for metrics.
func (s *Store) BreakerState() State { return s.cb.CurrentState() }

// PendingWrites returns the number of buffered batches awaiting replay.
func (s *Store) PendingWrites() int { return s.buffer.pending() }

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
