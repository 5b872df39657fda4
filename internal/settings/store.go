// Package settings persists per-instrument stream settings in SQLite.
// Live sessions poll the cached view, so an operator change to a push
// interval reaches connected clients without a reconnect.
package settings

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the durable settings table. Writes are rare (operator actions),
// reads go through the TTL cache in Cached.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// New opens or creates the settings database with WAL mode.
func New(path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Info("settings store opened", slog.String("path", path))
	return &Store{db: db, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS stream_settings (
			instrument  TEXT    PRIMARY KEY,
			delta_ms    INTEGER NOT NULL DEFAULT 0,
			updated_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);
	`)
	return err
}

// DB returns the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// SetStreamDelta stores the minimum inter-push interval for an instrument.
// Zero restores push-every-tick behavior.
func (s *Store) SetStreamDelta(ctx context.Context, instrument string, delta time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_settings (instrument, delta_ms, updated_at)
		VALUES (?, ?, strftime('%s', 'now'))
		ON CONFLICT(instrument) DO UPDATE SET
			delta_ms = excluded.delta_ms,
			updated_at = excluded.updated_at
	`, instrument, delta.Milliseconds())
	if err != nil {
		return fmt.Errorf("set stream delta for %s: %w", instrument, err)
	}
	return nil
}

// StreamDelta returns the configured interval, or zero when the instrument
// has no row.
func (s *Store) StreamDelta(ctx context.Context, instrument string) (time.Duration, error) {
	var deltaMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT delta_ms FROM stream_settings WHERE instrument = ?`, instrument,
	).Scan(&deltaMs)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stream delta for %s: %w", instrument, err)
	}
	return time.Duration(deltaMs) * time.Millisecond, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cached wraps a Store with a per-instrument TTL cache so session loops
// can poll settings every push without a SQLite round trip each time.
type Cached struct {
	inner *Store
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	delta   time.Duration
	expires time.Time
}

// NewCached wraps the store. A stale read serves the cached value and is
// refreshed lazily.
func NewCached(inner *Store, ttl time.Duration) *Cached {
	return &Cached{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// StreamDelta serves from cache inside the TTL, otherwise re-reads. A read
// error falls back to the last cached value so a SQLite hiccup does not
// change push behavior mid-session.
func (c *Cached) StreamDelta(ctx context.Context, instrument string) (time.Duration, error) {
	c.mu.Lock()
	entry, ok := c.entries[instrument]
	fresh := ok && c.now().Before(entry.expires)
	c.mu.Unlock()
	if fresh {
		return entry.delta, nil
	}

	delta, err := c.inner.StreamDelta(ctx, instrument)
	if err != nil {
		if ok {
			return entry.delta, nil
		}
		return 0, err
	}

	c.mu.Lock()
	c.entries[instrument] = cacheEntry{delta: delta, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return delta, nil
}

// Invalidate drops the cached entry so the next read hits SQLite. Called
// after SetStreamDelta on the same process.
func (c *Cached) Invalidate(instrument string) {
	c.mu.Lock()
	delete(c.entries, instrument)
	c.mu.Unlock()
}
