// Package config loads application configuration from an optional YAML file
// with environment-variable overrides for deployment and secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from YAML either as a Go
// duration string ("30s", "1m30s") or as a bare number of seconds. Plain
// time.Duration through yaml.v3 would silently read a bare integer as
// nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	dur, err := parseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = dur
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (Duration, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return Duration(time.Duration(secs) * time.Second), nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return Duration(dur), nil
}

// Config holds all application configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	Log struct {
		Level string `yaml:"level"` // debug|info|warn|error
		File  string `yaml:"file"`  // empty = stdout only
	} `yaml:"log"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	SQLitePath string `yaml:"sqlite_path"`

	Upstream struct {
		BaseURL    string `yaml:"base_url"`
		FeedURL    string `yaml:"feed_url"` // websocket tick feed
		APIKey     string `yaml:"api_key"`
		ClientCode string `yaml:"client_code"`
		Password   string `yaml:"password"`
		TOTPSecret string `yaml:"totp_secret"`
		PageSize   int    `yaml:"page_size"`
	} `yaml:"upstream"`

	// Instruments watched by the backfill sweep and the live publisher.
	Instruments []string `yaml:"instruments"`
	Resolutions []string `yaml:"resolutions"`

	Cache struct {
		MaxEntries   int64 `yaml:"max_entries"`   // per sorted set
		GapTolerance int   `yaml:"gap_tolerance"` // missing points accepted without backfill
	} `yaml:"cache"`

	SweepInterval        Duration `yaml:"sweep_interval"`
	SettingsPollInterval Duration `yaml:"settings_poll_interval"`
}

// Load reads the YAML file at path (if it exists), applies defaults, then
// applies environment overrides. Secrets should come from the environment.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	overrideWithEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{
		ListenAddr:           ":8080",
		MetricsAddr:          ":9090",
		SQLitePath:           "data/settings.db",
		Instruments:          []string{"BTC-USDT"},
		Resolutions:          []string{"1m", "5m", "15m", "1h", "1d"},
		SweepInterval:        Duration(30 * time.Second),
		SettingsPollInterval: Duration(30 * time.Second),
	}
	cfg.Log.Level = "info"
	cfg.Redis.Addr = "localhost:6379"
	cfg.Upstream.BaseURL = "http://localhost:9001"
	cfg.Upstream.FeedURL = "ws://localhost:9001/ws"
	cfg.Upstream.PageSize = 500
	cfg.Cache.MaxEntries = 5000
	cfg.Cache.GapTolerance = 3
	return cfg
}

func overrideWithEnv(cfg *Config) {
	setStr(&cfg.ListenAddr, "LISTEN_ADDR")
	setStr(&cfg.MetricsAddr, "METRICS_ADDR")
	setStr(&cfg.Log.Level, "LOG_LEVEL")
	setStr(&cfg.Log.File, "LOG_FILE")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setStr(&cfg.SQLitePath, "SQLITE_PATH")
	setStr(&cfg.Upstream.BaseURL, "UPSTREAM_BASE_URL")
	setStr(&cfg.Upstream.FeedURL, "UPSTREAM_FEED_URL")
	setStr(&cfg.Upstream.APIKey, "UPSTREAM_API_KEY")
	setStr(&cfg.Upstream.ClientCode, "UPSTREAM_CLIENT_CODE")
	setStr(&cfg.Upstream.Password, "UPSTREAM_PASSWORD")
	setStr(&cfg.Upstream.TOTPSecret, "UPSTREAM_TOTP_SECRET")
	setInt(&cfg.Upstream.PageSize, "UPSTREAM_PAGE_SIZE")
	setInt64(&cfg.Cache.MaxEntries, "CACHE_MAX_ENTRIES")
	setInt(&cfg.Cache.GapTolerance, "CACHE_GAP_TOLERANCE")
	setDur(&cfg.SweepInterval, "SWEEP_INTERVAL")
	setDur(&cfg.SettingsPollInterval, "SETTINGS_POLL_INTERVAL")

	if v := os.Getenv("INSTRUMENTS"); v != "" {
		cfg.Instruments = splitList(v)
	}
	if v := os.Getenv("RESOLUTIONS"); v != "" {
		cfg.Resolutions = splitList(v)
	}
}

func (c *Config) validate() error {
	if c.Upstream.PageSize <= 0 {
		return fmt.Errorf("upstream page_size must be positive")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache max_entries must be positive")
	}
	if c.Cache.GapTolerance < 0 {
		return fmt.Errorf("cache gap_tolerance must not be negative")
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("at least one instrument is required")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	if c.SettingsPollInterval <= 0 {
		return fmt.Errorf("settings_poll_interval must be positive")
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDur(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := parseDuration(v); err == nil {
			*dst = d
		}
	}
}
