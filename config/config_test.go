package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.SweepInterval.Std() != 30*time.Second {
		t.Errorf("sweep_interval = %v, want 30s", cfg.SweepInterval.Std())
	}
}

func TestLoad_DurationForms(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{"45s", 45 * time.Second},
		{"2m", 2 * time.Minute},
		{"30", 30 * time.Second}, // bare number means seconds, not nanoseconds
	}
	for _, tc := range cases {
		path := writeConfig(t, "sweep_interval: "+tc.raw+"\n")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("sweep_interval %q: %v", tc.raw, err)
		}
		if got := cfg.SweepInterval.Std(); got != tc.want {
			t.Errorf("sweep_interval %q = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, "settings_poll_interval: fast\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unparseable duration")
	}
}

func TestLoad_EnvOverridesDurations(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "90s")
	t.Setenv("SETTINGS_POLL_INTERVAL", "10")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SweepInterval.Std() != 90*time.Second {
		t.Errorf("SWEEP_INTERVAL override = %v, want 90s", cfg.SweepInterval.Std())
	}
	if cfg.SettingsPollInterval.Std() != 10*time.Second {
		t.Errorf("SETTINGS_POLL_INTERVAL override = %v, want 10s", cfg.SettingsPollInterval.Std())
	}
}
