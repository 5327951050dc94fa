package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	var cfg Config
	cfg.UserID = "dr-adams"
	cfg.API.BaseURL = "https://api.example.org"
	cfg.Realtime.URL = "wss://rt.example.org"
	return cfg
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := validConfig()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if cfg.DataDir != "./data" {
		t.Fatalf("data dir default: %q", cfg.DataDir)
	}
	if cfg.Sync.Interval() != 30*time.Second || cfg.Sync.MaxAttempts != 5 {
		t.Fatalf("sync defaults wrong: %+v", cfg.Sync)
	}
	if cfg.Presence.Debounce() != 3*time.Second || cfg.Presence.TTL() != 5*time.Second || cfg.Presence.Sweep() != time.Second {
		t.Fatalf("presence defaults wrong: %+v", cfg.Presence)
	}
	if cfg.Realtime.ErrorThreshold != 5 {
		t.Fatalf("realtime defaults wrong: %+v", cfg.Realtime)
	}
}

func TestValidateRequiresIdentityAndEndpoints(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.UserID = "" },
		func(c *Config) { c.API.BaseURL = "" },
		func(c *Config) { c.Realtime.URL = "" },
	}
	for i, mutate := range cases {
		cfg := validConfig()
		mutate(&cfg)
		if err := Validate(&cfg); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestValidateRejectsBadCron(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.Enabled = true
	cfg.Retention.Cron = "not a cron"
	if err := Validate(&cfg); err == nil {
		t.Fatalf("expected cron validation error")
	}

	cfg = validConfig()
	cfg.Retention.Enabled = true
	if err := Validate(&cfg); err != nil {
		t.Fatalf("default cron rejected: %v", err)
	}
}

func TestLoadFileAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "medlink.yaml")
	yaml := `
data_dir: /var/lib/medlink
user_id: dr-adams
api:
  base_url: https://api.example.org
  timeout_ms: 2500
realtime:
  url: wss://rt.example.org
sync:
  interval_sec: 10
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if cfg.API.TimeoutMS != 2500 || cfg.Sync.IntervalSec != 10 {
		t.Fatalf("file values not loaded: %+v", cfg)
	}

	t.Setenv("MEDLINK_USER_ID", "dr-bishop")
	t.Setenv("MEDLINK_SYNC_INTERVAL_SEC", "45")
	ApplyEnv(&cfg)
	if cfg.UserID != "dr-bishop" || cfg.Sync.IntervalSec != 45 {
		t.Fatalf("env overlay not applied: %+v", cfg)
	}
	// untouched values survive
	if cfg.API.TimeoutMS != 2500 {
		t.Fatalf("env overlay clobbered file value")
	}
}

func TestLoadFileMissingIsNotError(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file errored: %v", err)
	}
	if cfg.UserID != "" {
		t.Fatalf("unexpected config from missing file")
	}
}

func TestLoadFileRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("data_dir: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
