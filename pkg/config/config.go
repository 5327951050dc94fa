package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
	"github.com/goccy/go-yaml"
)

// Config is the effective runtime configuration, assembled from a YAML
// file, MEDLINK_* environment overrides and command-line flags, in that
// precedence order (flags win).
type Config struct {
	DataDir string `yaml:"data_dir"`
	UserID  string `yaml:"user_id"`

	API       APIConfig       `yaml:"api"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Sync      SyncConfig      `yaml:"sync"`
	Presence  PresenceConfig  `yaml:"presence"`
	Retention RetentionConfig `yaml:"retention"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type APIConfig struct {
	BaseURL   string `yaml:"base_url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type RealtimeConfig struct {
	URL          string `yaml:"url"`
	HeartbeatSec int    `yaml:"heartbeat_sec"`
	BaseDelayMS  int    `yaml:"base_delay_ms"`
	MaxDelayMS   int    `yaml:"max_delay_ms"`
	// ErrorThreshold is the number of consecutive failed reconnects
	// before the connection error is surfaced to listeners.
	ErrorThreshold int `yaml:"error_threshold"`
}

type SyncConfig struct {
	IntervalSec   int `yaml:"interval_sec"`
	MaxAttempts   int `yaml:"max_attempts"`
	BaseBackoffMS int `yaml:"base_backoff_ms"`
	MaxBackoffMS  int `yaml:"max_backoff_ms"`
	CallRetries   int `yaml:"call_retries"`
}

type PresenceConfig struct {
	DebounceMS int `yaml:"debounce_ms"`
	TTLMS      int `yaml:"ttl_ms"`
	SweepMS    int `yaml:"sweep_ms"`
}

type RetentionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	// MaxAgeDays prunes terminally failed records older than this.
	MaxAgeDays int `yaml:"max_age_days"`
}

type TelemetryConfig struct {
	// Addr enables the debug metrics listener when non-empty.
	Addr string `yaml:"addr"`
}

// LoadFile parses a YAML config file. A missing path is not an error;
// defaults and env carry the rest.
func LoadFile(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays MEDLINK_* environment variables onto cfg.
func ApplyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setStr("MEDLINK_DATA_DIR", &cfg.DataDir)
	setStr("MEDLINK_USER_ID", &cfg.UserID)
	setStr("MEDLINK_API_BASE_URL", &cfg.API.BaseURL)
	setInt("MEDLINK_API_TIMEOUT_MS", &cfg.API.TimeoutMS)
	setStr("MEDLINK_WS_URL", &cfg.Realtime.URL)
	setInt("MEDLINK_WS_HEARTBEAT_SEC", &cfg.Realtime.HeartbeatSec)
	setInt("MEDLINK_SYNC_INTERVAL_SEC", &cfg.Sync.IntervalSec)
	setInt("MEDLINK_SYNC_MAX_ATTEMPTS", &cfg.Sync.MaxAttempts)
	setStr("MEDLINK_RETENTION_CRON", &cfg.Retention.Cron)
	if v := os.Getenv("MEDLINK_RETENTION_ENABLED"); v != "" {
		cfg.Retention.Enabled = v == "1" || v == "true"
	}
	setStr("MEDLINK_TELEMETRY_ADDR", &cfg.Telemetry.Addr)
}

// Validate fills defaults and rejects values the runtime cannot honor.
func Validate(cfg *Config) error {
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.API.TimeoutMS <= 0 {
		cfg.API.TimeoutMS = 10_000
	}
	if cfg.Realtime.HeartbeatSec <= 0 {
		cfg.Realtime.HeartbeatSec = 30
	}
	if cfg.Realtime.BaseDelayMS <= 0 {
		cfg.Realtime.BaseDelayMS = 500
	}
	if cfg.Realtime.MaxDelayMS <= 0 {
		cfg.Realtime.MaxDelayMS = 30_000
	}
	if cfg.Realtime.ErrorThreshold <= 0 {
		cfg.Realtime.ErrorThreshold = 5
	}
	if cfg.Sync.IntervalSec <= 0 {
		cfg.Sync.IntervalSec = 30
	}
	if cfg.Sync.MaxAttempts <= 0 {
		cfg.Sync.MaxAttempts = 5
	}
	if cfg.Sync.BaseBackoffMS <= 0 {
		cfg.Sync.BaseBackoffMS = 1_000
	}
	if cfg.Sync.MaxBackoffMS <= 0 {
		cfg.Sync.MaxBackoffMS = 60_000
	}
	if cfg.Sync.CallRetries < 0 {
		cfg.Sync.CallRetries = 0
	}
	if cfg.Presence.DebounceMS <= 0 {
		cfg.Presence.DebounceMS = 3_000
	}
	if cfg.Presence.TTLMS <= 0 {
		cfg.Presence.TTLMS = 5_000
	}
	if cfg.Presence.SweepMS <= 0 {
		cfg.Presence.SweepMS = 1_000
	}
	if cfg.Retention.Cron == "" {
		cfg.Retention.Cron = "0 3 * * *"
	}
	if cfg.Retention.MaxAgeDays <= 0 {
		cfg.Retention.MaxAgeDays = 30
	}
	if cfg.Retention.Enabled {
		g := gronx.New()
		if !g.IsValid(cfg.Retention.Cron) {
			return fmt.Errorf("invalid retention cron %q", cfg.Retention.Cron)
		}
	}
	if cfg.UserID == "" {
		return fmt.Errorf("user_id is required (flag --user, env MEDLINK_USER_ID, or config file)")
	}
	if cfg.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if cfg.Realtime.URL == "" {
		return fmt.Errorf("realtime.url is required")
	}
	return nil
}

func (c SyncConfig) Interval() time.Duration    { return time.Duration(c.IntervalSec) * time.Second }
func (c SyncConfig) BaseBackoff() time.Duration { return time.Duration(c.BaseBackoffMS) * time.Millisecond }
func (c SyncConfig) MaxBackoff() time.Duration  { return time.Duration(c.MaxBackoffMS) * time.Millisecond }

func (c APIConfig) Timeout() time.Duration { return time.Duration(c.TimeoutMS) * time.Millisecond }

func (c RealtimeConfig) Heartbeat() time.Duration { return time.Duration(c.HeartbeatSec) * time.Second }
func (c RealtimeConfig) BaseDelay() time.Duration { return time.Duration(c.BaseDelayMS) * time.Millisecond }
func (c RealtimeConfig) MaxDelay() time.Duration  { return time.Duration(c.MaxDelayMS) * time.Millisecond }

func (c PresenceConfig) Debounce() time.Duration { return time.Duration(c.DebounceMS) * time.Millisecond }
func (c PresenceConfig) TTL() time.Duration      { return time.Duration(c.TTLMS) * time.Millisecond }
func (c PresenceConfig) Sweep() time.Duration    { return time.Duration(c.SweepMS) * time.Millisecond }
