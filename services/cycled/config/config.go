// Package config loads cycled runtime configuration from YAML or TOML with
// CYCLED_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be written as "90s" in YAML and TOML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML and env values.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the complete cycled configuration.
type Config struct {
	Listen      string            `yaml:"listen" toml:"listen"`
	Environment string            `yaml:"environment" toml:"environment"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Matching    MatchingConfig    `yaml:"matching" toml:"matching"`
	Settlement  SettlementConfig  `yaml:"settlement" toml:"settlement"`
	Idempotency IdempotencyConfig `yaml:"idempotency" toml:"idempotency"`
	Sweeper     SweeperConfig     `yaml:"sweeper" toml:"sweeper"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit" toml:"rate_limit"`
	Recon       ReconConfig       `yaml:"recon" toml:"recon"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" toml:"telemetry"`
}

// DatabaseConfig selects the store driver.
type DatabaseConfig struct {
	Driver       string `yaml:"driver" toml:"driver"`
	DSN          string `yaml:"dsn" toml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
	Debug        bool   `yaml:"debug" toml:"debug"`
}

// AuthConfig controls bearer token verification. HMACSecretEnv names an
// environment variable holding the secret.
type AuthConfig struct {
	HMACSecret    string   `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretEnv string   `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	Issuer        string   `yaml:"issuer" toml:"issuer"`
	Audience      string   `yaml:"audience" toml:"audience"`
	ScopeClaim    string   `yaml:"scope_claim" toml:"scope_claim"`
	PartnerClaim  string   `yaml:"partner_claim" toml:"partner_claim"`
	ClockSkew     Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// MatchingConfig carries the run defaults.
type MatchingConfig struct {
	MinCycleLength    int      `yaml:"min_cycle_length" toml:"min_cycle_length"`
	MaxCycleLength    int      `yaml:"max_cycle_length" toml:"max_cycle_length"`
	MaxCyclesExplored int      `yaml:"max_cycles_explored" toml:"max_cycles_explored"`
	Timeout           Duration `yaml:"timeout" toml:"timeout"`
	ValueToleranceBps int      `yaml:"value_tolerance_bps" toml:"value_tolerance_bps"`
	AcceptWindow      Duration `yaml:"accept_window" toml:"accept_window"`
}

// SettlementConfig holds the deposit window used when a start request names
// no deadline.
type SettlementConfig struct {
	DepositWindow Duration `yaml:"deposit_window" toml:"deposit_window"`
}

// IdempotencyConfig bounds how long results are replayed.
type IdempotencyConfig struct {
	Retention Duration `yaml:"retention" toml:"retention"`
}

// SweeperConfig schedules the expiry sweeps.
type SweeperConfig struct {
	Enabled  bool     `yaml:"enabled" toml:"enabled"`
	Interval Duration `yaml:"interval" toml:"interval"`
}

// RateLimitConfig is applied per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// ReconConfig schedules the daily receipt export.
type ReconConfig struct {
	Enabled       bool     `yaml:"enabled" toml:"enabled"`
	OutputDir     string   `yaml:"output_dir" toml:"output_dir"`
	RunHour       int      `yaml:"run_hour" toml:"run_hour"`
	RunMinute     int      `yaml:"run_minute" toml:"run_minute"`
	Window        Duration `yaml:"window" toml:"window"`
	DryRun        bool     `yaml:"dry_run" toml:"dry_run"`
	RequireSigned bool     `yaml:"require_signed" toml:"require_signed"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// TelemetryConfig mirrors the OTLP exporter settings.
type TelemetryConfig struct {
	Endpoint       string   `yaml:"endpoint" toml:"endpoint"`
	Insecure       bool     `yaml:"insecure" toml:"insecure"`
	Headers        string   `yaml:"headers" toml:"headers"`
	Traces         bool     `yaml:"traces" toml:"traces"`
	Metrics        bool     `yaml:"metrics" toml:"metrics"`
	SampleRatio    float64  `yaml:"sample_ratio" toml:"sample_ratio"`
	MetricInterval Duration `yaml:"metric_interval" toml:"metric_interval"`
}

// Load reads the file at path, choosing TOML for a .toml extension and YAML
// otherwise, then applies environment overrides, defaults and validation. An
// empty path starts from defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			if _, err := toml.Decode(string(raw), &cfg); err != nil {
				return cfg, fmt.Errorf("decode config: %w", err)
			}
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, fmt.Errorf("decode config: %w", err)
			}
		}
	}
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":7080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "file:cycled.db?_pragma=busy_timeout(5000)"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.Matching.MinCycleLength == 0 {
		cfg.Matching.MinCycleLength = 2
	}
	if cfg.Matching.MaxCycleLength == 0 {
		cfg.Matching.MaxCycleLength = 4
	}
	if cfg.Matching.MaxCyclesExplored == 0 {
		cfg.Matching.MaxCyclesExplored = 10_000
	}
	if cfg.Matching.Timeout.Duration == 0 {
		cfg.Matching.Timeout.Duration = 2 * time.Second
	}
	if cfg.Matching.ValueToleranceBps == 0 {
		cfg.Matching.ValueToleranceBps = 1000
	}
	if cfg.Matching.AcceptWindow.Duration == 0 {
		cfg.Matching.AcceptWindow.Duration = 24 * time.Hour
	}
	if cfg.Settlement.DepositWindow.Duration == 0 {
		cfg.Settlement.DepositWindow.Duration = 48 * time.Hour
	}
	if cfg.Idempotency.Retention.Duration == 0 {
		cfg.Idempotency.Retention.Duration = 72 * time.Hour
	}
	if cfg.Sweeper.Interval.Duration == 0 {
		cfg.Sweeper.Interval.Duration = time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 60
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = filepath.Join("cycled-data", "recon")
	}
	if cfg.Recon.Window.Duration == 0 {
		cfg.Recon.Window.Duration = 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validate(cfg Config) error {
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if cfg.Auth.Secret() == "" {
		return fmt.Errorf("auth hmac secret must be configured")
	}
	m := cfg.Matching
	if m.MinCycleLength < 2 || m.MaxCycleLength > 4 || m.MinCycleLength > m.MaxCycleLength {
		return fmt.Errorf("matching cycle lengths must satisfy 2 <= min <= max <= 4")
	}
	if m.MaxCyclesExplored < 0 || m.ValueToleranceBps < 0 {
		return fmt.Errorf("matching limits must not be negative")
	}
	if cfg.Recon.RunHour < 0 || cfg.Recon.RunHour > 23 || cfg.Recon.RunMinute < 0 || cfg.Recon.RunMinute > 59 {
		return fmt.Errorf("recon run time out of range")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample_ratio must be within [0,1]")
	}
	return nil
}

// Secret resolves the HMAC secret, preferring the named environment variable.
func (a AuthConfig) Secret() string {
	if a.HMACSecretEnv != "" {
		if v := strings.TrimSpace(os.Getenv(a.HMACSecretEnv)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(a.HMACSecret)
}

// applyEnv overlays CYCLED_* variables on cfg.
func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("CYCLED_LISTEN", &cfg.Listen)
	str("CYCLED_ENV", &cfg.Environment)
	str("CYCLED_DB_DRIVER", &cfg.Database.Driver)
	str("CYCLED_DB_DSN", &cfg.Database.DSN)
	str("CYCLED_AUTH_HMAC_SECRET", &cfg.Auth.HMACSecret)
	str("CYCLED_AUTH_ISSUER", &cfg.Auth.Issuer)
	str("CYCLED_AUTH_AUDIENCE", &cfg.Auth.Audience)
	str("CYCLED_LOG_LEVEL", &cfg.Logging.Level)
	str("CYCLED_LOG_FILE", &cfg.Logging.File)
	str("CYCLED_RECON_OUTPUT_DIR", &cfg.Recon.OutputDir)
	str("CYCLED_OTEL_ENDPOINT", &cfg.Telemetry.Endpoint)
	str("CYCLED_OTEL_HEADERS", &cfg.Telemetry.Headers)

	for key, dst := range map[string]*bool{
		"CYCLED_SWEEPER_ENABLED": &cfg.Sweeper.Enabled,
		"CYCLED_RECON_ENABLED":   &cfg.Recon.Enabled,
		"CYCLED_RECON_DRY_RUN":   &cfg.Recon.DryRun,
		"CYCLED_OTEL_TRACES":     &cfg.Telemetry.Traces,
		"CYCLED_OTEL_METRICS":    &cfg.Telemetry.Metrics,
		"CYCLED_OTEL_INSECURE":   &cfg.Telemetry.Insecure,
	} {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q", key, v)
			}
			*dst = parsed
		}
	}
	for key, dst := range map[string]*int{
		"CYCLED_MATCHING_MAX_CYCLES_EXPLORED": &cfg.Matching.MaxCyclesExplored,
		"CYCLED_RECON_RUN_HOUR":               &cfg.Recon.RunHour,
		"CYCLED_RECON_RUN_MINUTE":             &cfg.Recon.RunMinute,
	} {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q", key, v)
			}
			*dst = parsed
		}
	}
	for key, dst := range map[string]*Duration{
		"CYCLED_MATCHING_TIMEOUT":      &cfg.Matching.Timeout,
		"CYCLED_ACCEPT_WINDOW":         &cfg.Matching.AcceptWindow,
		"CYCLED_DEPOSIT_WINDOW":        &cfg.Settlement.DepositWindow,
		"CYCLED_IDEMPOTENCY_RETENTION": &cfg.Idempotency.Retention,
		"CYCLED_SWEEPER_INTERVAL":      &cfg.Sweeper.Interval,
	} {
		if v := getenv(key); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
		}
	}
	return nil
}
