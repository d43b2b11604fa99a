package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "cycled.yaml", `
listen: ":9000"
database:
  driver: postgres
  dsn: postgres://cycled@localhost/cycled
auth:
  hmac_secret: s3cret
matching:
  max_cycle_length: 3
  timeout: 750ms
settlement:
  deposit_window: 6h
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, 3, cfg.Matching.MaxCycleLength)
	require.Equal(t, 2, cfg.Matching.MinCycleLength)
	require.Equal(t, 750*time.Millisecond, cfg.Matching.Timeout.Duration)
	require.Equal(t, 6*time.Hour, cfg.Settlement.DepositWindow.Duration)
	require.Equal(t, 72*time.Hour, cfg.Idempotency.Retention.Duration)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "cycled.toml", `
listen = ":9100"

[auth]
hmac_secret = "s3cret"
clock_skew = "30s"

[sweeper]
enabled = true
interval = "10s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.Listen)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.NotEmpty(t, cfg.Database.DSN)
	require.Equal(t, 30*time.Second, cfg.Auth.ClockSkew.Duration)
	require.True(t, cfg.Sweeper.Enabled)
	require.Equal(t, 10*time.Second, cfg.Sweeper.Interval.Duration)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CYCLED_AUTH_HMAC_SECRET", "from-env")
	t.Setenv("CYCLED_LISTEN", ":7777")
	t.Setenv("CYCLED_SWEEPER_INTERVAL", "5s")
	t.Setenv("CYCLED_RECON_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Auth.Secret())
	require.Equal(t, ":7777", cfg.Listen)
	require.Equal(t, 5*time.Second, cfg.Sweeper.Interval.Duration)
	require.True(t, cfg.Recon.Enabled)

	t.Setenv("CYCLED_RECON_ENABLED", "maybe")
	_, err = Load("")
	require.Error(t, err)
}

func TestSecretFromNamedEnv(t *testing.T) {
	t.Setenv("CYCLED_TEST_SECRET", "named")
	require.Equal(t, "named", AuthConfig{HMACSecretEnv: "CYCLED_TEST_SECRET", HMACSecret: "inline"}.Secret())
	require.Equal(t, "inline", AuthConfig{HMACSecretEnv: "CYCLED_UNSET_SECRET", HMACSecret: "inline"}.Secret())
}

func TestValidateRejects(t *testing.T) {
	_, err := Load(writeFile(t, "no-secret.yaml", "listen: \":1\"\n"))
	require.ErrorContains(t, err, "hmac secret")

	_, err = Load(writeFile(t, "lengths.yaml", "auth:\n  hmac_secret: x\nmatching:\n  min_cycle_length: 4\n  max_cycle_length: 3\n"))
	require.ErrorContains(t, err, "cycle lengths")

	_, err = Load(writeFile(t, "driver.yaml", "auth:\n  hmac_secret: x\ndatabase:\n  driver: mysql\n  dsn: x\n"))
	require.ErrorContains(t, err, "unsupported database driver")

	_, err = Load(writeFile(t, "duration.yaml", "auth:\n  hmac_secret: x\nsweeper:\n  interval: soon\n"))
	require.Error(t, err)
}
