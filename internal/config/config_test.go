package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, -80.0, cfg.Engine.LiquidationThresholdPct)
	assert.Equal(t, -70.0, cfg.Engine.WarningThresholdPct)
	assert.Equal(t, 30*time.Second, cfg.Engine.WarningCooldown.Duration)
	assert.Equal(t, 100*time.Millisecond, cfg.Engine.FillThrottle.Duration)
	assert.Equal(t, 10*time.Second, cfg.Engine.ReconcileInterval.Duration)
}

func TestValidateRejectsPositiveLiquidationThreshold(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.LiquidationThresholdPct = 80

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "liquidation_threshold_pct")
}

func TestValidateRejectsLiquidationAboveWarning(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.LiquidationThresholdPct = -50
	cfg.Engine.WarningThresholdPct = -70

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not exceed warning_threshold_pct")
}

func TestValidateRejectsEmptySymbols(t *testing.T) {
	cfg := Defaults()
	cfg.Feed.Symbols = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one symbol")
}

func TestValidateRejectsConflictingAPIKeySources(t *testing.T) {
	cfg := Defaults()
	cfg.Server.APIKey = "plain"
	cfg.Server.APIKeyEncryptedPath = "/etc/levtrade/key.json"
	cfg.Server.APIKeyPassword = "pw"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not both")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LEVTRADE_ENGINE_LIQUIDATION_THRESHOLD_PCT", "-90")
	t.Setenv("LEVTRADE_ENGINE_FILL_THROTTLE", "250ms")
	t.Setenv("LEVTRADE_FEED_SYMBOLS", "BTCUSDT, ETHUSDT")
	t.Setenv("LEVTRADE_POSTGRES_PASSWORD", "envpass")
	t.Setenv("LEVTRADE_SERVER_RATE_LIMIT", "50")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, -90.0, cfg.Engine.LiquidationThresholdPct)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.FillThrottle.Duration)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Feed.Symbols)
	assert.Equal(t, "envpass", cfg.Postgres.Password)
	assert.Equal(t, 50, cfg.Server.RateLimit)
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "dbpass"
	cfg.Redis.Password = "redispass"
	cfg.Server.APIKey = "apikey"
	cfg.Notify.TelegramToken = "token"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Redis.Password)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)

	// Original is untouched.
	assert.Equal(t, "dbpass", cfg.Postgres.Password)
}
