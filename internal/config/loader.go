package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LEVTRADE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LEVTRADE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setFloat64(&cfg.Engine.LiquidationThresholdPct, "LEVTRADE_ENGINE_LIQUIDATION_THRESHOLD_PCT")
	setFloat64(&cfg.Engine.WarningThresholdPct, "LEVTRADE_ENGINE_WARNING_THRESHOLD_PCT")
	setDuration(&cfg.Engine.WarningCooldown, "LEVTRADE_ENGINE_WARNING_COOLDOWN")
	setDuration(&cfg.Engine.FillThrottle, "LEVTRADE_ENGINE_FILL_THROTTLE")
	setDuration(&cfg.Engine.ReconcileInterval, "LEVTRADE_ENGINE_RECONCILE_INTERVAL")
	setDuration(&cfg.Engine.LedgerTimeout, "LEVTRADE_ENGINE_LEDGER_TIMEOUT")
	setBool(&cfg.Engine.ReconcileLock, "LEVTRADE_ENGINE_RECONCILE_LOCK")

	// ── Feed ──
	setStr(&cfg.Feed.WSURL, "LEVTRADE_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Symbols, "LEVTRADE_FEED_SYMBOLS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LEVTRADE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "LEVTRADE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LEVTRADE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LEVTRADE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LEVTRADE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LEVTRADE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LEVTRADE_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LEVTRADE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LEVTRADE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LEVTRADE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LEVTRADE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LEVTRADE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LEVTRADE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LEVTRADE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LEVTRADE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LEVTRADE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "LEVTRADE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LEVTRADE_S3_REGION")
	setStr(&cfg.S3.Bucket, "LEVTRADE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LEVTRADE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LEVTRADE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LEVTRADE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LEVTRADE_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "LEVTRADE_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Stream, "LEVTRADE_ARCHIVE_STREAM")
	setDuration(&cfg.Archive.Interval, "LEVTRADE_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.BatchSize, "LEVTRADE_ARCHIVE_BATCH_SIZE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LEVTRADE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LEVTRADE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LEVTRADE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "LEVTRADE_SERVER_API_KEY")
	setStr(&cfg.Server.APIKeyEncryptedPath, "LEVTRADE_SERVER_API_KEY_ENCRYPTED_PATH")
	setStr(&cfg.Server.APIKeyPassword, "LEVTRADE_SERVER_API_KEY_PASSWORD")
	setInt(&cfg.Server.RateLimit, "LEVTRADE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "LEVTRADE_SERVER_RATE_LIMIT_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LEVTRADE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LEVTRADE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LEVTRADE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LEVTRADE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LEVTRADE_MODE")
	setStr(&cfg.LogLevel, "LEVTRADE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
