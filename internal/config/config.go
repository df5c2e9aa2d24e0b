// Package config defines the top-level configuration for the trading engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LEVTRADE_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Feed     FeedConfig     `toml:"feed"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig holds the risk and fill evaluation parameters.
type EngineConfig struct {
	// LiquidationThresholdPct closes a position when its pnl percentage
	// against margin drops to this value or below. Must be negative.
	LiquidationThresholdPct float64 `toml:"liquidation_threshold_pct"`
	// WarningThresholdPct emits a margin warning at or below this value.
	WarningThresholdPct float64  `toml:"warning_threshold_pct"`
	WarningCooldown     duration `toml:"warning_cooldown"`
	// FillThrottle is the minimum gap between limit-order scans per symbol.
	FillThrottle      duration `toml:"fill_throttle"`
	ReconcileInterval duration `toml:"reconcile_interval"`
	// LedgerTimeout bounds every terminal ledger call made by the coordinator.
	LedgerTimeout duration `toml:"ledger_timeout"`
	// ReconcileLock enables the distributed lock so only one instance
	// reconciles at a time.
	ReconcileLock bool `toml:"reconcile_lock"`
}

// FeedConfig holds the market data feed parameters.
type FeedConfig struct {
	WSURL   string   `toml:"ws_url"`
	Symbols []string `toml:"symbols"`
}

// PostgresConfig holds PostgreSQL connection parameters for the ledger.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig holds trade-stream archival parameters.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Stream    string   `toml:"stream"`
	Interval  duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey protects mutating endpoints. Leave empty to disable auth, or
	// set APIKeyEncryptedPath to load it from an encrypted file instead.
	APIKey              string   `toml:"api_key"`
	APIKeyEncryptedPath string   `toml:"api_key_encrypted_path"`
	APIKeyPassword      string   `toml:"api_key_password"`
	RateLimit           int      `toml:"rate_limit"`
	RateLimitWindow     duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "100ms", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			LiquidationThresholdPct: -80,
			WarningThresholdPct:     -70,
			WarningCooldown:         duration{30 * time.Second},
			FillThrottle:            duration{100 * time.Millisecond},
			ReconcileInterval:       duration{10 * time.Second},
			LedgerTimeout:           duration{5 * time.Second},
			ReconcileLock:           false,
		},
		Feed: FeedConfig{
			WSURL:   "wss://stream.bybit.com/v5/public/linear",
			Symbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		},
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "levtrade-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Stream:    "events:trades",
			Interval:  duration{time.Minute},
			BatchSize: 1000,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       0,
			RateLimitWindow: duration{time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"order_filled", "position_closed", "liquidation", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":    true,
	"engine":  true,
	"monitor": true,
	"server":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, engine, monitor, server)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine thresholds. Liquidation must sit at or below warning so the
	// warning always fires before the close does.
	if c.Engine.LiquidationThresholdPct >= 0 {
		errs = append(errs, "engine: liquidation_threshold_pct must be negative")
	}
	if c.Engine.WarningThresholdPct >= 0 {
		errs = append(errs, "engine: warning_threshold_pct must be negative")
	}
	if c.Engine.LiquidationThresholdPct > c.Engine.WarningThresholdPct {
		errs = append(errs, "engine: liquidation_threshold_pct must not exceed warning_threshold_pct")
	}
	if c.Engine.WarningCooldown.Duration < 0 {
		errs = append(errs, "engine: warning_cooldown must not be negative")
	}
	if c.Engine.FillThrottle.Duration < 0 {
		errs = append(errs, "engine: fill_throttle must not be negative")
	}
	if c.Engine.ReconcileInterval.Duration <= 0 {
		errs = append(errs, "engine: reconcile_interval must be positive")
	}
	if c.Engine.LedgerTimeout.Duration <= 0 {
		errs = append(errs, "engine: ledger_timeout must be positive")
	}

	// Feed
	if c.Feed.WSURL == "" {
		errs = append(errs, "feed: ws_url must not be empty")
	}
	if len(c.Feed.Symbols) == 0 {
		errs = append(errs, "feed: at least one symbol is required")
	}
	for _, sym := range c.Feed.Symbols {
		if strings.TrimSpace(sym) == "" {
			errs = append(errs, "feed: symbols must not contain blank entries")
			break
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 and archive — only needed when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.BatchSize < 1 {
			errs = append(errs, "archive: batch_size must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be positive")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.APIKey != "" && c.Server.APIKeyEncryptedPath != "" {
			errs = append(errs, "server: set api_key or api_key_encrypted_path, not both")
		}
		if c.Server.APIKeyEncryptedPath != "" && c.Server.APIKeyPassword == "" {
			errs = append(errs, "server: api_key_password is required when api_key_encrypted_path is set")
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must not be negative")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
