package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/bitsimlab/levtrade/internal/blob/s3"
	"github.com/bitsimlab/levtrade/internal/book"
	"github.com/bitsimlab/levtrade/internal/cache/redis"
	"github.com/bitsimlab/levtrade/internal/config"
	"github.com/bitsimlab/levtrade/internal/domain"
	"github.com/bitsimlab/levtrade/internal/engine"
	"github.com/bitsimlab/levtrade/internal/ledger/postgres"
	"github.com/bitsimlab/levtrade/internal/notify"
)

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Durable state
	PG     *postgres.Client
	Ledger *postgres.Ledger

	// Redis-backed infrastructure
	Redis       *redis.Client
	PriceCache  domain.PriceCache
	SignalBus   domain.SignalBus
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter

	// Working set
	Positions *book.PositionBook
	Orders    *book.OrderBook
	InFlight  *book.InFlight

	// Evaluation and execution. Risk, Fill, and Coordinator are nil in
	// monitor mode; the Router then only tracks and publishes prices.
	Coordinator *engine.Coordinator
	Risk        *engine.RiskEvaluator
	Fill        *engine.FillEvaluator
	Router      *engine.TickRouter
	Reconciler  *engine.Reconciler

	// Blob storage, only when archival is enabled.
	S3         *s3blob.Client
	BlobWriter domain.BlobWriter

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ledger ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	deps.PG = pgClient
	deps.Ledger = postgres.NewLedger(pgClient.Pool())

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Redis = redisClient
	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)

	// --- S3 blob storage (only when archival is enabled) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.S3 = s3Client
		deps.BlobWriter = s3blob.NewWriter(s3Client)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Working set and evaluation stack ---
	deps.Positions = book.NewPositionBook()
	deps.Orders = book.NewOrderBook()
	deps.InFlight = book.NewInFlight()

	executing := strings.ToLower(cfg.Mode) != "monitor"
	if executing {
		deps.Coordinator = engine.NewCoordinator(
			deps.Ledger,
			deps.Positions,
			deps.Orders,
			deps.InFlight,
			deps.SignalBus,
			deps.Notifier,
			cfg.Engine.LedgerTimeout.Duration,
			logger,
		)
		deps.Risk = engine.NewRiskEvaluator(
			deps.Positions,
			deps.InFlight,
			deps.Coordinator,
			deps.Ledger,
			engine.RiskConfig{
				LiquidationThresholdPct: cfg.Engine.LiquidationThresholdPct,
				WarningThresholdPct:     cfg.Engine.WarningThresholdPct,
				WarningCooldown:         cfg.Engine.WarningCooldown.Duration,
			},
			logger,
		)
		deps.Fill = engine.NewFillEvaluator(
			deps.Orders,
			deps.InFlight,
			deps.Coordinator,
			cfg.Engine.FillThrottle.Duration,
			logger,
		)
	}

	deps.Router = engine.NewTickRouter(deps.Risk, deps.Fill, deps.PriceCache, deps.SignalBus, logger)

	var locks domain.LockManager
	if cfg.Engine.ReconcileLock {
		locks = deps.LockManager
	}
	deps.Reconciler = engine.NewReconciler(
		deps.Ledger,
		deps.Positions,
		deps.Orders,
		deps.InFlight,
		locks,
		cfg.Engine.ReconcileInterval.Duration,
		logger,
	)

	return deps, cleanup, nil
}
