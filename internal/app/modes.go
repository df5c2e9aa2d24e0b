package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bitsimlab/levtrade/internal/archive"
	"github.com/bitsimlab/levtrade/internal/crypto"
	"github.com/bitsimlab/levtrade/internal/domain"
	"github.com/bitsimlab/levtrade/internal/feed"
	"github.com/bitsimlab/levtrade/internal/server"
	"github.com/bitsimlab/levtrade/internal/server/handler"
	"github.com/bitsimlab/levtrade/internal/server/ws"
)

// FullMode runs every subsystem: reconciliation, the market data feed, risk
// and fill evaluation, the HTTP/WebSocket API, and trade archival.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startReconciler(ctx, g, deps)
	a.startFeed(ctx, g, deps)
	a.startArchiver(ctx, g, deps)

	if a.cfg.Server.Enabled {
		if err := a.startHTTPServer(ctx, g, deps); err != nil {
			return fmt.Errorf("full mode: %w", err)
		}
	}

	return g.Wait()
}

// EngineMode runs reconciliation, the feed, and both evaluators without the
// HTTP API. Useful when another instance serves the API against the same
// ledger.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startReconciler(ctx, g, deps)
	a.startFeed(ctx, g, deps)
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// MonitorMode runs read-only: the feed keeps prices flowing and the API
// serves the working set, but no closes or fills are ever executed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startReconciler(ctx, g, deps)
	a.startFeed(ctx, g, deps)

	if err := a.startHTTPServer(ctx, g, deps); err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}

	return g.Wait()
}

// ServerMode runs the API and the evaluation stack without the market data
// feed. Limit orders rest until prices arrive through another route; market
// orders are rejected until a price is known.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startReconciler(ctx, g, deps)
	a.startArchiver(ctx, g, deps)

	if err := a.startHTTPServer(ctx, g, deps); err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	return g.Wait()
}

// startReconciler seeds the working set from the ledger before anything else
// consumes it, then keeps reconciling on the configured interval.
func (a *App) startReconciler(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if err := deps.Reconciler.Resync(ctx); err != nil {
		a.logger.WarnContext(ctx, "initial ledger resync failed, books start empty",
			slog.String("error", err.Error()),
		)
	}
	g.Go(func() error {
		return deps.Reconciler.Run(ctx)
	})
}

// startFeed connects the exchange WebSocket stream and routes every trade
// tick into the evaluation stack.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	wsFeed := feed.NewBybitWSFeed(
		a.cfg.Feed.WSURL,
		a.cfg.Feed.Symbols,
		func(ctx context.Context, t domain.Tick) {
			deps.Router.HandleTick(ctx, t)
		},
		a.logger,
	)
	g.Go(func() error {
		defer wsFeed.Close()
		return wsFeed.Run(ctx)
	})
}

// startArchiver drains the trade event stream into object storage when
// archival is enabled.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Archive.Enabled || deps.BlobWriter == nil {
		return
	}
	archiver := archive.NewTradeArchiver(
		deps.SignalBus,
		deps.BlobWriter,
		a.cfg.Archive.Stream,
		a.cfg.Archive.Interval.Duration,
		a.cfg.Archive.BatchSize,
		a.logger,
	)
	g.Go(func() error {
		return archiver.Run(ctx)
	})
}

// startHTTPServer builds the handler set, the WebSocket hub, and the server,
// then adds serve and shutdown goroutines to the errgroup.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	apiKey, err := a.resolveAPIKey()
	if err != nil {
		return err
	}

	pingers := map[string]handler.Pinger{
		"postgres": deps.PG,
		"redis":    deps.Redis,
	}
	if deps.S3 != nil {
		pingers["s3"] = handler.PingerFunc(deps.S3.Health)
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(pingers, a.logger),
		Status: handler.NewStatusHandler(
			deps.Router, deps.Positions, deps.Orders, deps.Ledger,
			deps.PriceCache, a.cfg.Feed.Symbols,
			time.Now().UTC(), a.logger,
		),
		Positions: handler.NewPositionHandler(
			deps.Positions, deps.InFlight, deps.Coordinator, deps.Router, a.logger,
		),
	}

	// Order intake only exists when the execution stack is wired.
	if deps.Coordinator != nil {
		handlers.Orders = handler.NewOrderHandler(
			deps.Ledger, deps.Orders, deps.Positions, deps.InFlight,
			deps.Fill, deps.Router, deps.PriceCache, deps.SignalBus, a.logger,
		)
	}

	hub := ws.NewHub(deps.SignalBus, deps.Router.LastPrices, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	var limiter domain.RateLimiter
	if a.cfg.Server.RateLimit > 0 {
		limiter = deps.RateLimiter
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          apiKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, hub, limiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return nil
}

// resolveAPIKey returns the configured API key, decrypting the file-backed
// variant when one is configured.
func (a *App) resolveAPIKey() (string, error) {
	if a.cfg.Server.APIKeyEncryptedPath == "" {
		return a.cfg.Server.APIKey, nil
	}
	key, err := crypto.LoadSecretFile(a.cfg.Server.APIKeyEncryptedPath, a.cfg.Server.APIKeyPassword)
	if err != nil {
		return "", fmt.Errorf("resolve api key: %w", err)
	}
	return key, nil
}
