// Package server exposes the trading API over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bitsimlab/levtrade/internal/domain"
	"github.com/bitsimlab/levtrade/internal/server/handler"
	"github.com/bitsimlab/levtrade/internal/server/middleware"
	"github.com/bitsimlab/levtrade/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // if empty, authentication is disabled
	RateLimit       int    // requests per window per client; 0 disables
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Orders    *handler.OrderHandler
	Positions *handler.PositionHandler
}

// Server is the HTTP + WebSocket API for the trading engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (rate limiting, auth, logging, CORS) and attaches
// the WebSocket hub. limiter may be nil to disable rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /healthz", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /status", handlers.Status.GetStatus)

	// Mutating endpoints are absent in observation-only deployments.
	if handlers.Orders != nil {
		mux.HandleFunc("POST /new-order", handlers.Orders.PlaceOrder)
		mux.HandleFunc("POST /cancel-order", handlers.Orders.CancelOrder)
	}

	if handlers.Positions != nil {
		mux.HandleFunc("GET /positions", handlers.Positions.ListPositions)
		if handlers.Positions.CanClose() {
			mux.HandleFunc("POST /close-position", handlers.Positions.ClosePosition)
		}
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Everything except the health probe sits behind the API key.
	unauthed := h
	authed := middleware.Auth(cfg.APIKey)(h)
	h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			unauthed.ServeHTTP(w, r)
			return
		}
		authed.ServeHTTP(w, r)
	})

	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Second
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
	}

	h = middleware.Logging(logger)(h)

	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
