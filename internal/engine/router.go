package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bitsimlab/levtrade/internal/domain"
)

// priceLogInterval throttles the per-tick price log line.
const priceLogInterval = 1000

// TickRouter receives ticks from the feed, tracks the last known price per
// symbol, and drives both evaluators. Risk evaluation runs on every tick;
// fill evaluation is throttled inside the FillEvaluator.
type TickRouter struct {
	risk   *RiskEvaluator
	fill   *FillEvaluator
	prices domain.PriceCache
	bus    domain.SignalBus
	logger *slog.Logger

	mu   sync.RWMutex
	last map[string]float64

	tickCount atomic.Uint64
}

// NewTickRouter creates a TickRouter. prices and bus may be nil in tests;
// both are best-effort sinks that never gate evaluation. risk and fill may be
// nil for observation-only deployments that track prices without executing.
func NewTickRouter(risk *RiskEvaluator, fill *FillEvaluator, prices domain.PriceCache, bus domain.SignalBus, logger *slog.Logger) *TickRouter {
	return &TickRouter{
		risk:   risk,
		fill:   fill,
		prices: prices,
		bus:    bus,
		logger: logger.With(slog.String("component", "tick_router")),
		last:   make(map[string]float64),
	}
}

// HandleTick processes one price observation. Malformed ticks are skipped
// without taking any guard or mutating state. Evaluation for the symbol is
// synchronous; ticks for different symbols may be routed concurrently.
func (r *TickRouter) HandleTick(ctx context.Context, t domain.Tick) {
	if !t.Valid() {
		r.logger.Debug("skipping malformed tick", slog.String("symbol", t.Symbol))
		return
	}

	r.mu.Lock()
	r.last[t.Symbol] = t.Price
	r.mu.Unlock()

	if n := r.tickCount.Add(1); n%priceLogInterval == 0 {
		r.logger.Info("tick",
			slog.String("symbol", t.Symbol),
			slog.Float64("price", t.Price),
			slog.Uint64("ticks_seen", n),
		)
	}

	r.publishPrice(ctx, t)

	if r.risk != nil {
		r.risk.Evaluate(ctx, t.Symbol, t.Price)
	}
	if r.fill != nil {
		r.fill.Evaluate(ctx, t.Symbol, t.Price)
	}
}

// LastPrice returns the most recent price observed for the symbol.
func (r *TickRouter) LastPrice(symbol string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.last[symbol]
	return p, ok
}

// LastPrices returns a copy of the latest price per symbol.
func (r *TickRouter) LastPrices() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.last))
	for s, p := range r.last {
		out[s] = p
	}
	return out
}

// publishPrice mirrors the tick to the price cache and the fan-out channel.
// Failures are logged at debug; the next tick overwrites them.
func (r *TickRouter) publishPrice(ctx context.Context, t domain.Tick) {
	if r.prices != nil {
		if err := r.prices.SetPrice(ctx, t.Symbol, t.Price, t.Timestamp); err != nil {
			r.logger.Debug("price cache set failed",
				slog.String("symbol", t.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	if r.bus != nil {
		payload, err := domain.Envelope(domain.EventTypePriceUpdate, domain.PriceUpdateEvent{
			Symbol:    t.Symbol,
			Price:     t.Price,
			Timestamp: t.Timestamp.UnixMilli(),
		})
		if err == nil {
			if err := r.bus.Publish(ctx, domain.ChannelPrices, payload); err != nil {
				r.logger.Debug("price publish failed", slog.String("error", err.Error()))
			}
		}
	}
}
