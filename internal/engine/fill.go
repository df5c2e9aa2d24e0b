package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bitsimlab/levtrade/internal/book"
)

// FillEvaluator scans the order book for limit orders that cross the market
// price. Unlike risk evaluation it is throttled per symbol: fills are not
// safety-critical the way liquidations are, so a bounded evaluation rate
// trades a little fill latency for CPU.
type FillEvaluator struct {
	orders   *book.OrderBook
	inflight *book.InFlight
	coord    *Coordinator
	throttle time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastEval map[string]time.Time
}

// NewFillEvaluator creates a FillEvaluator with the given per-symbol minimum
// evaluation interval.
func NewFillEvaluator(
	orders *book.OrderBook,
	inflight *book.InFlight,
	coord *Coordinator,
	throttle time.Duration,
	logger *slog.Logger,
) *FillEvaluator {
	if throttle <= 0 {
		throttle = 100 * time.Millisecond
	}
	return &FillEvaluator{
		orders:   orders,
		inflight: inflight,
		coord:    coord,
		throttle: throttle,
		logger:   logger.With(slog.String("component", "fill_evaluator")),
		now:      time.Now,
		lastEval: make(map[string]time.Time),
	}
}

// Evaluate checks resting orders for the symbol unless the symbol was
// evaluated within the throttle window.
func (e *FillEvaluator) Evaluate(ctx context.Context, symbol string, price float64) {
	now := e.now()
	e.mu.Lock()
	if last, ok := e.lastEval[symbol]; ok && now.Sub(last) < e.throttle {
		e.mu.Unlock()
		return
	}
	e.lastEval[symbol] = now
	e.mu.Unlock()

	e.EvaluateNow(ctx, symbol, price)
}

// EvaluateNow checks resting orders for the symbol bypassing the throttle.
// Used by the new-order notification path so a fresh order that already
// crosses fills without waiting for the next tick.
func (e *FillEvaluator) EvaluateNow(ctx context.Context, symbol string, price float64) {
	for _, o := range e.orders.SnapshotBySymbol(symbol) {
		if e.inflight.Has(o.ID) {
			continue
		}
		if !o.Crosses(price) {
			continue
		}
		if !e.inflight.TryAcquire(o.ID) {
			continue
		}
		e.logger.Info("limit order crossed",
			slog.String("order_id", o.ID),
			slog.String("symbol", symbol),
			slog.String("side", string(o.Side)),
			slog.Float64("limit_price", o.Price),
			slog.Float64("price", price),
		)
		e.coord.DispatchFill(o, price)
	}
}
