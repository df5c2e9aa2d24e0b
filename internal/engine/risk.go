package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/bitsimlab/levtrade/internal/book"
	"github.com/bitsimlab/levtrade/internal/domain"
)

// RiskConfig holds the evaluation thresholds. Percentages are of margin and
// negative: a position is liquidated when its PnL percentage falls to the
// liquidation threshold or below, and warned between the two thresholds.
type RiskConfig struct {
	LiquidationThresholdPct float64       // default -80
	WarningThresholdPct     float64       // default -70
	WarningCooldown         time.Duration // min gap between warnings per position
}

// RiskEvaluator scans the position book on every tick and decides
// liquidation, take-profit, and stop-loss closes. Evaluation is synchronous
// with respect to book reads; only the resulting ledger call is dispatched
// asynchronously through the coordinator.
type RiskEvaluator struct {
	positions *book.PositionBook
	inflight  *book.InFlight
	coord     *Coordinator
	ledger    domain.Ledger
	cfg       RiskConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewRiskEvaluator creates a RiskEvaluator.
func NewRiskEvaluator(
	positions *book.PositionBook,
	inflight *book.InFlight,
	coord *Coordinator,
	ledger domain.Ledger,
	cfg RiskConfig,
	logger *slog.Logger,
) *RiskEvaluator {
	if cfg.LiquidationThresholdPct == 0 {
		cfg.LiquidationThresholdPct = -80
	}
	if cfg.WarningThresholdPct == 0 {
		cfg.WarningThresholdPct = -70
	}
	if cfg.WarningCooldown <= 0 {
		cfg.WarningCooldown = 30 * time.Second
	}
	return &RiskEvaluator{
		positions: positions,
		inflight:  inflight,
		coord:     coord,
		ledger:    ledger,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "risk_evaluator")),
		now:       time.Now,
	}
}

// Evaluate checks every open position for the symbol against the tick price.
// For each position exactly one of the following happens: a close decision
// is handed to the coordinator (guard acquired first, so repeated ticks
// cannot double-dispatch), a throttled warning is logged, or the mark fields
// are refreshed in place.
func (e *RiskEvaluator) Evaluate(ctx context.Context, symbol string, price float64) {
	for _, p := range e.positions.SnapshotBySymbol(symbol) {
		if e.inflight.Has(p.ID) {
			continue
		}

		pnl := p.PnLAt(price)
		pct := p.PnLPercentageAt(price)

		switch {
		case pct <= e.cfg.LiquidationThresholdPct:
			if !e.inflight.TryAcquire(p.ID) {
				continue
			}
			e.logger.Warn("liquidation triggered",
				slog.String("position_id", p.ID),
				slog.String("symbol", symbol),
				slog.Float64("price", price),
				slog.Float64("pnl_pct", pct),
			)
			e.coord.DispatchClose(p, price, pnl, domain.CloseReasonLiquidation)

		case p.TakeProfitHit(price):
			if !e.inflight.TryAcquire(p.ID) {
				continue
			}
			e.coord.DispatchClose(p, price, pnl, domain.CloseReasonTakeProfit)

		case p.StopLossHit(price):
			if !e.inflight.TryAcquire(p.ID) {
				continue
			}
			e.coord.DispatchClose(p, price, pnl, domain.CloseReasonStopLoss)

		case pct <= e.cfg.WarningThresholdPct:
			e.warn(p, price, pct)

		default:
			e.refreshMark(p, price, pnl, pct)
		}
	}
}

// warn emits a non-authoritative liquidation warning at most once per
// cool-down per position. The only state touched is the warning timestamp.
func (e *RiskEvaluator) warn(p domain.Position, price, pct float64) {
	now := e.now()
	if now.Sub(p.LastWarningAt) < e.cfg.WarningCooldown {
		return
	}
	e.positions.TouchWarning(p.ID, now)
	e.logger.Warn("position approaching liquidation",
		slog.String("position_id", p.ID),
		slog.String("symbol", p.Symbol),
		slog.Float64("price", price),
		slog.Float64("pnl_pct", pct),
		slog.Float64("liquidation_at_pct", e.cfg.LiquidationThresholdPct),
	)
}

// refreshMark updates the in-memory mark fields and pushes the refresh to
// the ledger without blocking the tick. Persist failures are logged and not
// retried; the next tick overwrites them anyway.
func (e *RiskEvaluator) refreshMark(p domain.Position, price, pnl, pct float64) {
	e.positions.UpdateMark(p.ID, price, pnl, pct)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.ledger.UpdatePositionMark(ctx, p.ID, price, pnl, pct); err != nil {
			e.logger.Debug("mark refresh failed",
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
}
