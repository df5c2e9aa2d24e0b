// Package engine implements the per-tick decision core: risk and fill
// evaluation over the in-memory books, at-most-once execution against the
// ledger, and periodic reconciliation back from it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bitsimlab/levtrade/internal/book"
	"github.com/bitsimlab/levtrade/internal/domain"
)

// Alerter delivers operator notifications. Satisfied by notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Coordinator turns "should close" / "should fill" decisions into ledger
// calls and applies the confirmed result back to the books. It is the single
// mutation authority for terminal status transitions; evaluators only read
// the books and acquire the in-flight guard before handing a decision over.
type Coordinator struct {
	ledger    domain.Ledger
	positions *book.PositionBook
	orders    *book.OrderBook
	inflight  *book.InFlight
	bus       domain.SignalBus
	alerter   Alerter
	timeout   time.Duration
	logger    *slog.Logger

	wg sync.WaitGroup
}

// NewCoordinator creates a Coordinator. The bus and alerter may be nil in
// tests; ledger calls are bounded by timeout so a hung call cannot pin the
// in-flight guard forever.
func NewCoordinator(
	ledger domain.Ledger,
	positions *book.PositionBook,
	orders *book.OrderBook,
	inflight *book.InFlight,
	bus domain.SignalBus,
	alerter Alerter,
	timeout time.Duration,
	logger *slog.Logger,
) *Coordinator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Coordinator{
		ledger:    ledger,
		positions: positions,
		orders:    orders,
		inflight:  inflight,
		bus:       bus,
		alerter:   alerter,
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "coordinator")),
	}
}

// DispatchClose starts an asynchronous close execution for a position whose
// in-flight guard the caller has already acquired. Tick ingestion is never
// stalled on ledger I/O: the call runs on its own goroutine with a bounded
// timeout detached from the tick context.
func (c *Coordinator) DispatchClose(p domain.Position, price, pnl float64, reason domain.CloseReason) {
	c.positions.SetStatus(p.ID, domain.PositionStatusClosing)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		c.executeClose(ctx, p, price, pnl, reason)
	}()
}

// executeClose issues exactly one ClosePosition call and applies the result.
func (c *Coordinator) executeClose(ctx context.Context, p domain.Position, price, pnl float64, reason domain.CloseReason) {
	// Re-read the durable status before the terminal transition so a close
	// raced by another process is dropped instead of double-executed.
	status, err := c.ledger.PositionStatus(ctx, p.ID)
	if err == nil && status != domain.PositionStatusOpen {
		err = domain.ErrStaleState
	}
	if errors.Is(err, domain.ErrNotFound) {
		err = domain.ErrStaleState
	}
	if errors.Is(err, domain.ErrStaleState) {
		c.dropPosition(p.ID, "close", err)
		return
	}
	if err != nil {
		c.releasePosition(p.ID, "close status probe", err)
		return
	}

	res, err := c.ledger.ClosePosition(ctx, p.ID, price, pnl, reason)
	switch {
	case err == nil:
		c.positions.Remove(p.ID)
		c.inflight.Release(p.ID)
		c.logger.Info("position closed",
			slog.String("position_id", p.ID),
			slog.String("symbol", p.Symbol),
			slog.String("reason", string(reason)),
			slog.Float64("price", price),
			slog.Float64("pnl", pnl),
			slog.Float64("new_balance", res.NewBalance),
		)
		c.publishClose(p, price, pnl, reason, res)
	case errors.Is(err, domain.ErrStaleState), errors.Is(err, domain.ErrNotFound):
		c.dropPosition(p.ID, "close", err)
	default:
		// Transient: restore open so the next tick re-triggers the decision.
		c.releasePosition(p.ID, "close", err)
	}
}

// dropPosition removes an entity the ledger reports as already handled.
func (c *Coordinator) dropPosition(id, op string, err error) {
	c.positions.Remove(id)
	c.inflight.Release(id)
	c.logger.Debug("position already handled upstream, dropping",
		slog.String("op", op),
		slog.String("position_id", id),
		slog.String("error", err.Error()),
	)
}

// releasePosition reverts the optimistic closing tag and frees the guard
// after a transient failure.
func (c *Coordinator) releasePosition(id, op string, err error) {
	c.positions.SetStatus(id, domain.PositionStatusOpen)
	c.inflight.Release(id)
	c.logger.Warn("ledger call failed, will retry on next tick",
		slog.String("op", op),
		slog.String("position_id", id),
		slog.String("error", err.Error()),
	)
}

func (c *Coordinator) publishClose(p domain.Position, price, pnl float64, reason domain.CloseReason, res domain.CloseResult) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if reason == domain.CloseReasonLiquidation {
		payload, err := domain.Envelope(domain.EventTypeLiquidation, domain.LiquidationEvent{
			PositionID: p.ID,
			Symbol:     p.Symbol,
			Side:       p.Side,
			Loss:       pnl,
			NewBalance: res.NewBalance,
		})
		if err == nil {
			c.publish(ctx, domain.ChannelLiquidations, payload)
		}
		if c.alerter != nil {
			msg := fmt.Sprintf("%s %s liquidated at %.2f, loss %.2f", p.Symbol, p.Side, price, pnl)
			if err := c.alerter.Notify(ctx, domain.EventTypeLiquidation, "Liquidation", msg); err != nil {
				c.logger.Debug("liquidation alert failed", slog.String("error", err.Error()))
			}
		}
	}

	payload, err := domain.Envelope(domain.EventTypePositionClosed, domain.PositionClosedEvent{
		PositionID: p.ID,
		Reason:     reason,
		Price:      price,
		PnL:        pnl,
		NewBalance: res.NewBalance,
	})
	if err != nil {
		return
	}
	c.publish(ctx, domain.ChannelPositions, payload)
	c.appendTrade(ctx, payload)
}

// DispatchFill starts an asynchronous fill execution for an order whose
// in-flight guard the caller has already acquired. The order is removed from
// the book immediately so the next tick cannot double-fill it while the
// ledger call is outstanding.
func (c *Coordinator) DispatchFill(o domain.Order, price float64) {
	removed, ok := c.orders.Remove(o.ID)
	if !ok {
		// Already removed (cancel notification raced the evaluation).
		c.inflight.Release(o.ID)
		return
	}
	removed.Status = domain.OrderStatusFilling

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		c.executeFill(ctx, removed, price)
	}()
}

// executeFill issues exactly one FillLimitOrder call and applies the result.
func (c *Coordinator) executeFill(ctx context.Context, o domain.Order, price float64) {
	status, err := c.ledger.OrderStatus(ctx, o.ID)
	if err == nil && status != domain.OrderStatusPending {
		err = domain.ErrStaleState
	}
	if errors.Is(err, domain.ErrNotFound) {
		err = domain.ErrStaleState
	}
	if errors.Is(err, domain.ErrStaleState) {
		// Already consumed upstream; the optimistic removal stands.
		c.inflight.Release(o.ID)
		c.logger.Debug("order already handled upstream, dropping",
			slog.String("order_id", o.ID),
		)
		return
	}
	if err != nil {
		c.restoreOrder(o, err)
		return
	}

	res, err := c.ledger.FillLimitOrder(ctx, o.ID, price)
	switch {
	case err == nil:
		c.positions.Upsert(res.Position)
		c.inflight.Release(o.ID)
		c.logger.Info("order filled",
			slog.String("order_id", o.ID),
			slog.String("symbol", o.Symbol),
			slog.String("side", string(o.Side)),
			slog.Float64("price", price),
			slog.Float64("size", o.Size),
			slog.String("action", string(res.Action)),
			slog.String("position_id", res.PositionID),
		)
		c.publishFill(o, price, res)
	case errors.Is(err, domain.ErrStaleState), errors.Is(err, domain.ErrNotFound):
		c.inflight.Release(o.ID)
	case errors.Is(err, domain.ErrInsufficientBalance):
		// The owner cannot cover the margin; cancel instead of restoring,
		// otherwise the same fill would re-trigger every tick.
		if cancelErr := c.ledger.CancelOrder(ctx, o.ID, "insufficient balance"); cancelErr != nil {
			c.logger.Warn("cancel after insufficient balance failed",
				slog.String("order_id", o.ID),
				slog.String("error", cancelErr.Error()),
			)
		}
		c.inflight.Release(o.ID)
		c.logger.Info("order cancelled, insufficient balance",
			slog.String("order_id", o.ID),
			slog.Float64("required_margin", o.MarginAt(price)),
		)
	default:
		c.restoreOrder(o, err)
	}
}

// restoreOrder puts an order back in the book as pending after a confirmed
// transient failure so a subsequent tick re-attempts the fill.
func (c *Coordinator) restoreOrder(o domain.Order, err error) {
	o.Status = domain.OrderStatusPending
	c.orders.Upsert(o)
	c.inflight.Release(o.ID)
	c.logger.Warn("ledger call failed, order restored",
		slog.String("op", "fill"),
		slog.String("order_id", o.ID),
		slog.String("error", err.Error()),
	)
}

func (c *Coordinator) publishFill(o domain.Order, price float64, res domain.FillResult) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	payload, err := domain.Envelope(domain.EventTypeOrderFilled, domain.OrderFilledEvent{
		OrderID: o.ID,
		Symbol:  o.Symbol,
		Side:    o.Side,
		Price:   price,
		Size:    o.Size,
		Action:  res.Action,
	})
	if err != nil {
		return
	}
	c.publish(ctx, domain.ChannelOrders, payload)
	c.appendTrade(ctx, payload)
}

func (c *Coordinator) publish(ctx context.Context, channel string, payload []byte) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, channel, payload); err != nil {
		c.logger.Debug("event publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) appendTrade(ctx context.Context, payload []byte) {
	if c.bus == nil {
		return
	}
	if err := c.bus.StreamAppend(ctx, domain.EventStreamTrades, payload); err != nil {
		c.logger.Debug("trade stream append failed", slog.String("error", err.Error()))
	}
}

// Wait blocks until all dispatched executions have completed. Used on
// shutdown so confirmed results are applied before the process exits.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
