package domain

import "context"

// CloseResult is the outcome of an atomic position close on the ledger side:
// status transition, balance credit, and trade record happen as one unit.
type CloseResult struct {
	OldBalance   float64
	NewBalance   float64
	ReturnAmount float64
}

// FillAction indicates whether a fill created a new position or merged into
// an existing same-side position.
type FillAction string

const (
	FillActionCreated FillAction = "created"
	FillActionMerged  FillAction = "merged"
)

// FillResult is the outcome of an atomic limit-order fill: the order status
// transition and the position create-or-merge happen as one unit.
type FillResult struct {
	Action     FillAction
	PositionID string
	Position   Position
}

// Ledger is the durable source of truth for positions, orders, and balances.
// The engine issues each terminal operation at most once concurrently per
// identity; atomicity of the operation itself is the ledger's contract.
//
// Failure kinds the engine distinguishes:
//   - ErrStaleState: the entity is no longer in the expected state upstream.
//     Treated as already handled; the entity is dropped locally, no retry.
//   - ErrInsufficientBalance: fill rejected; the order is cancelled.
//   - anything else: transient. The in-flight guard is released so the next
//     tick retries the same decision.
type Ledger interface {
	// ClosePosition atomically closes an open position at closePrice,
	// credits margin + pnl back to the owner's balance, and records the
	// trade. It fails with ErrStaleState when the position is not open.
	ClosePosition(ctx context.Context, positionID string, closePrice, pnl float64, reason CloseReason) (CloseResult, error)

	// FillLimitOrder atomically marks a pending order filled and creates or
	// merges the resulting position. It fails with ErrStaleState when the
	// order is not pending and ErrInsufficientBalance when the owner cannot
	// cover the margin.
	FillLimitOrder(ctx context.Context, orderID string, fillPrice float64) (FillResult, error)

	// CancelOrder marks a pending order cancelled with the given reason.
	CancelOrder(ctx context.Context, orderID, reason string) error

	// UpdatePositionMark persists a non-terminal mark-price/PnL refresh.
	// Best effort: failures are logged by callers and overwritten by the
	// next tick.
	UpdatePositionMark(ctx context.Context, positionID string, markPrice, pnl, pnlPct float64) error

	// PositionStatus re-reads the current status of a position. Used before
	// every terminal transition to catch a race with another process.
	PositionStatus(ctx context.Context, positionID string) (PositionStatus, error)

	// OrderStatus re-reads the current status of an order.
	OrderStatus(ctx context.Context, orderID string) (OrderStatus, error)

	// OpenPositions returns the snapshot of all open positions.
	OpenPositions(ctx context.Context) ([]Position, error)

	// PendingLimitOrders returns the snapshot of all pending limit orders.
	PendingLimitOrders(ctx context.Context) ([]Order, error)
}
