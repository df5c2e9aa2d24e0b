package domain

import "time"

// PositionSide indicates the direction of a leveraged position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// PositionStatus tracks the position lifecycle. The "closing" status exists
// only while an execution is pending ledger confirmation and is never
// persisted by this process; the ledger transitions open -> closed or
// open -> liquidated atomically.
type PositionStatus string

const (
	PositionStatusOpen       PositionStatus = "open"
	PositionStatusClosing    PositionStatus = "closing"
	PositionStatusClosed     PositionStatus = "closed"
	PositionStatusLiquidated PositionStatus = "liquidated"
)

// CloseReason records why a position was closed.
type CloseReason string

const (
	CloseReasonTakeProfit  CloseReason = "tp"
	CloseReasonStopLoss    CloseReason = "sl"
	CloseReasonLiquidation CloseReason = "liquidation"
	CloseReasonManual      CloseReason = "manual"
)

// Position represents an open leveraged position. Margin is fixed at open
// (size * entry price / leverage) and is the denominator for PnLPercentage.
type Position struct {
	ID            string
	UserID        string
	Symbol        string
	Side          PositionSide
	Size          float64
	EntryPrice    float64
	Leverage      float64
	Margin        float64
	TakeProfit    *float64
	StopLoss      *float64
	Status        PositionStatus
	MarkPrice     float64
	PnL           float64
	PnLPercentage float64
	LastWarningAt time.Time
	OpenedAt      time.Time
	ClosedAt      *time.Time
}

// PnLAt returns the unrealized profit or loss of the position at the given
// mark price.
func (p Position) PnLAt(price float64) float64 {
	if p.Side == PositionSideLong {
		return (price - p.EntryPrice) * p.Size
	}
	return (p.EntryPrice - price) * p.Size
}

// PnLPercentageAt returns the PnL at the given price as a percentage of the
// position's margin. Leverage amplifies this relative to the raw price move:
// a 10x long loses 100% of its margin on a 10% adverse move.
func (p Position) PnLPercentageAt(price float64) float64 {
	if p.Margin == 0 {
		return 0
	}
	return p.PnLAt(price) / p.Margin * 100
}

// TakeProfitHit reports whether price has crossed the take-profit level
// favorably for the position's side. Longs take profit at or above the
// level, shorts at or below it.
func (p Position) TakeProfitHit(price float64) bool {
	if p.TakeProfit == nil {
		return false
	}
	if p.Side == PositionSideLong {
		return price >= *p.TakeProfit
	}
	return price <= *p.TakeProfit
}

// StopLossHit reports whether price has crossed the stop-loss level
// unfavorably for the position's side.
func (p Position) StopLossHit(price float64) bool {
	if p.StopLoss == nil {
		return false
	}
	if p.Side == PositionSideLong {
		return price <= *p.StopLoss
	}
	return price >= *p.StopLoss
}
