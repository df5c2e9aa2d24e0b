package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// PositionSide maps an order side to the side of the position it opens:
// filled buys become longs, filled sells become shorts.
func (s OrderSide) PositionSide() PositionSide {
	if s == OrderSideBuy {
		return PositionSideLong
	}
	return PositionSideShort
}

// OrderType is the order kind. Only limit orders rest in the book and are
// evaluated by the engine; market orders are handled upstream at submission.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus tracks the order lifecycle. The "filling" status is a local
// tag covering the window between optimistic removal from the book and
// ledger confirmation; it is never observable outside the coordinator.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilling   OrderStatus = "filling"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order represents a resting limit order waiting to cross the market.
type Order struct {
	ID         string
	UserID     string
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Price      float64 // limit price
	Size       float64
	Leverage   float64
	TakeProfit *float64 // seeds the resulting position
	StopLoss   *float64
	Status     OrderStatus
	CreatedAt  time.Time
	FilledAt   *time.Time
}

// Crosses reports whether the order fills at the given reference price:
// a buy fills at or below its limit, a sell at or above it.
func (o Order) Crosses(price float64) bool {
	if o.Side == OrderSideBuy {
		return price <= o.Price
	}
	return price >= o.Price
}

// MarginAt returns the margin the resulting position would commit when
// filled at the given price.
func (o Order) MarginAt(price float64) float64 {
	if o.Leverage <= 0 {
		return 0
	}
	return o.Size * price / o.Leverage
}
