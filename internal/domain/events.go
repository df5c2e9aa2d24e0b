package domain

import "encoding/json"

// Pub/sub channels carrying outward event envelopes.
const (
	ChannelPrices       = "prices"
	ChannelOrders       = "orders"
	ChannelPositions    = "positions"
	ChannelLiquidations = "liquidations"
)

// EventStreamTrades is the durable stream of executed closes and fills
// consumed by the trade archiver.
const EventStreamTrades = "events:trades"

// Outward event types broadcast to clients.
const (
	EventTypePositionClosed = "position_closed"
	EventTypeOrderFilled    = "order_filled"
	EventTypeLiquidation    = "liquidation"
	EventTypePriceUpdate    = "price_update"
	EventTypeCurrentPrices  = "current_prices"
)

// PositionClosedEvent is emitted after a confirmed tp/sl/manual close.
type PositionClosedEvent struct {
	PositionID string      `json:"positionId"`
	Reason     CloseReason `json:"reason"`
	Price      float64     `json:"price"`
	PnL        float64     `json:"pnl"`
	NewBalance float64     `json:"newBalance"`
}

// OrderFilledEvent is emitted after a confirmed limit-order fill.
type OrderFilledEvent struct {
	OrderID string     `json:"orderId"`
	Symbol  string     `json:"symbol"`
	Side    OrderSide  `json:"side"`
	Price   float64    `json:"price"`
	Size    float64    `json:"size"`
	Action  FillAction `json:"action"`
}

// LiquidationEvent is emitted after a confirmed forced close.
type LiquidationEvent struct {
	PositionID string       `json:"positionId"`
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	Loss       float64      `json:"loss"`
	NewBalance float64      `json:"newBalance"`
}

// PriceUpdateEvent is the per-tick price fan-out payload.
type PriceUpdateEvent struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
}

// Envelope wraps an event payload in the {type, data} JSON shape clients
// consume.
func Envelope(eventType string, data any) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data"`
	}{Type: eventType, Data: data})
}
