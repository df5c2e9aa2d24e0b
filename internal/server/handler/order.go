package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bitsimlab/levtrade/internal/book"
	"github.com/bitsimlab/levtrade/internal/domain"
	"github.com/bitsimlab/levtrade/internal/engine"
)

// OrderLedger defines the ledger operations the order intake needs.
type OrderLedger interface {
	CreateOrder(ctx context.Context, o domain.Order) (domain.Order, error)
	FillLimitOrder(ctx context.Context, orderID string, fillPrice float64) (domain.FillResult, error)
	CancelOrder(ctx context.Context, orderID, reason string) error
}

// OrderHandler serves order intake and cancellation. Market orders execute
// synchronously at the latest tick price; limit orders rest in the book and
// are immediately re-evaluated so one that already crosses fills without
// waiting for the next tick.
type OrderHandler struct {
	ledger    OrderLedger
	orders    *book.OrderBook
	positions *book.PositionBook
	inflight  *book.InFlight
	fills     *engine.FillEvaluator
	router    *engine.TickRouter
	prices    domain.PriceCache
	bus       domain.SignalBus
	logger    *slog.Logger
}

// NewOrderHandler creates an OrderHandler. prices backs the price lookup when
// the router has not seen a tick (no feed in this process); it and bus may be
// nil.
func NewOrderHandler(
	ledger OrderLedger,
	orders *book.OrderBook,
	positions *book.PositionBook,
	inflight *book.InFlight,
	fills *engine.FillEvaluator,
	router *engine.TickRouter,
	prices domain.PriceCache,
	bus domain.SignalBus,
	logger *slog.Logger,
) *OrderHandler {
	return &OrderHandler{
		ledger:    ledger,
		orders:    orders,
		positions: positions,
		inflight:  inflight,
		fills:     fills,
		router:    router,
		prices:    prices,
		bus:       bus,
		logger:    logHandler(logger, "order"),
	}
}

// lastPrice resolves the latest known price for a symbol: the in-process
// router first, then the shared price cache populated by whichever replica
// runs the feed.
func (h *OrderHandler) lastPrice(ctx context.Context, symbol string) (float64, bool) {
	if price, ok := h.router.LastPrice(symbol); ok {
		return price, true
	}
	if h.prices == nil {
		return 0, false
	}
	price, _, err := h.prices.GetPrice(ctx, symbol)
	if err != nil {
		return 0, false
	}
	return price, true
}

// placeOrderRequest is the JSON body of POST /new-order.
type placeOrderRequest struct {
	UserID     string   `json:"user_id"`
	Symbol     string   `json:"symbol"`
	Side       string   `json:"side"`
	Type       string   `json:"type"`
	Price      float64  `json:"price"`
	Size       float64  `json:"size"`
	Leverage   float64  `json:"leverage"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
}

func (req placeOrderRequest) validate() string {
	if req.UserID == "" {
		return "user_id is required"
	}
	if req.Symbol == "" {
		return "symbol is required"
	}
	if req.Side != string(domain.OrderSideBuy) && req.Side != string(domain.OrderSideSell) {
		return "side must be buy or sell"
	}
	if req.Type != string(domain.OrderTypeLimit) && req.Type != string(domain.OrderTypeMarket) {
		return "type must be limit or market"
	}
	if req.Type == string(domain.OrderTypeLimit) && req.Price <= 0 {
		return "price must be positive for limit orders"
	}
	if req.Size <= 0 {
		return "size must be positive"
	}
	if req.Leverage < 1 {
		return "leverage must be at least 1"
	}
	return ""
}

// PlaceOrder accepts a new order.
// POST /new-order
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	lastPrice, priceKnown := h.lastPrice(r.Context(), req.Symbol)
	if req.Type == string(domain.OrderTypeMarket) && !priceKnown {
		writeError(w, http.StatusServiceUnavailable, "no market price available for "+req.Symbol)
		return
	}

	price := req.Price
	if req.Type == string(domain.OrderTypeMarket) {
		price = lastPrice
	}

	order, err := h.ledger.CreateOrder(r.Context(), domain.Order{
		UserID:     req.UserID,
		Symbol:     req.Symbol,
		Side:       domain.OrderSide(req.Side),
		Type:       domain.OrderType(req.Type),
		Price:      price,
		Size:       req.Size,
		Leverage:   req.Leverage,
		TakeProfit: req.TakeProfit,
		StopLoss:   req.StopLoss,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "create order failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "failed to create order")
		return
	}

	if order.Type == domain.OrderTypeMarket {
		h.executeMarket(w, r, order, lastPrice)
		return
	}

	h.orders.Upsert(order)
	h.logger.InfoContext(r.Context(), "limit order accepted",
		slog.String("order_id", order.ID),
		slog.String("symbol", order.Symbol),
		slog.Float64("price", order.Price),
	)

	// An order placed at or through the market fills now, not on the next
	// tick.
	if priceKnown {
		h.fills.EvaluateNow(r.Context(), order.Symbol, lastPrice)
	}

	writeJSON(w, http.StatusCreated, map[string]any{"order": toOrderView(order)})
}

// executeMarket fills a market order synchronously at the latest tick price.
func (h *OrderHandler) executeMarket(w http.ResponseWriter, r *http.Request, order domain.Order, price float64) {
	res, err := h.ledger.FillLimitOrder(r.Context(), order.ID, price)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			if cancelErr := h.ledger.CancelOrder(r.Context(), order.ID, "insufficient balance"); cancelErr != nil {
				h.logger.WarnContext(r.Context(), "cancel after insufficient balance failed",
					slog.String("order_id", order.ID),
					slog.String("error", cancelErr.Error()),
				)
			}
			writeError(w, http.StatusBadRequest, "insufficient balance")
			return
		}
		h.logger.ErrorContext(r.Context(), "market order fill failed",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to execute market order")
		return
	}

	h.positions.Upsert(res.Position)
	h.logger.InfoContext(r.Context(), "market order filled",
		slog.String("order_id", order.ID),
		slog.String("symbol", order.Symbol),
		slog.Float64("price", price),
		slog.String("action", string(res.Action)),
		slog.String("position_id", res.PositionID),
	)
	h.publishFill(order, price, res)

	writeJSON(w, http.StatusCreated, map[string]any{
		"order":    toOrderView(order),
		"position": toPositionView(res.Position),
		"action":   string(res.Action),
	})
}

func (h *OrderHandler) publishFill(o domain.Order, price float64, res domain.FillResult) {
	if h.bus == nil {
		return
	}
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
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.bus.Publish(ctx, domain.ChannelOrders, payload); err != nil {
		h.logger.Debug("fill publish failed", slog.String("error", err.Error()))
	}
	if err := h.bus.StreamAppend(ctx, domain.EventStreamTrades, payload); err != nil {
		h.logger.Debug("trade stream append failed", slog.String("error", err.Error()))
	}
}

// cancelOrderRequest is the JSON body of POST /cancel-order.
type cancelOrderRequest struct {
	OrderID string `json:"order_id"`
}

// CancelOrder cancels a pending limit order. An order whose fill is already
// in flight cannot be cancelled; the execution outcome decides its fate.
// POST /cancel-order
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "order_id is required")
		return
	}

	if h.inflight.Has(req.OrderID) {
		writeError(w, http.StatusConflict, "order fill is in flight")
		return
	}

	if err := h.ledger.CancelOrder(r.Context(), req.OrderID, "user request"); err != nil {
		if errors.Is(err, domain.ErrStaleState) || errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusConflict, "order is not pending")
			return
		}
		h.logger.ErrorContext(r.Context(), "cancel order failed",
			slog.String("order_id", req.OrderID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to cancel order")
		return
	}

	h.orders.Remove(req.OrderID)
	h.logger.InfoContext(r.Context(), "order cancelled", slog.String("order_id", req.OrderID))

	writeJSON(w, http.StatusOK, map[string]string{
		"order_id": req.OrderID,
		"status":   string(domain.OrderStatusCancelled),
	})
}
