package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/bitsimlab/levtrade/internal/book"
	"github.com/bitsimlab/levtrade/internal/domain"
	"github.com/bitsimlab/levtrade/internal/engine"
)

// BalanceReader reads a user's free balance from the ledger.
type BalanceReader interface {
	AvailableBalance(ctx context.Context, userID string) (float64, error)
}

// StatusHandler serves the engine status snapshot for the dashboard: latest
// prices, the working set of positions and orders, and optionally a user's
// balance.
type StatusHandler struct {
	router    *engine.TickRouter
	positions *book.PositionBook
	orders    *book.OrderBook
	balances  BalanceReader
	prices    domain.PriceCache
	symbols   []string
	startedAt time.Time
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler. prices and symbols fill in quotes
// the in-process router has not seen, so the snapshot stays complete when the
// feed runs in another replica; prices may be nil.
func NewStatusHandler(
	router *engine.TickRouter,
	positions *book.PositionBook,
	orders *book.OrderBook,
	balances BalanceReader,
	prices domain.PriceCache,
	symbols []string,
	startedAt time.Time,
	logger *slog.Logger,
) *StatusHandler {
	return &StatusHandler{
		router:    router,
		positions: positions,
		orders:    orders,
		balances:  balances,
		prices:    prices,
		symbols:   symbols,
		startedAt: startedAt,
		logger:    logHandler(logger, "status"),
	}
}

// snapshotPrices merges the router's last prices with the shared cache for
// any configured symbol the router has not observed.
func (h *StatusHandler) snapshotPrices(ctx context.Context) map[string]float64 {
	prices := h.router.LastPrices()
	if h.prices == nil {
		return prices
	}

	var missing []string
	for _, sym := range h.symbols {
		if _, ok := prices[sym]; !ok {
			missing = append(missing, sym)
		}
	}
	if len(missing) == 0 {
		return prices
	}

	cached, err := h.prices.GetPrices(ctx, missing)
	if err != nil {
		h.logger.DebugContext(ctx, "price cache read failed", slog.String("error", err.Error()))
		return prices
	}
	for sym, price := range cached {
		prices[sym] = price
	}
	return prices
}

// GetStatus responds with the current engine snapshot. With a user_id query
// parameter the response also carries that user's free balance.
// GET /status?user_id=...
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"prices":         h.snapshotPrices(r.Context()),
		"positions":      toPositionViews(h.positions.All()),
		"pending_orders": toOrderViews(h.orders.All()),
	}

	if userID := r.URL.Query().Get("user_id"); userID != "" {
		balance, err := h.balances.AvailableBalance(r.Context(), userID)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "balance lookup failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to read balance")
			return
		}
		resp["balance"] = balance
	}

	writeJSON(w, http.StatusOK, resp)
}
