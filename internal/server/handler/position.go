package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/bitsimlab/levtrade/internal/book"
	"github.com/bitsimlab/levtrade/internal/domain"
	"github.com/bitsimlab/levtrade/internal/engine"
)

// PositionHandler serves position listing and manual close requests.
type PositionHandler struct {
	positions *book.PositionBook
	inflight  *book.InFlight
	coord     *engine.Coordinator
	router    *engine.TickRouter
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(
	positions *book.PositionBook,
	inflight *book.InFlight,
	coord *engine.Coordinator,
	router *engine.TickRouter,
	logger *slog.Logger,
) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		inflight:  inflight,
		coord:     coord,
		router:    router,
		logger:    logHandler(logger, "position"),
	}
}

// CanClose reports whether manual closes can be dispatched. It is false in
// observation-only deployments where no coordinator is wired.
func (h *PositionHandler) CanClose() bool {
	return h.coord != nil
}

// ListPositions returns the current working set of positions.
// GET /positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": toPositionViews(h.positions.All()),
	})
}

// closePositionRequest is the JSON body of POST /close-position.
type closePositionRequest struct {
	PositionID string `json:"position_id"`
}

// ClosePosition requests a manual close of an open position at the latest
// tick price. The close executes through the same at-most-once path as
// engine-triggered closes, so the response is an acknowledgement, not a
// confirmation.
// POST /close-position
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req closePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PositionID == "" {
		writeError(w, http.StatusBadRequest, "position_id is required")
		return
	}

	p, ok := h.positions.Get(req.PositionID)
	if !ok {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	if p.Status != domain.PositionStatusOpen {
		writeError(w, http.StatusConflict, "position close is in flight")
		return
	}

	price, ok := h.router.LastPrice(p.Symbol)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no market price available for "+p.Symbol)
		return
	}

	if !h.inflight.TryAcquire(p.ID) {
		writeError(w, http.StatusConflict, "position close is in flight")
		return
	}

	h.logger.InfoContext(r.Context(), "manual close requested",
		slog.String("position_id", p.ID),
		slog.String("symbol", p.Symbol),
		slog.Float64("price", price),
	)
	h.coord.DispatchClose(p, price, p.PnLAt(price), domain.CloseReasonManual)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"position_id": p.ID,
		"status":      string(domain.PositionStatusClosing),
	})
}
