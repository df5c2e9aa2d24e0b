// Package handler implements the HTTP endpoints of the trading API.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/bitsimlab/levtrade/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}

// positionView is the wire shape of a position in API responses.
type positionView struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Symbol        string     `json:"symbol"`
	Side          string     `json:"side"`
	Size          float64    `json:"size"`
	EntryPrice    float64    `json:"entry_price"`
	Leverage      float64    `json:"leverage"`
	Margin        float64    `json:"margin"`
	TakeProfit    *float64   `json:"take_profit,omitempty"`
	StopLoss      *float64   `json:"stop_loss,omitempty"`
	Status        string     `json:"status"`
	MarkPrice     float64    `json:"mark_price"`
	PnL           float64    `json:"pnl"`
	PnLPercentage float64    `json:"pnl_percentage"`
	OpenedAt      time.Time  `json:"opened_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

func toPositionView(p domain.Position) positionView {
	return positionView{
		ID:            p.ID,
		UserID:        p.UserID,
		Symbol:        p.Symbol,
		Side:          string(p.Side),
		Size:          p.Size,
		EntryPrice:    p.EntryPrice,
		Leverage:      p.Leverage,
		Margin:        p.Margin,
		TakeProfit:    p.TakeProfit,
		StopLoss:      p.StopLoss,
		Status:        string(p.Status),
		MarkPrice:     p.MarkPrice,
		PnL:           p.PnL,
		PnLPercentage: p.PnLPercentage,
		OpenedAt:      p.OpenedAt,
		ClosedAt:      p.ClosedAt,
	}
}

func toPositionViews(positions []domain.Position) []positionView {
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionView(p))
	}
	return out
}

// orderView is the wire shape of an order in API responses.
type orderView struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Symbol     string     `json:"symbol"`
	Side       string     `json:"side"`
	Type       string     `json:"type"`
	Price      float64    `json:"price"`
	Size       float64    `json:"size"`
	Leverage   float64    `json:"leverage"`
	TakeProfit *float64   `json:"take_profit,omitempty"`
	StopLoss   *float64   `json:"stop_loss,omitempty"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	FilledAt   *time.Time `json:"filled_at,omitempty"`
}

func toOrderView(o domain.Order) orderView {
	return orderView{
		ID:         o.ID,
		UserID:     o.UserID,
		Symbol:     o.Symbol,
		Side:       string(o.Side),
		Type:       string(o.Type),
		Price:      o.Price,
		Size:       o.Size,
		Leverage:   o.Leverage,
		TakeProfit: o.TakeProfit,
		StopLoss:   o.StopLoss,
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt,
		FilledAt:   o.FilledAt,
	}
}

func toOrderViews(orders []domain.Order) []orderView {
	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderView(o))
	}
	return out
}
