package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitsimlab/levtrade/internal/book"
	"github.com/bitsimlab/levtrade/internal/domain"
	"github.com/bitsimlab/levtrade/internal/engine"
)

// fakeOrderLedger records order intake calls.
type fakeOrderLedger struct {
	created    []domain.Order
	fillPrices []float64
}

func (l *fakeOrderLedger) CreateOrder(ctx context.Context, o domain.Order) (domain.Order, error) {
	o.ID = "ord-1"
	o.Status = domain.OrderStatusPending
	o.CreatedAt = time.Now()
	l.created = append(l.created, o)
	return o, nil
}

func (l *fakeOrderLedger) FillLimitOrder(ctx context.Context, orderID string, fillPrice float64) (domain.FillResult, error) {
	l.fillPrices = append(l.fillPrices, fillPrice)
	pos := domain.Position{ID: "pos-1", Symbol: "BTCUSDT", Status: domain.PositionStatusOpen}
	return domain.FillResult{Action: domain.FillActionCreated, PositionID: pos.ID, Position: pos}, nil
}

func (l *fakeOrderLedger) CancelOrder(ctx context.Context, orderID, reason string) error {
	return nil
}

// fakePriceCache serves a fixed price map, standing in for the Redis hash
// populated by a replica that runs the feed.
type fakePriceCache struct {
	prices map[string]float64
}

func (c *fakePriceCache) SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	return nil
}

func (c *fakePriceCache) GetPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	p, ok := c.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}

func (c *fakePriceCache) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, sym := range symbols {
		if p, ok := c.prices[sym]; ok {
			out[sym] = p
		}
	}
	return out, nil
}

var _ domain.PriceCache = (*fakePriceCache)(nil)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// emptyRouter returns a router that has observed no ticks.
func emptyRouter() *engine.TickRouter {
	return engine.NewTickRouter(nil, nil, nil, nil, discardLogger())
}

func TestPlaceMarketOrderFallsBackToPriceCache(t *testing.T) {
	ledger := &fakeOrderLedger{}
	cache := &fakePriceCache{prices: map[string]float64{"BTCUSDT": 50000}}
	h := NewOrderHandler(
		ledger, book.NewOrderBook(), book.NewPositionBook(), book.NewInFlight(),
		nil, emptyRouter(), cache, nil, discardLogger(),
	)

	body := `{"user_id":"u1","symbol":"BTCUSDT","side":"buy","type":"market","size":0.1,"leverage":5}`
	req := httptest.NewRequest(http.MethodPost, "/new-order", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.PlaceOrder(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, ledger.created, 1)
	assert.Equal(t, 50000.0, ledger.created[0].Price)
	require.Len(t, ledger.fillPrices, 1)
	assert.Equal(t, 50000.0, ledger.fillPrices[0])
}

func TestPlaceMarketOrderRejectedWithoutAnyPrice(t *testing.T) {
	ledger := &fakeOrderLedger{}
	cache := &fakePriceCache{prices: map[string]float64{}}
	h := NewOrderHandler(
		ledger, book.NewOrderBook(), book.NewPositionBook(), book.NewInFlight(),
		nil, emptyRouter(), cache, nil, discardLogger(),
	)

	body := `{"user_id":"u1","symbol":"BTCUSDT","side":"buy","type":"market","size":0.1,"leverage":5}`
	req := httptest.NewRequest(http.MethodPost, "/new-order", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.PlaceOrder(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, ledger.created)
}

func TestStatusMergesCachedPricesForUnseenSymbols(t *testing.T) {
	router := emptyRouter()
	router.HandleTick(context.Background(), domain.Tick{
		Symbol:    "ETHUSDT",
		Price:     3000,
		Timestamp: time.Now(),
	})

	cache := &fakePriceCache{prices: map[string]float64{
		"BTCUSDT": 50000,
		"ETHUSDT": 2999, // stale; the router's own observation wins
	}}
	h := NewStatusHandler(
		router, book.NewPositionBook(), book.NewOrderBook(), nil,
		cache, []string{"BTCUSDT", "ETHUSDT"},
		time.Now(), discardLogger(),
	)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	h.GetStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Prices map[string]float64 `json:"prices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 50000.0, resp.Prices["BTCUSDT"])
	assert.Equal(t, 3000.0, resp.Prices["ETHUSDT"])
}
