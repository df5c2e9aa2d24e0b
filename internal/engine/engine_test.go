package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitsimlab/levtrade/internal/book"
	"github.com/bitsimlab/levtrade/internal/domain"
)

// fakeLedger is a controllable in-memory Ledger for exercising the
// evaluation and execution paths without a database.
type fakeLedger struct {
	mu sync.Mutex

	closeCalls []string // position ids, in call order
	fillCalls  []string // order ids
	cancelled  []string

	closeErrs []error // popped per ClosePosition call; nil = success
	fillErrs  []error

	posStatus map[string]domain.PositionStatus // defaults to open
	ordStatus map[string]domain.OrderStatus    // defaults to pending

	snapshotPositions []domain.Position
	snapshotOrders    []domain.Order
	snapshotLoads     int

	blockClose chan struct{} // when set, ClosePosition waits on it
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		posStatus: make(map[string]domain.PositionStatus),
		ordStatus: make(map[string]domain.OrderStatus),
	}
}

func (l *fakeLedger) ClosePosition(ctx context.Context, positionID string, closePrice, pnl float64, reason domain.CloseReason) (domain.CloseResult, error) {
	l.mu.Lock()
	l.closeCalls = append(l.closeCalls, positionID)
	var err error
	if len(l.closeErrs) > 0 {
		err = l.closeErrs[0]
		l.closeErrs = l.closeErrs[1:]
	}
	block := l.blockClose
	l.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return domain.CloseResult{}, err
	}
	return domain.CloseResult{OldBalance: 1000, NewBalance: 1000 + pnl, ReturnAmount: pnl}, nil
}

func (l *fakeLedger) FillLimitOrder(ctx context.Context, orderID string, fillPrice float64) (domain.FillResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fillCalls = append(l.fillCalls, orderID)
	if len(l.fillErrs) > 0 {
		err := l.fillErrs[0]
		l.fillErrs = l.fillErrs[1:]
		if err != nil {
			return domain.FillResult{}, err
		}
	}
	pos := domain.Position{
		ID:     "pos-" + orderID,
		Symbol: "BTCUSDT",
		Status: domain.PositionStatusOpen,
	}
	return domain.FillResult{Action: domain.FillActionCreated, PositionID: pos.ID, Position: pos}, nil
}

func (l *fakeLedger) CancelOrder(ctx context.Context, orderID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancelled = append(l.cancelled, orderID)
	return nil
}

func (l *fakeLedger) UpdatePositionMark(ctx context.Context, positionID string, markPrice, pnl, pnlPct float64) error {
	return nil
}

func (l *fakeLedger) PositionStatus(ctx context.Context, positionID string) (domain.PositionStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.posStatus[positionID]; ok {
		return st, nil
	}
	return domain.PositionStatusOpen, nil
}

func (l *fakeLedger) OrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.ordStatus[orderID]; ok {
		return st, nil
	}
	return domain.OrderStatusPending, nil
}

func (l *fakeLedger) OpenPositions(ctx context.Context) ([]domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshotLoads++
	return append([]domain.Position(nil), l.snapshotPositions...), nil
}

func (l *fakeLedger) snapshotLoadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLoads
}

func (l *fakeLedger) PendingLimitOrders(ctx context.Context) ([]domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Order(nil), l.snapshotOrders...), nil
}

func (l *fakeLedger) closeCallCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.closeCalls)
}

func (l *fakeLedger) fillCallCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fillCalls)
}

var _ domain.Ledger = (*fakeLedger)(nil)

// harness bundles a fully wired core with the fake ledger.
type harness struct {
	ledger    *fakeLedger
	positions *book.PositionBook
	orders    *book.OrderBook
	inflight  *book.InFlight
	coord     *Coordinator
	risk      *RiskEvaluator
	fill      *FillEvaluator
}

func newHarness(t *testing.T, cfg RiskConfig) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := newFakeLedger()
	positions := book.NewPositionBook()
	orders := book.NewOrderBook()
	inflight := book.NewInFlight()
	coord := NewCoordinator(ledger, positions, orders, inflight, nil, nil, time.Second, logger)
	risk := NewRiskEvaluator(positions, inflight, coord, ledger, cfg, logger)
	fill := NewFillEvaluator(orders, inflight, coord, time.Millisecond, logger)
	return &harness{
		ledger:    ledger,
		positions: positions,
		orders:    orders,
		inflight:  inflight,
		coord:     coord,
		risk:      risk,
		fill:      fill,
	}
}

func ptr(v float64) *float64 { return &v }

func openLong(id string, entry, size, leverage float64) domain.Position {
	return domain.Position{
		ID:         id,
		Symbol:     "BTCUSDT",
		Side:       domain.PositionSideLong,
		Size:       size,
		EntryPrice: entry,
		Leverage:   leverage,
		Margin:     size * entry / leverage,
		Status:     domain.PositionStatusOpen,
	}
}

func TestLiquidationAtThresholdBoundaryFiresExactlyOnce(t *testing.T) {
	h := newHarness(t, RiskConfig{})
	// margin = 100*1/10 = 10; at price 92 pnl = -8, pct = -80 exactly.
	h.positions.Upsert(openLong("p1", 100, 1, 10))

	h.risk.Evaluate(context.Background(), "BTCUSDT", 92)
	h.coord.Wait()

	require.Equal(t, 1, h.ledger.closeCallCount(), "boundary is inclusive, exactly one close")
	_, ok := h.positions.Get("p1")
	assert.False(t, ok, "closed position leaves the book")

	// Re-evaluating after the close is a no-op: the position is gone.
	h.risk.Evaluate(context.Background(), "BTCUSDT", 92)
	h.coord.Wait()
	assert.Equal(t, 1, h.ledger.closeCallCount())
}

func TestInFlightDedupUnderRepeatedTicks(t *testing.T) {
	h := newHarness(t, RiskConfig{})
	h.positions.Upsert(openLong("p1", 100, 1, 10))

	block := make(chan struct{})
	h.ledger.blockClose = block

	// Two consecutive ticks both below the liquidation threshold before the
	// ledger call resolves.
	h.risk.Evaluate(context.Background(), "BTCUSDT", 80)
	h.risk.Evaluate(context.Background(), "BTCUSDT", 79)

	close(block)
	h.coord.Wait()

	assert.Equal(t, 1, h.ledger.closeCallCount(), "in-flight guard must hold under repeated evaluation")
}

func TestLeverageAmplifiesLossAgainstMargin(t *testing.T) {
	h := newHarness(t, RiskConfig{})
	// entry 100, size 1, leverage 10 => margin 10. At price 82 the price
	// moved only 18% but pnl is -18 against a margin of 10: -180%.
	p := openLong("p1", 100, 1, 10)
	require.Equal(t, 10.0, p.Margin)
	require.Equal(t, -18.0, p.PnLAt(82))
	require.Equal(t, -180.0, p.PnLPercentageAt(82))

	h.positions.Upsert(p)
	h.risk.Evaluate(context.Background(), "BTCUSDT", 82)
	h.coord.Wait()

	assert.Equal(t, 1, h.ledger.closeCallCount())
}

func TestShortTakeProfitFiresOnceAtFirstCross(t *testing.T) {
	h := newHarness(t, RiskConfig{})
	p := domain.Position{
		ID:         "s1",
		Symbol:     "BTCUSDT",
		Side:       domain.PositionSideShort,
		Size:       1,
		EntryPrice: 100,
		Leverage:   2,
		Margin:     50,
		TakeProfit: ptr(90),
		Status:     domain.PositionStatusOpen,
	}
	h.positions.Upsert(p)

	for _, price := range []float64{100, 95} {
		h.risk.Evaluate(context.Background(), "BTCUSDT", price)
		h.coord.Wait()
		require.Zero(t, h.ledger.closeCallCount(), "tp must not fire above the level at price %v", price)
	}

	h.risk.Evaluate(context.Background(), "BTCUSDT", 89)
	h.coord.Wait()
	assert.Equal(t, 1, h.ledger.closeCallCount(), "tp fires at the first tick at or below 90")
}

func TestBuyAndSellLimitsBothFillAtTouchPrice(t *testing.T) {
	h := newHarness(t, RiskConfig{})
	h.orders.Upsert(domain.Order{
		ID: "buy", Symbol: "BTCUSDT", Side: domain.OrderSideBuy,
		Type: domain.OrderTypeLimit, Price: 50000, Size: 1, Leverage: 5,
		Status: domain.OrderStatusPending,
	})
	h.orders.Upsert(domain.Order{
		ID: "sell", Symbol: "BTCUSDT", Side: domain.OrderSideSell,
		Type: domain.OrderTypeLimit, Price: 50000, Size: 1, Leverage: 5,
		Status: domain.OrderStatusPending,
	})

	h.fill.EvaluateNow(context.Background(), "BTCUSDT", 50000)
	h.coord.Wait()

	assert.Equal(t, 2, h.ledger.fillCallCount(), "both sides cross at the touch")
	assert.Zero(t, h.orders.Len(), "filled orders leave the book")

	// Repeated evaluation cannot double-fill removed orders.
	h.fill.EvaluateNow(context.Background(), "BTCUSDT", 50000)
	h.coord.Wait()
	assert.Equal(t, 2, h.ledger.fillCallCount())
}

func TestCloseFailureReleasesGuardForRetry(t *testing.T) {
	h := newHarness(t, RiskConfig{})
	h.positions.Upsert(openLong("p1", 100, 1, 10))
	h.ledger.closeErrs = []error{errors.New("network timeout")}

	h.risk.Evaluate(context.Background(), "BTCUSDT", 80)
	h.coord.Wait()

	require.Equal(t, 1, h.ledger.closeCallCount())
	p, ok := h.positions.Get("p1")
	require.True(t, ok, "position stays evaluable after a transient failure")
	assert.Equal(t, domain.PositionStatusOpen, p.Status, "not stuck in closing")
	assert.False(t, h.inflight.Has("p1"))

	// The next tick re-triggers the same decision and succeeds.
	h.risk.Evaluate(context.Background(), "BTCUSDT", 80)
	h.coord.Wait()
	assert.Equal(t, 2, h.ledger.closeCallCount())
	_, ok = h.positions.Get("p1")
	assert.False(t, ok)
}

func TestStaleStatusProbeDropsWithoutClosing(t *testing.T) {
	h := newHarness(t, RiskConfig{})
	h.positions.Upsert(openLong("p1", 100, 1, 10))
	h.ledger.posStatus["p1"] = domain.PositionStatusClosed // raced by another process

	h.risk.Evaluate(context.Background(), "BTCUSDT", 80)
	h.coord.Wait()

	assert.Zero(t, h.ledger.closeCallCount(), "stale entity must not be closed again")
	_, ok := h.positions.Get("p1")
	assert.False(t, ok, "stale entity is dropped from the book")
	assert.False(t, h.inflight.Has("p1"))
}

func TestFillFailureRestoresOrder(t *testing.T) {
	h := newHarness(t, RiskConfig{})
	h.orders.Upsert(domain.Order{
		ID: "o1", Symbol: "BTCUSDT", Side: domain.OrderSideBuy,
		Type: domain.OrderTypeLimit, Price: 100, Size: 1, Leverage: 5,
		Status: domain.OrderStatusPending,
	})
	h.ledger.fillErrs = []error{errors.New("network timeout")}

	h.fill.EvaluateNow(context.Background(), "BTCUSDT", 99)
	h.coord.Wait()

	require.Equal(t, 1, h.ledger.fillCallCount())
	o, ok := h.orders.Get("o1")
	require.True(t, ok, "order restored after confirmed transient failure")
	assert.Equal(t, domain.OrderStatusPending, o.Status)
	assert.False(t, h.inflight.Has("o1"))

	h.fill.EvaluateNow(context.Background(), "BTCUSDT", 99)
	h.coord.Wait()
	assert.Equal(t, 2, h.ledger.fillCallCount())
	assert.Zero(t, h.orders.Len())
	_, ok = h.positions.Get("pos-o1")
	assert.True(t, ok, "confirmed fill seeds the position book")
}

func TestInsufficientBalanceCancelsInsteadOfRestoring(t *testing.T) {
	h := newHarness(t, RiskConfig{})
	h.orders.Upsert(domain.Order{
		ID: "o1", Symbol: "BTCUSDT", Side: domain.OrderSideBuy,
		Type: domain.OrderTypeLimit, Price: 100, Size: 1, Leverage: 5,
		Status: domain.OrderStatusPending,
	})
	h.ledger.fillErrs = []error{domain.ErrInsufficientBalance}

	h.fill.EvaluateNow(context.Background(), "BTCUSDT", 99)
	h.coord.Wait()

	assert.Equal(t, []string{"o1"}, h.ledger.cancelled)
	assert.Zero(t, h.orders.Len(), "cancelled order must not return to the book")
	assert.False(t, h.inflight.Has("o1"))
}

func TestWarningThrottledByCooldown(t *testing.T) {
	h := newHarness(t, RiskConfig{WarningCooldown: time.Minute})

	now := time.Unix(1_700_000_000, 0)
	h.risk.now = func() time.Time { return now }

	h.positions.Upsert(openLong("p1", 100, 1, 10))

	// margin 10; at price 92.5 pnl = -7.5, pct = -75: warning zone.
	h.risk.Evaluate(context.Background(), "BTCUSDT", 92.5)
	p, _ := h.positions.Get("p1")
	require.Equal(t, now, p.LastWarningAt)
	assert.Zero(t, h.ledger.closeCallCount(), "warning is non-authoritative")

	// Within the cool-down the timestamp does not move.
	now = now.Add(30 * time.Second)
	h.risk.Evaluate(context.Background(), "BTCUSDT", 92.5)
	p, _ = h.positions.Get("p1")
	assert.Equal(t, time.Unix(1_700_000_000, 0), p.LastWarningAt)

	// After the cool-down a new warning is emitted.
	now = now.Add(31 * time.Second)
	h.risk.Evaluate(context.Background(), "BTCUSDT", 92.5)
	p, _ = h.positions.Get("p1")
	assert.Equal(t, now, p.LastWarningAt)
}

func TestMarkRefreshOnHealthyTick(t *testing.T) {
	h := newHarness(t, RiskConfig{})
	h.positions.Upsert(openLong("p1", 100, 1, 10))

	h.risk.Evaluate(context.Background(), "BTCUSDT", 99.5)
	h.coord.Wait()

	p, ok := h.positions.Get("p1")
	require.True(t, ok)
	assert.Equal(t, 99.5, p.MarkPrice)
	assert.InDelta(t, -0.5, p.PnL, 1e-9)
	assert.InDelta(t, -5, p.PnLPercentage, 1e-9)
	assert.Zero(t, h.ledger.closeCallCount())
}

func TestReconcileRepairsMissedFill(t *testing.T) {
	h := newHarness(t, RiskConfig{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// The engine missed an order_filled notification: locally the order
	// still rests, upstream it became a position.
	h.orders.Upsert(domain.Order{
		ID: "o1", Symbol: "BTCUSDT", Side: domain.OrderSideBuy,
		Type: domain.OrderTypeLimit, Price: 100, Size: 1, Leverage: 5,
		Status: domain.OrderStatusPending,
	})
	h.ledger.snapshotPositions = []domain.Position{openLong("pos-o1", 99, 1, 5)}
	h.ledger.snapshotOrders = nil

	rec := NewReconciler(h.ledger, h.positions, h.orders, h.inflight, nil, time.Second, logger)
	require.NoError(t, rec.Resync(context.Background()))

	assert.Zero(t, h.orders.Len(), "stale pending order removed")
	assert.Equal(t, 1, h.positions.Len(), "resulting position added")
	_, ok := h.positions.Get("pos-o1")
	assert.True(t, ok)
}

func TestReconcileKeepsInFlightEntities(t *testing.T) {
	h := newHarness(t, RiskConfig{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h.positions.Upsert(openLong("closing", 100, 1, 10))
	require.True(t, h.inflight.TryAcquire("closing"))

	// The snapshot no longer lists the in-flight position; the coordinator's
	// completion, not reconciliation, decides its fate.
	h.ledger.snapshotPositions = nil
	rec := NewReconciler(h.ledger, h.positions, h.orders, h.inflight, nil, time.Second, logger)
	require.NoError(t, rec.Resync(context.Background()))

	_, ok := h.positions.Get("closing")
	assert.True(t, ok)
}

func TestReconcilerRunWaitsForFirstInterval(t *testing.T) {
	h := newHarness(t, RiskConfig{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// The caller seeds the books with a synchronous Resync; the loop must not
	// reload again until the interval elapses.
	rec := NewReconciler(h.ledger, h.positions, h.orders, h.inflight, nil, time.Hour, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := rec.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Zero(t, h.ledger.snapshotLoadCount())
}

func TestRouterSkipsMalformedTicks(t *testing.T) {
	h := newHarness(t, RiskConfig{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.positions.Upsert(openLong("p1", 100, 1, 10))

	router := NewTickRouter(h.risk, h.fill, nil, nil, logger)

	router.HandleTick(context.Background(), domain.Tick{Symbol: "", Price: 80})
	router.HandleTick(context.Background(), domain.Tick{Symbol: "BTCUSDT", Price: 0})
	h.coord.Wait()

	assert.Zero(t, h.ledger.closeCallCount(), "malformed ticks take no guard and trigger nothing")
	_, ok := router.LastPrice("BTCUSDT")
	assert.False(t, ok)

	router.HandleTick(context.Background(), domain.Tick{Symbol: "BTCUSDT", Price: 80, Timestamp: time.Now()})
	h.coord.Wait()
	assert.Equal(t, 1, h.ledger.closeCallCount())
	last, ok := router.LastPrice("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 80.0, last)
}

func TestFillEvaluatorThrottlePerSymbol(t *testing.T) {
	h := newHarness(t, RiskConfig{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fill := NewFillEvaluator(h.orders, h.inflight, h.coord, time.Hour, logger)

	base := time.Unix(1_700_000_000, 0)
	fill.now = func() time.Time { return base }

	h.orders.Upsert(domain.Order{
		ID: "o1", Symbol: "BTCUSDT", Side: domain.OrderSideBuy,
		Type: domain.OrderTypeLimit, Price: 100, Size: 1, Leverage: 5,
		Status: domain.OrderStatusPending,
	})

	// First call consumes the throttle window but the price does not cross.
	fill.Evaluate(context.Background(), "BTCUSDT", 101)
	// Within the window the crossing price is not even looked at.
	fill.Evaluate(context.Background(), "BTCUSDT", 99)
	h.coord.Wait()
	assert.Zero(t, h.ledger.fillCallCount())

	// EvaluateNow bypasses the throttle (new-order notification path).
	fill.EvaluateNow(context.Background(), "BTCUSDT", 99)
	h.coord.Wait()
	assert.Equal(t, 1, h.ledger.fillCallCount())
}
