package book

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitsimlab/levtrade/internal/domain"
)

func TestPositionBookSnapshotFiltersSymbolAndStatus(t *testing.T) {
	b := NewPositionBook()
	b.Upsert(domain.Position{ID: "p1", Symbol: "BTCUSDT", Status: domain.PositionStatusOpen})
	b.Upsert(domain.Position{ID: "p2", Symbol: "ETHUSDT", Status: domain.PositionStatusOpen})
	b.Upsert(domain.Position{ID: "p3", Symbol: "BTCUSDT", Status: domain.PositionStatusClosed})

	snap := b.SnapshotBySymbol("BTCUSDT")
	require.Len(t, snap, 1)
	assert.Equal(t, "p1", snap[0].ID)
}

func TestPositionBookReplaceAllKeepsInFlight(t *testing.T) {
	b := NewPositionBook()
	b.Upsert(domain.Position{ID: "closing", Symbol: "BTCUSDT", Status: domain.PositionStatusOpen, Size: 2})
	b.Upsert(domain.Position{ID: "stale", Symbol: "BTCUSDT", Status: domain.PositionStatusOpen})

	// The ledger snapshot no longer contains "closing" (another process may
	// have closed it) and reports a resized copy of it; neither may override
	// the local in-flight entry.
	b.ReplaceAll([]domain.Position{
		{ID: "closing", Symbol: "BTCUSDT", Status: domain.PositionStatusOpen, Size: 5},
		{ID: "fresh", Symbol: "BTCUSDT", Status: domain.PositionStatusOpen},
	}, map[string]bool{"closing": true})

	kept, ok := b.Get("closing")
	require.True(t, ok)
	assert.Equal(t, 2.0, kept.Size, "in-flight entry must not be overridden by reconciliation")

	_, ok = b.Get("stale")
	assert.False(t, ok, "entries absent from the snapshot are removed")

	_, ok = b.Get("fresh")
	assert.True(t, ok)
}

func TestPositionBookUpdateMark(t *testing.T) {
	b := NewPositionBook()
	b.Upsert(domain.Position{ID: "p1", Symbol: "BTCUSDT", Status: domain.PositionStatusOpen})

	b.UpdateMark("p1", 101.5, -3, -30)
	p, ok := b.Get("p1")
	require.True(t, ok)
	assert.Equal(t, 101.5, p.MarkPrice)
	assert.Equal(t, -3.0, p.PnL)
	assert.Equal(t, -30.0, p.PnLPercentage)

	// Unknown id is a no-op, not a panic.
	b.UpdateMark("gone", 1, 1, 1)
}

func TestOrderBookRemoveReturnsOrderForRestore(t *testing.T) {
	b := NewOrderBook()
	b.Upsert(domain.Order{ID: "o1", Symbol: "BTCUSDT", Status: domain.OrderStatusPending, Type: domain.OrderTypeLimit})

	o, ok := b.Remove("o1")
	require.True(t, ok)
	assert.Equal(t, "o1", o.ID)
	assert.Zero(t, b.Len())

	_, ok = b.Remove("o1")
	assert.False(t, ok)

	// Restore after a confirmed transient failure.
	b.Upsert(o)
	assert.Equal(t, 1, b.Len())
}

func TestOrderBookSnapshotOnlyPendingLimit(t *testing.T) {
	b := NewOrderBook()
	b.Upsert(domain.Order{ID: "o1", Symbol: "BTCUSDT", Status: domain.OrderStatusPending, Type: domain.OrderTypeLimit})
	b.Upsert(domain.Order{ID: "o2", Symbol: "BTCUSDT", Status: domain.OrderStatusCancelled, Type: domain.OrderTypeLimit})
	b.Upsert(domain.Order{ID: "o3", Symbol: "BTCUSDT", Status: domain.OrderStatusPending, Type: domain.OrderTypeMarket})
	b.Upsert(domain.Order{ID: "o4", Symbol: "ETHUSDT", Status: domain.OrderStatusPending, Type: domain.OrderTypeLimit})

	snap := b.SnapshotBySymbol("BTCUSDT")
	require.Len(t, snap, 1)
	assert.Equal(t, "o1", snap[0].ID)
}

func TestInFlightCheckAndSet(t *testing.T) {
	f := NewInFlight()

	require.True(t, f.TryAcquire("p1"))
	assert.False(t, f.TryAcquire("p1"), "second acquire must fail while in flight")
	assert.True(t, f.Has("p1"))

	f.Release("p1")
	assert.True(t, f.TryAcquire("p1"), "release makes the identity evaluable again")

	// Releasing an unknown id is harmless.
	f.Release("never-acquired")
}

func TestInFlightSingleWinnerUnderContention(t *testing.T) {
	f := NewInFlight()

	const goroutines = 64
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.TryAcquire("p1") {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one concurrent acquire may succeed")
}
