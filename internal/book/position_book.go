// Package book holds the engine's authoritative in-memory working set: the
// open positions, the resting limit orders, and the in-flight execution
// guard. The books are read from the evaluation hot path and mutated only by
// the execution coordinator and the reconciler.
package book

import (
	"sync"
	"time"

	"github.com/bitsimlab/levtrade/internal/domain"
)

// PositionBook owns the set of open positions keyed by id. Presence in the
// book is the sole authorization to evaluate a position.
type PositionBook struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
}

// NewPositionBook creates an empty PositionBook.
func NewPositionBook() *PositionBook {
	return &PositionBook{positions: make(map[string]domain.Position)}
}

// Upsert inserts or replaces a position.
func (b *PositionBook) Upsert(p domain.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[p.ID] = p
}

// Remove deletes a position from the book.
func (b *PositionBook) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, id)
}

// Get returns the position with the given id.
func (b *PositionBook) Get(id string) (domain.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[id]
	return p, ok
}

// SnapshotBySymbol returns copies of all open positions for the symbol.
func (b *PositionBook) SnapshotBySymbol(symbol string) []domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []domain.Position
	for _, p := range b.positions {
		if p.Symbol == symbol && p.Status == domain.PositionStatusOpen {
			out = append(out, p)
		}
	}
	return out
}

// UpdateMark refreshes the non-terminal mark fields of a position in place.
// A no-op if the position has left the book since it was snapshotted.
func (b *PositionBook) UpdateMark(id string, markPrice, pnl, pnlPct float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[id]
	if !ok {
		return
	}
	p.MarkPrice = markPrice
	p.PnL = pnl
	p.PnLPercentage = pnlPct
	b.positions[id] = p
}

// SetStatus tags a position with a local status. Used by the coordinator to
// mark open -> closing while a close is in flight and to restore open on a
// confirmed failure.
func (b *PositionBook) SetStatus(id string, status domain.PositionStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[id]
	if !ok {
		return
	}
	p.Status = status
	b.positions[id] = p
}

// TouchWarning records the time a liquidation warning was emitted for the
// position, for cool-down throttling.
func (b *PositionBook) TouchWarning(id string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[id]
	if !ok {
		return
	}
	p.LastWarningAt = at
	b.positions[id] = p
}

// ReplaceAll swaps the entire book for the given snapshot, skipping ids in
// the keep set (entities with an execution currently in flight, whose fate
// the coordinator's completion decides).
func (b *PositionBook) ReplaceAll(positions []domain.Position, keep map[string]bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make(map[string]domain.Position, len(positions))
	for _, p := range positions {
		if keep[p.ID] {
			continue
		}
		next[p.ID] = p
	}
	for id, p := range b.positions {
		if keep[id] {
			next[id] = p
		}
	}
	b.positions = next
}

// All returns copies of every position in the book.
func (b *PositionBook) All() []domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	return out
}

// Len returns the number of positions in the book.
func (b *PositionBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}
