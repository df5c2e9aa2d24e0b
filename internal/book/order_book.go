package book

import (
	"sync"

	"github.com/bitsimlab/levtrade/internal/domain"
)

// OrderBook owns the set of resting limit orders keyed by id. Orders are
// removed the instant a fill attempt begins (optimistic removal) and
// restored only when the ledger confirms the attempt did not consume them.
type OrderBook struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

// NewOrderBook creates an empty OrderBook.
func NewOrderBook() *OrderBook {
	return &OrderBook{orders: make(map[string]domain.Order)}
}

// Upsert inserts or replaces an order.
func (b *OrderBook) Upsert(o domain.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders[o.ID] = o
}

// Remove deletes an order from the book and returns it, so a failed fill
// attempt can restore it.
func (b *OrderBook) Remove(id string) (domain.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if ok {
		delete(b.orders, id)
	}
	return o, ok
}

// Get returns the order with the given id.
func (b *OrderBook) Get(id string) (domain.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[id]
	return o, ok
}

// SnapshotBySymbol returns copies of all pending limit orders for the symbol.
func (b *OrderBook) SnapshotBySymbol(symbol string) []domain.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []domain.Order
	for _, o := range b.orders {
		if o.Symbol == symbol && o.Status == domain.OrderStatusPending && o.Type == domain.OrderTypeLimit {
			out = append(out, o)
		}
	}
	return out
}

// ReplaceAll swaps the entire book for the given snapshot, skipping ids in
// the keep set (orders with a fill currently in flight).
func (b *OrderBook) ReplaceAll(orders []domain.Order, keep map[string]bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make(map[string]domain.Order, len(orders))
	for _, o := range orders {
		if keep[o.ID] {
			continue
		}
		next[o.ID] = o
	}
	for id, o := range b.orders {
		if keep[id] {
			next[id] = o
		}
	}
	b.orders = next
}

// All returns copies of every order in the book.
func (b *OrderBook) All() []domain.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o)
	}
	return out
}

// Len returns the number of orders in the book.
func (b *OrderBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.orders)
}
