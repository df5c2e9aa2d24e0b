package book

import "sync"

// InFlight is the guard set that enforces at most one outstanding ledger
// call per position/order identity. Acquisition is a single check-and-set
// under the mutex; a plain check-then-set would race between concurrently
// dispatched ticks.
type InFlight struct {
	mu  sync.Mutex
	ids map[string]bool
}

// NewInFlight creates an empty guard set.
func NewInFlight() *InFlight {
	return &InFlight{ids: make(map[string]bool)}
}

// TryAcquire marks the identity in flight. It returns false when the
// identity is already marked, in which case the caller must not dispatch.
func (f *InFlight) TryAcquire(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ids[id] {
		return false
	}
	f.ids[id] = true
	return true
}

// Release clears the mark so the next tick may re-evaluate the identity.
// Safe to call for ids that were never acquired.
func (f *InFlight) Release(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, id)
}

// Has reports whether the identity is currently in flight.
func (f *InFlight) Has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[id]
}

// Snapshot returns the set of in-flight ids. The reconciler uses it to keep
// those entities untouched during a wholesale book replace.
func (f *InFlight) Snapshot() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.ids))
	for id := range f.ids {
		out[id] = true
	}
	return out
}
