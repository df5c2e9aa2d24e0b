package domain

import "time"

// Tick is one price observation for a symbol at a point in time.
type Tick struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// Valid reports whether the tick carries usable data. Malformed or partial
// ticks are skipped by the router without taking any guard or mutating state.
func (t Tick) Valid() bool {
	return t.Symbol != "" && t.Price > 0
}
