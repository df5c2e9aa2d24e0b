package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrStaleState          = errors.New("entity no longer in expected state")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInFlight            = errors.New("execution already in flight")
	ErrLockHeld            = errors.New("lock already held")
	ErrWSDisconnect        = errors.New("websocket disconnected")
)
