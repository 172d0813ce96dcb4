package bridge

import "errors"

// Domain errors for bridge operations.
var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("bridge: already started")

	// ErrStopped is returned when Start is called after Stop.
	ErrStopped = errors.New("bridge: stopped")
)
