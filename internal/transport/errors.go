package transport

import "errors"

// Domain errors for the transport package.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when an operation requires a live handle.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrConnectionFailed is returned when a connect attempt fails.
	ErrConnectionFailed = errors.New("transport: connection failed")

	// ErrWriteFailed is returned when writing to the handle fails.
	ErrWriteFailed = errors.New("transport: write failed")

	// ErrClosed is returned when the connection has been permanently closed.
	ErrClosed = errors.New("transport: connection closed")

	// ErrQueueFull is returned when the send queue rejects a payload.
	ErrQueueFull = errors.New("transport: send queue full")

	// ErrInvalidPayload is returned when a command string cannot be encoded.
	ErrInvalidPayload = errors.New("transport: invalid payload")

	// ErrInvalidConfig is returned when a transport is configured incorrectly.
	ErrInvalidConfig = errors.New("transport: invalid configuration")

	// ErrUnsupported is returned for operations a transport cannot perform.
	ErrUnsupported = errors.New("transport: operation not supported")
)
