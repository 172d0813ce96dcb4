package device

import "errors"

// Sentinel errors for the device package; check with errors.Is.
var (
	// ErrDeviceNotFound is returned when a device ID is not configured.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when registering a duplicate device ID.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when a device entry cannot be built.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidCommand is returned for malformed or unsupported commands.
	ErrInvalidCommand = errors.New("device: invalid command")
)
