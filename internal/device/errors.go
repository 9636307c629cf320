package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // drop the event
//	}
var (
	// ErrDeviceNotFound is returned when a device ID is not in the cache.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidDevice is returned when a device has no identifier.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrCastFailed is returned when a raw state value cannot be converted
	// to its declared type.
	ErrCastFailed = errors.New("device: state cast failed")

	// ErrUnsupportedType is returned for declared types outside the cast table.
	ErrUnsupportedType = errors.New("device: unsupported data type")
)
