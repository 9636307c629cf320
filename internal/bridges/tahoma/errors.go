package tahoma

import "errors"

// Domain errors for the TaHoma bridge package.
var (
	// ErrInvalidRequest is returned when a request payload cannot be parsed.
	ErrInvalidRequest = errors.New("tahoma: invalid request")

	// ErrUnknownAction is returned for a request action the bridge does not handle.
	ErrUnknownAction = errors.New("tahoma: unknown action")

	// ErrInvalidParameters is returned when request parameters are missing or malformed.
	ErrInvalidParameters = errors.New("tahoma: invalid parameters")
)
