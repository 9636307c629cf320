package coordinator

import (
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-tahoma/internal/gateway"
)

// Update failure reasons.
const (
	// ReasonInvalidAuth means the gateway rejected the credentials.
	ReasonInvalidAuth = "invalid_auth"

	// ReasonTooManyRequests means the gateway rate limited the session.
	ReasonTooManyRequests = "too_many_requests"

	// ReasonUpdateFailed covers every other failure.
	ReasonUpdateFailed = "update_failed"
)

var (
	// ErrNotSetUp is returned when a cycle is requested before Setup succeeded.
	ErrNotSetUp = errors.New("coordinator: not set up")

	// ErrInvalidInterval is returned for poll intervals outside
	// [FastInterval, MaxInterval].
	ErrInvalidInterval = errors.New("coordinator: invalid poll interval")
)

// UpdateFailedError is returned by a cycle that could not be committed.
// The committed state is unchanged when this error is returned.
type UpdateFailedError struct {
	Reason string
	Err    error
}

// Error implements error.
func (e *UpdateFailedError) Error() string {
	return fmt.Sprintf("update failed (%s): %v", e.Reason, e.Err)
}

// Unwrap returns the underlying error.
func (e *UpdateFailedError) Unwrap() error {
	return e.Err
}

// reasonFor maps a gateway error to an update failure reason.
func reasonFor(err error) string {
	switch gateway.Classify(err) {
	case gateway.ClassBadCredentials:
		return ReasonInvalidAuth
	case gateway.ClassTooManyRequests:
		return ReasonTooManyRequests
	default:
		return ReasonUpdateFailed
	}
}
