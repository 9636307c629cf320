package gateway

import "errors"

// Gateway failure kinds. Clients wrap these so callers can use errors.Is.
var (
	// ErrBadCredentials is returned when the username or password is rejected.
	ErrBadCredentials = errors.New("gateway: bad credentials")

	// ErrTooManyRequests is returned when the gateway rate limits the session.
	ErrTooManyRequests = errors.New("gateway: too many requests")

	// ErrNotAuthenticated is returned when the session has expired.
	ErrNotAuthenticated = errors.New("gateway: not authenticated")

	// ErrDisconnected is returned when the gateway dropped the connection.
	ErrDisconnected = errors.New("gateway: disconnected")

	// ErrInvalidCommand is returned for a malformed Command.
	ErrInvalidCommand = errors.New("gateway: invalid command")

	// ErrUnknownDevice is returned when a command targets a device the
	// gateway does not know.
	ErrUnknownDevice = errors.New("gateway: unknown device")
)

// ErrorClass groups gateway failures by how the coordinator reacts to them.
type ErrorClass int

// Error classes.
const (
	// ClassNone means no error.
	ClassNone ErrorClass = iota

	// ClassBadCredentials is fatal; the user must re-authenticate.
	ClassBadCredentials

	// ClassTooManyRequests is fatal for the current cycle.
	ClassTooManyRequests

	// ClassRecoverable triggers re-login and a full resync.
	ClassRecoverable

	// ClassOther is any other failure.
	ClassOther
)

// String returns the class name used in logs and metrics.
func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassBadCredentials:
		return "bad_credentials"
	case ClassTooManyRequests:
		return "too_many_requests"
	case ClassRecoverable:
		return "recoverable"
	default:
		return "other"
	}
}

// Classify maps an error returned by a Client to its ErrorClass.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrBadCredentials):
		return ClassBadCredentials
	case errors.Is(err, ErrTooManyRequests):
		return ClassTooManyRequests
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrDisconnected):
		return ClassRecoverable
	default:
		return ClassOther
	}
}
