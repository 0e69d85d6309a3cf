package streetview

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass categorizes remote API failures for retry and session handling.
type ErrorClass string

const (
	// ErrorClassSession covers failed session creation. Nothing can proceed
	// without a session, so the batch run stops on this class.
	ErrorClassSession ErrorClass = "session"

	// ErrorClassAuth covers expired or invalid session tokens. The caller
	// should invalidate the cached session and retry once with a fresh one.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassNotFound means the remote has no panorama at this location.
	// Permanent for the point, never retried.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassTransient covers network failures, 5xx and 429 responses.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassTile covers bad tile responses: server error, empty body,
	// undecodable or wrong-sized image. Retried a bounded number of times.
	ErrorClassTile ErrorClass = "tile"
)

// APIError represents a street view API failure with its classification.
type APIError struct {
	Op         string // "create_session", "resolve_pano", "fetch_tile"
	Class      ErrorClass
	StatusCode int // 0 for network-level failures
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("streetview %s: %s error (status %d): %s: %v",
			e.Op, e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("streetview %s: %s error (status %d): %s",
		e.Op, e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// ClassOf returns the error class of err, or an empty class for errors that
// did not originate from the client.
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ""
}

// IsRetryable reports whether an error may succeed on a plain retry with the
// same session. Auth errors are not retryable here: they need a session
// refresh first, which is the caller's job.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ErrorClassTransient, ErrorClassTile:
		return true
	default:
		return false
	}
}

// IsAuth reports whether err indicates an expired or invalid session.
func IsAuth(err error) bool {
	return ClassOf(err) == ErrorClassAuth
}

// IsNotFound reports whether err means no panorama exists at the location.
func IsNotFound(err error) bool {
	return ClassOf(err) == ErrorClassNotFound
}

// IsSession reports whether err is a failed session creation.
func IsSession(err error) bool {
	return ClassOf(err) == ErrorClassSession
}
