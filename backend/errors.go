package backend

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuthRejected indicates the backend rejected the presented credential
	// (401). The session holding it is dead and must be discarded.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrForbidden indicates the caller is authenticated but not authorized
	// for the resource (403).
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound indicates the requested resource does not exist (404).
	ErrNotFound = errors.New("not found")
	// ErrUpstreamUnavailable indicates the backend origin is unreachable
	// (503). The session is preserved; the caller may retry later.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrServerError indicates an unexpected backend failure (5xx other
	// than 503). The session is preserved.
	ErrServerError = errors.New("server error")
	// ErrNetwork indicates a transport-level failure before any status code
	// was received. The session is preserved.
	ErrNetwork = errors.New("network error")
)

// Error is a classified failure from a backend call. It carries the HTTP
// status (0 for transport-level failures) and matches exactly one of the
// package sentinels via errors.Is.
type Error struct {
	StatusCode int
	Message    string
	kind       error
	cause      error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("backend: %s", e.Message)
	}
	return fmt.Sprintf("backend: %s (status %d)", e.Message, e.StatusCode)
}

func (e *Error) Is(target error) bool { return e.kind != nil && target == e.kind }

func (e *Error) Unwrap() error { return e.cause }

// classify maps an HTTP status to the error taxonomy. Statuses outside the
// taxonomy (400, 409, 422, ...) produce an Error with no sentinel kind; they
// surface to the caller for UI handling and never touch session state.
func classify(status int, message string) *Error {
	e := &Error{StatusCode: status, Message: message}
	switch {
	case status == http.StatusUnauthorized:
		e.kind = ErrAuthRejected
	case status == http.StatusForbidden:
		e.kind = ErrForbidden
	case status == http.StatusNotFound:
		e.kind = ErrNotFound
	case status == http.StatusServiceUnavailable:
		e.kind = ErrUpstreamUnavailable
	case status >= 500:
		e.kind = ErrServerError
	}
	return e
}

func networkError(err error) *Error {
	return &Error{Message: err.Error(), kind: ErrNetwork, cause: err}
}
