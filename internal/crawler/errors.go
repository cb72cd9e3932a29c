package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound means the resource does not exist or was removed.
	ErrNotFound = errors.New("resource not found")
	// ErrUnavailable means the site refused to serve the resource: blocked,
	// throttled, private or otherwise unplayable.
	ErrUnavailable = errors.New("resource unavailable")
	// ErrRequestFailed covers every other fetch or parse failure.
	ErrRequestFailed = errors.New("request failed")
)

// StatusError reports a non-2xx response. It unwraps to one of the
// taxonomy errors.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.Code)
}

// Unwrap maps the status code onto the error taxonomy.
func (e *StatusError) Unwrap() error {
	return ClassifyStatus(e.Code)
}

// ClassifyStatus maps an HTTP status onto the error taxonomy. It returns nil
// below 400.
func ClassifyStatus(code int) error {
	switch {
	case code < http.StatusBadRequest:
		return nil
	case code == http.StatusNotFound, code == http.StatusGone:
		return ErrNotFound
	case code == http.StatusForbidden,
		code == http.StatusTooManyRequests,
		code == http.StatusUnavailableForLegalReasons,
		code == http.StatusServiceUnavailable:
		return ErrUnavailable
	default:
		return ErrRequestFailed
	}
}
