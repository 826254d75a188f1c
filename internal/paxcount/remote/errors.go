package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is a 401 from any endpoint. Callers must drop the
	// cached token before the next request.
	ErrUnauthorized = errors.New("server rejected credentials")

	// ErrTransport covers timeouts, refused connections and unexpected
	// status codes. State is left unchanged and the call retried later.
	ErrTransport = errors.New("server transport failure")

	// ErrMalformedResponse is a response body that could not be decoded.
	// It is a transport failure.
	ErrMalformedResponse = fmt.Errorf("malformed server response: %w", ErrTransport)
)

// StatusError reports an unexpected HTTP status. It unwraps to ErrTransport.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Endpoint, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrTransport }
