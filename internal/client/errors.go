package client

import (
	"context"
	"errors"
)

// Errors returned by server calls. Check them with errors.Is:
//
//	if errors.Is(err, client.ErrUnauthorized) {
//	    // token was rejected and reported to the TokenProvider
//	}
var (
	// ErrUnauthorized is returned when the server rejects the auth token (401/403).
	ErrUnauthorized = errors.New("token rejected by server")

	// ErrServerStatus is returned for any other non-2xx response.
	ErrServerStatus = errors.New("unexpected server status")

	// ErrMalformedPayload is returned when a response body cannot be decoded.
	ErrMalformedPayload = errors.New("malformed server payload")
)

// IsRetryable returns true if the error is transient: network failures,
// timeouts, rejected tokens (a new one may be issued) and server errors.
// Malformed payloads are not retried immediately; the previous state is kept
// until the next scheduled refresh.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformedPayload) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Everything else is a status or transport failure.
	return true
}
