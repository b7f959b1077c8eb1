package live

import (
	"errors"
	"fmt"
)

// Sentinel errors for the live package.
var (
	// ErrMissingCredentials indicates neither an API key nor application
	// default credentials are available.
	ErrMissingCredentials = errors.New("live: no API key or default credentials")

	// ErrNotConnected indicates the session was closed or never opened.
	ErrNotConnected = errors.New("live: not connected")

	// ErrSetupTimeout indicates the server never acknowledged the setup.
	ErrSetupTimeout = errors.New("live: setup not acknowledged")
)

// ConnectionError represents a failure to open or keep the WebSocket.
type ConnectionError struct {
	// Reason describes what failed.
	Reason string

	// StatusCode is the HTTP status of a rejected handshake, if any.
	StatusCode int

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	msg := "live: connection error: " + e.Reason
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether redialing may succeed.
func (e *ConnectionError) IsRetryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}
