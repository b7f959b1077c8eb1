package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for the session package.
var (
	// ErrAlreadyActive indicates Start was called while a session exists.
	ErrAlreadyActive = errors.New("session: already active")

	// ErrStopped indicates the session was stopped before it finished starting.
	ErrStopped = errors.New("session: stopped during startup")
)

// User-visible messages.
const (
	StartupMessage = "Could not start the voice session. Check your microphone permissions."
	SessionMessage = "An error occurred during the voice session."
)

// StartupError means the microphone, the output device or the remote session
// could not be opened. The controller is back to idle.
type StartupError struct {
	// Message is suitable for showing to the user.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *StartupError) Error() string {
	return fmt.Sprintf("session: startup failed: %v", e.Cause)
}

// Unwrap returns the underlying cause.
func (e *StartupError) Unwrap() error {
	return e.Cause
}

// SessionError means the remote session failed mid-conversation. The
// session has been torn down.
type SessionError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	return fmt.Sprintf("session: remote error: %v", e.Cause)
}

// Unwrap returns the underlying cause.
func (e *SessionError) Unwrap() error {
	return e.Cause
}
