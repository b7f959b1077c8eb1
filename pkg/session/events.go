package session

import (
	"time"

	"github.com/teslashibe/go-livevoice/pkg/transcript"
)

// Status is the lifecycle state reported to observers.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	// StatusError is only ever carried by error events; the controller
	// itself settles in StatusIdle.
	StatusError Status = "error"
)

// EventType distinguishes observer events.
type EventType string

const (
	EventStatus  EventType = "status"
	EventMessage EventType = "message"
	EventError   EventType = "error"
)

// Event is delivered to listeners on every status change, transcript
// message and user-visible error.
type Event struct {
	Type      EventType           `json:"type"`
	Status    Status              `json:"status,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	Message   *transcript.Message `json:"message,omitempty"`
	Error     string              `json:"error,omitempty"`
	Time      time.Time           `json:"time"`
}

// Listener receives events. It is called synchronously and must not block
// or call back into the controller.
type Listener func(Event)

// Info is a snapshot of the controller.
type Info struct {
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}
