// Package transcript collects the incremental transcription text streamed
// during a voice session and turns it into discrete chat messages at the end
// of each turn.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies the speaker of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one completed utterance. Messages are never modified once
// created.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Accumulator buffers partial user and assistant text for the current turn.
type Accumulator struct {
	mu        sync.Mutex
	user      strings.Builder
	assistant strings.Builder
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// AppendUser adds a fragment of the user's transcribed speech.
func (a *Accumulator) AppendUser(text string) {
	a.mu.Lock()
	a.user.WriteString(text)
	a.mu.Unlock()
}

// AppendAssistant adds a fragment of the assistant's transcribed speech.
func (a *Accumulator) AppendAssistant(text string) {
	a.mu.Lock()
	a.assistant.WriteString(text)
	a.mu.Unlock()
}

// Pending returns the text accumulated so far in the current turn.
func (a *Accumulator) Pending() (user, assistant string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user.String(), a.assistant.String()
}

// Flush ends the turn. If either side has text, it returns a user message
// followed by an assistant message (one of them may be empty). Both buffers
// are cleared in every case.
func (a *Accumulator) Flush(now time.Time) []Message {
	a.mu.Lock()
	user, assistant := a.user.String(), a.assistant.String()
	a.user.Reset()
	a.assistant.Reset()
	a.mu.Unlock()

	if user == "" && assistant == "" {
		return nil
	}
	return []Message{
		{ID: uuid.NewString(), Role: RoleUser, Text: user, Timestamp: now},
		{ID: uuid.NewString(), Role: RoleAssistant, Text: assistant, Timestamp: now},
	}
}

// Reset drops any pending text without emitting messages.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.user.Reset()
	a.assistant.Reset()
	a.mu.Unlock()
}
