// Package live is a narrow client for a bidirectional, real-time voice
// conversation with a remote model. A session only needs to send media
// frames and be closed; everything the remote side produces arrives through
// Callbacks.
package live

import (
	"context"
	"time"
)

const (
	// DefaultModel is the native-audio model used when none is configured.
	DefaultModel = "models/gemini-2.5-flash-native-audio-preview-09-2025"

	// DefaultVoice is the prebuilt voice used when none is configured.
	DefaultVoice = "Kore"

	// InputMimeType labels outbound microphone frames.
	InputMimeType = "audio/pcm;rate=16000"
)

// Config describes one conversation.
type Config struct {
	// Model is the fully qualified model name ("models/...").
	Model string `mapstructure:"model" json:"model"`

	// Voice is the prebuilt voice for synthesized speech.
	Voice string `mapstructure:"voice" json:"voice"`

	// SystemInstruction primes the assistant's persona.
	SystemInstruction string `mapstructure:"system_instruction" json:"system_instruction"`

	// InputTranscription enables transcripts of the user's speech.
	InputTranscription bool `mapstructure:"input_transcription" json:"input_transcription"`

	// OutputTranscription enables transcripts of the assistant's speech.
	OutputTranscription bool `mapstructure:"output_transcription" json:"output_transcription"`
}

// DefaultConfig returns a config with audio responses and both
// transcriptions enabled.
func DefaultConfig() Config {
	return Config{
		Model:               DefaultModel,
		Voice:               DefaultVoice,
		InputTranscription:  true,
		OutputTranscription: true,
	}
}

// Callbacks receive events from a session. They are invoked one at a time
// from a single goroutine, and none is started once Close has been called.
type Callbacks struct {
	// OnOpen fires once the remote side has accepted the session setup.
	OnOpen func()
	// OnMessage fires for each server message after setup.
	OnMessage func(ServerMessage)
	// OnError fires when the connection fails. No further callbacks follow.
	OnError func(error)
	// OnClose fires when the remote side closes cleanly. No further
	// callbacks follow.
	OnClose func(reason string)
}

// Session is an open conversation.
type Session interface {
	// SendMedia sends one encoded media frame.
	SendMedia(ctx context.Context, blob Blob) error
	// Close ends the conversation. It is safe to call more than once.
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Connect(ctx context.Context, cfg Config, cb Callbacks) (Session, error)
}

// Blob is base64-encoded media with its MIME type.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// ServerMessage is one message from the remote service. Any combination of
// fields may be set.
type ServerMessage struct {
	SetupComplete *SetupComplete `json:"setupComplete,omitempty"`
	ServerContent *ServerContent `json:"serverContent,omitempty"`
	GoAway        *GoAway        `json:"goAway,omitempty"`
}

// SetupComplete acknowledges the setup message.
type SetupComplete struct{}

// GoAway warns that the server will close the connection soon.
type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// ServerContent carries model output and turn signals.
type ServerContent struct {
	ModelTurn           *Content       `json:"modelTurn,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
}

// Content is a list of parts produced by the model.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// Part is one piece of content.
type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Transcription is an incremental piece of transcribed speech.
type Transcription struct {
	Text string `json:"text"`
}

// Audio returns the inline audio of the first model part, if any.
func (m ServerMessage) Audio() (string, bool) {
	sc := m.ServerContent
	if sc == nil || sc.ModelTurn == nil || len(sc.ModelTurn.Parts) == 0 {
		return "", false
	}
	d := sc.ModelTurn.Parts[0].InlineData
	if d == nil || d.Data == "" {
		return "", false
	}
	return d.Data, true
}

// Interrupted reports whether the user barged in on the model's reply.
func (m ServerMessage) Interrupted() bool {
	return m.ServerContent != nil && m.ServerContent.Interrupted
}

// TurnComplete reports whether the model finished its turn.
func (m ServerMessage) TurnComplete() bool {
	return m.ServerContent != nil && m.ServerContent.TurnComplete
}

// InputText returns the user transcription fragment, if present.
func (m ServerMessage) InputText() (string, bool) {
	if m.ServerContent == nil || m.ServerContent.InputTranscription == nil {
		return "", false
	}
	return m.ServerContent.InputTranscription.Text, true
}

// OutputText returns the assistant transcription fragment, if present.
func (m ServerMessage) OutputText() (string, bool) {
	if m.ServerContent == nil || m.ServerContent.OutputTranscription == nil {
		return "", false
	}
	return m.ServerContent.OutputTranscription.Text, true
}

// Duration parses the GoAway grace period. It returns 0 when unknown.
func (g *GoAway) Duration() time.Duration {
	if g == nil {
		return 0
	}
	d, err := time.ParseDuration(g.TimeLeft)
	if err != nil {
		return 0
	}
	return d
}
