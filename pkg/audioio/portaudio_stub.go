//go:build !portaudio

package audioio

import (
	"errors"
	"log/slog"
)

const portAudioAvailable = false

var errNoPortAudio = errors.New("audioio: built without portaudio (rebuild with -tags portaudio)")

// newPortAudioSource returns an error when PortAudio is not compiled in.
func newPortAudioSource(cfg Config, logger *slog.Logger) (Source, error) {
	return nil, errNoPortAudio
}

// newPortAudioSink returns an error when PortAudio is not compiled in.
func newPortAudioSink(cfg Config, logger *slog.Logger) (Sink, error) {
	return nil, errNoPortAudio
}
