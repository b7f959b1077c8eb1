package audioio

import (
	"context"
	"io"
	"time"
)

// Frame is one capture tick: interleaved floating-point samples nominally
// in [-1, 1].
type Frame struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (f Frame) Frames() int {
	if f.Channels == 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the duration of this frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.Frames()) * time.Second / time.Duration(f.SampleRate)
}

// PCM16 returns the frame as little-endian signed 16-bit PCM.
func (f Frame) PCM16() []byte {
	return FloatToPCM16(f.Samples)
}

// Source captures audio from a microphone or other input device.
type Source interface {
	// Start acquires the device and begins capture. Capture stops when
	// ctx is cancelled.
	Start(ctx context.Context) error

	// Stop halts capture and closes the stream channel.
	// It is safe to call Stop multiple times.
	Stop() error

	// Read reads the next frame, blocking if necessary.
	// Returns io.EOF when the source is stopped.
	Read(ctx context.Context) (Frame, error)

	// Stream returns a channel that receives frames.
	// The channel is closed when the source is stopped.
	Stream() <-chan Frame

	// Config returns the current audio configuration.
	Config() Config

	// Name returns the backend name (e.g., "portaudio", "mock").
	Name() string

	// Close releases all resources.
	// After Close, the source cannot be restarted.
	io.Closer
}

// SourceStats contains statistics about the audio source.
type SourceStats struct {
	// FramesRead is the total number of capture ticks delivered.
	FramesRead int64 `json:"frames_read"`

	// SamplesRead is the total number of samples read.
	SamplesRead int64 `json:"samples_read"`

	// Overruns is the number of ticks dropped because nobody was reading.
	Overruns int64 `json:"overruns"`

	// Running indicates if the source is currently capturing.
	Running bool `json:"running"`

	// Backend is the name of the audio backend.
	Backend string `json:"backend"`
}

// SourceWithStats extends Source with statistics.
type SourceWithStats interface {
	Source
	Stats() SourceStats
}
