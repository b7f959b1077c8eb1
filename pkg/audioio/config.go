// Package audioio provides microphone capture, speaker playback and the PCM
// helpers shared by both directions of a voice session.
//
// This package supports multiple backends:
//   - PortAudio - real devices (build with -tags portaudio)
//   - WAV - playback written to a file, for headless hosts
//   - Mock - CI/Testing without hardware
//
// The backend is selected automatically based on build tags,
// or can be explicitly specified via configuration.
package audioio

import (
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto selects PortAudio when compiled in, otherwise the mock.
	BackendAuto Backend = "auto"
	// BackendPortAudio uses PortAudio for cross-platform audio I/O.
	BackendPortAudio Backend = "portaudio"
	// BackendWAV writes playback to a WAV file. Sink only.
	BackendWAV Backend = "wav"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// Capture and playback formats expected by the Gemini Live service.
const (
	InputSampleRate        = 16000
	OutputSampleRate       = 24000
	DefaultFramesPerBuffer = 4096
)

// Config holds audio configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	// Default: "auto"
	Backend Backend `mapstructure:"backend" json:"backend"`

	// SampleRate is the audio sample rate in Hz.
	SampleRate int `mapstructure:"sample_rate" json:"sample_rate"`

	// Channels is the number of audio channels.
	// Default: 1 (mono)
	Channels int `mapstructure:"channels" json:"channels"`

	// FramesPerBuffer is the number of frames delivered per capture tick.
	// Default: 4096
	FramesPerBuffer int `mapstructure:"frames_per_buffer" json:"frames_per_buffer"`

	// Device is a backend-specific device name. Empty selects the default
	// device. For the WAV backend it is the output file path.
	Device string `mapstructure:"device" json:"device"`
}

// DefaultInputConfig returns the microphone configuration: 16kHz mono,
// 4096 frames per tick.
func DefaultInputConfig() Config {
	return Config{
		Backend:         BackendAuto,
		SampleRate:      InputSampleRate,
		Channels:        1,
		FramesPerBuffer: DefaultFramesPerBuffer,
	}
}

// DefaultOutputConfig returns the speaker configuration: 24kHz mono.
func DefaultOutputConfig() Config {
	return Config{
		Backend:         BackendAuto,
		SampleRate:      OutputSampleRate,
		Channels:        1,
		FramesPerBuffer: 1024,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.FramesPerBuffer <= 0 {
		return fmt.Errorf("frames_per_buffer must be positive, got %d", c.FramesPerBuffer)
	}
	return nil
}

// BufferDuration returns the wall-clock length of one buffer.
func (c *Config) BufferDuration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.FramesPerBuffer) * time.Second / time.Duration(c.SampleRate)
}

// BufferSamples returns the number of interleaved samples per buffer.
func (c *Config) BufferSamples() int {
	return c.FramesPerBuffer * c.Channels
}
