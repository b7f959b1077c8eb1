package audioio

import "fmt"

// Buffer is a decoded, playable chunk of audio: one float32 plane per
// channel, all planes the same length.
type Buffer struct {
	SampleRate int
	Channels   [][]float32
}

// Reconstruct interprets data as interleaved little-endian int16 frames at
// the given rate and channel count and returns a playable Buffer. The whole
// input is one chunk; an incomplete trailing frame is ignored.
func Reconstruct(data []byte, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audioio: sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("audioio: channel count must be positive, got %d", channels)
	}

	samples := BytesToSamples(data)
	frames := len(samples) / channels

	buf := &Buffer{
		SampleRate: sampleRate,
		Channels:   make([][]float32, channels),
	}
	for ch := 0; ch < channels; ch++ {
		plane := make([]float32, frames)
		for i := 0; i < frames; i++ {
			plane[i] = float32(samples[i*channels+ch]) / 32768.0
		}
		buf.Channels[ch] = plane
	}
	return buf, nil
}

// Frames returns the number of sample frames in the buffer.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// NumChannels returns the number of planes.
func (b *Buffer) NumChannels() int {
	if b == nil {
		return 0
	}
	return len(b.Channels)
}

// Duration returns the playback length in seconds.
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate == 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// Interleaved returns the buffer as interleaved int16 samples for devices.
// It inverts Reconstruct exactly; values outside [-1, 1) are clamped.
func (b *Buffer) Interleaved() []int16 {
	n := b.NumChannels()
	frames := b.Frames()
	out := make([]int16, frames*n)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < n; ch++ {
			v := b.Channels[ch][i] * 32768
			if v > 32767 {
				v = 32767
			} else if v < -32768 {
				v = -32768
			}
			out[i*n+ch] = int16(v)
		}
	}
	return out
}
