package audioio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResample(t *testing.T) {
	ramp := func(n, step int) []int16 {
		s := make([]int16, n)
		for i := range s {
			s[i] = int16(i * step)
		}
		return s
	}

	tests := []struct {
		name    string
		in      []int16
		from    int
		to      int
		wantLen int
	}{
		{"same rate", []int16{100, 200, 300, 400, 500}, 24000, 24000, 5},
		{"downsample 2:1", ramp(960, 1), 48000, 24000, 480},
		{"mic to speaker", ramp(320, 100), 16000, 24000, 480},
		{"nil input", nil, 24000, 48000, 0},
		{"empty input", []int16{}, 24000, 48000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, Resample(tt.in, tt.from, tt.to), tt.wantLen)
		})
	}
}

func TestResample_Interpolates(t *testing.T) {
	out := Resample([]int16{0, 100, 200, 300}, 24000, 48000)
	require.Len(t, out, 8)
	assert.Equal(t, int16(0), out[0])
	assert.Equal(t, int16(50), out[1])
	assert.Equal(t, int16(100), out[2])
	// The last input sample is held past the end.
	assert.Equal(t, int16(300), out[7])
}

func TestMonoToStereo(t *testing.T) {
	assert.Equal(t, []int16{100, 100, 200, 200, 300, 300}, MonoToStereo([]int16{100, 200, 300}))
}

func TestDeviceSamples(t *testing.T) {
	buf := &Buffer{SampleRate: 24000, Channels: [][]float32{{0, 0.5, -0.5, 0}}}

	t.Run("matching device", func(t *testing.T) {
		out := DeviceSamples(buf, Config{SampleRate: 24000, Channels: 1})
		assert.Equal(t, []int16{0, 16384, -16384, 0}, out)
	})

	t.Run("stereo 48k device", func(t *testing.T) {
		out := DeviceSamples(buf, Config{SampleRate: 48000, Channels: 2})
		require.Len(t, out, 16)
		for i := 0; i < len(out); i += 2 {
			assert.Equal(t, out[i], out[i+1], "frame %d", i/2)
		}
	})

	t.Run("multichannel passthrough", func(t *testing.T) {
		st := &Buffer{SampleRate: 24000, Channels: [][]float32{{0.5}, {-0.5}}}
		out := DeviceSamples(st, Config{SampleRate: 48000, Channels: 2})
		assert.Equal(t, []int16{16384, -16384}, out)
	})
}

func TestRMS(t *testing.T) {
	assert.Zero(t, RMS(nil))
	assert.Zero(t, RMS(make([]float32, 64)))
	assert.InDelta(t, 0.5, RMS([]float32{0.5, -0.5, 0.5, -0.5}), 1e-9)

	sine := make([]float32, 1600)
	for i := range sine {
		sine[i] = float32(math.Sin(2 * math.Pi * float64(i) / 160))
	}
	assert.InDelta(t, 1/math.Sqrt2, RMS(sine), 1e-3)
}

func BenchmarkResample_MicToSpeaker(b *testing.B) {
	samples := make([]int16, DefaultFramesPerBuffer)
	for i := range samples {
		samples[i] = int16(i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Resample(samples, InputSampleRate, OutputSampleRate)
	}
}
