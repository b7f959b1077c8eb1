package playback

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-livevoice/pkg/audioio"
)

// fakeContext is a manually advanced clock that records every start.
type fakeContext struct {
	mu      sync.Mutex
	now     float64
	handles []*fakeHandle
}

type fakeHandle struct {
	at      float64
	buf     *audioio.Buffer
	onEnded func()
	stopped bool
}

func (h *fakeHandle) Stop() { h.stopped = true }

func (f *fakeContext) CurrentTime() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeContext) SampleRate() int { return audioio.OutputSampleRate }

func (f *fakeContext) Start(buf *audioio.Buffer, at float64, onEnded func()) Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &fakeHandle{at: at, buf: buf, onEnded: onEnded}
	f.handles = append(f.handles, h)
	return h
}

func (f *fakeContext) Close() error { return nil }

func (f *fakeContext) setTime(t float64) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// finish fires the natural-completion callback of the i-th started chunk.
func (f *fakeContext) finish(i int) {
	f.mu.Lock()
	h := f.handles[i]
	f.mu.Unlock()
	h.onEnded()
}

// chunk returns a silent mono buffer of the given length in seconds.
func chunk(seconds float64) *audioio.Buffer {
	frames := int(seconds * audioio.OutputSampleRate)
	return &audioio.Buffer{
		SampleRate: audioio.OutputSampleRate,
		Channels:   [][]float32{make([]float32, frames)},
	}
}

func TestScheduler_BackToBack(t *testing.T) {
	ctx := &fakeContext{}
	s := NewScheduler(ctx, nil)

	a := s.Schedule(chunk(1.0))
	assert.Equal(t, 0.0, a.Start)
	assert.InDelta(t, 1.0, s.NextStartTime(), 1e-9)

	ctx.setTime(0.2)
	b := s.Schedule(chunk(1.0))
	assert.InDelta(t, 1.0, b.Start, 1e-9)
	assert.InDelta(t, 2.0, s.NextStartTime(), 1e-9)

	assert.Equal(t, 2, s.Live())
	require.Len(t, ctx.handles, 2)
	assert.InDelta(t, 1.0, ctx.handles[1].at, 1e-9)
}

func TestScheduler_FellBehind(t *testing.T) {
	ctx := &fakeContext{}
	s := NewScheduler(ctx, nil)

	s.Schedule(chunk(0.5))
	ctx.setTime(3.0)

	got := s.Schedule(chunk(0.25))
	assert.Equal(t, 3.0, got.Start, "never schedules in the past")
	assert.InDelta(t, 3.25, s.NextStartTime(), 1e-9)
}

func TestScheduler_MonotonicNoOverlap(t *testing.T) {
	ctx := &fakeContext{}
	s := NewScheduler(ctx, nil)

	durations := []float64{0.1, 0.5, 0.02, 1.2, 0.3, 0.7}
	clock := []float64{0, 0.05, 0.2, 0.3, 2.5, 2.6}

	var prev Scheduled
	prevNext := s.NextStartTime()
	for i, d := range durations {
		ctx.setTime(clock[i])
		got := s.Schedule(chunk(d))

		assert.GreaterOrEqual(t, s.NextStartTime(), prevNext, "cursor moved backwards at %d", i)
		if i > 0 {
			assert.GreaterOrEqual(t, got.Start, prev.End-1e-9, "chunk %d overlaps chunk %d", i, i-1)
		}
		assert.InDelta(t, got.Start+d, got.End, 1e-3)

		prev = got
		prevNext = s.NextStartTime()
	}
}

func TestScheduler_NaturalCompletionRemovesHandle(t *testing.T) {
	ctx := &fakeContext{}
	s := NewScheduler(ctx, nil)

	s.Schedule(chunk(1.0))
	s.Schedule(chunk(1.0))
	require.Equal(t, 2, s.Live())

	ctx.finish(0)
	assert.Equal(t, 1, s.Live())
	assert.InDelta(t, 2.0, s.NextStartTime(), 1e-9, "completion does not move the cursor")

	ctx.finish(1)
	assert.Equal(t, 0, s.Live())
}

func TestScheduler_Interrupt(t *testing.T) {
	ctx := &fakeContext{}
	s := NewScheduler(ctx, nil)

	s.Schedule(chunk(1.0))
	ctx.setTime(0.2)
	s.Schedule(chunk(1.0))
	ctx.setTime(0.5)

	stopped := s.Interrupt()
	assert.Equal(t, 2, stopped)
	assert.Equal(t, 0, s.Live())
	assert.Equal(t, 0.0, s.NextStartTime())
	for i, h := range ctx.handles {
		assert.True(t, h.stopped, "handle %d not stopped", i)
	}

	// A late completion from a stopped chunk is harmless.
	ctx.finish(0)
	assert.Equal(t, 0, s.Live())

	// Scheduling resumes from the current clock.
	got := s.Schedule(chunk(0.5))
	assert.Equal(t, 0.5, got.Start)
	assert.Equal(t, 1, s.Live())
}

func TestScheduler_InterruptWhenIdle(t *testing.T) {
	s := NewScheduler(&fakeContext{}, nil)
	assert.Equal(t, 0, s.Interrupt())
	s.Reset()
	assert.Equal(t, 0.0, s.NextStartTime())
}
