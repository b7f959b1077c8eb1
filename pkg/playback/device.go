package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-livevoice/pkg/audioio"
)

// DeviceContext is a real-time Context backed by an audioio.Sink. Its clock
// is the monotonic time since the context was opened. Each started chunk
// waits for its start time, is written to the sink, and reports completion
// once its duration has elapsed.
type DeviceContext struct {
	sink   audioio.Sink
	logger *slog.Logger
	origin time.Time

	mu      sync.Mutex
	closed  bool
	pending map[*deviceHandle]struct{}
	wg      sync.WaitGroup
}

// OpenDevice starts sink and returns a context whose clock begins now.
func OpenDevice(ctx context.Context, sink audioio.Sink, logger *slog.Logger) (*DeviceContext, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := sink.Start(ctx); err != nil {
		return nil, fmt.Errorf("start %s sink: %w", sink.Name(), err)
	}
	return &DeviceContext{
		sink:    sink,
		logger:  logger,
		origin:  time.Now(),
		pending: make(map[*deviceHandle]struct{}),
	}, nil
}

// CurrentTime returns seconds since the context was opened.
func (d *DeviceContext) CurrentTime() float64 {
	return time.Since(d.origin).Seconds()
}

// SampleRate returns the sink's rate.
func (d *DeviceContext) SampleRate() int {
	return d.sink.Config().SampleRate
}

type deviceHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (h *deviceHandle) Stop() { h.cancel() }

type noopHandle struct{}

func (noopHandle) Stop() {}

// Start schedules buf at the given clock time.
func (d *DeviceContext) Start(buf *audioio.Buffer, at float64, onEnded func()) Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return noopHandle{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &deviceHandle{ctx: ctx, cancel: cancel}
	d.pending[h] = struct{}{}

	d.wg.Add(1)
	go d.play(h, buf, at, onEnded)
	return h
}

func (d *DeviceContext) play(h *deviceHandle, buf *audioio.Buffer, at float64, onEnded func()) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.pending, h)
		d.mu.Unlock()
		h.cancel()
	}()

	if !d.sleepUntil(h.ctx, at) {
		return
	}

	if err := d.sink.Write(h.ctx, buf); err != nil {
		if h.ctx.Err() == nil {
			d.logger.Warn("playback write failed", "error", err)
		}
		return
	}

	if !d.sleepUntil(h.ctx, at+buf.Duration()) {
		// Stopped mid-chunk: drop whatever the device still holds.
		if err := d.sink.Clear(); err != nil {
			d.logger.Warn("playback clear failed", "error", err)
		}
		return
	}

	if onEnded != nil {
		onEnded()
	}
}

// sleepUntil waits for the clock to reach t. It returns false if ctx ends first.
func (d *DeviceContext) sleepUntil(ctx context.Context, t float64) bool {
	wait := time.Duration((t - d.CurrentTime()) * float64(time.Second))
	if wait <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Close stops all pending chunks, waits for them, and closes the sink.
func (d *DeviceContext) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for h := range d.pending {
		h.cancel()
	}
	d.mu.Unlock()

	d.wg.Wait()
	return d.sink.Close()
}

var _ Context = (*DeviceContext)(nil)
