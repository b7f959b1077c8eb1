//go:build portaudio

package audioio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

const portAudioAvailable = true

var (
	paMu   sync.Mutex
	paRefs int
)

// acquirePortAudio initializes the library on first use.
func acquirePortAudio() error {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio init: %w", err)
		}
	}
	paRefs++
	return nil
}

func releasePortAudio() {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		return
	}
	paRefs--
	if paRefs == 0 {
		portaudio.Terminate()
	}
}

// openStream opens a stream on the named device, or the default device when
// name is empty. Exactly one of in/out is non-nil.
func openStream(cfg Config, in []float32, out []int16) (*portaudio.Stream, error) {
	if cfg.Device == "" {
		if in != nil {
			return portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), cfg.FramesPerBuffer, in)
		}
		return portaudio.OpenDefaultStream(0, cfg.Channels, float64(cfg.SampleRate), cfg.FramesPerBuffer, out)
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		if d.Name != cfg.Device {
			continue
		}
		if in != nil {
			p := portaudio.LowLatencyParameters(d, nil)
			p.Input.Channels = cfg.Channels
			p.SampleRate = float64(cfg.SampleRate)
			p.FramesPerBuffer = cfg.FramesPerBuffer
			return portaudio.OpenStream(p, in)
		}
		p := portaudio.LowLatencyParameters(nil, d)
		p.Output.Channels = cfg.Channels
		p.SampleRate = float64(cfg.SampleRate)
		p.FramesPerBuffer = cfg.FramesPerBuffer
		return portaudio.OpenStream(p, out)
	}
	return nil, fmt.Errorf("audio device %q not found", cfg.Device)
}

// PortAudioSource captures from a microphone through PortAudio.
type PortAudioSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	stream   *portaudio.Stream
	buf      []float32
	streamCh chan Frame
	loop     *capture

	framesRead  atomic.Int64
	samplesRead atomic.Int64
	overruns    atomic.Int64
}

func newPortAudioSource(cfg Config, logger *slog.Logger) (Source, error) {
	return &PortAudioSource{
		cfg:      cfg,
		logger:   logger,
		streamCh: make(chan Frame, 10),
	}, nil
}

// Start opens the capture device and begins reading.
func (s *PortAudioSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	if err := acquirePortAudio(); err != nil {
		return err
	}

	s.buf = make([]float32, s.cfg.BufferSamples())
	stream, err := openStream(s.cfg, s.buf, nil)
	if err != nil {
		releasePortAudio()
		return fmt.Errorf("open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		releasePortAudio()
		return fmt.Errorf("start capture stream: %w", err)
	}

	s.stream = stream
	s.running = true
	streamCh := make(chan Frame, 10)
	s.streamCh = streamCh
	s.loop = startCapture(ctx,
		func() error { return s.readFrame(stream, streamCh) },
		func(cancelled bool) {
			close(streamCh)
			if cancelled {
				go s.Stop()
			}
		})

	s.logger.Info("portaudio source started",
		"device", s.cfg.Device,
		"sample_rate", s.cfg.SampleRate,
	)
	return nil
}

// readFrame reads one buffer and forwards it, dropping it when the
// consumer is behind. Overflows are counted, not fatal.
func (s *PortAudioSource) readFrame(stream *portaudio.Stream, streamCh chan Frame) error {
	if err := stream.Read(); err != nil {
		if err == portaudio.InputOverflowed {
			s.overruns.Add(1)
			return nil
		}
		s.logger.Warn("portaudio read failed", "error", err)
		return err
	}

	frame := Frame{
		Samples:    append([]float32(nil), s.buf...),
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
	}
	select {
	case streamCh <- frame:
		s.framesRead.Add(1)
		s.samplesRead.Add(int64(len(frame.Samples)))
	default:
		s.overruns.Add(1)
		s.logger.Debug("portaudio source: buffer full, dropping frame")
	}
	return nil
}

// Stop halts capture and releases the device.
func (s *PortAudioSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stream, loop := s.stream, s.loop
	s.stream, s.loop = nil, nil
	s.mu.Unlock()

	err := loop.halt(func() error {
		err := stream.Stop()
		stream.Close()
		releasePortAudio()
		return err
	})

	s.logger.Info("portaudio source stopped")
	return err
}

// Read reads the next frame.
func (s *PortAudioSource) Read(ctx context.Context) (Frame, error) {
	ch := s.Stream()
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case frame, ok := <-ch:
		if !ok {
			return Frame{}, io.EOF
		}
		return frame, nil
	}
}

// Stream returns the frame channel.
func (s *PortAudioSource) Stream() <-chan Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamCh
}

// Config returns the audio configuration.
func (s *PortAudioSource) Config() Config { return s.cfg }

// Name returns "portaudio".
func (s *PortAudioSource) Name() string { return "portaudio" }

// Close releases resources.
func (s *PortAudioSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

// Stats returns source statistics.
func (s *PortAudioSource) Stats() SourceStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return SourceStats{
		FramesRead:  s.framesRead.Load(),
		SamplesRead: s.samplesRead.Load(),
		Overruns:    s.overruns.Load(),
		Running:     running,
		Backend:     "portaudio",
	}
}

var _ SourceWithStats = (*PortAudioSource)(nil)

// PortAudioSink plays audio through PortAudio. Written buffers are queued
// and drained by a single writer goroutine.
type PortAudioSink struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	stream  *portaudio.Stream
	out     []int16
	pump    *writePump
	stopCh  chan struct{}
	done    chan struct{}

	buffersWritten atomic.Int64
	samplesWritten atomic.Int64
}

func newPortAudioSink(cfg Config, logger *slog.Logger) (Sink, error) {
	return &PortAudioSink{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Start opens the playback device.
func (s *PortAudioSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	if err := acquirePortAudio(); err != nil {
		return err
	}

	s.out = make([]int16, s.cfg.BufferSamples())
	stream, err := openStream(s.cfg, nil, s.out)
	if err != nil {
		releasePortAudio()
		return fmt.Errorf("open playback stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		releasePortAudio()
		return fmt.Errorf("start playback stream: %w", err)
	}

	s.stream = stream
	s.running = true
	s.pump = newWritePump(64)
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})

	go s.writeLoop(stream, s.pump, s.stopCh, s.done)

	s.logger.Info("portaudio sink started", "device", s.cfg.Device, "sample_rate", s.cfg.SampleRate)
	return nil
}

func (s *PortAudioSink) writeLoop(stream *portaudio.Stream, pump *writePump, stopCh chan struct{}, done chan struct{}) {
	defer close(done)

	pump.run(stopCh, s.out, func() error {
		err := stream.Write()
		if err == portaudio.OutputUnderflowed {
			return nil
		}
		if err != nil {
			s.logger.Warn("portaudio write failed", "error", err)
		}
		return err
	})
}

// Write queues a buffer for playback.
func (s *PortAudioSink) Write(ctx context.Context, buf *Buffer) error {
	s.mu.Lock()
	if s.closed || !s.running {
		s.mu.Unlock()
		return io.ErrClosedPipe
	}
	pump := s.pump
	s.mu.Unlock()

	samples := DeviceSamples(buf, s.cfg)
	if err := pump.enqueue(ctx, samples); err != nil {
		return err
	}
	s.buffersWritten.Add(1)
	s.samplesWritten.Add(int64(len(samples)))
	return nil
}

// Clear drops everything queued and cuts the chunk being played at the
// next device buffer.
func (s *PortAudioSink) Clear() error {
	s.mu.Lock()
	pump := s.pump
	s.mu.Unlock()
	if pump != nil {
		pump.clear()
	}
	return nil
}

// Stop halts playback and releases the device.
func (s *PortAudioSink) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	stream, done := s.stream, s.done
	s.stream = nil
	s.mu.Unlock()

	<-done
	err := stream.Stop()
	stream.Close()
	releasePortAudio()

	s.logger.Info("portaudio sink stopped")
	return err
}

// Config returns the audio configuration.
func (s *PortAudioSink) Config() Config { return s.cfg }

// Name returns "portaudio".
func (s *PortAudioSink) Name() string { return "portaudio" }

// Close releases resources.
func (s *PortAudioSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

// Stats returns sink statistics.
func (s *PortAudioSink) Stats() SinkStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return SinkStats{
		BuffersWritten: s.buffersWritten.Load(),
		SamplesWritten: s.samplesWritten.Load(),
		Running:        running,
		Backend:        "portaudio",
	}
}

var _ SinkWithStats = (*PortAudioSink)(nil)
