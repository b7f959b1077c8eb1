package audioio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

const wavHeaderSize = 44

// WAVSink records playback to a 16-bit PCM WAV file instead of a speaker.
// The RIFF sizes are patched when the sink is closed.
type WAVSink struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	file    *os.File
	running bool
	closed  bool
	data    uint32

	buffersWritten atomic.Int64
	samplesWritten atomic.Int64
}

// NewWAVSink creates a sink writing to cfg.Device.
func NewWAVSink(cfg Config, logger *slog.Logger) (*WAVSink, error) {
	if cfg.Device == "" {
		return nil, errors.New("audioio: wav sink requires a file path in device")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WAVSink{cfg: cfg, logger: logger}, nil
}

// Start creates (or truncates) the output file and writes a header.
func (w *WAVSink) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return io.ErrClosedPipe
	}
	if w.running {
		return nil
	}

	f, err := os.Create(w.cfg.Device)
	if err != nil {
		return fmt.Errorf("create wav file: %w", err)
	}
	if err := writeWAVHeader(f, w.cfg.SampleRate, w.cfg.Channels, 0); err != nil {
		f.Close()
		return err
	}

	w.file = f
	w.running = true
	w.logger.Info("wav sink started", "path", w.cfg.Device)
	return nil
}

// Write appends the buffer's samples to the file.
func (w *WAVSink) Write(ctx context.Context, buf *Buffer) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || !w.running {
		return io.ErrClosedPipe
	}

	samples := DeviceSamples(buf, w.cfg)
	if err := binary.Write(w.file, binary.LittleEndian, samples); err != nil {
		return fmt.Errorf("write wav samples: %w", err)
	}
	w.data += uint32(len(samples) * 2)
	w.buffersWritten.Add(1)
	w.samplesWritten.Add(int64(len(samples)))
	return nil
}

// Clear is a no-op: audio already written to the file cannot be recalled.
func (w *WAVSink) Clear() error {
	return nil
}

// Stop patches the header and closes the file.
func (w *WAVSink) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		w.file.Close()
		return fmt.Errorf("seek wav header: %w", err)
	}
	if err := writeWAVHeader(w.file, w.cfg.SampleRate, w.cfg.Channels, w.data); err != nil {
		w.file.Close()
		return err
	}
	w.logger.Info("wav sink stopped", "path", w.cfg.Device, "bytes", w.data)
	return w.file.Close()
}

// Config returns the audio configuration.
func (w *WAVSink) Config() Config { return w.cfg }

// Name returns "wav".
func (w *WAVSink) Name() string { return "wav" }

// Close finalizes the file.
func (w *WAVSink) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.Stop()
}

// Stats returns sink statistics.
func (w *WAVSink) Stats() SinkStats {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()

	return SinkStats{
		BuffersWritten: w.buffersWritten.Load(),
		SamplesWritten: w.samplesWritten.Load(),
		Running:        running,
		Backend:        "wav",
	}
}

var _ SinkWithStats = (*WAVSink)(nil)

func writeWAVHeader(w io.Writer, sampleRate, channels int, dataSize uint32) error {
	header := struct {
		ChunkID       [4]byte
		ChunkSize     uint32
		Format        [4]byte
		Subchunk1ID   [4]byte
		Subchunk1Size uint32
		AudioFormat   uint16
		NumChannels   uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Subchunk2ID   [4]byte
		Subchunk2Size uint32
	}{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * 2),
		BlockAlign:    uint16(channels * 2),
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	return nil
}
