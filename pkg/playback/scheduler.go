// Package playback plays an unbounded sequence of decoded audio chunks
// back-to-back on an output clock, and supports an immediate hard stop when
// the remote side signals a barge-in.
package playback

import (
	"log/slog"
	"sync"

	"github.com/teslashibe/go-livevoice/pkg/audioio"
)

// Handle controls one scheduled chunk.
type Handle interface {
	// Stop cancels the chunk whether it is still pending or already playing.
	// It must not block.
	Stop()
}

// Context is an output clock that can start buffers at a given time.
//
// Start must return immediately and must never invoke onEnded from inside
// Start itself. onEnded is called at most once, and only when the chunk
// finishes on its own.
type Context interface {
	CurrentTime() float64
	SampleRate() int
	Start(buf *audioio.Buffer, at float64, onEnded func()) Handle
	Close() error
}

// Scheduled describes where a chunk landed on the output clock.
type Scheduled struct {
	Start float64
	End   float64
}

// Scheduler owns the playback cursor and the set of live handles for one
// output context.
type Scheduler struct {
	ctx    Context
	logger *slog.Logger

	mu     sync.Mutex
	next   float64
	live   map[uint64]Handle
	nextID uint64
}

// NewScheduler creates a scheduler on ctx with the cursor at zero.
func NewScheduler(ctx Context, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		ctx:    ctx,
		logger: logger,
		live:   make(map[uint64]Handle),
	}
}

// Schedule starts buf at max(cursor, now) and advances the cursor past it.
func (s *Scheduler) Schedule(buf *audioio.Buffer) Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()

	startAt := s.next
	if now := s.ctx.CurrentTime(); now > startAt {
		startAt = now
	}
	end := startAt + buf.Duration()
	s.next = end

	id := s.nextID
	s.nextID++
	s.live[id] = s.ctx.Start(buf, startAt, func() { s.ended(id) })

	s.logger.Debug("chunk scheduled",
		"start", startAt,
		"end", end,
		"frames", buf.Frames(),
		"live", len(s.live),
	)
	return Scheduled{Start: startAt, End: end}
}

func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
}

// Interrupt stops every live chunk immediately, empties the live set and
// resets the cursor to zero.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	handles := s.live
	s.live = make(map[uint64]Handle)
	s.next = 0
	s.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
	if len(handles) > 0 {
		s.logger.Debug("playback interrupted", "stopped", len(handles))
	}
	return len(handles)
}

// Reset is Interrupt for teardown paths that don't care about the count.
func (s *Scheduler) Reset() {
	s.Interrupt()
}

// NextStartTime returns the cursor.
func (s *Scheduler) NextStartTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Live returns the number of chunks scheduled or playing.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}
