// Package session runs one live voice conversation at a time: it captures
// the microphone, streams it to the remote model, plays the synthesized
// reply, and turns the streamed transcription into chat messages.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/teslashibe/go-livevoice/pkg/audioio"
	"github.com/teslashibe/go-livevoice/pkg/live"
	"github.com/teslashibe/go-livevoice/pkg/playback"
	"github.com/teslashibe/go-livevoice/pkg/transcript"
)

// DefaultSendQueue is the number of microphone frames buffered while the
// network is slow. At 4096 samples and 16kHz that is about eight seconds.
const DefaultSendQueue = 32

// Options configures a Controller. Zero values select defaults.
type Options struct {
	// Live is the remote conversation config.
	Live live.Config

	// Input is the microphone config. Default: 16kHz mono, 4096 frames.
	Input audioio.Config

	// Output is the speaker config. Default: 24kHz mono.
	Output audioio.Config

	// SendQueue bounds the outbound frame queue.
	SendQueue int

	Logger *slog.Logger

	// Registerer receives the session metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer

	// NewSource opens the microphone. Default: audioio.NewSource.
	NewSource func(audioio.Config, *slog.Logger) (audioio.Source, error)

	// OpenOutput opens the playback context. Default: an audioio sink
	// wrapped in a playback.DeviceContext.
	OpenOutput func(context.Context, audioio.Config, *slog.Logger) (playback.Context, error)

	// Now is the clock used for message timestamps.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Live.Model == "" {
		o.Live = live.DefaultConfig()
	}
	if o.Input.SampleRate == 0 {
		o.Input = audioio.DefaultInputConfig()
	}
	if o.Output.SampleRate == 0 {
		o.Output = audioio.DefaultOutputConfig()
	}
	if o.SendQueue <= 0 {
		o.SendQueue = DefaultSendQueue
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewSource == nil {
		o.NewSource = audioio.NewSource
	}
	if o.OpenOutput == nil {
		o.OpenOutput = openDevice
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func openDevice(ctx context.Context, cfg audioio.Config, logger *slog.Logger) (playback.Context, error) {
	sink, err := audioio.NewSink(cfg, logger)
	if err != nil {
		return nil, err
	}
	dev, err := playback.OpenDevice(ctx, sink, logger)
	if err != nil {
		sink.Close()
		return nil, err
	}
	return dev, nil
}

// Controller owns the session lifecycle. At most one session exists at a
// time; the transcript log outlives sessions.
type Controller struct {
	dialer  live.Dialer
	opts    Options
	logger  *slog.Logger
	log     *transcript.Log
	metrics *Metrics

	mu        sync.Mutex
	status    Status
	errMsg    string
	lastErr   error
	current   *state
	sessionID string
	startedAt time.Time
	liveCfg   live.Config

	listenerMu   sync.RWMutex
	listeners    map[int]Listener
	nextListener int
}

// state is everything one session owns. Callback handling for a session is
// serialized by mu.
type state struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan live.Blob
	acc    *transcript.Accumulator
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	mic      audioio.Source
	output   playback.Context
	sched    *playback.Scheduler
	sess     live.Session
	openedAt time.Time
	heard    bool
}

// NewController creates an idle controller.
func NewController(dialer live.Dialer, opts Options) *Controller {
	opts.applyDefaults()
	c := &Controller{
		dialer:    dialer,
		opts:      opts,
		logger:    opts.Logger.With("component", "session"),
		log:       transcript.NewLog(),
		metrics:   NewMetrics(opts.Registerer),
		status:    StatusIdle,
		liveCfg:   opts.Live,
		listeners: make(map[int]Listener),
	}
	c.log.OnAppend(func(m transcript.Message) {
		msg := m
		c.notify(Event{Type: EventMessage, Message: &msg})
	})
	return c
}

// Start opens a new session. It returns once the microphone and output
// are open and the remote session has been dialed; the status becomes
// active when the remote side accepts the setup.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	st := &state{
		id:    uuid.NewString(),
		queue: make(chan live.Blob, c.opts.SendQueue),
		acc:   transcript.NewAccumulator(),
	}
	st.ctx, st.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.current = st
	c.status = StatusConnecting
	c.errMsg = ""
	c.lastErr = nil
	c.sessionID = st.id
	c.startedAt = c.opts.Now()
	liveCfg := c.liveCfg
	c.mu.Unlock()

	c.metrics.SessionStarts.Inc()
	c.metrics.ActiveSessions.Set(1)
	logger := c.logger.With("session_id", st.id)
	logger.Info("session starting", "model", liveCfg.Model)
	c.notify(Event{Type: EventStatus, Status: StatusConnecting, SessionID: st.id})

	mic, err := c.opts.NewSource(c.opts.Input, c.opts.Logger)
	if err != nil {
		return c.startFailed(st, fmt.Errorf("open microphone: %w", err))
	}
	if err := mic.Start(st.ctx); err != nil {
		mic.Close()
		return c.startFailed(st, fmt.Errorf("start microphone: %w", err))
	}
	if !st.hold(func() { st.mic = mic }) {
		mic.Close()
		return ErrStopped
	}

	output, err := c.opts.OpenOutput(st.ctx, c.opts.Output, c.opts.Logger)
	if err != nil {
		return c.startFailed(st, fmt.Errorf("open output: %w", err))
	}
	if !st.hold(func() {
		st.output = output
		st.sched = playback.NewScheduler(output, c.opts.Logger)
	}) {
		output.Close()
		return ErrStopped
	}

	sess, err := c.dialer.Connect(st.ctx, liveCfg, c.callbacks(st))
	if err != nil {
		return c.startFailed(st, fmt.Errorf("connect: %w", err))
	}
	if !st.hold(func() { st.sess = sess }) {
		sess.Close()
		return ErrStopped
	}

	st.wg.Add(1)
	go c.sendLoop(st, sess)

	logger.Info("session connecting", "input_rate", c.opts.Input.SampleRate, "output_rate", c.opts.Output.SampleRate)
	return nil
}

// hold runs assign under the state lock unless the session was already torn
// down, and reports whether it ran.
func (st *state) hold(assign func()) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false
	}
	assign()
	return true
}

func (c *Controller) startFailed(st *state, err error) error {
	serr := &StartupError{Message: StartupMessage, Cause: err}
	if !c.teardown(st, serr) {
		return ErrStopped
	}
	c.metrics.SessionFailures.WithLabelValues("startup").Inc()
	c.logger.Error("session start failed", "session_id", st.id, "error", err)
	return serr
}

// Stop ends the current session, if any. It is safe to call at any time.
func (c *Controller) Stop() error {
	c.mu.Lock()
	st := c.current
	c.mu.Unlock()
	if st == nil {
		return nil
	}
	c.teardown(st, nil)
	return nil
}

// teardown releases everything st holds and returns the controller to idle.
// It reports false if st was no longer the current session.
func (c *Controller) teardown(st *state, cause error) bool {
	var msg string
	switch e := cause.(type) {
	case *StartupError:
		msg = e.Message
	case *SessionError:
		msg = e.Message
	}

	c.mu.Lock()
	if c.current != st {
		c.mu.Unlock()
		return false
	}
	c.current = nil
	c.status = StatusIdle
	c.errMsg = msg
	c.lastErr = cause
	c.mu.Unlock()

	st.mu.Lock()
	st.closed = true
	sess, mic, output, sched := st.sess, st.mic, st.output, st.sched
	st.mu.Unlock()

	st.cancel()
	if sess != nil {
		if err := sess.Close(); err != nil {
			c.logger.Debug("close live session", "error", err)
		}
	}
	if mic != nil {
		if err := mic.Close(); err != nil {
			c.logger.Warn("close microphone", "error", err)
		}
	}
	st.wg.Wait()
	if sched != nil {
		sched.Reset()
	}
	if output != nil {
		if err := output.Close(); err != nil {
			c.logger.Warn("close output", "error", err)
		}
	}
	st.acc.Reset()
	c.metrics.ActiveSessions.Set(0)

	c.logger.Info("session stopped", "session_id", st.id, "error", msg)
	c.notify(Event{Type: EventStatus, Status: StatusIdle, SessionID: st.id})
	if msg != "" {
		c.notify(Event{Type: EventError, Status: StatusError, SessionID: st.id, Error: msg})
	}
	return true
}

func (c *Controller) isCurrent(st *state) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == st
}

func (c *Controller) callbacks(st *state) live.Callbacks {
	return live.Callbacks{
		OnOpen:    func() { c.handleOpen(st) },
		OnMessage: func(m live.ServerMessage) { c.handleMessage(st, m) },
		OnError: func(err error) {
			c.logger.Error("live session error", "session_id", st.id, "error", err)
			if c.teardown(st, &SessionError{Message: SessionMessage, Cause: err}) {
				c.metrics.SessionFailures.WithLabelValues("remote").Inc()
			}
		},
		OnClose: func(reason string) {
			c.logger.Info("live session closed", "session_id", st.id, "reason", reason)
			c.teardown(st, nil)
		},
	}
}

func (c *Controller) handleOpen(st *state) {
	c.mu.Lock()
	if c.current != st {
		c.mu.Unlock()
		return
	}
	c.status = StatusActive
	c.mu.Unlock()

	// Notifying under the state lock keeps this event ahead of teardown's.
	st.hold(func() {
		st.openedAt = c.opts.Now()
		st.wg.Add(1)
		go c.micLoop(st, st.mic)
		c.logger.Info("session active", "session_id", st.id)
		c.notify(Event{Type: EventStatus, Status: StatusActive, SessionID: st.id})
	})
}

// handleMessage runs every facet of m that applies, in order: audio,
// interruption, user transcript, assistant transcript, turn completion.
func (c *Controller) handleMessage(st *state, m live.ServerMessage) {
	if !c.isCurrent(st) {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}

	if data, ok := m.Audio(); ok {
		c.playAudio(st, data)
	}

	if m.Interrupted() {
		n := st.sched.Interrupt()
		c.metrics.Interruptions.Inc()
		c.logger.Debug("barge-in", "session_id", st.id, "stopped", n)
	}

	if text, ok := m.InputText(); ok {
		st.acc.AppendUser(text)
	}
	if text, ok := m.OutputText(); ok {
		st.acc.AppendAssistant(text)
	}

	if m.TurnComplete() {
		c.metrics.Turns.Inc()
		c.log.Append(st.acc.Flush(c.opts.Now())...)
	}
}

// playAudio decodes one response chunk and schedules it. Undecodable
// chunks are dropped.
func (c *Controller) playAudio(st *state, data string) {
	pcm, err := audioio.DecodeBase64(data)
	if err != nil {
		c.metrics.DecodeErrors.Inc()
		c.logger.Warn("dropping undecodable audio chunk", "session_id", st.id, "error", err)
		return
	}
	buf, err := audioio.Reconstruct(pcm, audioio.OutputSampleRate, 1)
	if err != nil {
		c.metrics.DecodeErrors.Inc()
		c.logger.Warn("dropping malformed audio chunk", "session_id", st.id, "error", err)
		return
	}

	st.sched.Schedule(buf)
	c.metrics.ChunksScheduled.Inc()
	c.metrics.AudioSeconds.Add(buf.Duration())
	if !st.heard && !st.openedAt.IsZero() {
		st.heard = true
		c.metrics.FirstAudioLatency.Observe(c.opts.Now().Sub(st.openedAt).Seconds())
	}
}

// micLoop encodes each captured frame and queues it for sending. Frames
// are dropped when the queue is full.
func (c *Controller) micLoop(st *state, mic audioio.Source) {
	defer st.wg.Done()

	stream := mic.Stream()
	for {
		select {
		case <-st.ctx.Done():
			return
		case frame, ok := <-stream:
			if !ok {
				return
			}
			samples := firstChannel(frame)
			c.metrics.InputLevel.Set(audioio.RMS(samples))

			blob := live.Blob{
				MimeType: live.InputMimeType,
				Data:     audioio.EncodeBase64(audioio.FloatToPCM16(samples)),
			}
			select {
			case st.queue <- blob:
			default:
				c.metrics.FramesDropped.Inc()
			}
		}
	}
}

// sendLoop drains the outbound queue. Sends are fire-and-forget.
func (c *Controller) sendLoop(st *state, sess live.Session) {
	defer st.wg.Done()

	for {
		select {
		case <-st.ctx.Done():
			return
		case blob := <-st.queue:
			if err := sess.SendMedia(st.ctx, blob); err != nil {
				c.metrics.SendErrors.Inc()
				c.logger.Debug("send frame failed", "session_id", st.id, "error", err)
				continue
			}
			c.metrics.FramesSent.Inc()
		}
	}
}

func firstChannel(f audioio.Frame) []float32 {
	if f.Channels <= 1 {
		return f.Samples
	}
	out := make([]float32, 0, f.Frames())
	for i := 0; i < len(f.Samples); i += f.Channels {
		out = append(out, f.Samples[i])
	}
	return out
}

// Subscribe registers l for events and returns a function that removes it.
func (c *Controller) Subscribe(l Listener) (unsubscribe func()) {
	c.listenerMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = l
	c.listenerMu.Unlock()

	return func() {
		c.listenerMu.Lock()
		delete(c.listeners, id)
		c.listenerMu.Unlock()
	}
}

func (c *Controller) notify(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = c.opts.Now()
	}
	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	for _, l := range c.listeners {
		l(ev)
	}
}

// Info returns a snapshot of the controller state.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{Status: c.status, Error: c.errMsg}
	if c.current != nil {
		info.SessionID = c.sessionID
		info.StartedAt = c.startedAt
	}
	return info
}

// Status returns the current lifecycle status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err returns the error that ended the last session, or nil if it ended
// normally or is still running. It is a *StartupError or *SessionError.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Messages returns the transcript log.
func (c *Controller) Messages() []transcript.Message {
	return c.log.Messages()
}

// Pending returns the partial transcript of the current turn.
func (c *Controller) Pending() (user, assistant string) {
	c.mu.Lock()
	st := c.current
	c.mu.Unlock()
	if st == nil {
		return "", ""
	}
	return st.acc.Pending()
}

// Metrics returns the controller's metrics.
func (c *Controller) Metrics() *Metrics {
	return c.metrics
}

// SetLiveConfig replaces the remote conversation config used by the next
// session. The current session is unaffected.
func (c *Controller) SetLiveConfig(cfg live.Config) {
	c.mu.Lock()
	c.liveCfg = cfg
	c.mu.Unlock()
	c.logger.Info("live config updated", "model", cfg.Model, "voice", cfg.Voice)
}
