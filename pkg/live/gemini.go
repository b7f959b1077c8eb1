package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/teslashibe/go-livevoice/internal/httpc"
)

const (
	// GeminiEndpoint is the Gemini Live API WebSocket endpoint.
	GeminiEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultHandshakeTimeout = 10 * time.Second
	defaultSetupTimeout     = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
	writeTimeout            = 10 * time.Second
)

var googleScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/generative-language",
}

// Gemini dials Gemini Live sessions over a WebSocket.
type Gemini struct {
	apiKey           string
	endpoint         string
	tokenSource      oauth2.TokenSource
	handshakeTimeout time.Duration
	setupTimeout     time.Duration
	pingInterval     time.Duration
	logger           *slog.Logger
}

// GeminiOption configures a Gemini dialer.
type GeminiOption func(*Gemini)

// WithEndpoint overrides the WebSocket URL.
func WithEndpoint(endpoint string) GeminiOption {
	return func(g *Gemini) { g.endpoint = endpoint }
}

// WithTokenSource authenticates with bearer tokens instead of an API key.
func WithTokenSource(ts oauth2.TokenSource) GeminiOption {
	return func(g *Gemini) { g.tokenSource = ts }
}

// WithPingInterval sets the keepalive period.
func WithPingInterval(d time.Duration) GeminiOption {
	return func(g *Gemini) { g.pingInterval = d }
}

// WithHandshakeTimeout bounds the WebSocket handshake.
func WithHandshakeTimeout(d time.Duration) GeminiOption {
	return func(g *Gemini) { g.handshakeTimeout = d }
}

// WithSetupTimeout bounds the wait for the server to acknowledge the
// session setup. The session fails with ErrSetupTimeout when it expires.
func WithSetupTimeout(d time.Duration) GeminiOption {
	return func(g *Gemini) { g.setupTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GeminiOption {
	return func(g *Gemini) { g.logger = logger }
}

// NewGemini creates a dialer. With an empty apiKey and no token source,
// Connect falls back to Google application default credentials.
func NewGemini(apiKey string, opts ...GeminiOption) *Gemini {
	g := &Gemini{
		apiKey:           apiKey,
		endpoint:         GeminiEndpoint,
		handshakeTimeout: defaultHandshakeTimeout,
		setupTimeout:     defaultSetupTimeout,
		pingInterval:     defaultPingInterval,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Connect opens the WebSocket and sends the session setup. OnOpen fires
// asynchronously once the server acknowledges it.
func (g *Gemini) Connect(ctx context.Context, cfg Config, cb Callbacks) (Session, error) {
	target, header, err := g.authorize(ctx)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		NetDialContext:   httpc.Dialer.DialContext,
		HandshakeTimeout: g.handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		cerr := &ConnectionError{Reason: "dial failed", Cause: err}
		if resp != nil {
			cerr.StatusCode = resp.StatusCode
		}
		return nil, cerr
	}

	s := &geminiSession{
		conn:   conn,
		cb:     cb,
		logger: g.logger.With("component", "live/gemini"),
		done:   make(chan struct{}),
		acked:  make(chan struct{}),
		idle:   3 * g.pingInterval,
	}

	if err := s.writeJSON(ctx, newSetupMessage(cfg)); err != nil {
		conn.Close()
		return nil, &ConnectionError{Reason: "send setup", Cause: err}
	}

	conn.SetReadDeadline(time.Now().Add(s.idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.idle))
	})

	go s.watchSetup(g.setupTimeout)
	go s.readLoop()
	go s.keepAlive(g.pingInterval)

	s.logger.Info("session dialed", "model", setupModel(cfg.Model), "voice", cfg.Voice)
	return s, nil
}

// authorize returns the dial URL and headers carrying credentials.
func (g *Gemini) authorize(ctx context.Context) (string, http.Header, error) {
	u, err := url.Parse(g.endpoint)
	if err != nil {
		return "", nil, fmt.Errorf("live: parse endpoint: %w", err)
	}
	header := make(http.Header)

	if g.apiKey != "" {
		q := u.Query()
		q.Set("key", g.apiKey)
		u.RawQuery = q.Encode()
		return u.String(), header, nil
	}

	ts := g.tokenSource
	if ts == nil {
		ts, err = google.DefaultTokenSource(httpc.OAuthContext(ctx), googleScopes...)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrMissingCredentials, err)
		}
	}
	tok, err := ts.Token()
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMissingCredentials, err)
	}
	header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	return u.String(), header, nil
}

type geminiSession struct {
	conn   *websocket.Conn
	wsMu   sync.Mutex
	cb     Callbacks
	logger *slog.Logger
	idle   time.Duration

	opened   bool // read loop only
	acked    chan struct{}
	expired  atomic.Bool
	closed   atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

// SendMedia sends one realtime input frame.
func (s *geminiSession) SendMedia(ctx context.Context, blob Blob) error {
	if s.closed.Load() {
		return ErrNotConnected
	}
	return s.writeJSON(ctx, realtimeInputMessage{
		RealtimeInput: realtimeInput{MediaChunks: []Blob{blob}},
	})
}

// Close sends a close frame and tears down the socket. The close frame is
// skipped when a send is in flight, so a stalled peer cannot hold Close up;
// closing the socket unblocks that send.
func (s *geminiSession) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.stopKeepAlive()

	if s.wsMu.TryLock() {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.wsMu.Unlock()
	}

	return s.conn.Close()
}

func (s *geminiSession) writeJSON(ctx context.Context, v any) error {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(v)
}

func (s *geminiSession) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			// WriteControl may run alongside a data write.
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			if err != nil {
				return
			}
		}
	}
}

// watchSetup closes the socket if the setup is not acknowledged in time.
// The read loop then reports ErrSetupTimeout, so callbacks stay on its
// goroutine.
func (s *geminiSession) watchSetup(timeout time.Duration) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.acked:
	case <-s.done:
	case <-t.C:
		s.expired.Store(true)
		s.conn.Close()
	}
}

func (s *geminiSession) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.expired.Load() {
				err = ErrSetupTimeout
			}
			s.fail(err)
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.idle))

		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("unparseable server message", "error", err, "bytes", len(data))
			continue
		}

		if msg.SetupComplete != nil {
			if !s.opened {
				s.opened = true
				close(s.acked)
				s.logger.Debug("setup complete")
				s.deliver(func() {
					if s.cb.OnOpen != nil {
						s.cb.OnOpen()
					}
				})
			}
			continue
		}

		if msg.GoAway != nil {
			s.logger.Warn("server going away", "time_left", msg.GoAway.Duration())
		}

		if msg.ServerContent != nil {
			s.deliver(func() {
				if s.cb.OnMessage != nil {
					s.cb.OnMessage(msg)
				}
			})
		}
	}
}

// fail reports the end of the read loop as a close or an error, unless the
// session was closed locally.
func (s *geminiSession) fail(err error) {
	if s.closed.Swap(true) {
		return
	}
	s.stopKeepAlive()
	s.conn.Close()

	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
		s.logger.Info("session closed by server", "reason", ce.Text)
		if s.cb.OnClose != nil {
			s.cb.OnClose(ce.Text)
		}
		return
	}

	reason := "read failed"
	switch {
	case errors.Is(err, ErrSetupTimeout):
		reason = "setup not acknowledged"
	case ce != nil:
		reason = fmt.Sprintf("closed by server (%d)", ce.Code)
	}
	s.logger.Warn("session failed", "reason", reason, "error", err)
	if s.cb.OnError != nil {
		s.cb.OnError(&ConnectionError{Reason: reason, Cause: err})
	}
}

func (s *geminiSession) stopKeepAlive() {
	s.doneOnce.Do(func() { close(s.done) })
}

// deliver runs fn unless the session has been closed locally.
func (s *geminiSession) deliver(fn func()) {
	if s.closed.Load() {
		return
	}
	fn()
}

// Wire format.

type setupMessage struct {
	Setup setup `json:"setup"`
}

type setup struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *Content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []Blob `json:"mediaChunks"`
}

func setupModel(model string) string {
	if model == "" {
		return DefaultModel
	}
	if !strings.HasPrefix(model, "models/") {
		return "models/" + model
	}
	return model
}

func newSetupMessage(cfg Config) setupMessage {
	s := setup{
		Model: setupModel(cfg.Model),
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
	}
	if cfg.Voice != "" {
		s.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice}},
		}
	}
	if cfg.SystemInstruction != "" {
		s.SystemInstruction = &Content{Parts: []Part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.InputTranscription {
		s.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		s.OutputAudioTranscription = &struct{}{}
	}
	return setupMessage{Setup: s}
}

var _ Dialer = (*Gemini)(nil)
