package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// fakeServer is a scripted Gemini Live endpoint.
type fakeServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	script   func(conn *websocket.Conn, r *http.Request)
}

// newFakeServer serves one connection; the returned channel closes when the
// script has finished.
func newFakeServer(t *testing.T, script func(conn *websocket.Conn, r *http.Request)) (*httptest.Server, <-chan struct{}) {
	fs := &fakeServer{t: t, script: script}
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		fs.script(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv, done
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// recorder collects callbacks.
type recorder struct {
	mu       sync.Mutex
	opened   chan struct{}
	messages []ServerMessage
	errs     []error
	closes   []string
	ended    chan struct{}
	once     sync.Once
}

func newRecorder() *recorder {
	return &recorder{opened: make(chan struct{}), ended: make(chan struct{})}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnOpen: func() { close(r.opened) },
		OnMessage: func(m ServerMessage) {
			r.mu.Lock()
			r.messages = append(r.messages, m)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			r.once.Do(func() { close(r.ended) })
		},
		OnClose: func(reason string) {
			r.mu.Lock()
			r.closes = append(r.closes, reason)
			r.mu.Unlock()
			r.once.Do(func() { close(r.ended) })
		},
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestGemini_Conversation(t *testing.T) {
	var setupMsg map[string]any
	var media realtimeInputMessage
	var gotKey string

	srv, served := newFakeServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotKey = r.URL.Query().Get("key")

		assert.NoError(t, conn.ReadJSON(&setupMsg))
		assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`)))

		assert.NoError(t, conn.ReadJSON(&media))

		for _, m := range []string{
			`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAAA"}}]}}}`,
			`{"serverContent":{"inputTranscription":{"text":"Bonjour"},"outputTranscription":{"text":"Salut"}}}`,
			`{"serverContent":{"interrupted":true}}`,
			`{"serverContent":{"turnComplete":true}}`,
		} {
			assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(m)))
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		conn.ReadMessage()
	})

	rec := newRecorder()
	g := NewGemini("test-key", WithEndpoint(wsURL(srv)))

	cfg := DefaultConfig()
	cfg.SystemInstruction = "Be brief."
	sess, err := g.Connect(context.Background(), cfg, rec.callbacks())
	require.NoError(t, err)
	defer sess.Close()

	waitFor(t, rec.opened, "setupComplete")
	require.NoError(t, sess.SendMedia(context.Background(), Blob{MimeType: InputMimeType, Data: "AQID"}))
	waitFor(t, rec.ended, "close")
	waitFor(t, served, "server script")

	assert.Equal(t, "test-key", gotKey)

	setup := setupMsg["setup"].(map[string]any)
	assert.Equal(t, DefaultModel, setup["model"])
	gen := setup["generationConfig"].(map[string]any)
	assert.Equal(t, []any{"AUDIO"}, gen["responseModalities"])
	voice := gen["speechConfig"].(map[string]any)["voiceConfig"].(map[string]any)["prebuiltVoiceConfig"].(map[string]any)
	assert.Equal(t, "Kore", voice["voiceName"])
	assert.Contains(t, setup, "inputAudioTranscription")
	assert.Contains(t, setup, "outputAudioTranscription")
	instr := setup["systemInstruction"].(map[string]any)["parts"].([]any)[0].(map[string]any)
	assert.Equal(t, "Be brief.", instr["text"])

	require.Len(t, media.RealtimeInput.MediaChunks, 1)
	assert.Equal(t, "audio/pcm;rate=16000", media.RealtimeInput.MediaChunks[0].MimeType)
	assert.Equal(t, "AQID", media.RealtimeInput.MediaChunks[0].Data)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.messages, 4)

	audio, ok := rec.messages[0].Audio()
	assert.True(t, ok)
	assert.Equal(t, "AAAA", audio)

	in, ok := rec.messages[1].InputText()
	assert.True(t, ok)
	assert.Equal(t, "Bonjour", in)
	out, ok := rec.messages[1].OutputText()
	assert.True(t, ok)
	assert.Equal(t, "Salut", out)
	_, ok = rec.messages[1].Audio()
	assert.False(t, ok)

	assert.True(t, rec.messages[2].Interrupted())
	assert.True(t, rec.messages[3].TurnComplete())

	assert.Equal(t, []string{"bye"}, rec.closes)
	assert.Empty(t, rec.errs)
}

func TestGemini_BearerToken(t *testing.T) {
	var auth, key string
	srv, served := newFakeServer(t, func(conn *websocket.Conn, r *http.Request) {
		auth = r.Header.Get("Authorization")
		key = r.URL.Query().Get("key")
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`))
		conn.ReadMessage()
	})

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok123", TokenType: "Bearer"})
	rec := newRecorder()
	sess, err := NewGemini("", WithEndpoint(wsURL(srv)), WithTokenSource(ts)).
		Connect(context.Background(), DefaultConfig(), rec.callbacks())
	require.NoError(t, err)
	waitFor(t, rec.opened, "setupComplete")
	require.NoError(t, sess.Close())
	waitFor(t, served, "server script")

	assert.Equal(t, "Bearer tok123", auth)
	assert.Empty(t, key)
}

func TestGemini_HandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewGemini("bad", WithEndpoint(wsURL(srv))).
		Connect(context.Background(), DefaultConfig(), Callbacks{})
	require.Error(t, err)

	var cerr *ConnectionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, http.StatusForbidden, cerr.StatusCode)
	assert.False(t, cerr.IsRetryable())
}

func TestGemini_ServerErrorClose(t *testing.T) {
	srv, _ := newFakeServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.ReadMessage()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "API key not valid"))
		conn.ReadMessage()
	})

	rec := newRecorder()
	sess, err := NewGemini("k", WithEndpoint(wsURL(srv))).
		Connect(context.Background(), DefaultConfig(), rec.callbacks())
	require.NoError(t, err)
	defer sess.Close()

	waitFor(t, rec.ended, "error")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.errs, 1)
	var cerr *ConnectionError
	require.True(t, errors.As(rec.errs[0], &cerr))
	assert.Contains(t, cerr.Error(), "1008")
	assert.Empty(t, rec.closes)

	assert.ErrorIs(t, sess.SendMedia(context.Background(), Blob{}), ErrNotConnected)
}

func TestGemini_SetupTimeout(t *testing.T) {
	srv, _ := newFakeServer(t, func(conn *websocket.Conn, r *http.Request) {
		// Read the setup and never acknowledge it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := newRecorder()
	sess, err := NewGemini("k", WithEndpoint(wsURL(srv)), WithSetupTimeout(50*time.Millisecond)).
		Connect(context.Background(), DefaultConfig(), rec.callbacks())
	require.NoError(t, err)
	defer sess.Close()

	waitFor(t, rec.ended, "setup timeout")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrSetupTimeout)
	assert.Contains(t, rec.errs[0].Error(), "setup not acknowledged")
	select {
	case <-rec.opened:
		t.Error("OnOpen fired without setupComplete")
	default:
	}
}

func TestGemini_SetupTimeoutAfterSlowCallback(t *testing.T) {
	srv, _ := newFakeServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"turnComplete":true}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var inMessage atomic.Bool
	overlapped := make(chan bool, 1)
	ended := make(chan struct{})
	cb := Callbacks{
		OnMessage: func(ServerMessage) {
			inMessage.Store(true)
			// Outlast the setup timeout.
			time.Sleep(200 * time.Millisecond)
			inMessage.Store(false)
		},
		OnError: func(err error) {
			overlapped <- inMessage.Load()
			assert.ErrorIs(t, err, ErrSetupTimeout)
			close(ended)
		},
	}

	sess, err := NewGemini("k", WithEndpoint(wsURL(srv)), WithSetupTimeout(50*time.Millisecond)).
		Connect(context.Background(), DefaultConfig(), cb)
	require.NoError(t, err)
	defer sess.Close()

	waitFor(t, ended, "setup timeout")
	assert.False(t, <-overlapped, "OnError ran while OnMessage was still running")
}

func TestGemini_CloseWhileSendStalled(t *testing.T) {
	release := make(chan struct{})
	srv, _ := newFakeServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`))
		// Stop reading so the client's socket buffers fill up.
		<-release
	})
	t.Cleanup(func() { close(release) })

	rec := newRecorder()
	sess, err := NewGemini("k", WithEndpoint(wsURL(srv))).
		Connect(context.Background(), DefaultConfig(), rec.callbacks())
	require.NoError(t, err)
	waitFor(t, rec.opened, "setupComplete")

	var sent atomic.Int64
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		blob := Blob{MimeType: "audio/pcm;rate=16000", Data: strings.Repeat("A", 1<<20)}
		for {
			if err := sess.SendMedia(context.Background(), blob); err != nil {
				return
			}
			sent.Add(1)
		}
	}()

	// Wait until a send has been blocked for a while.
	last := int64(-1)
	require.Eventually(t, func() bool {
		n := sent.Load()
		stalled := n == last
		last = n
		return stalled
	}, 5*time.Second, 200*time.Millisecond)

	start := time.Now()
	require.NoError(t, sess.Close())
	assert.Less(t, time.Since(start), time.Second)

	waitFor(t, sendDone, "stalled send to fail")
}

func TestGemini_CloseSuppressesCallbacks(t *testing.T) {
	release := make(chan struct{})
	srv, _ := newFakeServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`))
		<-release
		conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"turnComplete":true}}`))
	})

	rec := newRecorder()
	sess, err := NewGemini("k", WithEndpoint(wsURL(srv))).
		Connect(context.Background(), DefaultConfig(), rec.callbacks())
	require.NoError(t, err)
	waitFor(t, rec.opened, "setupComplete")

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	close(release)
	time.Sleep(50 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.messages)
	assert.Empty(t, rec.errs)
	assert.Empty(t, rec.closes)
	assert.ErrorIs(t, sess.SendMedia(context.Background(), Blob{}), ErrNotConnected)
}

func TestSetupModel(t *testing.T) {
	assert.Equal(t, DefaultModel, setupModel(""))
	assert.Equal(t, "models/gemini-live-2.5-flash", setupModel("gemini-live-2.5-flash"))
	assert.Equal(t, "models/x", setupModel("models/x"))
}

func TestNewSetupMessage_Minimal(t *testing.T) {
	raw, err := json.Marshal(newSetupMessage(Config{Model: "models/m"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"setup":{"model":"models/m","generationConfig":{"responseModalities":["AUDIO"]}}}`, string(raw))
}

func TestGoAwayDuration(t *testing.T) {
	assert.Equal(t, 10*time.Second, (&GoAway{TimeLeft: "10s"}).Duration())
	assert.Zero(t, (&GoAway{TimeLeft: "soon"}).Duration())
	var g *GoAway
	assert.Zero(t, g.Duration())
}
