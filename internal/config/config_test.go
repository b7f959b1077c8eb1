package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-livevoice/pkg/audioio"
	"github.com/teslashibe/go-livevoice/pkg/live"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func clearKeyEnv(t *testing.T) {
	for _, name := range []string{"GOOGLE_API_KEY", "GEMINI_API_KEY", "API_KEY", "LIVEVOICE_API_KEY"} {
		t.Setenv(name, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "livevoice.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearKeyEnv(t)
	chdirTemp(t)

	l, err := Load("", quiet)
	require.NoError(t, err)
	cfg := l.Config()

	assert.Empty(t, l.File())
	assert.Equal(t, live.DefaultModel, cfg.Live.Model)
	assert.Equal(t, "Kore", cfg.Live.Voice)
	assert.True(t, cfg.Live.InputTranscription)
	assert.True(t, cfg.Live.OutputTranscription)
	assert.Equal(t, DefaultSystemInstruction, cfg.Live.SystemInstruction)

	assert.Equal(t, 10*time.Second, cfg.Connect.HandshakeTimeout)
	assert.Equal(t, 10*time.Second, cfg.Connect.SetupTimeout)
	assert.Equal(t, 30*time.Second, cfg.Connect.PingInterval)
	assert.EqualValues(t, 3, cfg.Connect.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Connect.RetryInterval)

	assert.Equal(t, audioio.BackendAuto, cfg.Audio.Input.Backend)
	assert.Equal(t, 16000, cfg.Audio.Input.SampleRate)
	assert.Equal(t, 4096, cfg.Audio.Input.FramesPerBuffer)
	assert.Equal(t, 24000, cfg.Audio.Output.SampleRate)
	assert.Equal(t, 32, cfg.Audio.SendQueue)

	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.APIKey)
}

func TestLoad_File(t *testing.T) {
	clearKeyEnv(t)
	path := writeConfig(t, `
api_key: file-key
live:
  voice: Puck
  system_instruction: Réponds en français.
audio:
  output:
    backend: wav
    device: /tmp/reply.wav
  send_queue: 8
connect:
  setup_timeout: 3s
  max_retries: 0
http:
  addr: 127.0.0.1:9000
`)

	l, err := Load(path, quiet)
	require.NoError(t, err)
	cfg := l.Config()

	assert.Equal(t, path, l.File())
	assert.Equal(t, "file-key", cfg.APIKey)
	assert.Equal(t, "Puck", cfg.Live.Voice)
	assert.Equal(t, "Réponds en français.", cfg.Live.SystemInstruction)
	assert.Equal(t, live.DefaultModel, cfg.Live.Model, "unset keys keep defaults")
	assert.Equal(t, audioio.BackendWAV, cfg.Audio.Output.Backend)
	assert.Equal(t, "/tmp/reply.wav", cfg.Audio.Output.Device)
	assert.Equal(t, 24000, cfg.Audio.Output.SampleRate)
	assert.Equal(t, 8, cfg.Audio.SendQueue)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
	assert.Equal(t, 3*time.Second, cfg.Connect.SetupTimeout)
	assert.Zero(t, cfg.Connect.MaxRetries)
}

func TestLoad_TutorExample(t *testing.T) {
	clearKeyEnv(t)

	l, err := Load(filepath.Join("..", "..", "configs", "tutor.yaml"), quiet)
	require.NoError(t, err)
	cfg := l.Config()

	assert.True(t, strings.HasPrefix(cfg.Live.SystemInstruction, "Tu es un assistant expert en management"))
	assert.Contains(t, cfg.Live.SystemInstruction, "Les 10 rôles de Mintzberg")
	assert.Contains(t, cfg.Live.SystemInstruction, "professionnelle en français")
	assert.Equal(t, "Kore", cfg.Live.Voice)
	assert.Equal(t, live.DefaultModel, cfg.Live.Model)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearKeyEnv(t)
	path := writeConfig(t, "live:\n  voice: Puck\n")
	t.Setenv("LIVEVOICE_LIVE_VOICE", "Charon")
	t.Setenv("LIVEVOICE_AUDIO_INPUT_BACKEND", "mock")

	l, err := Load(path, quiet)
	require.NoError(t, err)
	assert.Equal(t, "Charon", l.Config().Live.Voice)
	assert.Equal(t, audioio.BackendMock, l.Config().Audio.Input.Backend)
}

func TestLoad_APIKeyFallback(t *testing.T) {
	clearKeyEnv(t)
	chdirTemp(t)
	t.Setenv("GEMINI_API_KEY", "gemini-key")
	t.Setenv("API_KEY", "generic-key")

	l, err := Load("", quiet)
	require.NoError(t, err)
	assert.Equal(t, "gemini-key", l.Config().APIKey)

	t.Setenv("GOOGLE_API_KEY", "google-key")
	assert.Equal(t, "google-key", APIKeyFromEnv())
}

func TestLoad_Invalid(t *testing.T) {
	clearKeyEnv(t)

	_, err := Load(writeConfig(t, "audio:\n  send_queue: 0\n"), quiet)
	assert.ErrorContains(t, err, "send_queue")

	_, err = Load(writeConfig(t, "audio:\n  input:\n    sample_rate: -1\n"), quiet)
	assert.ErrorContains(t, err, "audio.input")

	_, err = Load(writeConfig(t, "connect:\n  ping_interval: 0s\n"), quiet)
	assert.ErrorContains(t, err, "connect")

	_, err = Load(writeConfig(t, "live: [not, a, map"), quiet)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), quiet)
	assert.Error(t, err, "an explicit path must exist")
}

func TestLoader_Watch(t *testing.T) {
	clearKeyEnv(t)
	path := writeConfig(t, "live:\n  voice: Puck\n")

	l, err := Load(path, quiet)
	require.NoError(t, err)

	var voice atomic.Value
	l.Watch(func(cfg *Config) { voice.Store(cfg.Live.Voice) })

	// Let the watcher settle before editing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("live:\n  voice: Aoede\n"), 0o644))

	require.Eventually(t, func() bool {
		v, _ := voice.Load().(string)
		return v == "Aoede"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "Aoede", l.Config().Live.Voice)
}

// chdirTemp changes the working directory to a fresh temp dir for the
// duration of the test (stand-in for testing.T.Chdir, added in Go 1.24).
func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
