// Package config loads livevoice settings from an optional YAML file,
// LIVEVOICE_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/teslashibe/go-livevoice/pkg/audioio"
	"github.com/teslashibe/go-livevoice/pkg/live"
)

// File search settings.
const (
	ConfigName = "livevoice"
	EnvPrefix  = "LIVEVOICE"
)

// DefaultSystemInstruction primes the assistant when no prompt is configured.
const DefaultSystemInstruction = "You are a friendly voice assistant. Answer briefly and conversationally."

// Config is the full application configuration.
type Config struct {
	// APIKey authenticates against the Gemini API. When empty, the
	// GOOGLE_API_KEY, GEMINI_API_KEY and API_KEY variables are tried, then
	// application default credentials.
	APIKey string `mapstructure:"api_key"`

	Live    live.Config   `mapstructure:"live"`
	Connect ConnectConfig `mapstructure:"connect"`
	Audio   AudioConfig   `mapstructure:"audio"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Log     LogConfig     `mapstructure:"log"`
}

// ConnectConfig holds websocket timeouts and the redial policy.
type ConnectConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	SetupTimeout     time.Duration `mapstructure:"setup_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	MaxRetries       uint64        `mapstructure:"max_retries"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
}

// AudioConfig holds device settings.
type AudioConfig struct {
	Input     audioio.Config `mapstructure:"input"`
	Output    audioio.Config `mapstructure:"output"`
	SendQueue int            `mapstructure:"send_queue"`
}

// HTTPConfig holds control surface settings.
type HTTPConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	StaticDir string `mapstructure:"static_dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	in := audioio.DefaultInputConfig()
	out := audioio.DefaultOutputConfig()
	lc := live.DefaultConfig()

	v.SetDefault("api_key", "")

	v.SetDefault("live.model", lc.Model)
	v.SetDefault("live.voice", lc.Voice)
	v.SetDefault("live.system_instruction", DefaultSystemInstruction)
	v.SetDefault("live.input_transcription", lc.InputTranscription)
	v.SetDefault("live.output_transcription", lc.OutputTranscription)

	v.SetDefault("connect.handshake_timeout", "10s")
	v.SetDefault("connect.setup_timeout", "10s")
	v.SetDefault("connect.ping_interval", "30s")
	v.SetDefault("connect.max_retries", live.DefaultMaxRetries)
	v.SetDefault("connect.retry_interval", live.DefaultRetryInterval.String())

	v.SetDefault("audio.input.backend", string(in.Backend))
	v.SetDefault("audio.input.sample_rate", in.SampleRate)
	v.SetDefault("audio.input.channels", in.Channels)
	v.SetDefault("audio.input.frames_per_buffer", in.FramesPerBuffer)
	v.SetDefault("audio.input.device", "")
	v.SetDefault("audio.output.backend", string(out.Backend))
	v.SetDefault("audio.output.sample_rate", out.SampleRate)
	v.SetDefault("audio.output.channels", out.Channels)
	v.SetDefault("audio.output.frames_per_buffer", out.FramesPerBuffer)
	v.SetDefault("audio.output.device", "")
	v.SetDefault("audio.send_queue", 32)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.static_dir", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Live.Model == "" {
		return errors.New("live.model is required")
	}
	if c.Connect.HandshakeTimeout <= 0 || c.Connect.SetupTimeout <= 0 || c.Connect.PingInterval <= 0 {
		return errors.New("connect timeouts must be positive")
	}
	if err := c.Audio.Input.Validate(); err != nil {
		return fmt.Errorf("audio.input: %w", err)
	}
	if err := c.Audio.Output.Validate(); err != nil {
		return fmt.Errorf("audio.output: %w", err)
	}
	if c.Audio.SendQueue <= 0 {
		return fmt.Errorf("audio.send_queue must be positive, got %d", c.Audio.SendQueue)
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return errors.New("http.addr is required when http is enabled")
	}
	return nil
}

// Loader reads the configuration and optionally watches the file.
type Loader struct {
	v      *viper.Viper
	logger *slog.Logger

	mu  sync.RWMutex
	cfg *Config
}

// Load reads path, or searches ., ./configs and $HOME/.livevoice for
// livevoice.yaml when path is empty. A missing file is not an error.
func Load(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.livevoice")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Debug("no config file found, using defaults")
	}

	l := &Loader{v: v, logger: logger}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.cfg = cfg
	return l, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = APIKeyFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Config returns the most recently loaded configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// File returns the config file in use, or "" when running on defaults.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the file whenever it changes and passes each valid new
// configuration to onChange. Invalid edits are logged and ignored.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.File() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			l.logger.Warn("ignoring config change", "file", e.Name, "error", err)
			return
		}
		l.mu.Lock()
		l.cfg = cfg
		l.mu.Unlock()

		l.logger.Info("config reloaded", "file", e.Name, "op", e.Op.String())
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}

// APIKeyFromEnv returns the first non-empty of GOOGLE_API_KEY,
// GEMINI_API_KEY and API_KEY.
func APIKeyFromEnv() string {
	for _, name := range []string{"GOOGLE_API_KEY", "GEMINI_API_KEY", "API_KEY"} {
		if key := os.Getenv(name); key != "" {
			return key
		}
	}
	return ""
}
