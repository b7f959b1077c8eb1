// livevoice - talk to Gemini Live from the terminal.
// Streams the microphone to the model, plays its spoken reply and prints the
// transcript. The HTTP control surface starts and stops sessions remotely.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/teslashibe/go-livevoice/internal/config"
	"github.com/teslashibe/go-livevoice/internal/log"
	"github.com/teslashibe/go-livevoice/pkg/audioio"
	"github.com/teslashibe/go-livevoice/pkg/live"
	"github.com/teslashibe/go-livevoice/pkg/session"
	"github.com/teslashibe/go-livevoice/pkg/transcript"
	"github.com/teslashibe/go-livevoice/pkg/web"
)

type flags struct {
	config    string
	debug     bool
	addr      string
	autostart bool
	backend   string
}

func main() {
	if err := run(parseFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses command line flags.
func parseFlags() flags {
	var f flags
	flag.StringVar(&f.config, "config", "", "Config file (default: livevoice.yaml in ., ./configs or ~/.livevoice)")
	flag.BoolVar(&f.debug, "debug", false, "Enable verbose debug logging")
	flag.StringVar(&f.addr, "addr", "", "Control surface listen address (overrides http.addr)")
	flag.BoolVar(&f.autostart, "autostart", false, "Start a voice session immediately")
	flag.StringVar(&f.backend, "backend", "", "Audio backend: auto, portaudio, mock, wav (wav applies to playback only)")
	flag.Parse()
	return f
}

func run(f flags) error {
	loader, err := config.Load(f.config, nil)
	if err != nil {
		return err
	}
	cfg := loader.Config()
	applyFlags(cfg, f)

	level := cfg.Log.Level
	if f.debug {
		level = "debug"
	}
	log.Init(level, cfg.Log.Format)
	logger := log.L()
	if file := loader.File(); file != "" {
		logger.Info("config loaded", "file", file)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gemini := live.NewGemini(cfg.APIKey,
		live.WithHandshakeTimeout(cfg.Connect.HandshakeTimeout),
		live.WithSetupTimeout(cfg.Connect.SetupTimeout),
		live.WithPingInterval(cfg.Connect.PingInterval),
		live.WithLogger(logger),
	)
	dialer := live.NewRetryDialer(gemini, logger)
	dialer.MaxRetries = cfg.Connect.MaxRetries
	dialer.InitialInterval = cfg.Connect.RetryInterval
	ctrl := session.NewController(dialer, session.Options{
		Live:       cfg.Live,
		Input:      cfg.Audio.Input,
		Output:     cfg.Audio.Output,
		SendQueue:  cfg.Audio.SendQueue,
		Logger:     logger,
		Registerer: reg,
	})
	ctrl.Subscribe(printEvent)

	// Prompt and voice edits take effect on the next session.
	loader.Watch(func(next *config.Config) {
		ctrl.SetLiveConfig(next.Live)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	defer ctrl.Stop()

	serveErr := make(chan error, 1)
	if cfg.HTTP.Enabled {
		srv := web.NewServer(ctrl, web.Options{
			Addr:      cfg.HTTP.Addr,
			StaticDir: cfg.HTTP.StaticDir,
			Gatherer:  reg,
			Logger:    logger,
		})
		go func() { serveErr <- srv.Run(ctx) }()
		fmt.Fprintf(os.Stderr, "🌐 Control surface: http://%s\n", displayAddr(cfg.HTTP.Addr))
	}

	if !cfg.HTTP.Enabled {
		// Without a control surface there is no way to start again.
		ctrl.Subscribe(func(ev session.Event) {
			if ev.Type == session.EventStatus && ev.Status == session.StatusIdle {
				cancel()
			}
		})
	}

	if f.autostart || !cfg.HTTP.Enabled {
		if err := ctrl.Start(ctx); err != nil {
			var startup *session.StartupError
			if errors.As(err, &startup) {
				return fmt.Errorf("%s (%w)", startup.Message, startup.Cause)
			}
			return err
		}
		fmt.Fprintln(os.Stderr, "🎙️  Listening. Press Ctrl+C to stop.")
	}

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "\n👋 Shutting down...")
		if cfg.HTTP.Enabled {
			return <-serveErr
		}
		return nil
	case err := <-serveErr:
		return err
	}
}

func applyFlags(cfg *config.Config, f flags) {
	if f.addr != "" {
		cfg.HTTP.Enabled = true
		cfg.HTTP.Addr = f.addr
	}
	if f.backend != "" {
		b := audioio.Backend(f.backend)
		cfg.Audio.Output.Backend = b
		if b != audioio.BackendWAV {
			cfg.Audio.Input.Backend = b
		}
	}
}

func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

// printEvent writes the transcript and session status to the terminal.
func printEvent(ev session.Event) {
	switch ev.Type {
	case session.EventMessage:
		if ev.Message == nil {
			return
		}
		prefix := "🗣️  you"
		if ev.Message.Role == transcript.RoleAssistant {
			prefix = "🤖 gemini"
		}
		fmt.Printf("%s: %s\n", prefix, ev.Message.Text)
	case session.EventError:
		fmt.Fprintf(os.Stderr, "⚠️  %s\n", ev.Error)
	case session.EventStatus:
		fmt.Fprintf(os.Stderr, "• %s\n", ev.Status)
	}
}
