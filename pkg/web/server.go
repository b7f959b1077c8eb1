// Package web serves the voice session control surface: a JSON API to start
// and stop the session, the transcript, a websocket event stream and
// Prometheus metrics.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/go-livevoice/pkg/hub"
	"github.com/teslashibe/go-livevoice/pkg/session"
	"github.com/teslashibe/go-livevoice/pkg/transcript"
)

// Controller is the part of session.Controller the server drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	Info() session.Info
	Messages() []transcript.Message
	Subscribe(l session.Listener) (unsubscribe func())
}

// Options configures the server.
type Options struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// StaticDir, when set, is served at "/".
	StaticDir string

	// Gatherer backs GET /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// Server is the control surface.
type Server struct {
	app    *fiber.App
	addr   string
	ctrl   Controller
	events *hub.Hub
	logger *slog.Logger

	unsubscribe func()
}

// NewServer builds the routes and starts forwarding controller events to
// websocket clients. Call Run to serve.
func NewServer(ctrl Controller, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	logger := opts.Logger.With("component", "web")

	s := &Server{
		addr:   opts.Addr,
		ctrl:   ctrl,
		events: hub.New("events", opts.Logger),
		logger: logger,
	}

	app := fiber.New(fiber.Config{
		AppName:               "livevoice",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	// CORS for local development
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/session/start", s.handleStart)
	api.Post("/session/stop", s.handleStop)
	api.Get("/messages", s.handleMessages)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	if opts.StaticDir != "" {
		app.Static("/", opts.StaticDir)
	}

	s.app = app
	s.unsubscribe = ctrl.Subscribe(s.forward)
	return s
}

func (s *Server) forward(ev session.Event) {
	if err := s.events.BroadcastJSON(ev); err != nil {
		s.logger.Warn("encode event", "error", err)
	}
}

// Run serves until ctx is cancelled, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.events.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listener(ln) }()
	s.logger.Info("control surface listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.unsubscribe()
	stopHub()
	if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
		return err
	}
	return <-errCh
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
