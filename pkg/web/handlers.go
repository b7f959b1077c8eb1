package web

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-livevoice/pkg/hub"
	"github.com/teslashibe/go-livevoice/pkg/session"
)

// handleStatus returns the controller snapshot.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.Info())
}

// handleStart opens a session and responds once it is connecting or active.
func (s *Server) handleStart(c *fiber.Ctx) error {
	err := s.ctrl.Start(c.UserContext())

	var startup *session.StartupError
	switch {
	case err == nil:
		return c.JSON(s.ctrl.Info())
	case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, session.ErrStopped):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.As(err, &startup):
		s.logger.Warn("session start failed", "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":  startup.Message,
			"detail": err.Error(),
		})
	default:
		return err
	}
}

// handleStop ends the session. Stopping an idle controller is not an error.
func (s *Server) handleStop(c *fiber.Ctx) error {
	if err := s.ctrl.Stop(); err != nil {
		return err
	}
	return c.JSON(s.ctrl.Info())
}

// handleMessages returns the transcript log.
func (s *Server) handleMessages(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.Messages())
}

// handleEventsWS streams controller events, starting with the current status.
func (s *Server) handleEventsWS(c *websocket.Conn) {
	info := s.ctrl.Info()
	snapshot, err := json.Marshal(session.Event{
		Type:      session.EventStatus,
		Status:    info.Status,
		SessionID: info.SessionID,
		Error:     info.Error,
		Time:      info.StartedAt,
	})
	if err != nil {
		s.logger.Warn("encode snapshot", "error", err)
		return
	}
	hub.NewClient(s.events, c, snapshot).Run()
}
