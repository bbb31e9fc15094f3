package web

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-narrator/pkg/vision"
)

// actionTimeout bounds controller calls made from HTTP handlers.
const actionTimeout = 30 * time.Second

func (s *Server) setupRoutes() {
	api := s.app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/logs", s.handleGetLogs)
	api.Get("/clients", s.handleClients)
	api.Get("/messages", s.handleGetMessages)
	api.Delete("/messages", s.handleClearMessages)
	api.Get("/tools", s.handleListTools)
	api.Post("/tools/:name", s.handleTriggerTool)

	api.Post("/session/start", s.handleStartSession)
	api.Post("/session/stop", s.handleStopSession)
	api.Post("/speaking/stop", s.handleStopSpeaking)
	api.Post("/visual", s.handleVisual)
	api.Post("/analysis", s.handleAnalysis)
	api.Post("/select/:index", s.handleSelect)
	api.Post("/camera/facing", s.handleToggleFacing)
	api.Post("/camera/torch", s.handleToggleTorch)
	api.Post("/emergency/clear", s.handleClearEmergency)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws/status", websocket.New(s.serveStatusWS))
	s.app.Get("/ws/transcript", websocket.New(s.serveTranscriptWS))
	s.app.Get("/ws/logs", websocket.New(s.serveLogsWS))
	s.app.Get("/ws/camera", websocket.New(s.serveCameraWS))
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.State())
}

func (s *Server) handleGetLogs(c *fiber.Ctx) error {
	return c.JSON(s.Logs())
}

func (s *Server) handleClients(c *fiber.Ctx) error {
	return c.JSON(s.Clients())
}

// controller returns the attached controller or a 503.
func (s *Server) controller() (Controller, error) {
	if s.ctrl == nil {
		return nil, fiber.NewError(fiber.StatusServiceUnavailable, ErrNoController.Error())
	}
	return s.ctrl, nil
}

func (s *Server) actionContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), actionTimeout)
}

func (s *Server) handleGetMessages(c *fiber.Ctx) error {
	ctrl, err := s.controller()
	if err != nil {
		return err
	}
	return c.JSON(ctrl.Messages())
}

func (s *Server) handleClearMessages(c *fiber.Ctx) error {
	ctrl, err := s.controller()
	if err != nil {
		return err
	}
	ctrl.ClearMessages()
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleListTools(c *fiber.Ctx) error {
	ctrl, err := s.controller()
	if err != nil {
		return err
	}
	return c.JSON(ctrl.Tools())
}

// TriggerToolRequest is the body of a manual tool run.
type TriggerToolRequest struct {
	Args map[string]interface{} `json:"args"`
}

func (s *Server) handleTriggerTool(c *fiber.Ctx) error {
	ctrl, err := s.controller()
	if err != nil {
		return err
	}
	name := c.Params("name")

	var req TriggerToolRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
		}
	}
	if req.Args == nil {
		req.Args = map[string]interface{}{}
	}

	ctx, cancel := s.actionContext(c)
	defer cancel()
	result, err := ctrl.RunTool(ctx, name, req.Args)
	if err != nil {
		s.AddLog("error", "manual "+name+": "+err.Error())
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	s.AddLog("tool", "manual "+name)
	return c.JSON(fiber.Map{
		"tool":   name,
		"result": result,
	})
}

func (s *Server) handleStartSession(c *fiber.Ctx) error {
	ctrl, err := s.controller()
	if err != nil {
		return err
	}
	ctx, cancel := s.actionContext(c)
	defer cancel()
	if err := ctrl.StartSession(ctx); err != nil {
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	}
	return c.JSON(s.State())
}

func (s *Server) handleStopSession(c *fiber.Ctx) error {
	ctrl, err := s.controller()
	if err != nil {
		return err
	}
	ctrl.StopSession()
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleStopSpeaking(c *fiber.Ctx) error {
	ctrl, err := s.controller()
	if err != nil {
		return err
	}
	ctrl.StopSpeaking()
	return c.SendStatus(fiber.StatusNoContent)
}

type toggleRequest struct {
	Active  *bool `json:"active"`
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleVisual(c *fiber.Ctx) error {
	ctrl, err := s.controller()
	if err != nil {
		return err
	}
	var req toggleRequest
	if err := c.BodyParser(&req); err != nil || req.Active == nil {
		return fiber.NewError(fiber.StatusBadRequest, `body must be {"active": bool}`)
	}
	ctx, cancel := s.actionContext(c)
	defer cancel()
	if err := ctrl.SetVisualActive(ctx, *req.Active); err != nil {
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}
	s.UpdateState(func(d *State) { d.VisualActive = *req.Active })
	return c.JSON(s.State())
}

func (s *Server) handleAnalysis(c *fiber.Ctx) error {
	ctrl, err := s.controller()
	if err != nil {
		return err
	}
	var req toggleRequest
	if err := c.BodyParser(&req); err != nil || req.Enabled == nil {
		return fiber.NewError(fiber.StatusBadRequest, `body must be {"enabled": bool}`)
	}
	ctrl.SetAnalysisEnabled(*req.Enabled)
	s.UpdateState(func(d *State) {
		d.AnalysisEnabled = *req.Enabled
		if !*req.Enabled {
			d.Result = nil
			d.Selected = -1
			d.Analysis = vision.Status{Phase: vision.PhaseIdle}
		}
	})
	return c.JSON(s.State())
}

func (s *Server) handleSelect(c *fiber.Ctx) error {
	ctrl, err := s.controller()
	if err != nil {
		return err
	}
	index, err := c.ParamsInt("index")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "index must be an integer")
	}
	if err := ctrl.Select(index); err != nil {
		if errors.Is(err, vision.ErrNoSelection) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return err
	}
	s.UpdateState(func(d *State) { d.Selected = index })
	return c.JSON(s.State())
}

func (s *Server) handleToggleFacing(c *fiber.Ctx) error {
	ctrl, err := s.controller()
	if err != nil {
		return err
	}
	ctx, cancel := s.actionContext(c)
	defer cancel()
	if err := ctrl.ToggleFacing(ctx); err != nil {
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}
	return c.JSON(s.State())
}

func (s *Server) handleToggleTorch(c *fiber.Ctx) error {
	ctrl, err := s.controller()
	if err != nil {
		return err
	}
	if err := ctrl.ToggleTorch(); err != nil {
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}
	return c.JSON(s.State())
}

func (s *Server) handleClearEmergency(c *fiber.Ctx) error {
	ctrl, err := s.controller()
	if err != nil {
		return err
	}
	ctrl.ClearEmergency()
	s.UpdateState(func(d *State) { d.Emergency = nil })
	return c.SendStatus(fiber.StatusNoContent)
}
