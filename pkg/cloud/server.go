package cloud

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/teslashibe/go-narrator/pkg/audioio"
	"github.com/teslashibe/go-narrator/pkg/inference"
	"github.com/teslashibe/go-narrator/pkg/protocol"
)

// Status strings in error bodies.
const (
	statusInvalidArgument   = "INVALID_ARGUMENT"
	statusUnauthenticated   = "UNAUTHENTICATED"
	statusRateLimited       = inference.StatusResourceExhausted
	statusDeadlineExceeded  = inference.StatusDeadlineExceeded
	statusUnavailable       = "UNAVAILABLE"
	statusInternal          = "INTERNAL"
	statusMalformedUpstream = "MALFORMED_RESPONSE"
)

var errBadRequest = errors.New("bad request")

// Deps are the proxy collaborators.
type Deps struct {
	Backend inference.Backend

	// Upstream authenticates the live relay. Nil dials without credentials.
	Upstream *UpstreamAuth

	// Tools are declared to the live model.
	Tools []protocol.FunctionDeclaration

	// Validator checks device ID tokens. Nil uses idtoken.Validate.
	Validator TokenValidator

	Logger *slog.Logger
}

// Server is the proxy HTTP and websocket server.
type Server struct {
	cfg     Config
	app     *fiber.App
	backend inference.Backend
	hub     *Hub
	relay   *Relay
	auth    *DeviceAuth
	limits  *rateLimiterStore
	logger  *slog.Logger
}

// NewServer wires the routes.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Backend == nil {
		return nil, errors.New("cloud: backend required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		backend: deps.Backend,
		hub:     NewHub(),
		auth:    NewDeviceAuth(cfg.DeviceKeys, cfg.Audience, deps.Validator),
		limits:  newRateLimiterStore(cfg.RateLimit),
		logger:  deps.Logger.With("component", "cloud"),
	}
	s.relay = NewRelay(cfg, s.hub, deps.Upstream, deps.Tools, deps.Logger)

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             cfg.BodyLimit,
		ErrorHandler:          s.handleError,
	})
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.app.Get(inference.PathHealth, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "sessions": s.hub.Count()})
	})

	api := s.app.Group("/api", s.auth.Middleware(), rateLimit(s.limits))
	api.Post("/tts", s.handleTTS)
	api.Post("/analyze", s.handleAnalyze)
	api.Post("/describe", s.handleDescribe)
	api.Post("/places", s.handlePlaces)
	s.hub.RegisterAPIRoutes(api)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, s.auth.Middleware())
	s.app.Get("/ws/live", websocket.New(s.relay.Handle))
}

// App returns the Fiber app (for tests).
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the live session registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Relay returns the live relay.
func (s *Server) Relay() *Relay {
	return s.relay
}

// Start listens on the configured address.
func (s *Server) Start() error {
	s.logger.Info("proxy listening", "addr", s.cfg.Addr, "upstream", s.cfg.UpstreamURL())
	return s.app.Listen(s.cfg.Addr)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// Shutdown stops the server and the limiter cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limits.stop()
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), s.cfg.RequestTimeout)
}

func (s *Server) handleTTS(c *fiber.Ctx) error {
	var req inference.TTSRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fiber.StatusBadRequest, statusInvalidArgument, "invalid JSON body")
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	pcm, err := s.backend.Synthesize(ctx, &req)
	if err != nil {
		return s.backendError(c, err)
	}
	return c.JSON(inference.TTSResponse{
		Audio:      base64.StdEncoding.EncodeToString(pcm),
		MimeType:   protocol.MimeAudioOutput,
		SampleRate: audioio.OutputSampleRate,
	})
}

func (s *Server) handleAnalyze(c *fiber.Ctx) error {
	var req inference.AnalyzeRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fiber.StatusBadRequest, statusInvalidArgument, "invalid JSON body")
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		return writeError(c, fiber.StatusBadRequest, statusInvalidArgument, "latitude and longitude must be sent together")
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	text, err := s.backend.AnalyzeScene(ctx, &req)
	if err != nil {
		return s.backendError(c, err)
	}
	return c.JSON(inference.AnalyzeResponse{Text: text})
}

func (s *Server) handleDescribe(c *fiber.Ctx) error {
	var req inference.DescribeRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fiber.StatusBadRequest, statusInvalidArgument, "invalid JSON body")
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	det, err := s.backend.Describe(ctx, &req)
	if err != nil {
		return s.backendError(c, err)
	}
	return c.JSON(det)
}

func (s *Server) handlePlaces(c *fiber.Ctx) error {
	var req inference.PlacesRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, fiber.StatusBadRequest, statusInvalidArgument, "invalid JSON body")
	}
	if req.Latitude < -90 || req.Latitude > 90 || req.Longitude < -180 || req.Longitude > 180 {
		return writeError(c, fiber.StatusBadRequest, statusInvalidArgument, "coordinates out of range")
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	resp, err := s.backend.FindPlaces(ctx, &req)
	if err != nil {
		return s.backendError(c, err)
	}
	if resp.Sources == nil {
		resp.Sources = []inference.Source{}
	}
	return c.JSON(resp)
}

// backendError logs err and writes the matching error body.
func (s *Server) backendError(c *fiber.Ctx, err error) error {
	code, status, message := StatusFor(err)
	if code >= fiber.StatusInternalServerError {
		s.logger.Warn("upstream call failed", "path", c.Path(), "status", code, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", c.Path(), "status", code, "error", err)
	}
	return writeError(c, code, status, message)
}

// StatusFor maps a backend error to an HTTP code, status string and
// client-facing message. Quota exhaustion is 429 and timeouts are 504 so
// devices can pick their backoff.
func StatusFor(err error) (int, string, string) {
	var apiErr *inference.APIError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, inference.ErrEmptyInput):
		return fiber.StatusBadRequest, statusInvalidArgument, err.Error()
	case errors.Is(err, inference.ErrQuotaExceeded):
		return fiber.StatusTooManyRequests, statusRateLimited, "upstream quota exhausted"
	case inference.IsTimeout(err):
		return fiber.StatusGatewayTimeout, statusDeadlineExceeded, "upstream timed out"
	case errors.Is(err, inference.ErrMalformedResponse):
		return fiber.StatusBadGateway, statusMalformedUpstream, "upstream returned an unreadable response"
	case errors.As(err, &apiErr):
		if apiErr.StatusCode == fiber.StatusBadRequest {
			return fiber.StatusBadRequest, statusInvalidArgument, apiErr.Message
		}
		return fiber.StatusBadGateway, statusUnavailable, apiErr.Message
	}
	return fiber.StatusInternalServerError, statusInternal, "internal error"
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return writeError(c, fe.Code, statusName(fe.Code), fe.Message)
	}
	s.logger.Error("handler error", "path", c.Path(), "error", err)
	return writeError(c, fiber.StatusInternalServerError, statusInternal, "internal error")
}

// writeError writes {"error":{"code","message","status"}}.
func writeError(c *fiber.Ctx, code int, status, message string) error {
	var body inference.ErrorBody
	body.Error.Code = code
	body.Error.Message = message
	body.Error.Status = status
	return c.Status(code).JSON(body)
}

func statusName(code int) string {
	switch code {
	case fiber.StatusBadRequest:
		return statusInvalidArgument
	case fiber.StatusUnauthorized:
		return statusUnauthenticated
	case fiber.StatusTooManyRequests:
		return statusRateLimited
	case fiber.StatusGatewayTimeout:
		return statusDeadlineExceeded
	}
	return strings.ToUpper(strings.ReplaceAll(utils.StatusMessage(code), " ", "_"))
}
