// Package web serves the narrator dashboard: live session state, the chat
// transcript, detection boxes with the proximity and emergency banners, a
// camera preview and manual controls.
package web

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/filesystem"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-narrator/internal/config"
	"github.com/teslashibe/go-narrator/pkg/camera"
	"github.com/teslashibe/go-narrator/pkg/conversation"
	"github.com/teslashibe/go-narrator/pkg/hub"
	"github.com/teslashibe/go-narrator/pkg/location"
	"github.com/teslashibe/go-narrator/pkg/protocol"
	"github.com/teslashibe/go-narrator/pkg/tools"
	"github.com/teslashibe/go-narrator/pkg/vision"
)

//go:embed static
var static embed.FS

// ErrNoController is returned by action routes on a read-only dashboard.
var ErrNoController = errors.New("web: no controller attached")

// Controller performs dashboard actions on the running app.
type Controller interface {
	StartSession(ctx context.Context) error
	StopSession()
	StopSpeaking()
	SetVisualActive(ctx context.Context, active bool) error
	SetAnalysisEnabled(enabled bool)
	Select(index int) error
	ToggleFacing(ctx context.Context) error
	ToggleTorch() error
	ClearEmergency()
	Messages() []conversation.ChatMessage
	ClearMessages()
	Tools() []protocol.FunctionDeclaration
	RunTool(ctx context.Context, name string, args map[string]interface{}) (tools.Result, error)
}

// Config configures the dashboard server.
type Config struct {
	Addr         string `yaml:"addr" json:"addr"`
	AllowOrigins string `yaml:"allow_origins" json:"allow_origins"`
	LogBuffer    int    `yaml:"log_buffer" json:"log_buffer"`
}

// DefaultConfig returns the dashboard defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:" + config.DefaultWebPort,
		AllowOrigins: "*",
		LogBuffer:    500,
	}
}

// Emergency is the banner raised by the analysis loop or the emergency tool.
type Emergency struct {
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	Time        time.Time `json:"time"`
}

// State is the dashboard snapshot.
type State struct {
	Session      conversation.State   `json:"session"`
	Listening    bool                 `json:"listening"`
	Speaking     bool                 `json:"speaking"`
	VisualActive bool                 `json:"visual_active"`
	Camera       camera.State         `json:"camera"`
	Location     location.State       `json:"location"`
	Metrics      conversation.Metrics `json:"metrics"`

	AnalysisEnabled bool                   `json:"analysis_enabled"`
	Analysis        vision.Status          `json:"analysis"`
	Result          *vision.AnalysisResult `json:"result,omitempty"`
	Selected        int                    `json:"selected"`

	Emergency *Emergency `json:"emergency,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// LogEntry is one activity line.
type LogEntry struct {
	Time    string `json:"time"`
	Type    string `json:"type"` // info, tool, analysis, error, emergency
	Message string `json:"message"`
}

// Server is the dashboard server.
type Server struct {
	cfg    Config
	app    *fiber.App
	ctrl   Controller
	clock  clock.Clock
	logger *slog.Logger

	stateMu sync.RWMutex
	state   State

	logsMu sync.RWMutex
	logs   []LogEntry

	statusHub     *hub.Hub
	transcriptHub *hub.Hub
	logHub        *hub.Hub
	cameraHub     *hub.Hub
	hubsOnce      sync.Once
}

// NewServer creates the dashboard. ctrl may be nil for a read-only view.
func NewServer(cfg Config, ctrl Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LogBuffer <= 0 {
		cfg.LogBuffer = DefaultConfig().LogBuffer
	}
	s := &Server{
		cfg:           cfg,
		ctrl:          ctrl,
		clock:         clock.New(),
		logger:        logger.With("component", "web"),
		state:         State{Selected: -1},
		logs:          make([]LogEntry, 0, cfg.LogBuffer),
		statusHub:     hub.New("status", logger),
		transcriptHub: hub.New("transcript", logger),
		logHub:        hub.New("logs", logger),
		cameraHub:     hub.New("camera", logger),
	}

	app := fiber.New(fiber.Config{
		AppName:               "Narrator Dashboard",
		DisableStartupMessage: true,
	})
	app.Use(cors.New(cors.Config{AllowOrigins: cfg.AllowOrigins}))
	s.app = app
	s.setupRoutes()

	assets, _ := fs.Sub(static, "static")
	app.Use("/", filesystem.New(filesystem.Config{
		Root:  http.FS(assets),
		Index: "index.html",
	}))
	return s
}

// App returns the Fiber app (for tests).
func (s *Server) App() *fiber.App {
	return s.app
}

// StartHubs starts the broadcast loops. Start and Serve call it.
func (s *Server) StartHubs() {
	s.hubsOnce.Do(func() {
		go s.statusHub.Run()
		go s.transcriptHub.Run()
		go s.logHub.Run()
		go s.cameraHub.Run()
	})
}

// Start listens on the configured address.
func (s *Server) Start() error {
	s.StartHubs()
	s.logger.Info("dashboard listening", "addr", s.cfg.Addr)
	return s.app.Listen(s.cfg.Addr)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.StartHubs()
	return s.app.Listener(ln)
}

// StartAsync serves in a goroutine and logs the exit error.
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Warn("dashboard stopped", "error", err)
		}
	}()
}

// Shutdown disconnects clients and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.statusHub.Stop()
	s.transcriptHub.Stop()
	s.logHub.Stop()
	s.cameraHub.Stop()
	return s.app.ShutdownWithContext(ctx)
}

// State returns a copy of the dashboard snapshot.
func (s *Server) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// UpdateState applies update and broadcasts the new snapshot.
func (s *Server) UpdateState(update func(*State)) {
	s.stateMu.Lock()
	update(&s.state)
	s.state.UpdatedAt = s.clock.Now()
	state := s.state
	s.stateMu.Unlock()

	if err := s.statusHub.BroadcastJSON(state); err != nil {
		s.logger.Warn("encode state", "error", err)
	}
}

// SetSessionState records an orchestrator state change.
func (s *Server) SetSessionState(st conversation.State) {
	s.UpdateState(func(d *State) {
		d.Session = st
		d.Listening = st == conversation.StateListening
		d.Speaking = st == conversation.StateSpeaking
	})
}

// SetCamera records a capture state change.
func (s *Server) SetCamera(st camera.State) {
	s.UpdateState(func(d *State) { d.Camera = st })
	if st.LastError != nil {
		s.AddLog("error", st.LastError.Message())
	}
}

// SetLocation records a location state change.
func (s *Server) SetLocation(st location.State) {
	s.UpdateState(func(d *State) { d.Location = st })
}

// SetAnalysisStatus records the outcome of an analysis cycle. Quota
// exhaustion clears the boxes on screen.
func (s *Server) SetAnalysisStatus(st vision.Status) {
	s.UpdateState(func(d *State) {
		d.Analysis = st
		if st.Phase == vision.PhaseQuota {
			d.Result = nil
			d.Selected = -1
		}
	})
	switch st.Phase {
	case vision.PhaseQuota, vision.PhaseTimeout, vision.PhaseError:
		s.AddLog("analysis", string(st.Phase)+": "+st.Message)
	}
}

// SetResult shows a new detection. The selection is reset because indices
// refer to the previous result.
func (s *Server) SetResult(res *vision.AnalysisResult) {
	s.UpdateState(func(d *State) {
		d.Result = res
		d.Selected = -1
	})
}

// RaiseEmergency shows the emergency banner.
func (s *Server) RaiseEmergency(kind, description string) {
	now := s.clock.Now()
	s.UpdateState(func(d *State) {
		d.Emergency = &Emergency{Kind: kind, Description: description, Time: now}
	})
	s.AddLog("emergency", description)
}

// AddMessage relays a chat log entry to transcript clients.
func (s *Server) AddMessage(msg conversation.ChatMessage) {
	if err := s.transcriptHub.BroadcastJSON(msg); err != nil {
		s.logger.Warn("encode message", "error", err)
	}
	if msg.IsError {
		s.AddLog("error", msg.Text)
	}
}

// AddLog appends an activity line and broadcasts it.
func (s *Server) AddLog(logType, message string) {
	entry := LogEntry{
		Time:    s.clock.Now().Format("15:04:05"),
		Type:    logType,
		Message: message,
	}

	s.logsMu.Lock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > s.cfg.LogBuffer {
		s.logs = s.logs[len(s.logs)-s.cfg.LogBuffer:]
	}
	s.logsMu.Unlock()

	s.logHub.BroadcastJSON(entry)
}

// Logs returns the buffered activity lines.
func (s *Server) Logs() []LogEntry {
	s.logsMu.RLock()
	defer s.logsMu.RUnlock()
	out := make([]LogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}

// SendCameraFrame sends a JPEG preview to camera clients. Frames are
// skipped when nobody is watching.
func (s *Server) SendCameraFrame(jpeg []byte) {
	if s.cameraHub.ClientCount() == 0 {
		return
	}
	s.cameraHub.BroadcastBinary(jpeg)
}

// Clients returns the connected client count per stream.
func (s *Server) Clients() map[string]int {
	return map[string]int{
		"status":     s.statusHub.ClientCount(),
		"transcript": s.transcriptHub.ClientCount(),
		"logs":       s.logHub.ClientCount(),
		"camera":     s.cameraHub.ClientCount(),
	}
}

func (s *Server) serveStatusWS(c *websocket.Conn) {
	initial, err := hub.JSON(s.State())
	if err != nil {
		c.Close()
		return
	}
	hub.NewClient(s.statusHub, c, initial).Run()
}

func (s *Server) serveTranscriptWS(c *websocket.Conn) {
	var initial []hub.Message
	if s.ctrl != nil {
		for _, m := range s.ctrl.Messages() {
			if msg, err := hub.JSON(m); err == nil {
				initial = append(initial, msg)
			}
		}
	}
	hub.NewClient(s.transcriptHub, c, initial...).Run()
}

func (s *Server) serveLogsWS(c *websocket.Conn) {
	var initial []hub.Message
	for _, e := range s.Logs() {
		if msg, err := hub.JSON(e); err == nil {
			initial = append(initial, msg)
		}
	}
	hub.NewClient(s.logHub, c, initial...).Run()
}

func (s *Server) serveCameraWS(c *websocket.Conn) {
	hub.NewClient(s.cameraHub, c).Run()
}
