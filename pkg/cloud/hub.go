// Package cloud is the narrator proxy: it holds the model credentials,
// relays live dialogue sessions between devices and the upstream model,
// and serves the speech, scene analysis, detection and place endpoints.
package cloud

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// LiveSession is one relayed device connection.
type LiveSession struct {
	ID        string
	Device    string
	Voice     string
	Conn      *websocket.Conn
	Connected time.Time

	lastSeen atomic.Int64 // unix nanos
	toDevice atomic.Uint64
	toModel  atomic.Uint64

	mu sync.Mutex
}

// Send writes a text frame to the device.
func (s *LiveSession) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	s.toDevice.Add(1)
	return nil
}

func (s *LiveSession) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last device frame.
func (s *LiveSession) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Hub tracks live sessions.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*LiveSession

	opened         atomic.Uint64
	failed         atomic.Uint64
	framesToModel  atomic.Uint64
	framesToDevice atomic.Uint64
}

// NewHub creates an empty session registry.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*LiveSession)}
}

func (h *Hub) add(conn *websocket.Conn, device, voice string) *LiveSession {
	s := &LiveSession{
		ID:        uuid.NewString(),
		Device:    device,
		Voice:     voice,
		Conn:      conn,
		Connected: time.Now(),
	}
	s.touch()

	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	h.opened.Add(1)
	return s
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

// Get returns a session by ID.
func (h *Hub) Get(id string) *LiveSession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

// Count returns the number of open sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Stats contains relay statistics.
type Stats struct {
	Sessions       int    `json:"sessions"`
	Opened         uint64 `json:"opened"`
	Failed         uint64 `json:"failed"`
	FramesToModel  uint64 `json:"frames_to_model"`
	FramesToDevice uint64 `json:"frames_to_device"`
}

// GetStats returns relay statistics.
func (h *Hub) GetStats() Stats {
	return Stats{
		Sessions:       h.Count(),
		Opened:         h.opened.Load(),
		Failed:         h.failed.Load(),
		FramesToModel:  h.framesToModel.Load(),
		FramesToDevice: h.framesToDevice.Load(),
	}
}

// SessionInfo describes an open session.
type SessionInfo struct {
	ID             string    `json:"id"`
	Device         string    `json:"device,omitempty"`
	Voice          string    `json:"voice"`
	Connected      time.Time `json:"connected"`
	LastSeen       time.Time `json:"last_seen"`
	FramesToModel  uint64    `json:"frames_to_model"`
	FramesToDevice uint64    `json:"frames_to_device"`
}

// Sessions returns info about open sessions, oldest first.
func (h *Hub) Sessions() []SessionInfo {
	h.mu.RLock()
	infos := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		infos = append(infos, SessionInfo{
			ID:             s.ID,
			Device:         s.Device,
			Voice:          s.Voice,
			Connected:      s.Connected,
			LastSeen:       s.LastSeen(),
			FramesToModel:  s.toModel.Load(),
			FramesToDevice: s.toDevice.Load(),
		})
	}
	h.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Connected.Before(infos[j].Connected) })
	return infos
}

// Close disconnects one session.
func (h *Hub) Close(id string) error {
	s := h.Get(id)
	if s == nil {
		return fiber.NewError(fiber.StatusNotFound, "session not found")
	}
	return s.Conn.Close()
}

// RegisterAPIRoutes registers session management routes.
func (h *Hub) RegisterAPIRoutes(api fiber.Router) {
	sessions := api.Group("/sessions")

	sessions.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"sessions": h.Sessions(),
			"count":    h.Count(),
		})
	})

	sessions.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(h.GetStats())
	})

	sessions.Delete("/:id", func(c *fiber.Ctx) error {
		if err := h.Close(c.Params("id")); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"status": "closed"})
	})
}
