package conversation

import (
	"sync"
	"time"
)

// Metrics counts session activity.
type Metrics struct {
	SessionStart time.Time `json:"session_start"`

	ChunksSent        int64 `json:"chunks_sent"`
	ChunksDropped     int64 `json:"chunks_dropped"` // outbound queue full
	FramesSent        int64 `json:"frames_sent"`
	SegmentsScheduled int64 `json:"segments_scheduled"`
	Interruptions     int64 `json:"interruptions"`
	Turns             int64 `json:"turns"`
	ToolCalls         int64 `json:"tool_calls"`
	ToolFailures      int64 `json:"tool_failures"`
	Errors            int64 `json:"errors"`
}

// MetricsCollector collects session metrics. It is goroutine-safe.
type MetricsCollector struct {
	mu      sync.Mutex
	current Metrics
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// Reset starts a new session.
func (m *MetricsCollector) Reset(start time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = Metrics{SessionStart: start}
}

// Update applies fn to the current metrics under the lock.
func (m *MetricsCollector) Update(fn func(*Metrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.current)
}

// Current returns the current metrics snapshot.
func (m *MetricsCollector) Current() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
