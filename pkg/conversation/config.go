package conversation

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Config holds orchestrator configuration.
type Config struct {
	// Voice is the synthesis voice for SpeakAndLog.
	Voice string `yaml:"voice" json:"voice"`

	// FrameInterval is the live video cadence while the visual pane is
	// active (200ms = 5 fps).
	FrameInterval time.Duration `yaml:"frame_interval" json:"frame_interval"`

	// OutboundQueue bounds queued mic chunks and frames.
	OutboundQueue int `yaml:"outbound_queue" json:"outbound_queue"`

	// DialTimeout bounds transport setup.
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`

	// ToolTimeout bounds a single tool execution.
	ToolTimeout time.Duration `yaml:"tool_timeout" json:"tool_timeout"`

	// Clock drives playback scheduling and frame sampling.
	Clock clock.Clock `yaml:"-" json:"-"`

	// Logger is the structured logger to use.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns the device defaults.
func DefaultConfig() Config {
	return Config{
		Voice:         "Kore",
		FrameInterval: 200 * time.Millisecond,
		OutboundQueue: 64,
		DialTimeout:   15 * time.Second,
		ToolTimeout:   30 * time.Second,
	}
}

// Validate checks ranges.
func (c *Config) Validate() error {
	if c.FrameInterval < 50*time.Millisecond {
		return fmt.Errorf("conversation: frame_interval must be at least 50ms")
	}
	if c.OutboundQueue < 1 {
		return fmt.Errorf("conversation: outbound_queue must be positive")
	}
	if c.DialTimeout <= 0 || c.ToolTimeout <= 0 {
		return fmt.Errorf("conversation: timeouts must be positive")
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.FrameInterval == 0 {
		c.FrameInterval = d.FrameInterval
	}
	if c.OutboundQueue == 0 {
		c.OutboundQueue = d.OutboundQueue
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.ToolTimeout == 0 {
		c.ToolTimeout = d.ToolTimeout
	}
	if c.Voice == "" {
		c.Voice = d.Voice
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
