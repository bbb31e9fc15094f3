package vision

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultPrompt asks for tight boxes and the emergency marker.
const DefaultPrompt = `Describe this scene for a blind person. Return JSON with:
sceneDescription: one or two sentences. If there is an immediate danger (fire, smoke, a vehicle approaching, a fall, flooding), start with "CRITICAL EMERGENCY: <type>." where <type> is one or two words.
spatialAnalysis: where things are relative to the camera.
detectedObjects: notable objects, each with name, description and a tight boundingBox {yMin, xMin, yMax, xMax} normalized to 0..1.
detectedFaces: each face with a tight boundingBox.`

// Config holds the analysis loop timing and thresholds.
type Config struct {
	// ProximityThreshold is the coverage ratio above which an object is
	// considered dangerously close.
	ProximityThreshold float64 `yaml:"proximity_threshold" json:"proximity_threshold"`

	SuccessDelay   time.Duration `yaml:"success_delay" json:"success_delay"`
	CaptureDelay   time.Duration `yaml:"capture_delay" json:"capture_delay"`
	OfflineDelay   time.Duration `yaml:"offline_delay" json:"offline_delay"`
	QuotaBackoff   time.Duration `yaml:"quota_backoff" json:"quota_backoff"`
	TimeoutBackoff time.Duration `yaml:"timeout_backoff" json:"timeout_backoff"`
	ErrorBackoff   time.Duration `yaml:"error_backoff" json:"error_backoff"`

	// RequestTimeout bounds one detection call.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	Prompt string `yaml:"prompt" json:"prompt"`

	Clock  clock.Clock  `yaml:"-" json:"-"`
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		ProximityThreshold: 0.6,
		SuccessDelay:       2 * time.Second,
		CaptureDelay:       time.Second,
		OfflineDelay:       5 * time.Second,
		QuotaBackoff:       60 * time.Second,
		TimeoutBackoff:     10 * time.Second,
		ErrorBackoff:       5 * time.Second,
		RequestTimeout:     20 * time.Second,
		Prompt:             DefaultPrompt,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ProximityThreshold <= 0 || c.ProximityThreshold > 1 {
		return fmt.Errorf("vision: proximity_threshold must be in (0, 1]")
	}
	for name, d := range map[string]time.Duration{
		"success_delay":   c.SuccessDelay,
		"capture_delay":   c.CaptureDelay,
		"offline_delay":   c.OfflineDelay,
		"quota_backoff":   c.QuotaBackoff,
		"timeout_backoff": c.TimeoutBackoff,
		"error_backoff":   c.ErrorBackoff,
		"request_timeout": c.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("vision: %s must be positive", name)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ProximityThreshold == 0 {
		c.ProximityThreshold = d.ProximityThreshold
	}
	if c.SuccessDelay == 0 {
		c.SuccessDelay = d.SuccessDelay
	}
	if c.CaptureDelay == 0 {
		c.CaptureDelay = d.CaptureDelay
	}
	if c.OfflineDelay == 0 {
		c.OfflineDelay = d.OfflineDelay
	}
	if c.QuotaBackoff == 0 {
		c.QuotaBackoff = d.QuotaBackoff
	}
	if c.TimeoutBackoff == 0 {
		c.TimeoutBackoff = d.TimeoutBackoff
	}
	if c.ErrorBackoff == 0 {
		c.ErrorBackoff = d.ErrorBackoff
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.Prompt == "" {
		c.Prompt = d.Prompt
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
