package cloud

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teslashibe/go-narrator/internal/config"
)

// Upstream endpoints and default models.
const (
	GeminiLiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	VertexLiveURL = "wss://%s-aiplatform.googleapis.com/ws/google.cloud.aiplatform.v1beta1.LlmBidiService/BidiGenerateContent"

	DefaultLiveModel     = "models/gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultAnalysisModel = "gemini-2.5-flash"
	DefaultTTSModel      = "gemini-2.5-flash-preview-tts"
	DefaultVoice         = "Kore"
)

// DefaultSystemInstruction primes the live model for narration.
const DefaultSystemInstruction = `You are a calm, concise narrator for a blind or low-vision user.
Describe what the camera shows when asked, warn about obstacles and hazards first,
and keep answers short enough to listen to while walking.
Use the available tools to search the web, shop, find nearby places, describe the
surroundings in detail, or call emergency services when the user is in danger.`

// Config configures the proxy.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// Upstream credentials. Either APIKey (Gemini API) or Project and
	// Location (Vertex AI with application default credentials).
	APIKey   string
	Project  string
	Location string

	// LiveURL overrides the upstream websocket endpoint.
	LiveURL string

	// Models
	LiveModel     string
	AnalysisModel string
	TTSModel      string
	Voice         string

	SystemInstruction string

	// Device authentication. With neither set, devices are not
	// authenticated (local development).
	DeviceKeys []string
	Audience   string // ID token audience

	RateLimit RateLimiterConfig

	RequestTimeout time.Duration // per upstream HTTP call
	DialTimeout    time.Duration // upstream websocket handshake
	BodyLimit      int           // bytes
}

// DefaultConfig returns defaults for a local proxy.
func DefaultConfig() Config {
	return Config{
		Addr:              ":" + config.DefaultProxyPort,
		LiveModel:         DefaultLiveModel,
		AnalysisModel:     DefaultAnalysisModel,
		TTSModel:          DefaultTTSModel,
		Voice:             DefaultVoice,
		SystemInstruction: DefaultSystemInstruction,
		RateLimit:         DefaultRateLimiterConfig(),
		RequestTimeout:    30 * time.Second,
		DialTimeout:       10 * time.Second,
		BodyLimit:         8 << 20,
	}
}

// LoadEnv overlays NARRATOR_PROXY_* and Google credential variables.
func (c *Config) LoadEnv() {
	c.Addr = config.String("NARRATOR_PROXY_ADDR", c.Addr)
	c.APIKey = config.String("GEMINI_API_KEY", config.String("GOOGLE_API_KEY", c.APIKey))
	c.Project = config.String("GOOGLE_CLOUD_PROJECT", c.Project)
	c.Location = config.String("GOOGLE_CLOUD_LOCATION", c.Location)
	c.LiveURL = config.String("NARRATOR_LIVE_URL", c.LiveURL)
	c.LiveModel = config.String("NARRATOR_LIVE_MODEL", c.LiveModel)
	c.AnalysisModel = config.String("NARRATOR_ANALYSIS_MODEL", c.AnalysisModel)
	c.TTSModel = config.String("NARRATOR_TTS_MODEL", c.TTSModel)
	c.Voice = config.String("NARRATOR_VOICE", c.Voice)
	c.Audience = config.String("NARRATOR_PROXY_AUDIENCE", c.Audience)
	if keys := config.String("NARRATOR_PROXY_KEYS", ""); keys != "" {
		c.DeviceKeys = splitList(keys)
	}
	c.RateLimit.RequestsPerSecond = config.Float("NARRATOR_PROXY_RPS", c.RateLimit.RequestsPerSecond)
	c.RateLimit.Burst = config.Int("NARRATOR_PROXY_BURST", c.RateLimit.Burst)
	c.RequestTimeout = config.Duration("NARRATOR_PROXY_TIMEOUT", c.RequestTimeout)
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("cloud: listen address required")
	}
	if c.APIKey == "" && c.Project == "" {
		return errors.New("cloud: GEMINI_API_KEY or GOOGLE_CLOUD_PROJECT required")
	}
	if c.APIKey != "" && c.Project != "" {
		return errors.New("cloud: API key and project are mutually exclusive")
	}
	if c.Project != "" && c.Location == "" {
		return errors.New("cloud: GOOGLE_CLOUD_LOCATION required with a project")
	}
	if c.LiveModel == "" || c.AnalysisModel == "" || c.TTSModel == "" {
		return errors.New("cloud: model names required")
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("cloud: invalid rate limit %.1f/s burst %d",
			c.RateLimit.RequestsPerSecond, c.RateLimit.Burst)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("cloud: request timeout must be positive")
	}
	return nil
}

// UsesVertex reports whether upstream calls go to Vertex AI.
func (c Config) UsesVertex() bool {
	return c.Project != ""
}

// UpstreamURL returns the live websocket endpoint for the configured backend.
func (c Config) UpstreamURL() string {
	if c.LiveURL != "" {
		return c.LiveURL
	}
	if c.UsesVertex() {
		return fmt.Sprintf(VertexLiveURL, c.Location)
	}
	return GeminiLiveURL
}

// LiveModelName returns the model resource name used in the setup envelope.
func (c Config) LiveModelName() string {
	name := strings.TrimPrefix(c.LiveModel, "models/")
	if c.UsesVertex() {
		return fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s", c.Project, c.Location, name)
	}
	return "models/" + name
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
