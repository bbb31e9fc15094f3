package narrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-narrator/internal/config"
	"github.com/teslashibe/go-narrator/pkg/audioio"
	"github.com/teslashibe/go-narrator/pkg/camera"
	"github.com/teslashibe/go-narrator/pkg/conversation"
	"github.com/teslashibe/go-narrator/pkg/location"
	"github.com/teslashibe/go-narrator/pkg/vision"
	"github.com/teslashibe/go-narrator/pkg/web"
)

// Location modes.
const (
	LocationIP     = "ip"
	LocationStatic = "static"
	LocationNone   = "none"
)

// ProxyConfig locates the backend proxy.
type ProxyConfig struct {
	URL string `yaml:"url"`

	// LiveURL overrides the live websocket URL derived from URL.
	LiveURL string `yaml:"live_url"`

	// APIKey is sent as X-API-Key. Prefer the keyring (config set-key).
	APIKey string `yaml:"api_key"`

	// Audience enables Google ID token auth for the given audience.
	Audience        string `yaml:"audience"`
	CredentialsFile string `yaml:"credentials_file"`

	Timeout time.Duration `yaml:"timeout"`
}

// LiveEndpoint returns the websocket URL for the live dialogue.
func (p ProxyConfig) LiveEndpoint() string {
	if p.LiveURL != "" {
		return p.LiveURL
	}
	return config.WebSocketURL(p.URL, "/ws/live")
}

// LocationConfig selects the locator.
type LocationConfig struct {
	Mode       string        `yaml:"mode"`
	Latitude   float64       `yaml:"latitude"`
	Longitude  float64       `yaml:"longitude"`
	IPEndpoint string        `yaml:"ip_endpoint"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DashboardConfig configures the local dashboard.
type DashboardConfig struct {
	Enabled    bool `yaml:"enabled"`
	web.Config `yaml:",inline"`
}

// Config is the device app configuration.
type Config struct {
	Debug       bool   `yaml:"debug"`
	DebugFrames bool   `yaml:"debug_frames"`
	LogLevel    string `yaml:"log_level"`

	// StorePath holds settings and contacts. ".db" selects SQLite.
	StorePath string `yaml:"store_path"`

	// AnalysisOnStart enables the scene analysis loop at startup.
	AnalysisOnStart bool `yaml:"analysis_on_start"`

	// CameraFacing is the initial facing mode.
	CameraFacing camera.Facing `yaml:"camera_facing"`

	// CameraPreset seeds the camera section before any explicit
	// camera keys are applied.
	CameraPreset string `yaml:"camera_preset"`

	Proxy        ProxyConfig         `yaml:"proxy"`
	Microphone   audioio.Config      `yaml:"microphone"`
	Speaker      audioio.Config      `yaml:"speaker"`
	Camera       camera.Config       `yaml:"camera"`
	Location     LocationConfig      `yaml:"location"`
	Conversation conversation.Config `yaml:"conversation"`
	Vision       vision.Config       `yaml:"vision"`
	Dashboard    DashboardConfig     `yaml:"dashboard"`
}

// DefaultConfig returns the device defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel:        "info",
		StorePath:       defaultStorePath(),
		AnalysisOnStart: false,
		CameraFacing:    camera.FacingBack,
		Proxy: ProxyConfig{
			URL:     config.DefaultProxyURL,
			Timeout: 30 * time.Second,
		},
		Microphone:   audioio.DefaultConfig(),
		Speaker:      audioio.DefaultPlaybackConfig(),
		Camera:       camera.DefaultConfig(),
		Location:     LocationConfig{Mode: LocationIP, Timeout: location.DefaultTimeout},
		Conversation: conversation.DefaultConfig(),
		Vision:       vision.DefaultConfig(),
		Dashboard:    DashboardConfig{Enabled: true, Config: web.DefaultConfig()},
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".narrator", "settings.json")
}

// ConfigError is a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	if c.Proxy.URL == "" && c.Proxy.LiveURL == "" {
		errs = append(errs, &ConfigError{Field: "proxy.url", Message: "proxy URL is required (NARRATOR_PROXY_URL)"})
	}
	if c.Proxy.Timeout <= 0 {
		errs = append(errs, &ConfigError{Field: "proxy.timeout", Message: "must be positive"})
	}
	if c.StorePath == "" {
		errs = append(errs, &ConfigError{Field: "store_path", Message: "is required"})
	}
	if c.CameraFacing != camera.FacingFront && c.CameraFacing != camera.FacingBack {
		errs = append(errs, &ConfigError{Field: "camera_facing", Message: fmt.Sprintf("unknown facing mode %q", c.CameraFacing)})
	}
	if c.CameraPreset != "" && camera.GetPreset(c.CameraPreset) == nil {
		errs = append(errs, &ConfigError{Field: "camera_preset", Message: fmt.Sprintf("unknown preset %q (have %s)", c.CameraPreset, strings.Join(camera.PresetNames(), ", "))})
	}
	if err := c.Microphone.Validate(); err != nil {
		errs = append(errs, &ConfigError{Field: "microphone", Message: err.Error()})
	}
	if err := c.Speaker.Validate(); err != nil {
		errs = append(errs, &ConfigError{Field: "speaker", Message: err.Error()})
	}
	for _, msg := range c.Camera.Validate() {
		errs = append(errs, &ConfigError{Field: "camera", Message: msg})
	}
	if err := c.Conversation.Validate(); err != nil {
		errs = append(errs, &ConfigError{Field: "conversation", Message: err.Error()})
	}
	if err := c.Vision.Validate(); err != nil {
		errs = append(errs, &ConfigError{Field: "vision", Message: err.Error()})
	}
	switch c.Location.Mode {
	case LocationIP, LocationNone:
	case LocationStatic:
		if c.Location.Latitude < -90 || c.Location.Latitude > 90 || c.Location.Longitude < -180 || c.Location.Longitude > 180 {
			errs = append(errs, &ConfigError{Field: "location", Message: "coordinates out of range"})
		}
	default:
		errs = append(errs, &ConfigError{Field: "location.mode", Message: fmt.Sprintf("unknown mode %q", c.Location.Mode)})
	}
	if c.Dashboard.Enabled && c.Dashboard.Addr == "" {
		errs = append(errs, &ConfigError{Field: "dashboard.addr", Message: "is required when the dashboard is enabled"})
	}
	return errors.Join(errs...)
}

// envVarPattern matches ${VAR} references.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} with its value. Unset variables are left
// as written so they show up in validation errors.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		if val, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
			return val
		}
		return match
	})
}

// isEnvReference reports whether s is an unexpanded ${VAR}.
func isEnvReference(s string) bool {
	return strings.HasPrefix(s, "${")
}

// loadEnvFiles loads .env files without overriding the environment.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// ParseConfig overlays YAML onto the defaults. A camera_preset replaces
// the default camera section and explicit camera keys win over it.
func ParseConfig(data []byte) (*Config, error) {
	expanded := []byte(expandEnvVars(string(data)))

	var head struct {
		CameraPreset string `yaml:"camera_preset"`
	}
	if err := yaml.Unmarshal(expanded, &head); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	cfg := DefaultConfig()
	if preset := camera.GetPreset(head.CameraPreset); preset != nil {
		cfg.Camera = *preset
	}
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return &cfg, nil
}

// FindConfigFile returns the first config file in the standard locations.
func FindConfigFile() string {
	candidates := []string{config.DefaultConfigFile, "narrator.yml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".narrator", config.DefaultConfigFile))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// LoadConfig loads .env files, the YAML file at path (defaults when path
// is empty), environment overrides and secrets, then validates.
func LoadConfig(path string) (*Config, error) {
	loadEnvFiles()

	cfg := DefaultConfig()
	cfgPtr := &cfg
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if cfgPtr, err = ParseConfig(data); err != nil {
			return nil, err
		}
	}

	cfgPtr.applyEnv()
	resolveSecrets(cfgPtr)

	if err := cfgPtr.Validate(); err != nil {
		return nil, err
	}
	return cfgPtr, nil
}

// applyEnv applies NARRATOR_* overrides.
func (c *Config) applyEnv() {
	c.Debug = config.Bool("NARRATOR_DEBUG", c.Debug)
	c.LogLevel = config.String("LOG_LEVEL", c.LogLevel)
	c.StorePath = config.String("NARRATOR_STORE", c.StorePath)
	c.Proxy.URL = config.String("NARRATOR_PROXY_URL", c.Proxy.URL)
	c.Proxy.LiveURL = config.String("NARRATOR_LIVE_URL", c.Proxy.LiveURL)
	c.Proxy.Audience = config.String("NARRATOR_PROXY_AUDIENCE", c.Proxy.Audience)
	c.Proxy.CredentialsFile = config.String("GOOGLE_APPLICATION_CREDENTIALS", c.Proxy.CredentialsFile)
	c.Proxy.Timeout = config.Duration("NARRATOR_PROXY_TIMEOUT", c.Proxy.Timeout)
	c.Conversation.Voice = config.String("NARRATOR_VOICE", c.Conversation.Voice)
	c.Speaker.RTPAddr = config.String("NARRATOR_RTP_ADDR", c.Speaker.RTPAddr)
	if c.Speaker.RTPAddr != "" && c.Speaker.Backend == audioio.BackendAuto {
		c.Speaker.Backend = audioio.BackendRTP
	}

	lat, lon := config.Float("NARRATOR_LATITUDE", 999), config.Float("NARRATOR_LONGITUDE", 999)
	if lat != 999 && lon != 999 {
		c.Location.Mode = LocationStatic
		c.Location.Latitude, c.Location.Longitude = lat, lon
	}
}
