package inference

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Config holds client configuration.
type Config struct {
	// Connection
	BaseURL string // proxy base URL
	APIKey  string // sent as X-API-Key (optional)

	// TokenSource adds a bearer token to each request (optional).
	TokenSource oauth2.TokenSource

	// Voice is the default synthesis voice.
	Voice string

	// Timeouts
	Timeout time.Duration

	// Retry configuration for 502/503 responses
	MaxRetries int
	RetryDelay time.Duration

	// HTTPClient overrides the default client.
	HTTPClient *http.Client

	// Observability
	Logger *slog.Logger
}

// Option is a functional option for configuring the client.
type Option func(*Config)

// WithBaseURL sets the proxy base URL.
// Example: "http://localhost:8080"
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithAPIKey sets the proxy API key.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithTokenSource sets a bearer token source, typically an ID token source.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Config) { c.TokenSource = ts }
}

// WithVoice sets the default synthesis voice.
func WithVoice(voice string) Option {
	return func(c *Config) { c.Voice = voice }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithRetry configures retry behavior.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Config) { c.HTTPClient = hc }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultConfig returns defaults for a local proxy.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "http://localhost:8080",
		Voice:      "Kore",
		Timeout:    30 * time.Second,
		MaxRetries: 1,
		RetryDelay: 250 * time.Millisecond,
		Logger:     slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}
