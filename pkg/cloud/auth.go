package cloud

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"
)

const (
	localDevice = "device"

	headerAPIKey = "X-API-Key"
	cloudScope   = "https://www.googleapis.com/auth/cloud-platform"
)

// TokenValidator checks a Google-signed ID token. idtoken.Validate in
// production.
type TokenValidator func(ctx context.Context, token, audience string) (*idtoken.Payload, error)

// DeviceAuth authenticates devices by API key or ID token.
type DeviceAuth struct {
	keys     []string
	audience string
	validate TokenValidator
}

// NewDeviceAuth builds the device authenticator. A nil validator uses
// idtoken.Validate.
func NewDeviceAuth(keys []string, audience string, validate TokenValidator) *DeviceAuth {
	if validate == nil {
		validate = idtoken.Validate
	}
	return &DeviceAuth{keys: keys, audience: audience, validate: validate}
}

// Enabled reports whether any credential is required.
func (a *DeviceAuth) Enabled() bool {
	return len(a.keys) > 0 || a.audience != ""
}

// Authenticate returns the device identity for the request credentials.
// Websocket clients that cannot set headers pass the key as ?key=.
func (a *DeviceAuth) Authenticate(ctx context.Context, apiKey, authorization string) (string, error) {
	if !a.Enabled() {
		return "", nil
	}

	if apiKey != "" {
		for i, k := range a.keys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(k)) == 1 {
				return fmt.Sprintf("key-%d", i), nil
			}
		}
		return "", fmt.Errorf("invalid API key")
	}

	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || token == "" || a.audience == "" {
		return "", fmt.Errorf("missing credentials")
	}
	payload, err := a.validate(ctx, token, a.audience)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if email, ok := payload.Claims["email"].(string); ok && email != "" {
		return email, nil
	}
	return payload.Subject, nil
}

// Middleware rejects unauthenticated requests with 401 and stores the
// device identity in the request locals.
func (a *DeviceAuth) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get(headerAPIKey)
		if key == "" {
			key = c.Query("key")
		}
		device, err := a.Authenticate(c.UserContext(), key, c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return writeError(c, fiber.StatusUnauthorized, statusUnauthenticated, err.Error())
		}
		c.Locals(localDevice, device)
		return c.Next()
	}
}

// UpstreamAuth decorates the upstream live handshake with credentials:
// the API key as a query parameter, or an ADC bearer token for Vertex AI.
type UpstreamAuth struct {
	apiKey string
	tokens oauth2.TokenSource
}

// NewUpstreamAuth resolves upstream credentials for cfg.
func NewUpstreamAuth(ctx context.Context, cfg Config) (*UpstreamAuth, error) {
	if !cfg.UsesVertex() {
		return &UpstreamAuth{apiKey: cfg.APIKey}, nil
	}
	ts, err := google.DefaultTokenSource(ctx, cloudScope)
	if err != nil {
		return nil, fmt.Errorf("cloud: default credentials: %w", err)
	}
	return &UpstreamAuth{tokens: oauth2.ReuseTokenSource(nil, ts)}, nil
}

// StaticUpstreamAuth authenticates with a fixed API key.
func StaticUpstreamAuth(apiKey string) *UpstreamAuth {
	return &UpstreamAuth{apiKey: apiKey}
}

// Apply returns the dial URL and headers for rawURL.
func (u *UpstreamAuth) Apply(rawURL string) (string, http.Header, error) {
	header := make(http.Header)
	if u == nil {
		return rawURL, header, nil
	}
	if u.tokens != nil {
		tok, err := u.tokens.Token()
		if err != nil {
			return "", nil, fmt.Errorf("cloud: upstream token: %w", err)
		}
		tok.SetAuthHeader(&http.Request{Header: header})
		return rawURL, header, nil
	}
	if u.apiKey == "" {
		return rawURL, header, nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, fmt.Errorf("cloud: upstream url: %w", err)
	}
	q := parsed.Query()
	q.Set("key", u.apiKey)
	parsed.RawQuery = q.Encode()
	return parsed.String(), header, nil
}
