package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/teslashibe/go-narrator/internal/httpc"
)

// Endpoint paths served by the proxy.
const (
	PathTTS      = "/api/tts"
	PathAnalyze  = "/api/analyze"
	PathDescribe = "/api/describe"
	PathPlaces   = "/api/places"
	PathHealth   = "/healthz"
)

// Client calls the narrator proxy over HTTP.
type Client struct {
	baseURL string
	config  *Config
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a new proxy client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("inference: base URL required")
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = httpc.NewClient(cfg.Timeout)
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		config:  cfg,
		http:    hc,
		logger:  cfg.Logger.With("component", "inference.client"),
	}, nil
}

// BaseURL returns the proxy base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Synthesize returns 24kHz mono PCM16 audio for req.Text.
func (c *Client) Synthesize(ctx context.Context, req *TTSRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyInput
	}
	body := *req
	if body.Voice == "" {
		body.Voice = c.config.Voice
	}

	var out TTSResponse
	if err := c.call(ctx, PathTTS, body, &out); err != nil {
		return nil, err
	}

	pcm, err := base64.StdEncoding.DecodeString(out.Audio)
	if err != nil {
		return nil, WrapError(PathTTS, fmt.Errorf("%w: audio: %v", ErrMalformedResponse, err))
	}
	return pcm, nil
}

// AnalyzeScene returns a narrative description of the image.
func (c *Client) AnalyzeScene(ctx context.Context, req *AnalyzeRequest) (string, error) {
	if req.Image == "" {
		return "", ErrEmptyInput
	}
	var out AnalyzeResponse
	if err := c.call(ctx, PathAnalyze, req, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

// Describe returns structured detection for the image.
func (c *Client) Describe(ctx context.Context, req *DescribeRequest) (*Detection, error) {
	if req.Image == "" {
		return nil, ErrEmptyInput
	}
	var out Detection
	if err := c.call(ctx, PathDescribe, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindPlaces runs a grounded place lookup near the given coordinates.
func (c *Client) FindPlaces(ctx context.Context, req *PlacesRequest) (*PlacesResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyInput
	}
	var out PlacesResponse
	if err := c.call(ctx, PathPlaces, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks proxy connectivity.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathHealth, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.wrapTransport(PathHealth, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.parseError(PathHealth, resp)
	}
	return nil
}

// call POSTs payload as JSON to path and decodes the response into out.
func (c *Client) call(ctx context.Context, path string, payload, out interface{}) error {
	start := time.Now()

	body, err := json.Marshal(payload)
	if err != nil {
		return WrapError(path, fmt.Errorf("marshal request: %w", err))
	}

	resp, err := c.doWithRetry(ctx, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(path, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if IsTimeout(err) {
			return WrapError(path, fmt.Errorf("%w: %v", ErrTimeout, err))
		}
		return WrapError(path, fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}

	c.logger.Debug("request complete", "path", path, "latency_ms", time.Since(start).Milliseconds())
	return nil
}

// doWithRetry performs the request with retry logic for 502/503.
func (c *Client) doWithRetry(ctx context.Context, path string, body []byte) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, c.wrapTransport(path, ctx.Err())
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
		}

		req, err := c.newRequest(ctx, path, body)
		if err != nil {
			return nil, WrapError(path, err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = c.wrapTransport(path, err)
			if IsTimeout(err) || ctx.Err() != nil {
				return nil, lastErr
			}
			c.logger.Warn("request failed, retrying",
				"path", path,
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}

		if resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable {
			lastErr = c.parseError(path, resp)
			resp.Body.Close()
			c.logger.Warn("retrying request",
				"path", path,
				"attempt", attempt+1,
				"status", resp.StatusCode,
			)
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

func (c *Client) newRequest(ctx context.Context, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}
	if c.config.TokenSource != nil {
		tok, err := c.config.TokenSource.Token()
		if err != nil {
			return nil, fmt.Errorf("token: %w", err)
		}
		tok.SetAuthHeader(req)
	}
	return req, nil
}

// wrapTransport tags transport failures, mapping deadlines to ErrTimeout.
func (c *Client) wrapTransport(path string, err error) error {
	if IsTimeout(err) {
		return WrapError(path, fmt.Errorf("%w: %v", ErrTimeout, err))
	}
	return WrapError(path, err)
}

// parseError reads and parses an error response.
func (c *Client) parseError(path string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp ErrorBody
	message := strings.TrimSpace(string(body))
	code := ""
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		code = errResp.Error.Status
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Code:       code,
		Provider:   path,
	}
}

// Verify Client implements Backend at compile time.
var _ Backend = (*Client)(nil)
