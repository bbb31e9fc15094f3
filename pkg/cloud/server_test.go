package cloud

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/idtoken"

	"github.com/teslashibe/go-narrator/pkg/inference"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.RequestTimeout = 2 * time.Second
	cfg.DialTimeout = 2 * time.Second
	return cfg
}

func newTestServer(t *testing.T, cfg Config, backend inference.Backend) *Server {
	t.Helper()
	srv, err := NewServer(cfg, Deps{Backend: backend, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { srv.limits.stop() })
	return srv
}

func postJSON(t *testing.T, srv *Server, path string, body interface{}, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(data)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := srv.App().Test(req, 5000)
	if err != nil {
		t.Fatalf("%s: %v", path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func decodeError(t *testing.T, body []byte) inference.ErrorBody {
	t.Helper()
	var eb inference.ErrorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		t.Fatalf("error body %q: %v", body, err)
	}
	return eb
}

func TestNewServer_RequiresBackend(t *testing.T) {
	if _, err := NewServer(testConfig(), Deps{}); err == nil {
		t.Error("expected error without backend")
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, testConfig(), inference.NewMock())

	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestTTS(t *testing.T) {
	mock := inference.NewMock()
	var gotVoice string
	mock.SynthesizeFunc = func(ctx context.Context, req *inference.TTSRequest) ([]byte, error) {
		gotVoice = req.Voice
		return []byte{1, 2, 3, 4}, nil
	}
	srv := newTestServer(t, testConfig(), mock)

	resp, body := postJSON(t, srv, "/api/tts", inference.TTSRequest{Text: "hello", Voice: "Puck"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	var out inference.TTSResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	pcm, err := base64.StdEncoding.DecodeString(out.Audio)
	if err != nil {
		t.Fatal(err)
	}
	if string(pcm) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("audio = %v", pcm)
	}
	if out.SampleRate != 24000 {
		t.Errorf("sampleRate = %d, want 24000", out.SampleRate)
	}
	if gotVoice != "Puck" {
		t.Errorf("voice = %q", gotVoice)
	}
}

func TestDescribe_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   int
		status string
	}{
		{"quota", &inference.APIError{StatusCode: 429, Code: "RESOURCE_EXHAUSTED"}, 429, "RESOURCE_EXHAUSTED"},
		{"upstream timeout", &inference.APIError{StatusCode: 504}, 504, "DEADLINE_EXCEEDED"},
		{"deadline", context.DeadlineExceeded, 504, "DEADLINE_EXCEEDED"},
		{"malformed", inference.WrapError("/api/describe", inference.ErrMalformedResponse), 502, "MALFORMED_RESPONSE"},
		{"empty", inference.ErrEmptyInput, 400, "INVALID_ARGUMENT"},
		{"upstream 500", &inference.APIError{StatusCode: 500, Message: "oops"}, 502, "UNAVAILABLE"},
		{"other", errors.New("boom"), 500, "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := inference.NewMock()
			mock.DescribeFunc = func(ctx context.Context, req *inference.DescribeRequest) (*inference.Detection, error) {
				return nil, tt.err
			}
			srv := newTestServer(t, testConfig(), mock)

			resp, body := postJSON(t, srv, "/api/describe", inference.DescribeRequest{Image: "aGk=", MimeType: "image/jpeg"}, nil)
			if resp.StatusCode != tt.code {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.code, body)
			}
			eb := decodeError(t, body)
			if eb.Error.Code != tt.code || eb.Error.Status != tt.status {
				t.Errorf("error = %+v, want code %d status %s", eb.Error, tt.code, tt.status)
			}
		})
	}
}

func TestInvalidJSON(t *testing.T) {
	srv := newTestServer(t, testConfig(), inference.NewMock())

	req := httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.App().Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPlaces(t *testing.T) {
	mock := inference.NewMock()
	srv := newTestServer(t, testConfig(), mock)

	resp, body := postJSON(t, srv, "/api/places", inference.PlacesRequest{Query: "pharmacy", Latitude: 91}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("out of range: status = %d", resp.StatusCode)
	}
	if n := mock.CallCount("FindPlaces"); n != 0 {
		t.Errorf("FindPlaces called %d times for invalid coordinates", n)
	}

	resp, body = postJSON(t, srv, "/api/places", inference.PlacesRequest{Query: "pharmacy", Latitude: 52.5, Longitude: 13.4}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out inference.PlacesResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Text == "" || out.Sources == nil {
		t.Errorf("response = %+v", out)
	}
}

func TestAnalyze_PartialLocation(t *testing.T) {
	srv := newTestServer(t, testConfig(), inference.NewMock())

	lat := 1.0
	resp, _ := postJSON(t, srv, "/api/analyze", inference.AnalyzeRequest{Image: "aGk=", Latitude: &lat}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDeviceAuth(t *testing.T) {
	cfg := testConfig()
	cfg.DeviceKeys = []string{"secret"}
	cfg.Audience = "https://proxy.example"

	validator := func(ctx context.Context, token, audience string) (*idtoken.Payload, error) {
		if token != "good-token" || audience != "https://proxy.example" {
			return nil, errors.New("bad token")
		}
		return &idtoken.Payload{Subject: "123", Claims: map[string]interface{}{"email": "device@example.com"}}, nil
	}
	srv, err := NewServer(cfg, Deps{Backend: inference.NewMock(), Validator: validator, Logger: discardLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer srv.limits.stop()

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"no credentials", nil, 401},
		{"wrong key", map[string]string{"X-API-Key": "nope"}, 401},
		{"key", map[string]string{"X-API-Key": "secret"}, 200},
		{"bad token", map[string]string{"Authorization": "Bearer bad"}, 401},
		{"token", map[string]string{"Authorization": "Bearer good-token"}, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := postJSON(t, srv, "/api/tts", inference.TTSRequest{Text: "hi"}, tt.header)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tt.want, body)
			}
		})
	}
}

func TestDeviceAuth_Identity(t *testing.T) {
	auth := NewDeviceAuth([]string{"a", "b"}, "", nil)

	id, err := auth.Authenticate(context.Background(), "b", "")
	if err != nil {
		t.Fatal(err)
	}
	if id != "key-1" {
		t.Errorf("id = %q, want key-1", id)
	}

	open := NewDeviceAuth(nil, "", nil)
	if open.Enabled() {
		t.Error("auth without keys or audience should be disabled")
	}
	if _, err := open.Authenticate(context.Background(), "", ""); err != nil {
		t.Errorf("open auth: %v", err)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = RateLimiterConfig{RequestsPerSecond: 0.001, Burst: 2, CleanupInterval: time.Hour}
	srv := newTestServer(t, cfg, inference.NewMock())

	for i := 0; i < 2; i++ {
		resp, body := postJSON(t, srv, "/api/tts", inference.TTSRequest{Text: "hi"}, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d (%s)", i, resp.StatusCode, body)
		}
	}

	resp, body := postJSON(t, srv, "/api/tts", inference.TTSRequest{Text: "hi"}, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if eb := decodeError(t, body); eb.Error.Status != "RESOURCE_EXHAUSTED" {
		t.Errorf("status = %q", eb.Error.Status)
	}
}

func TestRateLimiterStore_GetLimiter(t *testing.T) {
	store := newRateLimiterStore(RateLimiterConfig{RequestsPerSecond: 1, Burst: 1, CleanupInterval: time.Hour})
	defer store.stop()

	a := store.getLimiter("a")
	if store.getLimiter("a") != a {
		t.Error("same key should return the same limiter")
	}
	if store.getLimiter("b") == a {
		t.Error("different keys should return different limiters")
	}
	if store.len() != 2 {
		t.Errorf("len = %d, want 2", store.len())
	}
}

// The device client must classify proxy errors the way the analysis loop
// expects.
func TestClientClassification(t *testing.T) {
	mock := inference.NewMock()
	var (
		mu   sync.Mutex
		next error
	)
	mock.DescribeFunc = func(ctx context.Context, req *inference.DescribeRequest) (*inference.Detection, error) {
		mu.Lock()
		defer mu.Unlock()
		return nil, next
	}
	srv := newTestServer(t, testConfig(), mock)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.App().Shutdown() })

	client, err := inference.NewClient(
		inference.WithBaseURL(fmt.Sprintf("http://%s", ln.Addr())),
		inference.WithRetry(0, 0),
	)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		err  error
		want inference.Class
	}{
		{&inference.APIError{StatusCode: 429}, inference.ClassQuota},
		{context.DeadlineExceeded, inference.ClassTimeout},
		{inference.ErrMalformedResponse, inference.ClassOther},
	}
	for _, tt := range tests {
		mu.Lock()
		next = tt.err
		mu.Unlock()
		_, err := client.Describe(context.Background(), &inference.DescribeRequest{Image: "aGk="})
		if got := inference.Classify(err); got != tt.want {
			t.Errorf("%v: class = %v, want %v (%v)", tt.err, got, tt.want, err)
		}
	}
}
