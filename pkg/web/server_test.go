package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/teslashibe/go-narrator/pkg/conversation"
	"github.com/teslashibe/go-narrator/pkg/protocol"
	"github.com/teslashibe/go-narrator/pkg/tools"
	"github.com/teslashibe/go-narrator/pkg/vision"
)

type fakeController struct {
	mu        sync.Mutex
	calls     []string
	selectErr error
	runErr    error
	lastArgs  map[string]interface{}
	messages  []conversation.ChatMessage
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) StartSession(ctx context.Context) error { f.record("start"); return nil }
func (f *fakeController) StopSession()                           { f.record("stop") }
func (f *fakeController) StopSpeaking()                          { f.record("stopSpeaking") }
func (f *fakeController) SetVisualActive(ctx context.Context, active bool) error {
	f.record("visual")
	return nil
}
func (f *fakeController) SetAnalysisEnabled(enabled bool) { f.record("analysis") }
func (f *fakeController) Select(index int) error {
	f.record("select")
	return f.selectErr
}
func (f *fakeController) ToggleFacing(ctx context.Context) error { f.record("facing"); return nil }
func (f *fakeController) ToggleTorch() error                     { return errors.New("torch not supported") }
func (f *fakeController) ClearEmergency()                        { f.record("clearEmergency") }
func (f *fakeController) Messages() []conversation.ChatMessage   { return f.messages }
func (f *fakeController) ClearMessages()                         { f.record("clearMessages") }
func (f *fakeController) Tools() []protocol.FunctionDeclaration {
	return tools.Declarations()
}
func (f *fakeController) RunTool(ctx context.Context, name string, args map[string]interface{}) (tools.Result, error) {
	f.record("tool:" + name)
	f.mu.Lock()
	f.lastArgs = args
	f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	return tools.Success("message", "ok"), nil
}

func newTestServer(ctrl Controller) *Server {
	return NewServer(DefaultConfig(), ctrl, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func do(t *testing.T, s *Server, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeState(t *testing.T, resp *http.Response) State {
	t.Helper()
	var st State
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return st
}

func TestStatus(t *testing.T) {
	s := newTestServer(nil)
	s.SetSessionState(conversation.StateSpeaking)

	resp := do(t, s, http.MethodGet, "/api/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	st := decodeState(t, resp)
	if st.Session != conversation.StateSpeaking || !st.Speaking || st.Listening {
		t.Errorf("state = %+v", st)
	}
	if st.Selected != -1 {
		t.Errorf("selected = %d, want -1", st.Selected)
	}
}

func TestReadOnlyDashboard(t *testing.T) {
	s := newTestServer(nil)
	for _, path := range []string{"/api/session/start", "/api/tools/webSearch", "/api/emergency/clear"} {
		if resp := do(t, s, http.MethodPost, path, ""); resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("POST %s = %d, want 503", path, resp.StatusCode)
		}
	}
}

func TestTools(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(ctrl)

	resp := do(t, s, http.MethodGet, "/api/tools", "")
	var decls []protocol.FunctionDeclaration
	if err := json.NewDecoder(resp.Body).Decode(&decls); err != nil {
		t.Fatal(err)
	}
	if len(decls) != len(tools.AllNames) {
		t.Errorf("tools = %d, want %d", len(decls), len(tools.AllNames))
	}

	resp = do(t, s, http.MethodPost, "/api/tools/webSearch", `{"args":{"query":"bakery"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trigger status = %d", resp.StatusCode)
	}
	ctrl.mu.Lock()
	query := ctrl.lastArgs["query"]
	ctrl.mu.Unlock()
	if query != "bakery" {
		t.Errorf("args = %v", ctrl.lastArgs)
	}

	logs := s.Logs()
	if len(logs) != 1 || logs[0].Type != "tool" {
		t.Errorf("logs = %+v", logs)
	}
}

func TestTriggerTool_NoBody(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(ctrl)

	if resp := do(t, s, http.MethodPost, "/api/tools/describeEnvironment", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if ctrl.lastArgs == nil {
		t.Error("args should default to an empty object")
	}
}

func TestTriggerTool_Error(t *testing.T) {
	ctrl := &fakeController{runErr: errors.New("boom")}
	s := newTestServer(ctrl)

	if resp := do(t, s, http.MethodPost, "/api/tools/webSearch", `{}`); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if logs := s.Logs(); len(logs) != 1 || logs[0].Type != "error" {
		t.Errorf("logs = %+v", logs)
	}
}

func TestSelect(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(ctrl)
	s.SetResult(&vision.AnalysisResult{DetectedObjects: []vision.DetectedObject{{Name: "door"}}})

	st := decodeState(t, do(t, s, http.MethodPost, "/api/select/0", ""))
	if st.Selected != 0 {
		t.Errorf("selected = %d, want 0", st.Selected)
	}

	st = decodeState(t, do(t, s, http.MethodPost, "/api/select/-1", ""))
	if st.Selected != -1 {
		t.Errorf("selected = %d, want -1", st.Selected)
	}

	if resp := do(t, s, http.MethodPost, "/api/select/x", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad index status = %d", resp.StatusCode)
	}

	ctrl.selectErr = vision.ErrNoSelection
	if resp := do(t, s, http.MethodPost, "/api/select/7", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing object status = %d, want 404", resp.StatusCode)
	}
}

func TestAnalysisToggle(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(ctrl)
	s.SetResult(&vision.AnalysisResult{SceneDescription: "a hallway"})

	if resp := do(t, s, http.MethodPost, "/api/analysis", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing flag status = %d", resp.StatusCode)
	}

	st := decodeState(t, do(t, s, http.MethodPost, "/api/analysis", `{"enabled":true}`))
	if !st.AnalysisEnabled || st.Result == nil {
		t.Errorf("enable: %+v", st)
	}

	st = decodeState(t, do(t, s, http.MethodPost, "/api/analysis", `{"enabled":false}`))
	if st.AnalysisEnabled || st.Result != nil || st.Analysis.Phase != vision.PhaseIdle {
		t.Errorf("disable should clear the result: %+v", st)
	}
}

func TestAnalysisStatus_QuotaClearsResult(t *testing.T) {
	s := newTestServer(nil)
	s.SetResult(&vision.AnalysisResult{SceneDescription: "a street"})
	s.SetAnalysisStatus(vision.Status{Phase: vision.PhaseQuota, Message: "quota exceeded"})

	if st := s.State(); st.Result != nil || st.Analysis.Phase != vision.PhaseQuota {
		t.Errorf("state = %+v", st)
	}
	if logs := s.Logs(); len(logs) != 1 || logs[0].Type != "analysis" {
		t.Errorf("logs = %+v", logs)
	}
}

func TestEmergency(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(ctrl)
	s.RaiseEmergency("fire", "CRITICAL EMERGENCY: fire ahead")

	if st := s.State(); st.Emergency == nil || st.Emergency.Kind != "fire" {
		t.Fatalf("emergency = %+v", st.Emergency)
	}

	if resp := do(t, s, http.MethodPost, "/api/emergency/clear", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if s.State().Emergency != nil {
		t.Error("banner should be cleared")
	}
	if calls := ctrl.Calls(); len(calls) != 1 || calls[0] != "clearEmergency" {
		t.Errorf("calls = %v", calls)
	}
}

func TestControls(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(ctrl)

	tests := []struct {
		path string
		body string
		code int
	}{
		{"/api/session/start", "", http.StatusOK},
		{"/api/speaking/stop", "", http.StatusNoContent},
		{"/api/session/stop", "", http.StatusNoContent},
		{"/api/visual", `{"active":true}`, http.StatusOK},
		{"/api/visual", `{}`, http.StatusBadRequest},
		{"/api/camera/facing", "", http.StatusOK},
		{"/api/camera/torch", "", http.StatusConflict},
	}
	for _, tt := range tests {
		if resp := do(t, s, http.MethodPost, tt.path, tt.body); resp.StatusCode != tt.code {
			t.Errorf("POST %s %s = %d, want %d", tt.path, tt.body, resp.StatusCode, tt.code)
		}
	}
	if !s.State().VisualActive {
		t.Error("visual pane should be active")
	}
	want := []string{"start", "stopSpeaking", "stop", "visual", "facing"}
	if got := ctrl.Calls(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestMessages(t *testing.T) {
	ctrl := &fakeController{messages: []conversation.ChatMessage{{ID: "1", Role: conversation.RoleUser, Text: "hi"}}}
	s := newTestServer(ctrl)

	var msgs []conversation.ChatMessage
	json.NewDecoder(do(t, s, http.MethodGet, "/api/messages", "").Body).Decode(&msgs)
	if len(msgs) != 1 || msgs[0].Text != "hi" {
		t.Errorf("messages = %+v", msgs)
	}

	if resp := do(t, s, http.MethodDelete, "/api/messages", ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("clear status = %d", resp.StatusCode)
	}
}

func TestLogBuffer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogBuffer = 3
	s := NewServer(cfg, nil, nil)
	for _, m := range []string{"a", "b", "c", "d"} {
		s.AddLog("info", m)
	}
	logs := s.Logs()
	if len(logs) != 3 || logs[0].Message != "b" {
		t.Errorf("logs = %+v", logs)
	}
}

func TestClients(t *testing.T) {
	s := newTestServer(nil)
	var clients map[string]int
	if err := json.NewDecoder(do(t, s, http.MethodGet, "/api/clients", "").Body).Decode(&clients); err != nil {
		t.Fatal(err)
	}
	for _, stream := range []string{"status", "transcript", "logs", "camera"} {
		if n, ok := clients[stream]; !ok || n != 0 {
			t.Errorf("clients[%q] = %d, %v", stream, n, ok)
		}
	}
}

func TestStaticIndex(t *testing.T) {
	s := newTestServer(nil)
	resp := do(t, s, http.MethodGet, "/", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "/ws/status") {
		t.Error("index page not served")
	}
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	s := newTestServer(nil)
	if resp := do(t, s, http.MethodGet, "/ws/status", ""); resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", resp.StatusCode)
	}
}
