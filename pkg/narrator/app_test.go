package narrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-narrator/internal/log"
	"github.com/teslashibe/go-narrator/pkg/audioio"
	"github.com/teslashibe/go-narrator/pkg/camera"
	"github.com/teslashibe/go-narrator/pkg/conversation"
	"github.com/teslashibe/go-narrator/pkg/inference"
	"github.com/teslashibe/go-narrator/pkg/memory"
	"github.com/teslashibe/go-narrator/pkg/protocol"
	"github.com/teslashibe/go-narrator/pkg/tools"
)

type nopTransport struct{}

func (nopTransport) Send(protocol.ClientMessage) error { return nil }
func (nopTransport) Close() error                      { return nil }

type testApp struct {
	*App
	opener  *camera.MockOpener
	backend *inference.Mock
	memory  *memory.Memory

	mu     sync.Mutex
	voices []string
}

func newTestApp(t *testing.T) *testApp {
	return newTestAppWith(t, nil, memory.New())
}

func newTestAppWith(t *testing.T, mutate func(*Config), mem *memory.Memory) *testApp {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Location.Mode = LocationNone
	cfg.Proxy.Timeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	ta := &testApp{
		opener:  camera.NewMockOpener(),
		backend: inference.NewMock(),
		memory:  mem,
	}
	ta.backend.SynthesizeFunc = func(ctx context.Context, req *inference.TTSRequest) ([]byte, error) {
		ta.mu.Lock()
		ta.voices = append(ta.voices, req.Voice)
		ta.mu.Unlock()
		return make([]byte, 480), nil
	}

	logger := log.Discard()
	app, err := New(context.Background(), cfg, Options{
		Source:  audioio.NewMockSource(audioio.DefaultConfig(), logger),
		Sink:    audioio.NewMockSink(audioio.DefaultPlaybackConfig(), logger),
		Opener:  ta.opener,
		Backend: ta.backend,
		Dialer: func(ctx context.Context, h conversation.Handlers) (conversation.Transport, error) {
			return nopTransport{}, nil
		},
		Memory:  ta.memory,
		OpenURL: func(string) error { return nil },
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ta.App = app
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		app.Shutdown(ctx)
	})
	return ta
}

func (ta *testApp) synthesizedVoices() []string {
	ta.mu.Lock()
	defer ta.mu.Unlock()
	return append([]string(nil), ta.voices...)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	cfg := DefaultConfig()
	logger := log.Discard()

	if _, err := New(context.Background(), cfg, Options{Opener: camera.NewMockOpener(), Memory: memory.New()}); err == nil {
		t.Error("expected an error without audio")
	}
	_, err := New(context.Background(), cfg, Options{
		Source: audioio.NewMockSource(audioio.DefaultConfig(), logger),
		Sink:   audioio.NewMockSink(audioio.DefaultPlaybackConfig(), logger),
		Memory: memory.New(),
	})
	if err == nil {
		t.Error("expected an error without a camera opener")
	}

	cfg.Proxy.URL = ""
	if _, err := New(context.Background(), cfg, Options{}); err == nil {
		t.Error("expected a validation error")
	}
}

func TestTools(t *testing.T) {
	ta := newTestApp(t)
	if got := len(ta.Tools()); got != len(tools.AllNames) {
		t.Errorf("Tools() = %d declarations, want %d", got, len(tools.AllNames))
	}
}

func TestEmergencyTool(t *testing.T) {
	ta := newTestApp(t)
	if _, err := ta.memory.AddContact("Sam", "+1 555 0100", memory.CategoryFamily); err != nil {
		t.Fatal(err)
	}

	res, err := ta.RunTool(context.Background(), string(tools.CallEmergencyServices), map[string]interface{}{"reason": "fell down"})
	if err != nil {
		t.Fatalf("RunTool() error = %v", err)
	}
	if res["result"] != tools.ResultSuccess {
		t.Errorf("result = %v", res)
	}

	em := ta.Emergency()
	if em == nil {
		t.Fatal("emergency not raised")
	}
	if em.Kind != "user request" || em.Description != "fell down" {
		t.Errorf("emergency = %+v", em)
	}
	if ta.Dashboard().State().Emergency == nil {
		t.Error("dashboard banner not raised")
	}
	if ta.backend.CallCount("Synthesize") == 0 {
		t.Error("emergency was not announced")
	}

	ta.ClearEmergency()
	if ta.Emergency() != nil {
		t.Error("emergency not cleared")
	}
}

func TestVoiceFromSettings(t *testing.T) {
	mem := memory.New()
	if err := mem.SetVoice("Puck"); err != nil {
		t.Fatal(err)
	}
	ta := newTestAppWith(t, func(c *Config) { c.Dashboard.Enabled = false }, mem)

	if ta.Dashboard() != nil {
		t.Error("dashboard should be disabled")
	}
	if err := ta.Conversation().SpeakAndLog(context.Background(), "hello", false, true); err != nil {
		t.Fatal(err)
	}
	if got := ta.synthesizedVoices(); len(got) != 1 || got[0] != "Puck" {
		t.Errorf("voices = %v, want [Puck]", got)
	}
}

func TestCameraSharedByVisualAndAnalysis(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()

	if err := ta.SetVisualActive(ctx, true); err != nil {
		t.Fatalf("SetVisualActive(true) = %v", err)
	}
	if !ta.Conversation().VisualActive() {
		t.Error("visual pane not active")
	}
	if ta.opener.OpenCount() != 1 {
		t.Fatalf("open streams = %d, want 1", ta.opener.OpenCount())
	}

	ta.SetAnalysisEnabled(true)
	if !ta.Vision().Enabled() {
		t.Error("analysis not enabled")
	}
	if ta.opener.OpenCount() != 1 {
		t.Errorf("open streams = %d, want 1", ta.opener.OpenCount())
	}
	if !ta.Dashboard().State().AnalysisEnabled {
		t.Error("dashboard not told about analysis")
	}

	// Analysis still needs the camera.
	if err := ta.SetVisualActive(ctx, false); err != nil {
		t.Fatal(err)
	}
	if !ta.Camera().State().Active {
		t.Error("camera released while analysis is running")
	}

	ta.SetAnalysisEnabled(false)
	if ta.Vision().Enabled() {
		t.Error("analysis still enabled")
	}
	if ta.Camera().State().Active {
		t.Error("camera still active with nothing using it")
	}
	if ta.opener.MaxConcurrent() != 1 {
		t.Errorf("max concurrent streams = %d, want 1", ta.opener.MaxConcurrent())
	}
}

func TestToggleFacing(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()

	if err := ta.SetVisualActive(ctx, true); err != nil {
		t.Fatal(err)
	}
	if got := ta.Camera().State().Facing; got != camera.FacingBack {
		t.Fatalf("facing = %q, want back", got)
	}
	if err := ta.ToggleFacing(ctx); err != nil {
		t.Fatal(err)
	}
	if got := ta.Camera().State().Facing; got != camera.FacingFront {
		t.Errorf("facing = %q, want front", got)
	}

	// A later re-enable keeps the user's choice.
	ta.SetVisualActive(ctx, false)
	ta.SetVisualActive(ctx, true)
	if got := ta.Camera().State().Facing; got != camera.FacingFront {
		t.Errorf("facing after re-enable = %q, want front", got)
	}
}

func TestRunAndShutdown(t *testing.T) {
	ta := newTestAppWith(t, func(c *Config) { c.Dashboard.Enabled = false }, memory.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ta.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
