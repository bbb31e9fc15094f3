package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/teslashibe/go-narrator/pkg/camera"
	"github.com/teslashibe/go-narrator/pkg/conversation"
	"github.com/teslashibe/go-narrator/pkg/inference"
	"github.com/teslashibe/go-narrator/pkg/location"
	"github.com/teslashibe/go-narrator/pkg/protocol"
)

type spoken struct {
	text    string
	isError bool
	allow   bool
	sources []conversation.Source
}

type fakeNarrator struct {
	mu   sync.Mutex
	said []spoken
}

func (f *fakeNarrator) SpeakAndLog(ctx context.Context, text string, isError, allow bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, spoken{text: text, isError: isError, allow: allow})
	return nil
}

func (f *fakeNarrator) Say(ctx context.Context, msg conversation.ChatMessage, allow bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, spoken{text: msg.Text, isError: msg.IsError, allow: allow, sources: msg.GroundingSources})
	return nil
}

func (f *fakeNarrator) Said() []spoken {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]spoken(nil), f.said...)
}

type fakeFrames struct {
	frame camera.Frame
	ok    bool
}

func (f fakeFrames) CaptureFrame() (camera.Frame, bool) { return f.frame, f.ok }

type testDeps struct {
	narrator   *fakeNarrator
	backend    *inference.Mock
	opened     []string
	emergency  []string
	locateHits int
}

func newTestRegistry(t *testing.T, locate location.LocatorFunc, frames FrameSource) (*Registry, *testDeps) {
	t.Helper()
	td := &testDeps{narrator: &fakeNarrator{}, backend: inference.NewMock()}

	var loc *location.Provider
	if locate != nil {
		loc = location.NewProvider(location.LocatorFunc(func(ctx context.Context) (location.Fix, error) {
			td.locateHits++
			return locate(ctx)
		}), nil)
	} else {
		loc = location.NewProvider(nil, nil)
	}

	r, err := NewRegistryFromDeps(Deps{
		Narrator:  td.narrator,
		Location:  loc,
		Backend:   td.backend,
		Frames:    frames,
		OpenURL:   func(u string) error { td.opened = append(td.opened, u); return nil },
		Emergency: func(reason string) { td.emergency = append(td.emergency, reason) },
	})
	if err != nil {
		t.Fatalf("NewRegistryFromDeps failed: %v", err)
	}
	return r, td
}

func call(name string, args map[string]interface{}) protocol.FunctionCall {
	return protocol.FunctionCall{ID: "call-1", Name: name, Args: args}
}

func TestCheck_Exhaustive(t *testing.T) {
	if err := Check(New(Deps{})); err != nil {
		t.Fatalf("default tool set is not exhaustive: %v", err)
	}

	full := New(Deps{})
	tests := []struct {
		name  string
		tools []Tool
		want  string
	}{
		{"missing", full[1:], `no tool for "webSearch"`},
		{"duplicate", append(append([]Tool(nil), full...), full[0]), `duplicate tool "webSearch"`},
		{"undeclared", append(append([]Tool(nil), full...), Tool{Name: "teleport", Handler: full[0].Handler}), `undeclared tool "teleport"`},
		{"nil handler", append(append([]Tool(nil), full[1:]...), Tool{Name: WebSearch}), `tool "webSearch" has no handler`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.tools)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Check() = %v, want error containing %q", err, tt.want)
			}
			if _, err := NewRegistry(tt.tools, nil); err == nil {
				t.Error("NewRegistry accepted an invalid tool set")
			}
		})
	}
}

func TestRegistry_Declarations(t *testing.T) {
	r, _ := newTestRegistry(t, nil, nil)
	decls := r.Declarations()
	if len(decls) != len(AllNames) {
		t.Fatalf("got %d declarations, want %d", len(decls), len(AllNames))
	}
	for i, n := range AllNames {
		if decls[i].Name != string(n) {
			t.Errorf("declaration %d = %q, want %q", i, decls[i].Name, n)
		}
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	r, _ := newTestRegistry(t, nil, nil)
	resp := r.Dispatch(context.Background(), call("teleport", nil))
	if resp["result"] != conversation.ResultUnknownTool {
		t.Errorf("response = %v, want unknown tool", resp)
	}
}

func TestDispatch_PanicBecomesFailure(t *testing.T) {
	tools := New(Deps{})
	for i := range tools {
		if tools[i].Name == DescribeEnvironment {
			tools[i].Handler = func(ctx context.Context, args map[string]interface{}) (Result, error) {
				panic("camera exploded")
			}
		}
	}
	r, err := NewRegistry(tools, nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	resp := r.Dispatch(context.Background(), call(string(DescribeEnvironment), nil))
	if resp["result"] != conversation.ResultFailure {
		t.Errorf("response = %v, want failure", resp)
	}
	if msg, _ := resp["error"].(string); !strings.Contains(msg, "camera exploded") {
		t.Errorf("error = %q", msg)
	}
}

func TestWebSearch(t *testing.T) {
	r, td := newTestRegistry(t, nil, nil)

	resp := r.Dispatch(context.Background(), call("webSearch", map[string]interface{}{"query": "bus times"}))
	if resp["result"] != ResultSuccess {
		t.Fatalf("response = %v", resp)
	}
	if len(td.opened) != 1 || td.opened[0] != SearchURL+"bus+times" {
		t.Errorf("opened = %v", td.opened)
	}
	said := td.narrator.Said()
	if len(said) != 1 || said[0].allow {
		t.Errorf("said = %+v, want one non-interrupting confirmation", said)
	}

	resp = r.Dispatch(context.Background(), call("webSearch", nil))
	if resp["result"] != ResultFailure {
		t.Errorf("missing query response = %v, want failure", resp)
	}
}

func TestOnlineShoppingSearch(t *testing.T) {
	r, td := newTestRegistry(t, nil, nil)
	r.Dispatch(context.Background(), call("onlineShoppingSearch", map[string]interface{}{"item": "white cane"}))
	if len(td.opened) != 1 || !strings.HasPrefix(td.opened[0], ShoppingURL) {
		t.Errorf("opened = %v", td.opened)
	}
}

func TestFindNearbyPlaces_NoFix(t *testing.T) {
	r, td := newTestRegistry(t, func(ctx context.Context) (location.Fix, error) {
		return location.Fix{}, errors.New("permission denied")
	}, nil)

	resp := r.Dispatch(context.Background(), call("findNearbyPlaces", map[string]interface{}{"query": "pharmacy"}))
	if resp["result"] != ResultFailure {
		t.Errorf("response = %v, want failure", resp)
	}
	if td.locateHits != 1 {
		t.Errorf("location requested %d times, want 1", td.locateHits)
	}
	if got := td.backend.CallCount("FindPlaces"); got != 0 {
		t.Errorf("FindPlaces called %d times without a fix", got)
	}

	said := td.narrator.Said()
	if len(said) != 2 || said[0].text != msgNeedLocation || said[1].text != msgNoLocation {
		t.Errorf("said = %+v", said)
	}
}

func TestFindNearbyPlaces_Unsupported(t *testing.T) {
	r, td := newTestRegistry(t, nil, nil)
	resp := r.Dispatch(context.Background(), call("findNearbyPlaces", map[string]interface{}{"query": "cafe"}))
	if resp["result"] != ResultFailure {
		t.Errorf("response = %v, want failure", resp)
	}
	if got := td.backend.CallCount("FindPlaces"); got != 0 {
		t.Errorf("FindPlaces called %d times", got)
	}
}

func TestFindNearbyPlaces_Grounded(t *testing.T) {
	r, td := newTestRegistry(t, func(ctx context.Context) (location.Fix, error) {
		return location.Fix{Latitude: 51.5, Longitude: -0.12}, nil
	}, nil)

	var got *inference.PlacesRequest
	td.backend.PlacesFunc = func(ctx context.Context, req *inference.PlacesRequest) (*inference.PlacesResponse, error) {
		got = req
		return &inference.PlacesResponse{
			Text: "Boots Pharmacy is 200 meters north.",
			Sources: []inference.Source{
				{URI: "https://maps.google.com/?cid=1", Title: "Boots"},
				{URI: "https://maps.google.com/?cid=2", Title: "Superdrug"},
			},
		}, nil
	}

	resp := r.Dispatch(context.Background(), call("findNearbyPlaces", map[string]interface{}{"query": "pharmacy"}))
	if resp["result"] != ResultSuccess {
		t.Fatalf("response = %v", resp)
	}
	if got == nil || got.Latitude != 51.5 || got.Longitude != -0.12 || got.Query != "pharmacy" {
		t.Errorf("places request = %+v", got)
	}

	said := td.narrator.Said()
	last := said[len(said)-1]
	if last.text != "Boots Pharmacy is 200 meters north." || len(last.sources) != 2 || last.sources[0].Title != "Boots" {
		t.Errorf("last spoken = %+v", last)
	}
}

func TestCallEmergencyServices(t *testing.T) {
	r, td := newTestRegistry(t, nil, nil)

	resp := r.Dispatch(context.Background(), call("callEmergencyServices", nil))
	if resp["result"] != ResultSuccess {
		t.Errorf("response = %v", resp)
	}
	if len(td.emergency) != 1 {
		t.Errorf("emergency callback fired %d times, want 1", len(td.emergency))
	}
	said := td.narrator.Said()
	if len(said) != 1 || !said[0].allow {
		t.Errorf("said = %+v, want an interrupting confirmation", said)
	}
}

func TestDescribeEnvironment(t *testing.T) {
	t.Run("no frame", func(t *testing.T) {
		r, td := newTestRegistry(t, nil, fakeFrames{})
		resp := r.Dispatch(context.Background(), call("describeEnvironment", nil))
		if resp["result"] != ResultFailure {
			t.Errorf("response = %v, want failure", resp)
		}
		if got := td.backend.CallCount("AnalyzeScene"); got != 0 {
			t.Errorf("AnalyzeScene called %d times", got)
		}
	})

	t.Run("fresh frame", func(t *testing.T) {
		r, td := newTestRegistry(t, nil, fakeFrames{frame: camera.Frame{Data: "/9j/2Q==", MimeType: "image/jpeg"}, ok: true})
		var gotImage string
		td.backend.AnalyzeFunc = func(ctx context.Context, req *inference.AnalyzeRequest) (string, error) {
			gotImage = req.Image
			return "A quiet street with a crossing ahead.", nil
		}

		resp := r.Dispatch(context.Background(), call("describeEnvironment", nil))
		if resp["result"] != ResultSuccess || resp["description"] != "A quiet street with a crossing ahead." {
			t.Errorf("response = %v", resp)
		}
		if gotImage != "/9j/2Q==" {
			t.Errorf("image = %q", gotImage)
		}
	})
}
