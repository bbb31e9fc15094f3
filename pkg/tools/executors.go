package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/pkg/browser"

	"github.com/teslashibe/go-narrator/pkg/camera"
	"github.com/teslashibe/go-narrator/pkg/conversation"
	"github.com/teslashibe/go-narrator/pkg/inference"
	"github.com/teslashibe/go-narrator/pkg/location"
)

// Spoken confirmations and apologies.
const (
	msgSearching        = "Searching the web for %s."
	msgShopping         = "Looking up %s in online shops."
	msgNeedLocation     = "I need your location to find nearby places. Requesting it now."
	msgNoLocation       = "Sorry, I couldn't get your location, so I can't search nearby places."
	msgPlacesFailed     = "Sorry, I couldn't look up nearby places right now."
	msgCallingEmergency = "Calling emergency services now. Stay where you are if it is safe."
	msgNoFrame          = "I can't see anything right now. Please make sure the camera is on."
	msgDescribeFailed   = "Sorry, I couldn't describe your surroundings right now."
)

// Search endpoints.
const (
	SearchURL   = "https://www.google.com/search?q="
	ShoppingURL = "https://www.google.com/search?tbm=shop&q="
)

// ErrNoFix is returned when no location is available.
var ErrNoFix = errors.New("location unavailable")

// ErrNoFrame is returned when the camera has no frame.
var ErrNoFrame = errors.New("no camera frame available")

// Narrator speaks and logs assistant messages.
type Narrator interface {
	SpeakAndLog(ctx context.Context, text string, isError, allowInterruptingAssistant bool) error
	Say(ctx context.Context, msg conversation.ChatMessage, allowInterruptingAssistant bool) error
}

// Locator resolves the device position.
type Locator interface {
	LastFix() *location.Fix
	RequestFix(ctx context.Context) *location.Fix
}

// Backend is the subset of the proxy used by tools.
type Backend interface {
	AnalyzeScene(ctx context.Context, req *inference.AnalyzeRequest) (string, error)
	FindPlaces(ctx context.Context, req *inference.PlacesRequest) (*inference.PlacesResponse, error)
}

// FrameSource captures a fresh still.
type FrameSource interface {
	CaptureFrame() (camera.Frame, bool)
}

// Deps are the collaborators tools call into.
type Deps struct {
	Narrator Narrator
	Location Locator
	Backend  Backend
	Frames   FrameSource

	// OpenURL opens a page for the user. Defaults to the system browser.
	OpenURL func(url string) error

	// Emergency is invoked by callEmergencyServices.
	Emergency func(reason string)

	Logger *slog.Logger
}

// New returns the tool set wired to deps.
func New(deps Deps) []Tool {
	if deps.OpenURL == nil {
		deps.OpenURL = browser.OpenURL
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	e := &executors{Deps: deps, logger: deps.Logger.With("component", "tools")}

	queryParams := objectSchema(map[string]interface{}{
		"query": stringProp("What to search for"),
	}, "query")

	return []Tool{
		{
			Name:        WebSearch,
			Description: "Search the web for the user. Opens the results page and confirms verbally.",
			Parameters:  queryParams,
			Handler:     e.search,
		},
		{
			Name:        NavigateWeb,
			Description: "Open a web search or page the user asked to visit.",
			Parameters:  queryParams,
			Handler:     e.search,
		},
		{
			Name:        OnlineShoppingSearch,
			Description: "Search online shops for an item the user wants to buy.",
			Parameters: objectSchema(map[string]interface{}{
				"item": stringProp("The item to shop for"),
			}, "item"),
			Handler: e.shop,
		},
		{
			Name:        FindNearbyPlaces,
			Description: "Find places near the user, such as pharmacies, cafes or bus stops. Uses the device location.",
			Parameters:  queryParams,
			Handler:     e.findNearbyPlaces,
		},
		{
			Name:        CallEmergencyServices,
			Description: "Call emergency services immediately. Use only when the user is in danger or asks for emergency help.",
			Parameters:  objectSchema(map[string]interface{}{}),
			Handler:     e.callEmergency,
		},
		{
			Name:        DescribeEnvironment,
			Description: "Take a fresh photo and describe the user's surroundings in detail.",
			Parameters:  objectSchema(map[string]interface{}{}),
			Handler:     e.describeEnvironment,
		},
	}
}

// NewRegistryFromDeps builds the full registry.
func NewRegistryFromDeps(deps Deps) (*Registry, error) {
	return NewRegistry(New(deps), deps.Logger)
}

type executors struct {
	Deps
	logger *slog.Logger
}

func (e *executors) speak(ctx context.Context, text string, isError, allow bool) {
	if e.Narrator == nil {
		return
	}
	if err := e.Narrator.SpeakAndLog(ctx, text, isError, allow); err != nil {
		e.logger.Warn("speak failed", "error", err)
	}
}

func (e *executors) search(ctx context.Context, args map[string]interface{}) (Result, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return nil, err
	}
	if err := e.OpenURL(SearchURL + url.QueryEscape(query)); err != nil {
		return nil, fmt.Errorf("open search: %w", err)
	}
	e.speak(ctx, fmt.Sprintf(msgSearching, query), false, false)
	return Success(), nil
}

func (e *executors) shop(ctx context.Context, args map[string]interface{}) (Result, error) {
	item, err := stringArg(args, "item")
	if err != nil {
		return nil, err
	}
	if err := e.OpenURL(ShoppingURL + url.QueryEscape(item)); err != nil {
		return nil, fmt.Errorf("open shopping search: %w", err)
	}
	e.speak(ctx, fmt.Sprintf(msgShopping, item), false, false)
	return Success(), nil
}

func (e *executors) findNearbyPlaces(ctx context.Context, args map[string]interface{}) (Result, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return nil, err
	}

	var fix *location.Fix
	if e.Location != nil {
		fix = e.Location.LastFix()
		if fix == nil {
			e.speak(ctx, msgNeedLocation, false, false)
			fix = e.Location.RequestFix(ctx)
		}
	}
	if fix == nil {
		e.speak(ctx, msgNoLocation, true, false)
		return Failure(ErrNoFix), nil
	}
	if e.Backend == nil {
		return nil, errors.New("no backend configured")
	}

	resp, err := e.Backend.FindPlaces(ctx, &inference.PlacesRequest{
		Query:     query,
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
	})
	if err != nil {
		e.speak(ctx, msgPlacesFailed, true, false)
		return nil, fmt.Errorf("find places: %w", err)
	}

	sources := make([]conversation.Source, 0, len(resp.Sources))
	for _, s := range resp.Sources {
		sources = append(sources, conversation.Source{URI: s.URI, Title: s.Title})
	}
	if e.Narrator != nil {
		msg := conversation.ChatMessage{
			Role:             conversation.RoleAssistant,
			Text:             resp.Text,
			GroundingSources: sources,
		}
		if err := e.Narrator.Say(ctx, msg, false); err != nil {
			e.logger.Warn("speak failed", "error", err)
		}
	}
	return Success("answer", resp.Text, "sources", len(sources)), nil
}

func (e *executors) callEmergency(ctx context.Context, args map[string]interface{}) (Result, error) {
	reason, _ := args["reason"].(string)
	if reason == "" {
		reason = "requested by user"
	}
	e.logger.Warn("calling emergency services", "reason", reason)
	if e.Emergency != nil {
		e.Emergency(reason)
	}
	e.speak(ctx, msgCallingEmergency, false, true)
	return Success(), nil
}

func (e *executors) describeEnvironment(ctx context.Context, args map[string]interface{}) (Result, error) {
	if e.Frames == nil {
		e.speak(ctx, msgNoFrame, true, false)
		return Failure(ErrNoFrame), nil
	}
	frame, ok := e.Frames.CaptureFrame()
	if !ok {
		e.speak(ctx, msgNoFrame, true, false)
		return Failure(ErrNoFrame), nil
	}
	if e.Backend == nil {
		return nil, errors.New("no backend configured")
	}

	req := &inference.AnalyzeRequest{Image: frame.Data, MimeType: frame.MimeType}
	if e.Location != nil {
		if fix := e.Location.LastFix(); fix != nil {
			lat, lon := fix.Latitude, fix.Longitude
			req.Latitude, req.Longitude = &lat, &lon
		}
	}

	text, err := e.Backend.AnalyzeScene(ctx, req)
	if err != nil {
		e.speak(ctx, msgDescribeFailed, true, false)
		return nil, fmt.Errorf("analyze scene: %w", err)
	}
	e.speak(ctx, text, false, false)
	return Success("description", text), nil
}
