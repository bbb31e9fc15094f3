// Package narrator composes the device app: camera, microphone and
// speaker, location, the live dialogue, scene analysis, tools, settings
// storage and the local dashboard.
package narrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/teslashibe/go-narrator/pkg/audioio"
	"github.com/teslashibe/go-narrator/pkg/camera"
	"github.com/teslashibe/go-narrator/pkg/conversation"
	"github.com/teslashibe/go-narrator/pkg/debug"
	"github.com/teslashibe/go-narrator/pkg/inference"
	"github.com/teslashibe/go-narrator/pkg/location"
	"github.com/teslashibe/go-narrator/pkg/memory"
	"github.com/teslashibe/go-narrator/pkg/protocol"
	"github.com/teslashibe/go-narrator/pkg/realtime"
	"github.com/teslashibe/go-narrator/pkg/tools"
	"github.com/teslashibe/go-narrator/pkg/vision"
	"github.com/teslashibe/go-narrator/pkg/web"
)

// Background cadences.
const (
	healthInterval  = 10 * time.Second
	previewInterval = 500 * time.Millisecond
)

// Options are the hardware and network collaborators. Source, Sink and
// Opener are required; the rest default from Config.
type Options struct {
	Source audioio.Source
	Sink   audioio.Sink
	Opener camera.Opener

	Locator location.Locator
	Backend inference.Backend
	Dialer  conversation.Dialer
	Memory  *memory.Memory

	// OpenURL opens search pages. Defaults to the system browser.
	OpenURL func(url string) error

	Logger *slog.Logger
}

// healthChecker is implemented by the proxy client.
type healthChecker interface {
	Health(ctx context.Context) error
}

// App is the device application.
type App struct {
	cfg    Config
	logger *slog.Logger

	memory   *memory.Memory
	camera   *camera.Adapter
	location *location.Provider
	backend  inference.Backend
	convo    *conversation.Orchestrator
	vision   *vision.Loop
	tools    *tools.Registry
	dash     *web.Server

	mu         sync.Mutex
	emergency  *web.Emergency
	facingMode camera.Facing
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New wires the app.
func New(ctx context.Context, cfg Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Source == nil || opts.Sink == nil {
		return nil, errors.New("narrator: audio source and sink are required")
	}
	if opts.Opener == nil {
		return nil, errors.New("narrator: camera opener is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	debug.Enabled = cfg.Debug
	debug.Frames = cfg.DebugFrames

	a := &App{
		cfg:        cfg,
		logger:     opts.Logger.With("component", "narrator"),
		facingMode: cfg.CameraFacing,
	}

	var err error
	a.memory = opts.Memory
	if a.memory == nil {
		if a.memory, err = memory.Open(cfg.StorePath); err != nil {
			return nil, fmt.Errorf("narrator: settings store: %w", err)
		}
	}
	if voice := a.memory.Voice(); voice != "" && cfg.Conversation.Voice == conversation.DefaultConfig().Voice {
		cfg.Conversation.Voice = voice
		a.cfg.Conversation.Voice = voice
	}

	a.backend = opts.Backend
	if a.backend == nil {
		if a.backend, err = newProxyClient(ctx, cfg, opts.Logger); err != nil {
			return nil, err
		}
	}

	dial := opts.Dialer
	if dial == nil {
		if dial, err = newLiveDialer(ctx, cfg, opts.Logger); err != nil {
			return nil, err
		}
	}

	locator := opts.Locator
	if locator == nil {
		locator = newLocator(cfg.Location)
	}
	a.location = location.NewProvider(locator, opts.Logger)
	if cfg.Location.Timeout > 0 {
		a.location.SetTimeout(cfg.Location.Timeout)
	}

	a.camera = camera.NewAdapter(opts.Opener, cfg.Camera, opts.Logger)

	convCfg := cfg.Conversation
	convCfg.Logger = opts.Logger
	if a.convo, err = conversation.New(convCfg, conversation.Options{
		Source:  opts.Source,
		Sink:    opts.Sink,
		Dialer:  dial,
		Backend: a.backend,
		Frames:  a.camera,
	}); err != nil {
		return nil, err
	}

	visCfg := cfg.Vision
	visCfg.Logger = opts.Logger
	if a.vision, err = vision.New(visCfg, a.backend, a.camera); err != nil {
		return nil, err
	}

	if a.tools, err = tools.NewRegistryFromDeps(tools.Deps{
		Narrator:  a.convo,
		Location:  a.location,
		Backend:   a.backend,
		Frames:    a.camera,
		OpenURL:   opts.OpenURL,
		Emergency: func(reason string) { a.raiseEmergency("user request", reason) },
		Logger:    opts.Logger,
	}); err != nil {
		return nil, err
	}
	a.convo.SetTools(a.tools)

	if cfg.Dashboard.Enabled {
		a.dash = web.NewServer(cfg.Dashboard.Config, a, opts.Logger)
	}
	a.wire()
	return a, nil
}

// wire connects component callbacks to the dashboard and each other.
func (a *App) wire() {
	a.convo.OnStateChange = func(st conversation.State) {
		if a.dash != nil {
			a.dash.SetSessionState(st)
			a.dash.UpdateState(func(d *web.State) { d.Metrics = a.convo.Metrics() })
		}
	}
	a.convo.OnMessage = func(msg conversation.ChatMessage) {
		debug.Log("💬 [%s] %s\n", msg.Role, msg.Text)
		if a.dash != nil {
			a.dash.AddMessage(msg)
		}
	}
	a.camera.OnStateChange = func(st camera.State) {
		if a.dash != nil {
			a.dash.SetCamera(st)
		}
	}
	a.location.OnStateChange = func(st location.State) {
		if a.dash != nil {
			a.dash.SetLocation(st)
		}
	}
	a.vision.OnStatus = func(st vision.Status) {
		if a.dash != nil {
			a.dash.SetAnalysisStatus(st)
		}
	}
	a.vision.OnResult = func(res *vision.AnalysisResult, coverage float64) {
		if a.dash != nil {
			a.dash.SetResult(res)
		}
	}
	a.vision.OnEmergency = func(kind, description string) {
		a.raiseEmergency(kind, description)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Proxy.Timeout)
			defer cancel()
			if err := a.convo.SpeakAndLog(ctx, description, false, true); err != nil {
				a.logger.Warn("emergency announcement failed", "error", err)
			}
		}()
	}
}

// Run starts background work and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	if a.dash != nil {
		a.dash.StartAsync()
	}

	a.wg.Add(2)
	go a.healthLoop(ctx)
	go a.previewLoop(ctx)

	go a.location.RequestFix(ctx)

	if a.cfg.AnalysisOnStart {
		if err := a.enableAnalysis(ctx); err != nil {
			a.logger.Warn("scene analysis not started", "error", err)
		}
	}

	<-ctx.Done()
	return nil
}

// Shutdown stops the session, analysis, camera and dashboard, and flushes
// settings.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()
	a.wg.Wait()

	a.logger.Debug("shutting down", "analysis_cycles", a.vision.Cycles())
	a.vision.Disable()
	var errs []error
	if err := a.convo.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.camera.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.dash != nil {
		if err := a.dash.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.memory.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// healthLoop feeds proxy reachability to the analysis loop.
func (a *App) healthLoop(ctx context.Context) {
	defer a.wg.Done()
	hc, ok := a.backend.(healthChecker)
	if !ok {
		return
	}
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	warnedAuth := false
	check := func() {
		cctx, cancel := context.WithTimeout(ctx, healthInterval/2)
		err := hc.Health(cctx)
		cancel()
		var apiErr *inference.APIError
		switch {
		case err == nil || ctx.Err() != nil:
		case errors.As(err, &apiErr) && apiErr.IsUnauthorized():
			if !warnedAuth {
				a.logger.Warn("proxy rejected credentials; run `narrator config set-key`", "url", a.cfg.Proxy.URL)
				warnedAuth = true
			}
		default:
			a.logger.Debug("proxy unreachable", "error", err)
		}
		a.vision.SetReachable(err == nil)
	}
	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// previewLoop sends low-res frames to the dashboard while the camera runs.
func (a *App) previewLoop(ctx context.Context) {
	defer a.wg.Done()
	if a.dash == nil {
		return
	}
	ticker := time.NewTicker(previewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.camera.State().Active {
				continue
			}
			if frame, ok := a.camera.CaptureLiveFrame(); ok {
				a.dash.SendCameraFrame(frame.Raw)
			}
		}
	}
}

// raiseEmergency sets the emergency flag for the presentation layer.
func (a *App) raiseEmergency(kind, description string) {
	a.mu.Lock()
	a.emergency = &web.Emergency{Kind: kind, Description: description, Time: time.Now()}
	a.mu.Unlock()

	attrs := []any{"kind", kind, "description", description}
	if c, ok := a.memory.PrimaryContact(); ok {
		attrs = append(attrs, "contact", c.Name, "phone", c.PhoneNumber)
	}
	a.logger.Warn("emergency raised", attrs...)
	if a.dash != nil {
		a.dash.RaiseEmergency(kind, description)
	}
}

// Emergency returns the raised emergency, or nil.
func (a *App) Emergency() *web.Emergency {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.emergency
}

// Conversation returns the dialogue orchestrator.
func (a *App) Conversation() *conversation.Orchestrator { return a.convo }

// Vision returns the scene analysis loop.
func (a *App) Vision() *vision.Loop { return a.vision }

// Camera returns the capture adapter.
func (a *App) Camera() *camera.Adapter { return a.camera }

// Location returns the location provider.
func (a *App) Location() *location.Provider { return a.location }

// Memory returns the settings store.
func (a *App) Memory() *memory.Memory { return a.memory }

// Dashboard returns the dashboard server, or nil when disabled.
func (a *App) Dashboard() *web.Server { return a.dash }

// StartSession opens the live dialogue.
func (a *App) StartSession(ctx context.Context) error {
	return a.convo.StartSession(ctx)
}

// StopSession closes the live dialogue.
func (a *App) StopSession() { a.convo.StopSession() }

// StopSpeaking cuts the assistant off.
func (a *App) StopSpeaking() { a.convo.StopSpeaking() }

// SetVisualActive shows or hides the visual pane. Showing it acquires the
// camera; hiding it releases the camera unless analysis still needs it.
func (a *App) SetVisualActive(ctx context.Context, active bool) error {
	if active {
		if err := a.camera.Enable(ctx, a.facing()); err != nil {
			return err
		}
		a.convo.SetVisualActive(true)
		return nil
	}
	a.convo.SetVisualActive(false)
	if !a.vision.Enabled() {
		a.camera.Disable()
	}
	return nil
}

// SetAnalysisEnabled toggles scene analysis.
func (a *App) SetAnalysisEnabled(enabled bool) {
	if enabled {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Proxy.Timeout)
		defer cancel()
		if err := a.enableAnalysis(ctx); err != nil {
			a.logger.Warn("scene analysis not started", "error", err)
		}
		return
	}
	a.vision.Disable()
	if !a.convo.VisualActive() {
		a.camera.Disable()
	}
}

func (a *App) enableAnalysis(ctx context.Context) error {
	if err := a.camera.Enable(ctx, a.facing()); err != nil {
		return err
	}
	a.vision.Enable()
	if a.dash != nil {
		a.dash.UpdateState(func(d *web.State) { d.AnalysisEnabled = true })
	}
	return nil
}

// facing is the configured mode until the user flips the camera.
func (a *App) facing() camera.Facing {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.facingMode
}

// Select highlights a detected object.
func (a *App) Select(index int) error { return a.vision.Select(index) }

// ToggleFacing switches cameras.
func (a *App) ToggleFacing(ctx context.Context) error {
	err := a.camera.ToggleFacing(ctx)
	a.mu.Lock()
	a.facingMode = a.camera.State().Facing
	a.mu.Unlock()
	return err
}

// ToggleTorch switches the torch.
func (a *App) ToggleTorch() error { return a.camera.ToggleTorch() }

// ClearEmergency dismisses the emergency flag.
func (a *App) ClearEmergency() {
	a.mu.Lock()
	a.emergency = nil
	a.mu.Unlock()
}

// Messages returns the chat log.
func (a *App) Messages() []conversation.ChatMessage { return a.convo.Messages() }

// ClearMessages empties the chat log.
func (a *App) ClearMessages() { a.convo.ClearMessages() }

// Tools returns the tool declarations.
func (a *App) Tools() []protocol.FunctionDeclaration { return a.tools.Declarations() }

// RunTool executes a tool by name.
func (a *App) RunTool(ctx context.Context, name string, args map[string]interface{}) (tools.Result, error) {
	return a.tools.Run(ctx, name, args)
}

var _ web.Controller = (*App)(nil)

// newProxyClient builds the proxy client with API key or ID token auth.
func newProxyClient(ctx context.Context, cfg Config, logger *slog.Logger) (*inference.Client, error) {
	opts := []inference.Option{
		inference.WithBaseURL(cfg.Proxy.URL),
		inference.WithTimeout(cfg.Proxy.Timeout),
		inference.WithVoice(cfg.Conversation.Voice),
		inference.WithLogger(logger),
	}
	if cfg.Proxy.APIKey != "" {
		opts = append(opts, inference.WithAPIKey(cfg.Proxy.APIKey))
	}
	if cfg.Proxy.Audience != "" {
		ts, err := inference.NewIDTokenSource(ctx, cfg.Proxy.Audience, cfg.Proxy.CredentialsFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, inference.WithTokenSource(ts))
	}
	return inference.NewClient(opts...)
}

// newLiveDialer dials the proxy's live relay with the same credentials.
func newLiveDialer(ctx context.Context, cfg Config, logger *slog.Logger) (conversation.Dialer, error) {
	opts := realtime.DefaultOptions()
	opts.Logger = logger
	if cfg.Proxy.APIKey != "" {
		opts.Header = http.Header{}
		opts.Header.Set("X-API-Key", cfg.Proxy.APIKey)
	}
	if cfg.Proxy.Audience != "" {
		ts, err := inference.NewIDTokenSource(ctx, cfg.Proxy.Audience, cfg.Proxy.CredentialsFile)
		if err != nil {
			return nil, err
		}
		opts.TokenSource = ts
	}
	return conversation.RealtimeDialer(cfg.Proxy.LiveEndpoint(), opts), nil
}

func newLocator(cfg LocationConfig) location.Locator {
	switch cfg.Mode {
	case LocationStatic:
		return location.StaticLocator{Latitude: cfg.Latitude, Longitude: cfg.Longitude}
	case LocationIP:
		return location.NewIPLocator(cfg.IPEndpoint)
	}
	return nil
}
