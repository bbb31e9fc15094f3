package camera

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-narrator/pkg/debug"
)

// Adapter owns at most one capture stream at a time. All operations are
// serialized, so an old stream is always closed before a new one opens.
type Adapter struct {
	opener Opener
	logger *slog.Logger

	mu        sync.Mutex
	cfg       Config
	stream    Stream
	state     State
	enumCount int // -1 until enumerated

	// OnStateChange is called after every state transition.
	OnStateChange func(State)
}

// NewAdapter creates an adapter around opener.
func NewAdapter(opener Opener, cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		opener:    opener,
		logger:    logger.With("component", "camera"),
		cfg:       cfg,
		state:     State{Facing: FacingBack},
		enumCount: -1,
	}
}

// State returns a copy of the current state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Enable acquires a stream with the given facing mode. It is a no-op when
// a live stream with the same mode is already held. Failures are recorded
// in State as a classified *Error and returned.
func (a *Adapter) Enable(ctx context.Context, facing Facing) error {
	a.mu.Lock()
	if a.stream != nil && a.state.Active && a.state.Facing == facing && a.stream.Live() {
		a.mu.Unlock()
		return nil
	}

	a.releaseLocked()

	if a.enumCount < 0 {
		if devices, err := a.opener.Devices(); err == nil {
			a.enumCount = len(devices)
		} else {
			a.logger.Debug("device enumeration failed", "error", err)
		}
	}

	stream, err := a.opener.Open(ctx, facing, a.cfg)
	if err != nil {
		camErr := Classify(err)
		a.state = State{
			Active:             false,
			Facing:             facing,
			HasMultipleCameras: a.enumCount > 1,
			LastError:          camErr,
		}
		state := a.state
		a.mu.Unlock()

		a.logger.Warn("camera acquisition failed", "facing", facing, "kind", camErr.Kind, "error", err)
		a.notify(state)
		return camErr
	}

	a.stream = stream
	a.state = State{
		Active:             true,
		Facing:             facing,
		HasMultipleCameras: a.enumCount > 1,
		HasTorch:           stream.HasTorch(),
	}
	state := a.state
	a.mu.Unlock()

	a.logger.Info("camera enabled", "facing", facing, "torch", state.HasTorch)
	a.notify(state)
	return nil
}

// releaseLocked closes the held stream and resets torch flags.
func (a *Adapter) releaseLocked() {
	if a.stream != nil {
		if err := a.stream.Close(); err != nil {
			a.logger.Debug("closing camera stream", "error", err)
		}
		a.stream = nil
	}
	a.state.Active = false
	a.state.HasTorch = false
	a.state.TorchOn = false
}

// Disable stops the stream and clears the handle.
func (a *Adapter) Disable() {
	a.mu.Lock()
	wasActive := a.stream != nil
	a.releaseLocked()
	a.state.LastError = nil
	state := a.state
	a.mu.Unlock()

	if wasActive {
		a.logger.Info("camera disabled")
		a.notify(state)
	}
}

// ToggleFacing flips front/back and re-acquires. Torch capability comes
// from the new stream's probe.
func (a *Adapter) ToggleFacing(ctx context.Context) error {
	a.mu.Lock()
	next := a.state.Facing.Opposite()
	a.mu.Unlock()
	return a.Enable(ctx, next)
}

// ToggleTorch switches the torch. A failing device is marked as having no
// torch so callers stop offering it.
func (a *Adapter) ToggleTorch() error {
	a.mu.Lock()
	if a.stream == nil || !a.state.Active {
		a.mu.Unlock()
		return ErrNotActive
	}
	if !a.state.HasTorch {
		a.mu.Unlock()
		return ErrTorchUnsupported
	}

	want := !a.state.TorchOn
	if err := a.stream.SetTorch(want); err != nil {
		a.state.HasTorch = false
		a.state.TorchOn = false
		state := a.state
		a.mu.Unlock()

		a.logger.Warn("torch failed, marking unsupported", "error", err)
		a.notify(state)
		return fmt.Errorf("%w: %v", ErrTorchUnsupported, err)
	}

	a.state.TorchOn = want
	state := a.state
	a.mu.Unlock()

	a.notify(state)
	return nil
}

// CaptureFrame encodes the current frame scaled to Config.MaxWidth.
// ok is false when no live frame is available.
func (a *Adapter) CaptureFrame() (Frame, bool) {
	a.mu.Lock()
	maxWidth := a.cfg.MaxWidth
	a.mu.Unlock()
	return a.CaptureFrameWidth(maxWidth)
}

// CaptureLiveFrame encodes a small frame for the live dialogue stream.
func (a *Adapter) CaptureLiveFrame() (Frame, bool) {
	a.mu.Lock()
	maxWidth := a.cfg.LiveMaxWidth
	a.mu.Unlock()
	return a.CaptureFrameWidth(maxWidth)
}

// CaptureFrameWidth encodes the current frame scaled to at most maxWidth.
func (a *Adapter) CaptureFrameWidth(maxWidth int) (Frame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stream == nil || !a.state.Active || !a.stream.Live() {
		return Frame{}, false
	}

	data, w, h, err := a.stream.Capture(maxWidth, a.cfg.Quality)
	if err != nil || len(data) == 0 {
		if err != nil {
			a.logger.Debug("frame capture failed", "error", err)
		}
		return Frame{}, false
	}

	debug.FrameLog("📷 frame %dx%d %dB\n", w, h, len(data))
	return Frame{
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: "image/jpeg",
		Width:    w,
		Height:   h,
		Raw:      data,
	}, true
}

// Devices enumerates capture devices.
func (a *Adapter) Devices() ([]DeviceInfo, error) {
	return a.opener.Devices()
}

// Config returns the current configuration.
func (a *Adapter) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// SetConfig validates and applies cfg. An active stream is reopened so the
// new resolution takes effect.
func (a *Adapter) SetConfig(ctx context.Context, cfg Config) error {
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("validation failed: %v", errs)
	}

	a.mu.Lock()
	reopen := a.stream != nil && (cfg.Width != a.cfg.Width || cfg.Height != a.cfg.Height ||
		cfg.Framerate != a.cfg.Framerate || cfg.FrontDevice != a.cfg.FrontDevice || cfg.BackDevice != a.cfg.BackDevice)
	facing := a.state.Facing
	a.cfg = cfg
	if reopen {
		a.releaseLocked()
	}
	a.mu.Unlock()

	if reopen {
		return a.Enable(ctx, facing)
	}
	return nil
}

// UpdateConfig applies a partial update from the dashboard API.
// A "preset" key replaces the base configuration first.
func (a *Adapter) UpdateConfig(ctx context.Context, params map[string]interface{}) error {
	cfg := a.Config()

	if presetName, ok := params["preset"].(string); ok {
		preset := GetPreset(presetName)
		if preset == nil {
			return fmt.Errorf("unknown preset: %s", presetName)
		}
		cfg = *preset
	}

	for key, value := range params {
		v, ok := toInt(value)
		if !ok {
			continue
		}
		switch key {
		case "width":
			cfg.Width = v
		case "height":
			cfg.Height = v
		case "framerate":
			cfg.Framerate = v
		case "max_width":
			cfg.MaxWidth = v
		case "live_max_width":
			cfg.LiveMaxWidth = v
		case "quality":
			cfg.Quality = v
		case "front_device":
			cfg.FrontDevice = v
		case "back_device":
			cfg.BackDevice = v
		}
	}

	return a.SetConfig(ctx, cfg)
}

// Close releases the stream.
func (a *Adapter) Close() error {
	a.Disable()
	return nil
}

func (a *Adapter) notify(state State) {
	if a.OnStateChange != nil {
		a.OnStateChange(state)
	}
}

func toInt(v interface{}) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case float64:
		return int(val), true
	case json.Number:
		i, err := val.Int64()
		if err == nil {
			return int(i), true
		}
	}
	return 0, false
}
