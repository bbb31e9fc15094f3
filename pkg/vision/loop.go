// Package vision runs the scene analysis loop: a self-rescheduling cycle
// that captures a frame, asks the backend for structured detection, and
// raises proximity and emergency signals from the result.
//
// The loop never overlaps detection calls and always reschedules. Failure
// delays depend on the error class:
//
//	offline            5s, no capture attempted
//	capture failed     1s
//	success            2s
//	quota exhausted    60s, results cleared
//	upstream timeout   10s, results kept
//	anything else      5s, results kept
package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/teslashibe/go-narrator/pkg/camera"
	"github.com/teslashibe/go-narrator/pkg/inference"
)

// ErrNoSelection is returned by Select for an out-of-range index.
var ErrNoSelection = errors.New("vision: no such object")

// Detector performs structured detection on one frame.
type Detector interface {
	Describe(ctx context.Context, req *inference.DescribeRequest) (*inference.Detection, error)
}

// FrameSource captures a still for analysis.
type FrameSource interface {
	CaptureFrame() (camera.Frame, bool)
}

// Phase names the outcome of the last cycle.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseOK            Phase = "ok"
	PhaseOffline       Phase = "offline"
	PhaseCaptureFailed Phase = "capture_failed"
	PhaseQuota         Phase = "quota"
	PhaseTimeout       Phase = "timeout"
	PhaseError         Phase = "error"
)

// Status is reported after every cycle.
type Status struct {
	Phase     Phase         `json:"phase"`
	Message   string        `json:"message,omitempty"`
	NextDelay time.Duration `json:"next_delay"`
	Coverage  float64       `json:"coverage"`
	Proximity bool          `json:"proximity"`
}

// Loop is the scene analysis loop.
type Loop struct {
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	detector Detector
	frames   FrameSource

	inFlight  atomic.Bool
	reachable atomic.Bool

	mu            sync.Mutex
	enabled       bool
	gen           uint64
	timer         *clock.Timer
	cancelCall    context.CancelFunc
	result        *AnalysisResult
	coverage      float64
	selected      int
	lastEmergency string
	status        Status
	cycles        int

	// OnStatus is called after every cycle.
	OnStatus func(Status)

	// OnResult is called with each successful result and its coverage.
	OnResult func(*AnalysisResult, float64)

	// OnEmergency is called once per distinct emergency type.
	OnEmergency func(kind, description string)
}

// New creates a disabled loop.
func New(cfg Config, detector Detector, frames FrameSource) (*Loop, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Loop{
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "vision"),
		detector: detector,
		frames:   frames,
		selected: -1,
		status:   Status{Phase: PhaseIdle},
	}
	l.reachable.Store(true)
	return l, nil
}

// Enable starts the loop with an immediate cycle. It is a no-op when
// already enabled.
func (l *Loop) Enable() {
	l.mu.Lock()
	if l.enabled {
		l.mu.Unlock()
		return
	}
	l.enabled = true
	l.gen++
	l.scheduleLocked(l.gen, 0)
	l.mu.Unlock()

	l.logger.Info("scene analysis enabled")
}

// Disable cancels the pending cycle and any in-flight call, and clears
// the result, selection, coverage and emergency de-dup key.
func (l *Loop) Disable() {
	l.mu.Lock()
	if !l.enabled {
		l.mu.Unlock()
		return
	}
	l.enabled = false
	l.gen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.cancelCall != nil {
		l.cancelCall()
		l.cancelCall = nil
	}
	l.result = nil
	l.coverage = 0
	l.selected = -1
	l.lastEmergency = ""
	l.status = Status{Phase: PhaseIdle}
	l.mu.Unlock()

	l.logger.Info("scene analysis disabled")
}

// Enabled reports whether the loop is running.
func (l *Loop) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// SetReachable records network reachability.
func (l *Loop) SetReachable(ok bool) {
	l.reachable.Store(ok)
}

// Result returns the current result, or nil.
func (l *Loop) Result() *AnalysisResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.result
}

// Coverage returns the current proximity coverage ratio.
func (l *Loop) Coverage() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.coverage
}

// Status returns the last cycle's status.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Cycles returns how many cycles attempted a capture.
func (l *Loop) Cycles() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cycles
}

// Select marks the object at index as selected; -1 clears the selection.
func (l *Loop) Select(index int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index == -1 {
		l.selected = -1
		return nil
	}
	if l.result == nil || index < 0 || index >= len(l.result.DetectedObjects) {
		return ErrNoSelection
	}
	l.selected = index
	return nil
}

// Selected returns the selected object.
func (l *Loop) Selected() (DetectedObject, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.result == nil || l.selected < 0 || l.selected >= len(l.result.DetectedObjects) {
		return DetectedObject{}, false
	}
	return l.result.DetectedObjects[l.selected], true
}

// cycle runs one analysis step for generation gen.
func (l *Loop) cycle(gen uint64) {
	if !l.current(gen) {
		return
	}

	if !l.reachable.Load() {
		l.finish(gen, Status{Phase: PhaseOffline, Message: "network unreachable"}, l.cfg.OfflineDelay)
		return
	}

	// A call from a previous generation may still be running after a
	// quick disable and enable. Skip, but keep this generation alive.
	if !l.inFlight.CompareAndSwap(false, true) {
		l.mu.Lock()
		if l.enabled && gen == l.gen {
			l.scheduleLocked(gen, l.cfg.CaptureDelay)
		}
		l.mu.Unlock()
		return
	}
	defer l.inFlight.Store(false)

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("analysis cycle panicked", "panic", r)
			l.finish(gen, Status{Phase: PhaseError, Message: fmt.Sprint(r)}, l.cfg.ErrorBackoff)
		}
	}()

	l.mu.Lock()
	l.cycles++
	l.mu.Unlock()

	frame, ok := l.frames.CaptureFrame()
	if !ok {
		l.finish(gen, Status{Phase: PhaseCaptureFailed, Message: "no frame available"}, l.cfg.CaptureDelay)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.RequestTimeout)
	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		cancel()
		return
	}
	l.cancelCall = cancel
	l.mu.Unlock()

	det, err := l.detector.Describe(ctx, &inference.DescribeRequest{
		Image:    frame.Data,
		MimeType: frame.MimeType,
		Prompt:   l.cfg.Prompt,
	})
	cancel()

	if err == nil && det == nil {
		err = inference.ErrMalformedResponse
	}
	if err != nil {
		l.fail(gen, err)
		return
	}
	l.succeed(gen, NewAnalysisResult(det))
}

func (l *Loop) current(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled && gen == l.gen
}

func (l *Loop) succeed(gen uint64, res *AnalysisResult) {
	coverage := res.Coverage()
	proximity := coverage > l.cfg.ProximityThreshold

	var emergency string
	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.result = res
	l.coverage = coverage
	if l.selected >= len(res.DetectedObjects) {
		l.selected = -1
	}
	if kind, ok := EmergencyType(res.SceneDescription); ok && kind != l.lastEmergency {
		l.lastEmergency = kind
		emergency = kind
	}
	l.mu.Unlock()

	if proximity {
		l.logger.Warn("object very close", "coverage", coverage)
	}
	if l.OnResult != nil {
		l.OnResult(res, coverage)
	}
	if emergency != "" {
		l.logger.Warn("emergency detected", "type", emergency)
		if l.OnEmergency != nil {
			l.OnEmergency(emergency, res.SceneDescription)
		}
	}

	l.finish(gen, Status{Phase: PhaseOK, Coverage: coverage, Proximity: proximity}, l.cfg.SuccessDelay)
}

func (l *Loop) fail(gen uint64, err error) {
	var (
		phase Phase
		delay time.Duration
	)
	switch inference.Classify(err) {
	case inference.ClassQuota:
		phase, delay = PhaseQuota, l.cfg.QuotaBackoff
		l.mu.Lock()
		if gen == l.gen {
			l.result = nil
			l.coverage = 0
			l.selected = -1
		}
		l.mu.Unlock()
	case inference.ClassTimeout:
		phase, delay = PhaseTimeout, l.cfg.TimeoutBackoff
	default:
		phase, delay = PhaseError, l.cfg.ErrorBackoff
	}
	l.logger.Warn("scene analysis failed", "class", phase, "retry_in", delay, "error", err)
	l.finish(gen, Status{Phase: phase, Message: err.Error(), Coverage: l.Coverage()}, delay)
}

// finish records status and schedules the next cycle.
func (l *Loop) finish(gen uint64, st Status, delay time.Duration) {
	st.NextDelay = delay

	l.mu.Lock()
	if !l.enabled || gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.cancelCall = nil
	l.status = st
	l.scheduleLocked(gen, delay)
	l.mu.Unlock()

	if l.OnStatus != nil {
		l.OnStatus(st)
	}
}

// scheduleLocked replaces the pending timer.
func (l *Loop) scheduleLocked(gen uint64, delay time.Duration) {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = l.clock.AfterFunc(delay, func() { l.cycle(gen) })
}
