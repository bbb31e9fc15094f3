// Package location provides a coalescing geolocation provider.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds a single fix request.
const DefaultTimeout = 10 * time.Second

// Status is the provider's request status.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusPending     Status = "pending"
	StatusGranted     Status = "granted"
	StatusDenied      Status = "denied"
	StatusUnsupported Status = "unsupported"
)

// ErrUnsupported is reported when no locator is configured.
var ErrUnsupported = errors.New("location not supported")

// Fix is a resolved position.
type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"` // meters, 0 if unknown
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (f Fix) String() string {
	return fmt.Sprintf("%.5f,%.5f", f.Latitude, f.Longitude)
}

// State is the observable provider state.
type State struct {
	Status Status `json:"status"`
	Fix    *Fix   `json:"fix,omitempty"`
	Err    string `json:"error,omitempty"`
}

// Locator performs one platform position request.
type Locator interface {
	Locate(ctx context.Context) (Fix, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context) (Fix, error)

func (f LocatorFunc) Locate(ctx context.Context) (Fix, error) { return f(ctx) }

// Provider coalesces concurrent fix requests into one Locate call.
type Provider struct {
	locator Locator
	timeout time.Duration
	logger  *slog.Logger
	group   singleflight.Group

	mu    sync.RWMutex
	state State

	// OnStateChange is called after each status transition.
	OnStateChange func(State)
}

// NewProvider creates a provider. A nil locator makes every request
// resolve as unsupported.
func NewProvider(locator Locator, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		locator: locator,
		timeout: DefaultTimeout,
		logger:  logger.With("component", "location"),
		state:   State{Status: StatusIdle},
	}
}

// SetTimeout overrides DefaultTimeout.
func (p *Provider) SetTimeout(d time.Duration) {
	p.timeout = d
}

// State returns a copy of the current state.
func (p *Provider) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// LastFix returns the most recent successful fix, or nil.
func (p *Provider) LastFix() *Fix {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.Fix
}

// RequestFix resolves the current position. Concurrent callers share a
// single underlying request. It never fails: a nil result means the fix
// could not be obtained and State carries the reason. Cached fixes are
// never returned in place of a fresh request.
func (p *Provider) RequestFix(ctx context.Context) *Fix {
	if p.locator == nil {
		p.setState(State{Status: StatusUnsupported, Err: ErrUnsupported.Error()})
		return nil
	}

	ch := p.group.DoChan("fix", func() (interface{}, error) {
		return p.locate(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		fix, _ := res.Val.(*Fix)
		return fix
	case <-ctx.Done():
		return nil
	}
}

func (p *Provider) locate(ctx context.Context) (*Fix, error) {
	p.mu.Lock()
	prev := p.state.Fix
	p.state = State{Status: StatusPending, Fix: prev}
	state := p.state
	p.mu.Unlock()
	p.notify(state)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	fix, err := p.locator.Locate(ctx)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "location request timed out"
		}
		p.logger.Warn("location request failed", "error", err, "elapsed", time.Since(start))
		p.setState(State{Status: StatusDenied, Fix: prev, Err: msg})
		return nil, nil
	}

	if fix.Timestamp.IsZero() {
		fix.Timestamp = time.Now()
	}
	p.logger.Debug("location fix", "fix", fix.String(), "source", fix.Source, "elapsed", time.Since(start))
	p.setState(State{Status: StatusGranted, Fix: &fix})
	return &fix, nil
}

func (p *Provider) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	p.notify(s)
}

func (p *Provider) notify(s State) {
	if p.OnStateChange != nil {
		p.OnStateChange(s)
	}
}
