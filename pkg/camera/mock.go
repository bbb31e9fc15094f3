package camera

import (
	"context"
	"errors"
	"sync"
)

// MockOpener is an Opener for tests. It records opens and tracks how many
// streams are open at once.
type MockOpener struct {
	mu sync.Mutex

	// DeviceCount is reported by Devices.
	DeviceCount int
	// OpenErr, when set, is returned by every Open.
	OpenErr error
	// Torch controls the torch capability of new streams.
	Torch bool
	// TorchErr, when set, is returned by SetTorch.
	TorchErr error
	// Frame is returned by Capture. Nil means no frame yet.
	Frame []byte

	Opens     []Facing
	open      int
	maxOpen   int
	lastWidth int
}

// NewMockOpener returns an opener with two cameras and a fixed frame.
func NewMockOpener() *MockOpener {
	return &MockOpener{DeviceCount: 2, Frame: []byte{0xFF, 0xD8, 0xFF, 0xD9}}
}

// Open returns a MockStream or OpenErr.
func (m *MockOpener) Open(ctx context.Context, facing Facing, cfg Config) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	m.Opens = append(m.Opens, facing)
	m.open++
	if m.open > m.maxOpen {
		m.maxOpen = m.open
	}
	return &MockStream{opener: m, torch: m.Torch, live: true}, nil
}

// Devices lists DeviceCount fake devices.
func (m *MockOpener) Devices() ([]DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeviceInfo, m.DeviceCount)
	for i := range out {
		out[i] = DeviceInfo{Index: i, Name: "mock"}
	}
	return out, nil
}

// OpenCount returns the number of currently open streams.
func (m *MockOpener) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// MaxConcurrent returns the highest number of simultaneously open streams.
func (m *MockOpener) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxOpen
}

// LastCaptureWidth returns the maxWidth of the last Capture call.
func (m *MockOpener) LastCaptureWidth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastWidth
}

// MockStream is the stream handed out by MockOpener.
type MockStream struct {
	opener *MockOpener
	mu     sync.Mutex
	torch  bool
	live   bool
	closed bool
}

// Live reports whether the stream is open.
func (s *MockStream) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live && !s.closed
}

// Kill simulates the device disappearing.
func (s *MockStream) Kill() {
	s.mu.Lock()
	s.live = false
	s.mu.Unlock()
}

// Capture returns the opener's frame.
func (s *MockStream) Capture(maxWidth, quality int) ([]byte, int, int, error) {
	s.opener.mu.Lock()
	defer s.opener.mu.Unlock()
	s.opener.lastWidth = maxWidth
	if s.opener.Frame == nil {
		return nil, 0, 0, errors.New("no frame")
	}
	return s.opener.Frame, maxWidth, maxWidth * 3 / 4, nil
}

// HasTorch reports the probed capability.
func (s *MockStream) HasTorch() bool { return s.torch }

// SetTorch returns the opener's TorchErr.
func (s *MockStream) SetTorch(on bool) error {
	s.opener.mu.Lock()
	defer s.opener.mu.Unlock()
	return s.opener.TorchErr
}

// Close releases the stream once.
func (s *MockStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.opener.mu.Lock()
	s.opener.open--
	s.opener.mu.Unlock()
	return nil
}
