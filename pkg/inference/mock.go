package inference

import (
	"context"
	"sync"
	"time"
)

// Mock implements Backend for testing.
type Mock struct {
	// SynthesizeFunc is called when Synthesize is invoked.
	SynthesizeFunc func(ctx context.Context, req *TTSRequest) ([]byte, error)

	// AnalyzeFunc is called when AnalyzeScene is invoked.
	AnalyzeFunc func(ctx context.Context, req *AnalyzeRequest) (string, error)

	// DescribeFunc is called when Describe is invoked.
	DescribeFunc func(ctx context.Context, req *DescribeRequest) (*Detection, error)

	// PlacesFunc is called when FindPlaces is invoked.
	PlacesFunc func(ctx context.Context, req *PlacesRequest) (*PlacesResponse, error)

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation.
type MockCall struct {
	Method string
	Time   time.Time
}

// NewMock creates a new mock backend with sensible defaults.
func NewMock() *Mock {
	return &Mock{
		SynthesizeFunc: func(ctx context.Context, req *TTSRequest) ([]byte, error) {
			// 100ms of silence at 24kHz
			return make([]byte, 4800), nil
		},
		AnalyzeFunc: func(ctx context.Context, req *AnalyzeRequest) (string, error) {
			return "A quiet room with a table.", nil
		},
		DescribeFunc: func(ctx context.Context, req *DescribeRequest) (*Detection, error) {
			return &Detection{SceneDescription: "A quiet room."}, nil
		},
		PlacesFunc: func(ctx context.Context, req *PlacesRequest) (*PlacesResponse, error) {
			return &PlacesResponse{Text: "There is a cafe nearby."}, nil
		},
	}
}

// Synthesize calls SynthesizeFunc and records the call.
func (m *Mock) Synthesize(ctx context.Context, req *TTSRequest) ([]byte, error) {
	m.record("Synthesize")
	if m.SynthesizeFunc != nil {
		return m.SynthesizeFunc(ctx, req)
	}
	return nil, WrapError("mock", ErrEmptyInput)
}

// AnalyzeScene calls AnalyzeFunc and records the call.
func (m *Mock) AnalyzeScene(ctx context.Context, req *AnalyzeRequest) (string, error) {
	m.record("AnalyzeScene")
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, req)
	}
	return "", WrapError("mock", ErrEmptyInput)
}

// Describe calls DescribeFunc and records the call.
func (m *Mock) Describe(ctx context.Context, req *DescribeRequest) (*Detection, error) {
	m.record("Describe")
	if m.DescribeFunc != nil {
		return m.DescribeFunc(ctx, req)
	}
	return nil, WrapError("mock", ErrEmptyInput)
}

// FindPlaces calls PlacesFunc and records the call.
func (m *Mock) FindPlaces(ctx context.Context, req *PlacesRequest) (*PlacesResponse, error) {
	m.record("FindPlaces")
	if m.PlacesFunc != nil {
		return m.PlacesFunc(ctx, req)
	}
	return nil, WrapError("mock", ErrEmptyInput)
}

// Calls returns all recorded method calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// CallCount returns the number of calls to a specific method.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// Reset clears all recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *Mock) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: method, Time: time.Now()})
}

// Verify Mock implements Backend at compile time.
var _ Backend = (*Mock)(nil)
