package conversation

import (
	"context"

	"github.com/teslashibe/go-narrator/pkg/camera"
	"github.com/teslashibe/go-narrator/pkg/protocol"
	"github.com/teslashibe/go-narrator/pkg/realtime"
)

// Transport is an open duplex session.
type Transport interface {
	Send(msg protocol.ClientMessage) error
	Close() error
}

// Handlers receive transport events. Both run on the transport's read
// goroutine.
type Handlers struct {
	OnMessage func(*protocol.ServerMessage)
	OnError   func(error)
}

// Dialer opens a transport wired to h.
type Dialer func(ctx context.Context, h Handlers) (Transport, error)

// RealtimeDialer dials url with the websocket transport.
func RealtimeDialer(url string, opts realtime.Options) Dialer {
	return func(ctx context.Context, h Handlers) (Transport, error) {
		o := opts
		o.OnMessage = h.OnMessage
		o.OnError = h.OnError
		return realtime.Dial(ctx, url, o)
	}
}

// ToolDispatcher executes one function call and returns its response
// object. It must always return a response.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, call protocol.FunctionCall) map[string]interface{}
}

// FrameSource supplies live video frames.
type FrameSource interface {
	CaptureLiveFrame() (camera.Frame, bool)
}
