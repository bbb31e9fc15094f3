// Package realtime is the duplex session transport for the live dialogue
// channel: a websocket carrying protocol envelopes, with keepalive pings,
// a read deadline, and no automatic reconnect.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/teslashibe/go-narrator/pkg/debug"
	"github.com/teslashibe/go-narrator/pkg/protocol"
)

// ErrClosed is returned by Send after the connection closed.
var ErrClosed = errors.New("realtime: connection closed")

// Options configures Dial.
type Options struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration

	// Header is sent with the handshake.
	Header http.Header

	// TokenSource, when set, adds "Authorization: Bearer <token>".
	TokenSource oauth2.TokenSource

	// OnMessage receives every decoded inbound envelope, in order, on the
	// read goroutine.
	OnMessage func(*protocol.ServerMessage)

	// OnError is called at most once when the connection fails after it
	// was established. It is not called after Close.
	OnError func(error)

	Logger *slog.Logger
}

// DefaultOptions returns the keepalive settings used by the device.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      120 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats counts envelopes on a connection.
type Stats struct {
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
	Dropped  uint64 `json:"dropped"` // undecodable inbound frames
}

// Conn is an established duplex session.
type Conn struct {
	ws     *websocket.Conn
	wsMu   sync.Mutex
	opts   Options
	logger *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	errOnce   sync.Once
	done      chan struct{}

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
}

// Dial opens the websocket. A handshake failure is returned; later
// failures go to Options.OnError.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	opts.applyDefaults()

	header := opts.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if opts.TokenSource != nil {
		tok, err := opts.TokenSource.Token()
		if err != nil {
			return nil, fmt.Errorf("realtime: token: %w", err)
		}
		header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: failed to connect (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime: failed to connect: %w", err)
	}

	c := &Conn{
		ws:     ws,
		opts:   opts,
		logger: opts.Logger.With("component", "realtime"),
		done:   make(chan struct{}),
	}

	ws.SetPingHandler(func(appData string) error {
		c.wsMu.Lock()
		defer c.wsMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	})
	ws.SetReadDeadline(time.Now().Add(opts.ReadTimeout))

	go c.readLoop()
	go c.keepAlive()

	c.logger.Debug("connected", "url", url)
	return c, nil
}

// Send writes one envelope.
func (c *Conn) Send(msg protocol.ClientMessage) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.ws.WriteJSON(msg); err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("realtime: send: %w", err)
	}
	c.sent.Add(1)
	return nil
}

// Close tears the connection down. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)

		c.wsMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wsMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

// Done is closed when the connection closes for any reason.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// IsClosed reports whether Close has run.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Stats returns envelope counters.
func (c *Conn) Stats() Stats {
	return Stats{
		Sent:     c.sent.Load(),
		Received: c.received.Load(),
		Dropped:  c.dropped.Load(),
	}
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			c.dropped.Add(1)
			debug.Log("📡 realtime: dropping undecodable frame: %v\n", err)
			continue
		}
		c.received.Add(1)

		if msg.Error != nil {
			c.fail(msg.Error)
			return
		}

		if c.closed.Load() {
			return
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	}
}

// fail reports err once and closes. Errors after Close are ignored.
func (c *Conn) fail(err error) {
	if c.closed.Load() {
		return
	}
	c.errOnce.Do(func() {
		c.logger.Warn("connection failed", "error", err)
		c.Close()
		if c.opts.OnError != nil {
			c.opts.OnError(err)
		}
	})
}

func (c *Conn) keepAlive() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.wsMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.wsMu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
		}
	}
}
