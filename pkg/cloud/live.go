package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	gorilla "github.com/gorilla/websocket"

	"github.com/teslashibe/go-narrator/pkg/protocol"
)

// Relay bridges a device websocket to the upstream live model. Device
// envelopes are rewritten into the upstream dialect; upstream envelopes
// are forwarded unchanged.
type Relay struct {
	cfg    Config
	hub    *Hub
	auth   *UpstreamAuth
	tools  []protocol.FunctionDeclaration
	dialer *gorilla.Dialer
	logger *slog.Logger
}

// NewRelay creates a relay. tools are declared to the model in the setup
// envelope of every session.
func NewRelay(cfg Config, hub *Hub, auth *UpstreamAuth, tools []protocol.FunctionDeclaration, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:   cfg,
		hub:   hub,
		auth:  auth,
		tools: tools,
		dialer: &gorilla.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		logger: logger.With("component", "cloud.relay"),
	}
}

// Setup builds the session configuration sent upstream.
func (r *Relay) Setup(voice string) *protocol.Setup {
	if voice == "" {
		voice = r.cfg.Voice
	}
	setup := &protocol.Setup{
		Model: r.cfg.LiveModelName(),
		GenerationConfig: &protocol.GenerationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig:       &protocol.SpeechConfig{},
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = voice
	if r.cfg.SystemInstruction != "" {
		setup.SystemInstruction = &protocol.Content{Parts: []protocol.Part{{Text: r.cfg.SystemInstruction}}}
	}
	if len(r.tools) > 0 {
		setup.Tools = []protocol.ToolSet{{FunctionDeclarations: r.tools}}
	}
	return setup
}

// dialUpstream opens the upstream socket and sends the setup envelope.
func (r *Relay) dialUpstream(ctx context.Context, voice string) (*gorilla.Conn, error) {
	url, header, err := r.auth.Apply(r.cfg.UpstreamURL())
	if err != nil {
		return nil, err
	}

	ws, resp, err := r.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("upstream handshake failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("upstream handshake failed: %w", err)
	}

	data, err := protocol.ClientMessage{Setup: r.Setup(voice)}.ToUpstream()
	if err != nil {
		ws.Close()
		return nil, err
	}
	if err := ws.WriteMessage(gorilla.TextMessage, data); err != nil {
		ws.Close()
		return nil, fmt.Errorf("upstream setup: %w", err)
	}
	return ws, nil
}

// Handle serves one device connection until either side closes.
func (r *Relay) Handle(c *websocket.Conn) {
	device, _ := c.Locals(localDevice).(string)
	voice := c.Query("voice")

	sess := r.hub.add(c, device, voice)
	logger := r.logger.With("session", sess.ID, "device", device)
	logger.Info("device connected", "sessions", r.hub.Count())

	defer func() {
		r.hub.remove(sess.ID)
		logger.Info("device disconnected", "sessions", r.hub.Count())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DialTimeout)
	upstream, err := r.dialUpstream(ctx, voice)
	cancel()
	if err != nil {
		r.hub.failed.Add(1)
		logger.Warn("upstream unavailable", "error", err)
		r.sendError(sess, http.StatusBadGateway, "UNAVAILABLE", "live model unavailable")
		return
	}

	var (
		once    sync.Once
		closing atomic.Bool
	)
	closeBoth := func() {
		once.Do(func() {
			closing.Store(true)
			upstream.WriteControl(gorilla.CloseMessage,
				gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			upstream.Close()
			c.Close()
		})
	}
	defer closeBoth()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.pumpUpstream(sess, upstream, &closing, logger)
		closeBoth()
	}()

	r.pumpDevice(sess, upstream, logger)
	closeBoth()
	<-done
}

// pumpDevice forwards device envelopes upstream. Setup envelopes from the
// device are dropped; the proxy owns session configuration.
func (r *Relay) pumpDevice(sess *LiveSession, upstream *gorilla.Conn, logger *slog.Logger) {
	for {
		_, data, err := sess.Conn.ReadMessage()
		if err != nil {
			return
		}
		sess.touch()

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			logger.Debug("dropping device frame", "error", err)
			continue
		}
		if msg.Setup != nil {
			logger.Debug("dropping device setup envelope")
			continue
		}

		out, err := msg.ToUpstream()
		if err != nil {
			continue
		}
		if err := upstream.WriteMessage(gorilla.TextMessage, out); err != nil {
			logger.Warn("upstream write failed", "error", err)
			return
		}
		sess.toModel.Add(1)
		r.hub.framesToModel.Add(1)
	}
}

// pumpUpstream forwards upstream envelopes to the device. An abnormal
// upstream close is reported to the device as an error envelope.
func (r *Relay) pumpUpstream(sess *LiveSession, upstream *gorilla.Conn, closing *atomic.Bool, logger *slog.Logger) {
	for {
		_, data, err := upstream.ReadMessage()
		if err != nil {
			if closing.Load() {
				return
			}
			if code, status, msg, ok := closeToError(err); ok {
				logger.Warn("upstream closed", "code", code, "status", status, "reason", msg)
				r.sendError(sess, code, status, msg)
			}
			return
		}
		if err := sess.Send(data); err != nil {
			return
		}
		r.hub.framesToDevice.Add(1)
	}
}

func (r *Relay) sendError(sess *LiveSession, code int, status, message string) {
	data, err := protocol.NewErrorMessage(code, status, message).Bytes()
	if err != nil {
		return
	}
	sess.Send(data)
}

// closeToError maps an abnormal upstream close to an HTTP-style code and
// status. Normal closures report ok=false.
func closeToError(err error) (code int, status, message string, ok bool) {
	var ce *gorilla.CloseError
	if !errors.As(err, &ce) {
		return http.StatusBadGateway, "UNAVAILABLE", "live model connection lost", true
	}
	if ce.Code == gorilla.CloseNormalClosure || ce.Code == gorilla.CloseGoingAway {
		return 0, "", "", false
	}

	reason := strings.ToLower(ce.Text)
	switch {
	case strings.Contains(reason, "quota") || strings.Contains(reason, "resource_exhausted") || strings.Contains(reason, "rate limit"):
		return http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", ce.Text, true
	case strings.Contains(reason, "deadline") || strings.Contains(reason, "timeout"):
		return http.StatusGatewayTimeout, "DEADLINE_EXCEEDED", ce.Text, true
	case ce.Code == gorilla.ClosePolicyViolation:
		return http.StatusBadRequest, "INVALID_ARGUMENT", ce.Text, true
	}
	if ce.Text == "" {
		return http.StatusBadGateway, "UNAVAILABLE", "live model closed the session", true
	}
	return http.StatusBadGateway, "UNAVAILABLE", ce.Text, true
}
