// Package conversation orchestrates the live voice dialogue: it streams the
// microphone (and, while the visual pane is active, camera frames) to the
// remote model, schedules the model's audio for gapless playback, assembles
// transcripts into a chat log, handles interruptions, and answers tool calls
// in order.
//
// Example usage:
//
//	o, _ := conversation.New(conversation.DefaultConfig(), conversation.Options{
//	    Source:  mic,
//	    Sink:    speaker,
//	    Dialer:  conversation.RealtimeDialer(liveURL, realtime.DefaultOptions()),
//	    Backend: proxy,
//	    Frames:  cameraAdapter,
//	})
//	o.SetTools(registry)
//
//	if err := o.StartSession(ctx); err != nil {
//	    // the failure is already in o.Messages()
//	}
//	defer o.StopSession()
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/teslashibe/go-narrator/pkg/audioio"
	"github.com/teslashibe/go-narrator/pkg/inference"
	"github.com/teslashibe/go-narrator/pkg/protocol"
)

// Options are the orchestrator's collaborators.
type Options struct {
	Source  audioio.Source    // microphone, 16kHz mono
	Sink    audioio.Sink      // speaker, 24kHz mono
	Dialer  Dialer            // opens the duplex transport
	Backend inference.Backend // speech synthesis for SpeakAndLog
	Frames  FrameSource       // optional live video
	Tools   ToolDispatcher    // may be set later with SetTools
}

// session is the mutable record of one dialogue. Only the orchestrator
// touches it, under o.mu.
type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	ready     chan struct{} // closed once transport is set

	outbound chan protocol.ClientMessage
	wg       sync.WaitGroup

	input       string
	output      string
	interrupted bool
}

// Orchestrator owns the dialogue session lifecycle.
type Orchestrator struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	source  audioio.Source
	player  *Scheduler
	dial    Dialer
	backend inference.Backend
	frames  FrameSource

	log     *Log
	metrics *MetricsCollector

	mu      sync.Mutex
	state   State
	session *session
	visual  bool
	tools   ToolDispatcher

	// OnStateChange is called after every state transition.
	OnStateChange func(State)

	// OnMessage is called after every chat log append.
	OnMessage func(ChatMessage)
}

// New creates an orchestrator.
func New(cfg Config, opts Options) (*Orchestrator, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Source == nil || opts.Sink == nil {
		return nil, fmt.Errorf("conversation: audio source and sink are required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("conversation: dialer is required")
	}

	o := &Orchestrator{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With("component", "conversation"),
		source:  opts.Source,
		dial:    opts.Dialer,
		backend: opts.Backend,
		frames:  opts.Frames,
		tools:   opts.Tools,
		log:     NewLog(cfg.Clock),
		metrics: NewMetricsCollector(),
		state:   StateIdle,
	}
	o.log.OnAppend = func(m ChatMessage) {
		if o.OnMessage != nil {
			o.OnMessage(m)
		}
	}
	o.player = NewScheduler(opts.Sink, cfg.Clock, cfg.Logger)
	o.player.OnActiveChange = o.onPlaybackActive
	return o, nil
}

// SetTools sets the tool dispatcher.
func (o *Orchestrator) SetTools(t ToolDispatcher) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tools = t
}

// Log returns the chat log.
func (o *Orchestrator) Log() *Log { return o.log }

// Messages returns a copy of the chat log.
func (o *Orchestrator) Messages() []ChatMessage { return o.log.Messages() }

// ClearMessages empties the chat log.
func (o *Orchestrator) ClearMessages() { o.log.Clear() }

// AddMessage appends msg to the chat log.
func (o *Orchestrator) AddMessage(msg ChatMessage) ChatMessage { return o.log.Append(msg) }

// Player returns the playback scheduler.
func (o *Orchestrator) Player() *Scheduler { return o.player }

// Metrics returns current session metrics.
func (o *Orchestrator) Metrics() Metrics { return o.metrics.Current() }

// State returns the lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// IsListening reports whether a session is open.
func (o *Orchestrator) IsListening() bool {
	return o.State().Active()
}

// SetVisualActive toggles live frame streaming.
func (o *Orchestrator) SetVisualActive(active bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.visual = active
}

// VisualActive reports whether live frames are streamed.
func (o *Orchestrator) VisualActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.visual
}

// StartSession acquires the microphone, opens the transport and starts
// streaming. Setup failures are logged as an assistant message, the
// orchestrator returns to idle, and the error is returned.
func (o *Orchestrator) StartSession(ctx context.Context) error {
	o.mu.Lock()
	if o.session != nil {
		o.mu.Unlock()
		return ErrSessionActive
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		id:       uuid.NewString(),
		ctx:      sctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		outbound: make(chan protocol.ClientMessage, o.cfg.OutboundQueue),
	}
	o.session = sess
	o.setStateLocked(StateConnecting)
	o.mu.Unlock()
	o.emitState(StateConnecting)

	o.metrics.Reset(o.clock.Now())
	o.logger.Info("starting session", "session", sess.id)

	if err := o.source.Start(sctx); err != nil {
		o.failSetup(sess, msgMicUnavailable, err)
		return fmt.Errorf("conversation: microphone: %w", err)
	}
	if err := o.player.Start(sctx); err != nil {
		o.failSetup(sess, msgSpeakerFailed, err)
		return fmt.Errorf("conversation: speaker: %w", err)
	}
	if !o.isCurrent(sess) {
		o.source.Stop()
		return ErrSessionStopped
	}

	dctx, dcancel := context.WithTimeout(ctx, o.cfg.DialTimeout)
	transport, err := o.dial(dctx, Handlers{
		OnMessage: func(msg *protocol.ServerMessage) { o.handle(sess, msg) },
		OnError:   func(err error) { o.transportError(sess, err) },
	})
	dcancel()
	if err != nil {
		o.failSetup(sess, msgConnectFailed, err)
		return fmt.Errorf("conversation: connect: %w", err)
	}

	o.mu.Lock()
	if o.session != sess {
		o.mu.Unlock()
		transport.Close()
		return ErrSessionStopped
	}
	sess.transport = transport
	close(sess.ready)
	o.setStateLocked(StateListening)
	// Counted before unlocking so a concurrent teardown waits for the pumps.
	sess.wg.Add(3)
	o.mu.Unlock()
	o.emitState(StateListening)

	go o.writeLoop(sess)
	go o.micLoop(sess)
	go o.frameLoop(sess)

	if !o.isCurrent(sess) {
		return ErrSessionStopped
	}
	o.logger.Info("session open", "session", sess.id)
	return nil
}

// StopSession closes the transport and releases audio. It is a no-op when
// no session is active and is safe to call during StartSession.
func (o *Orchestrator) StopSession() {
	o.mu.Lock()
	sess := o.session
	if sess == nil {
		o.mu.Unlock()
		return
	}
	o.session = nil
	o.setStateLocked(StateIdle)
	o.mu.Unlock()

	o.teardown(sess)
	o.emitState(StateIdle)
	o.logger.Info("session stopped", "session", sess.id)
}

// StopSpeaking stops and clears playback without closing the session.
func (o *Orchestrator) StopSpeaking() {
	o.player.Interrupt()
	o.mu.Lock()
	if o.session != nil {
		o.session.interrupted = true
	}
	o.mu.Unlock()
}

// Close stops any session and the speaker.
func (o *Orchestrator) Close() error {
	o.StopSession()
	return o.player.Stop()
}

func (o *Orchestrator) isCurrent(sess *session) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session == sess
}

// failSetup handles a failure while connecting.
func (o *Orchestrator) failSetup(sess *session, text string, err error) {
	o.logger.Warn("session setup failed", "session", sess.id, "error", err)
	o.fail(sess, text)
}

// transportError handles a failure after the session opened. Errors from
// a superseded transport are ignored.
func (o *Orchestrator) transportError(sess *session, err error) {
	if !o.isCurrent(sess) {
		o.logger.Debug("ignoring error from stale transport", "session", sess.id, "error", err)
		return
	}
	o.logger.Warn("transport failed", "session", sess.id, "error", err)
	o.fail(sess, msgConnectionLost)
}

// fail moves through failed to idle, logging text for the user.
func (o *Orchestrator) fail(sess *session, text string) {
	o.mu.Lock()
	if o.session != sess {
		o.mu.Unlock()
		return
	}
	o.session = nil
	o.setStateLocked(StateFailed)
	o.mu.Unlock()
	o.emitState(StateFailed)

	o.metrics.Update(func(m *Metrics) { m.Errors++ })
	o.log.Append(ChatMessage{Role: RoleAssistant, Text: text, IsError: true})
	o.teardown(sess)

	o.mu.Lock()
	idle := o.session == nil
	if idle {
		o.setStateLocked(StateIdle)
	}
	o.mu.Unlock()
	if idle {
		o.emitState(StateIdle)
	}
}

// teardown releases everything the session holds.
func (o *Orchestrator) teardown(sess *session) {
	sess.cancel()

	o.mu.Lock()
	transport := sess.transport
	o.mu.Unlock()
	if transport != nil {
		if err := transport.Close(); err != nil {
			o.logger.Debug("closing transport", "error", err)
		}
	}

	if err := o.source.Stop(); err != nil {
		o.logger.Debug("stopping microphone", "error", err)
	}
	if err := o.player.Stop(); err != nil {
		o.logger.Debug("stopping speaker", "error", err)
	}
	sess.wg.Wait()
}

func (o *Orchestrator) setStateLocked(s State) {
	o.state = s
}

func (o *Orchestrator) emitState(s State) {
	if o.OnStateChange != nil {
		o.OnStateChange(s)
	}
}

// onPlaybackActive flips listening/speaking while a session is open.
func (o *Orchestrator) onPlaybackActive(active bool) {
	o.mu.Lock()
	if o.session == nil || !o.state.Active() {
		o.mu.Unlock()
		return
	}
	next := StateListening
	if active {
		next = StateSpeaking
	}
	if o.state == next {
		o.mu.Unlock()
		return
	}
	o.setStateLocked(next)
	o.mu.Unlock()
	o.emitState(next)
}

// enqueue hands msg to the writer without blocking. A full queue drops it.
func (o *Orchestrator) enqueue(sess *session, msg protocol.ClientMessage) bool {
	select {
	case sess.outbound <- msg:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) writeLoop(sess *session) {
	defer sess.wg.Done()
	for {
		select {
		case <-sess.ctx.Done():
			return
		case msg := <-sess.outbound:
			if err := sess.transport.Send(msg); err != nil {
				o.logger.Debug("send failed", "session", sess.id, "error", err)
			}
		}
	}
}

// micLoop forwards captured chunks as 16kHz PCM16 realtime input.
func (o *Orchestrator) micLoop(sess *session) {
	defer sess.wg.Done()
	stream := o.source.Stream()
	for {
		select {
		case <-sess.ctx.Done():
			return
		case chunk, ok := <-stream:
			if !ok {
				return
			}
			data, mime := audioio.EncodeInput(chunk)
			msg := protocol.ClientMessage{RealtimeInput: &protocol.RealtimeInput{
				Media: &protocol.Blob{Data: data, MimeType: mime},
			}}
			if o.enqueue(sess, msg) {
				o.metrics.Update(func(m *Metrics) { m.ChunksSent++ })
			} else {
				o.metrics.Update(func(m *Metrics) { m.ChunksDropped++ })
			}
		}
	}
}

// frameLoop samples live frames at FrameInterval while the visual pane
// is active.
func (o *Orchestrator) frameLoop(sess *session) {
	defer sess.wg.Done()
	if o.frames == nil {
		return
	}
	ticker := o.clock.Ticker(o.cfg.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			if !o.VisualActive() {
				continue
			}
			frame, ok := o.frames.CaptureLiveFrame()
			if !ok {
				continue
			}
			if o.enqueue(sess, protocol.NewImageInput(frame.Data)) {
				o.metrics.Update(func(m *Metrics) { m.FramesSent++ })
			}
		}
	}
}

// handle processes one inbound envelope for sess, in arrival order.
func (o *Orchestrator) handle(sess *session, msg *protocol.ServerMessage) {
	select {
	case <-sess.ready:
	case <-sess.ctx.Done():
		return
	}
	if !o.isCurrent(sess) {
		return
	}
	o.HandleMessage(msg)
}

// HandleMessage applies one inbound envelope to the current session:
// transcripts, interruption, turn completion, audio, then tool calls.
func (o *Orchestrator) HandleMessage(msg *protocol.ServerMessage) {
	o.mu.Lock()
	sess := o.session
	if sess == nil {
		o.mu.Unlock()
		return
	}

	var commits []ChatMessage
	interrupted := false
	turnComplete := false

	if sc := msg.ServerContent; sc != nil {
		if sc.InputTranscription != nil {
			sess.input += sc.InputTranscription.Text
		}
		if sc.OutputTranscription != nil {
			sess.output += sc.OutputTranscription.Text
		}
		if sc.Interrupted {
			interrupted = true
			sess.interrupted = true
			if sess.output != "" {
				commits = append(commits, ChatMessage{Role: RoleAssistant, Text: sess.output, Interrupted: true})
				sess.output = ""
			}
		}
		if sc.TurnComplete {
			turnComplete = true
			if sess.input != "" {
				commits = append(commits, ChatMessage{Role: RoleUser, Text: sess.input})
			}
			if sess.output != "" {
				commits = append(commits, ChatMessage{Role: RoleAssistant, Text: sess.output})
			}
			sess.input = ""
			sess.output = ""
			sess.interrupted = false
		}
	}
	tools := o.tools
	o.mu.Unlock()

	if interrupted {
		dropped := o.player.Interrupt()
		o.metrics.Update(func(m *Metrics) { m.Interruptions++ })
		o.logger.Debug("interrupted", "dropped_segments", dropped)
	}
	if turnComplete {
		o.metrics.Update(func(m *Metrics) { m.Turns++ })
	}
	for _, m := range commits {
		o.log.Append(m)
	}

	for _, part := range msg.AudioParts() {
		if sess.ctx.Err() != nil {
			break
		}
		buf, err := audioio.DecodeOutput(part.Data, part.MimeType)
		if err != nil {
			o.logger.Warn("dropping undecodable audio", "error", err)
			continue
		}
		if _, err := o.player.Schedule(sess.ctx, buf); err != nil {
			o.logger.Warn("scheduling audio failed", "error", err)
			continue
		}
		o.metrics.Update(func(m *Metrics) { m.SegmentsScheduled++ })
	}

	if msg.ToolCall != nil {
		for _, call := range msg.ToolCall.FunctionCalls {
			o.runTool(sess, tools, call)
		}
	}

	switch {
	case msg.SetupComplete != nil:
		o.logger.Debug("setup complete", "session", sess.id)
	case msg.GoAway != nil:
		o.logger.Warn("server going away", "session", sess.id, "time_left", msg.GoAway.TimeLeft)
	case msg.ToolCallCancellation != nil:
		o.logger.Debug("tool calls cancelled", "ids", msg.ToolCallCancellation.IDs)
	}
}

// runTool executes one call and always sends a response.
func (o *Orchestrator) runTool(sess *session, tools ToolDispatcher, call protocol.FunctionCall) {
	o.log.Append(ChatMessage{
		Role:     RoleToolCall,
		Text:     call.Name,
		ToolCall: &ToolCallInfo{ID: call.ID, Name: call.Name, Args: call.Args},
	})
	o.metrics.Update(func(m *Metrics) { m.ToolCalls++ })

	ctx, cancel := context.WithTimeout(sess.ctx, o.cfg.ToolTimeout)
	resp := o.dispatch(ctx, tools, call)
	cancel()

	if resp["result"] == ResultFailure {
		o.metrics.Update(func(m *Metrics) { m.ToolFailures++ })
	}

	o.mu.Lock()
	transport := sess.transport
	o.mu.Unlock()
	if transport == nil {
		return
	}
	if err := transport.Send(protocol.NewToolResponse(call.ID, call.Name, resp)); err != nil {
		o.logger.Warn("tool response not sent", "tool", call.Name, "error", err)
	}
}

// Tool result values shared with the tool executors.
const (
	ResultSuccess     = "success"
	ResultFailure     = "failure"
	ResultUnknownTool = "unknown tool"
)

func (o *Orchestrator) dispatch(ctx context.Context, tools ToolDispatcher, call protocol.FunctionCall) (resp map[string]interface{}) {
	if tools == nil {
		return map[string]interface{}{"result": ResultUnknownTool}
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("tool panicked", "tool", call.Name, "panic", r, "stack", string(debug.Stack()))
			resp = map[string]interface{}{"result": ResultFailure, "error": fmt.Sprint(r)}
		}
	}()
	resp = tools.Dispatch(ctx, call)
	if resp == nil {
		resp = map[string]interface{}{"result": ResultFailure, "error": "no response"}
	}
	return resp
}

// SpeakAndLog appends an assistant message and speaks it. When
// allowInterruptingAssistant is false and the assistant is mid-speech
// (interrupted or audio still scheduled), the message is only logged.
// Otherwise the text is synthesized and replaces any current playback.
func (o *Orchestrator) SpeakAndLog(ctx context.Context, text string, isError, allowInterruptingAssistant bool) error {
	return o.Say(ctx, ChatMessage{Role: RoleAssistant, Text: text, IsError: isError}, allowInterruptingAssistant)
}

// Say is SpeakAndLog for a prepared message, such as one carrying
// grounding sources.
func (o *Orchestrator) Say(ctx context.Context, msg ChatMessage, allowInterruptingAssistant bool) error {
	msg = o.log.Append(msg)

	o.mu.Lock()
	interrupted := o.session != nil && o.session.interrupted
	o.mu.Unlock()

	if !allowInterruptingAssistant && (interrupted || o.player.Active()) {
		o.logger.Debug("speech suppressed, assistant is speaking", "message", msg.ID)
		return nil
	}
	if o.backend == nil {
		return ErrNoBackend
	}

	pcm, err := o.backend.Synthesize(ctx, &inference.TTSRequest{Text: msg.Text, Voice: o.cfg.Voice})
	if err != nil {
		o.logger.Warn("speech synthesis failed", "error", err)
		return err
	}

	o.player.Interrupt()
	if _, err := o.player.Schedule(ctx, audioio.NewAudioBuffer(pcm, audioio.OutputSampleRate)); err != nil {
		return err
	}
	return nil
}
