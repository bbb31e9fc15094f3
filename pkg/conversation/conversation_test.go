package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/teslashibe/go-narrator/pkg/audioio"
	"github.com/teslashibe/go-narrator/pkg/camera"
	"github.com/teslashibe/go-narrator/pkg/inference"
	"github.com/teslashibe/go-narrator/pkg/protocol"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []protocol.ClientMessage
	closed bool
}

func (f *fakeTransport) Send(msg protocol.ClientMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Sent() []protocol.ClientMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.ClientMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) toolResponses() []protocol.FunctionResponse {
	var out []protocol.FunctionResponse
	for _, m := range f.Sent() {
		if m.ToolResponse != nil {
			out = append(out, m.ToolResponse.FunctionResponses)
		}
	}
	return out
}

// fakeDialer hands out fakeTransports and remembers the handlers of each
// session.
type fakeDialer struct {
	mu         sync.Mutex
	err        error
	transports []*fakeTransport
	handlers   []Handlers

	// onDial runs before the transport is handed out.
	onDial func()
}

func (d *fakeDialer) Dial(ctx context.Context, h Handlers) (Transport, error) {
	if d.onDial != nil {
		d.onDial()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	t := &fakeTransport{}
	d.transports = append(d.transports, t)
	d.handlers = append(d.handlers, h)
	return t, nil
}

func (d *fakeDialer) last() (*fakeTransport, Handlers) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.transports) - 1
	return d.transports[n], d.handlers[n]
}

// fakeFrames hands out a tiny JPEG on every capture.
type fakeFrames struct {
	mu       sync.Mutex
	captures int
}

func (f *fakeFrames) CaptureLiveFrame() (camera.Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	return camera.Frame{Data: "/9j/", MimeType: protocol.MimeJPEG}, true
}

type toolFunc func(ctx context.Context, call protocol.FunctionCall) map[string]interface{}

func (f toolFunc) Dispatch(ctx context.Context, call protocol.FunctionCall) map[string]interface{} {
	return f(ctx, call)
}

type testRig struct {
	o       *Orchestrator
	dialer  *fakeDialer
	source  *audioio.MockSource
	sink    *audioio.MockSink
	backend *inference.Mock
	frames  *fakeFrames
	clock   *clock.Mock

	mu     sync.Mutex
	states []State
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	r := &testRig{
		dialer:  &fakeDialer{},
		source:  audioio.NewMockSource(audioio.DefaultConfig(), nil, audioio.WithScripted()),
		sink:    audioio.NewMockSink(audioio.DefaultPlaybackConfig(), nil),
		backend: inference.NewMock(),
		frames:  &fakeFrames{},
		clock:   clock.NewMock(),
	}
	cfg := DefaultConfig()
	cfg.Clock = r.clock

	o, err := New(cfg, Options{
		Source:  r.source,
		Sink:    r.sink,
		Dialer:  r.dialer.Dial,
		Backend: r.backend,
		Frames:  r.frames,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	o.OnStateChange = func(s State) {
		r.mu.Lock()
		r.states = append(r.states, s)
		r.mu.Unlock()
	}
	r.o = o
	t.Cleanup(func() { o.Close() })
	return r
}

func (r *testRig) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *testRig) start(t *testing.T) (*fakeTransport, Handlers) {
	t.Helper()
	if err := r.o.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	return r.dialer.last()
}

func imageInputs(tr *fakeTransport) int {
	n := 0
	for _, m := range tr.Sent() {
		if m.RealtimeInput != nil && m.RealtimeInput.Media.MimeType == protocol.MimeJPEG {
			n++
		}
	}
	return n
}

func transcript(in, out string) *protocol.ServerMessage {
	sc := &protocol.ServerContent{}
	if in != "" {
		sc.InputTranscription = &protocol.Transcription{Text: in}
	}
	if out != "" {
		sc.OutputTranscription = &protocol.Transcription{Text: out}
	}
	return &protocol.ServerMessage{ServerContent: sc}
}

func turnComplete() *protocol.ServerMessage {
	return &protocol.ServerMessage{ServerContent: &protocol.ServerContent{TurnComplete: true}}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(DefaultConfig(), Options{}); err == nil {
		t.Error("expected error without source and sink")
	}
}

func TestStartSession_Listening(t *testing.T) {
	r := newRig(t)
	r.start(t)

	if got := r.o.State(); got != StateListening {
		t.Errorf("State() = %s, want listening", got)
	}
	if !r.o.IsListening() {
		t.Error("IsListening() = false")
	}
	if err := r.o.StartSession(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second StartSession error = %v, want ErrSessionActive", err)
	}

	states := r.States()
	if len(states) != 2 || states[0] != StateConnecting || states[1] != StateListening {
		t.Errorf("states = %v, want [connecting listening]", states)
	}
}

func TestTurnComplete_CommitsTranscripts(t *testing.T) {
	r := newRig(t)
	_, h := r.start(t)

	h.OnMessage(transcript("What is ", ""))
	h.OnMessage(transcript("this?", "A red "))
	h.OnMessage(transcript("", "mug."))
	h.OnMessage(turnComplete())

	msgs := r.o.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Text != "What is this?" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Text != "A red mug." {
		t.Errorf("second message = %+v", msgs[1])
	}

	// Buffers were emptied, so another turn boundary commits nothing.
	h.OnMessage(turnComplete())
	if got := len(r.o.Messages()); got != 2 {
		t.Errorf("got %d messages after empty turn, want 2", got)
	}
	if got := r.o.Metrics().Turns; got != 2 {
		t.Errorf("Turns = %d, want 2", got)
	}
}

func TestInterrupted_CommitsPartialOutput(t *testing.T) {
	r := newRig(t)
	_, h := r.start(t)

	h.OnMessage(protocol.NewAudioOutput(pcmFor(time.Second)))
	if !r.o.Player().Active() {
		t.Fatal("expected scheduled audio")
	}

	h.OnMessage(transcript("", "Once upon a"))
	h.OnMessage(&protocol.ServerMessage{ServerContent: &protocol.ServerContent{Interrupted: true}})

	msgs := r.o.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if !msgs[0].Interrupted || msgs[0].Text != "Once upon a" {
		t.Errorf("message = %+v, want interrupted partial output", msgs[0])
	}
	if r.o.Player().Active() {
		t.Error("playback should be cleared after interruption")
	}
	if got := r.o.State(); got != StateListening {
		t.Errorf("State() = %s, want listening", got)
	}

	h.OnMessage(transcript("Stop", ""))
	h.OnMessage(turnComplete())
	msgs = r.o.Messages()
	if len(msgs) != 2 || msgs[1].Role != RoleUser {
		t.Errorf("messages after turn = %+v", msgs)
	}
}

func TestAudio_SpeakingState(t *testing.T) {
	r := newRig(t)
	_, h := r.start(t)

	h.OnMessage(protocol.NewAudioOutput(pcmFor(100 * time.Millisecond)))
	if got := r.o.State(); got != StateSpeaking {
		t.Errorf("State() = %s, want speaking", got)
	}

	r.clock.Add(200 * time.Millisecond)
	waitFor(t, "listening after playback", func() bool { return r.o.State() == StateListening })
}

func TestToolCalls_RespondInOrder(t *testing.T) {
	r := newRig(t)
	r.o.SetTools(toolFunc(func(ctx context.Context, call protocol.FunctionCall) map[string]interface{} {
		switch call.Name {
		case "explode":
			panic("boom")
		case "silent":
			return nil
		}
		return map[string]interface{}{"result": ResultSuccess}
	}))
	tr, h := r.start(t)

	h.OnMessage(&protocol.ServerMessage{ToolCall: &protocol.ToolCall{FunctionCalls: []protocol.FunctionCall{
		{ID: "1", Name: "toggleFlashlight"},
		{ID: "2", Name: "explode"},
		{ID: "3", Name: "silent"},
		{ID: "4", Name: "toggleCamera"},
	}}})

	resps := tr.toolResponses()
	if len(resps) != 4 {
		t.Fatalf("got %d responses, want 4", len(resps))
	}
	for i, want := range []string{"1", "2", "3", "4"} {
		if resps[i].ID != want {
			t.Errorf("response %d id = %q, want %q", i, resps[i].ID, want)
		}
	}
	if resps[1].Response["result"] != ResultFailure || resps[1].Response["error"] != "boom" {
		t.Errorf("panicking tool response = %v", resps[1].Response)
	}
	if resps[2].Response["result"] != ResultFailure {
		t.Errorf("nil tool response = %v", resps[2].Response)
	}

	var calls int
	for _, m := range r.o.Messages() {
		if m.Role == RoleToolCall {
			calls++
		}
	}
	if calls != 4 {
		t.Errorf("logged %d tool calls, want 4", calls)
	}
	if got := r.o.Metrics().ToolFailures; got != 2 {
		t.Errorf("ToolFailures = %d, want 2", got)
	}
}

func TestToolCalls_NoDispatcher(t *testing.T) {
	r := newRig(t)
	tr, h := r.start(t)

	h.OnMessage(&protocol.ServerMessage{ToolCall: &protocol.ToolCall{FunctionCalls: []protocol.FunctionCall{
		{ID: "x", Name: "anything"},
	}}})

	resps := tr.toolResponses()
	if len(resps) != 1 || resps[0].Response["result"] != ResultUnknownTool {
		t.Errorf("responses = %+v", resps)
	}
}

func TestStaleHandlersIgnored(t *testing.T) {
	r := newRig(t)
	_, old := r.start(t)
	r.o.StopSession()
	r.start(t)

	old.OnMessage(transcript("ghost", "ghost"))
	old.OnMessage(turnComplete())
	old.OnError(errors.New("stale socket closed"))

	if got := len(r.o.Messages()); got != 0 {
		t.Errorf("stale handler produced %d messages", got)
	}
	if got := r.o.State(); got != StateListening {
		t.Errorf("State() = %s, want listening", got)
	}
}

func TestStopSession_Idempotent(t *testing.T) {
	r := newRig(t)
	r.o.StopSession()
	if len(r.States()) != 0 {
		t.Errorf("StopSession without a session changed state: %v", r.States())
	}

	tr, _ := r.start(t)
	r.o.StopSession()
	r.o.StopSession()

	if got := r.o.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}
	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if !closed {
		t.Error("transport not closed")
	}
}

func TestStartSession_DialFailure(t *testing.T) {
	r := newRig(t)
	r.dialer.err = errors.New("connection refused")

	if err := r.o.StartSession(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := r.o.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}

	msgs := r.o.Messages()
	if len(msgs) != 1 || !msgs[0].IsError || msgs[0].Text != msgConnectFailed {
		t.Errorf("messages = %+v", msgs)
	}

	want := []State{StateConnecting, StateFailed, StateIdle}
	got := r.States()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	// A fresh attempt is allowed after failure.
	r.dialer.err = nil
	r.start(t)
}

func TestStartSession_MicUnavailable(t *testing.T) {
	r := newRig(t)
	r.source.Close()

	if err := r.o.StartSession(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	msgs := r.o.Messages()
	if len(msgs) != 1 || msgs[0].Text != msgMicUnavailable {
		t.Errorf("messages = %+v", msgs)
	}
	if len(r.dialer.transports) != 0 {
		t.Error("dialed despite microphone failure")
	}
}

func TestTransportError_ReturnsToIdle(t *testing.T) {
	r := newRig(t)
	_, h := r.start(t)

	h.OnError(errors.New("read: connection reset"))

	if got := r.o.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}
	msgs := r.o.Messages()
	if len(msgs) != 1 || msgs[0].Text != msgConnectionLost {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestMicrophone_Forwarded(t *testing.T) {
	r := newRig(t)
	tr, _ := r.start(t)

	chunk := audioio.AudioChunk{Samples: make([]int16, 1600), SampleRate: 16000, Channels: 1}
	if !r.source.Push(chunk) {
		t.Fatal("Push failed")
	}

	waitFor(t, "audio forwarded", func() bool {
		for _, m := range tr.Sent() {
			if m.RealtimeInput != nil && m.RealtimeInput.Media.MimeType == protocol.MimeAudioInput {
				return true
			}
		}
		return false
	})
}

func TestSpeakAndLog(t *testing.T) {
	r := newRig(t)

	if err := r.o.SpeakAndLog(context.Background(), "Flashlight on.", false, true); err != nil {
		t.Fatalf("SpeakAndLog failed: %v", err)
	}
	if got := r.backend.CallCount("Synthesize"); got != 1 {
		t.Errorf("Synthesize calls = %d, want 1", got)
	}
	if !r.o.Player().Active() {
		t.Error("expected speech to be scheduled")
	}

	// The assistant is mid-speech; a non-interrupting message is only logged.
	if err := r.o.SpeakAndLog(context.Background(), "Hazard ahead.", false, false); err != nil {
		t.Fatalf("SpeakAndLog failed: %v", err)
	}
	if got := r.backend.CallCount("Synthesize"); got != 1 {
		t.Errorf("Synthesize calls = %d, want 1 (suppressed)", got)
	}
	if got := len(r.o.Messages()); got != 2 {
		t.Errorf("got %d messages, want 2", got)
	}
}

func TestSpeakAndLog_SynthesisFailure(t *testing.T) {
	r := newRig(t)
	r.backend.SynthesizeFunc = func(ctx context.Context, req *inference.TTSRequest) ([]byte, error) {
		return nil, inference.ErrQuotaExceeded
	}

	err := r.o.SpeakAndLog(context.Background(), "hello", true, true)
	if !errors.Is(err, inference.ErrQuotaExceeded) {
		t.Errorf("error = %v, want ErrQuotaExceeded", err)
	}
	msgs := r.o.Messages()
	if len(msgs) != 1 || !msgs[0].IsError {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestStartSession_StoppedWhileDialing(t *testing.T) {
	r := newRig(t)
	r.dialer.onDial = r.o.StopSession

	err := r.o.StartSession(context.Background())
	if !errors.Is(err, ErrSessionStopped) {
		t.Fatalf("StartSession error = %v, want ErrSessionStopped", err)
	}
	if got := r.o.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}

	tr, _ := r.dialer.last()
	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if !closed {
		t.Error("transport from the abandoned dial was not closed")
	}

	// No pump survived: the visual pane produces nothing.
	r.o.SetVisualActive(true)
	for i := 0; i < 5; i++ {
		r.clock.Add(200 * time.Millisecond)
	}
	if got := len(tr.Sent()); got != 0 {
		t.Errorf("abandoned session sent %d messages", got)
	}
	if r.sink.Stats().Running {
		t.Error("speaker still running after the session was stopped")
	}

	// The orchestrator is usable again.
	r.dialer.onDial = nil
	r.start(t)
}

func TestStaleAudio_DoesNotRestartSpeaker(t *testing.T) {
	r := newRig(t)
	_, h := r.start(t)

	r.o.mu.Lock()
	sess := r.o.session
	r.o.mu.Unlock()
	r.o.StopSession()

	if r.sink.Stats().Running {
		t.Fatal("speaker running after StopSession")
	}

	// Audio that raced with the stop is scheduled against the dead session.
	if _, err := r.o.Player().Schedule(sess.ctx, audioio.NewAudioBuffer(pcmFor(time.Second), audioio.OutputSampleRate)); !errors.Is(err, context.Canceled) {
		t.Errorf("Schedule error = %v, want context.Canceled", err)
	}
	h.OnMessage(protocol.NewAudioOutput(pcmFor(time.Second)))

	if r.sink.Stats().Running {
		t.Error("speaker restarted for a stopped session")
	}
	if r.o.Player().Active() {
		t.Error("audio scheduled for a stopped session")
	}
}

func TestLiveFrames_FollowVisualPane(t *testing.T) {
	r := newRig(t)
	tr, _ := r.start(t)
	r.o.SetVisualActive(true)

	// The ticker starts on the frame goroutine; advance until it fires.
	waitFor(t, "first frame", func() bool {
		r.clock.Add(r.o.cfg.FrameInterval)
		return imageInputs(tr) >= 1
	})
	time.Sleep(20 * time.Millisecond)

	base := imageInputs(tr)
	for i := 1; i <= 3; i++ {
		r.clock.Add(r.o.cfg.FrameInterval)
		waitFor(t, "frame per interval", func() bool { return imageInputs(tr) == base+i })
	}

	r.clock.Add(r.o.cfg.FrameInterval / 2)
	time.Sleep(20 * time.Millisecond)
	if got := imageInputs(tr); got != base+3 {
		t.Errorf("frames = %d after half an interval, want %d", got, base+3)
	}
	r.clock.Add(r.o.cfg.FrameInterval / 2)
	waitFor(t, "frame after full interval", func() bool { return imageInputs(tr) == base+4 })

	r.o.SetVisualActive(false)
	for i := 0; i < 5; i++ {
		r.clock.Add(r.o.cfg.FrameInterval)
	}
	time.Sleep(20 * time.Millisecond)
	if got := imageInputs(tr); got != base+4 {
		t.Errorf("frames = %d with the pane off, want %d", got, base+4)
	}
	if got := r.o.Metrics().FramesSent; got != int64(base+4) {
		t.Errorf("FramesSent = %d, want %d", got, base+4)
	}
}

func TestStopSpeaking_KeepsSession(t *testing.T) {
	r := newRig(t)
	tr, h := r.start(t)

	h.OnMessage(protocol.NewAudioOutput(pcmFor(time.Second)))
	h.OnMessage(protocol.NewAudioOutput(pcmFor(time.Second)))
	if got := r.o.State(); got != StateSpeaking {
		t.Fatalf("State() = %s, want speaking", got)
	}
	r.clock.Add(300 * time.Millisecond)

	r.o.StopSpeaking()

	if r.o.Player().Active() {
		t.Error("playback still active after StopSpeaking")
	}
	if !r.o.Player().Next().Equal(r.clock.Now()) {
		t.Errorf("Next() = %v, want now %v", r.o.Player().Next(), r.clock.Now())
	}
	if got := r.o.State(); got != StateListening {
		t.Errorf("State() = %s, want listening", got)
	}
	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if closed {
		t.Error("StopSpeaking closed the transport")
	}

	// The turn counts as interrupted until the model completes it.
	if err := r.o.SpeakAndLog(context.Background(), "Door on the left.", false, false); err != nil {
		t.Fatal(err)
	}
	if got := r.backend.CallCount("Synthesize"); got != 0 {
		t.Errorf("Synthesize calls = %d, want 0 while interrupted", got)
	}
	h.OnMessage(turnComplete())
	if err := r.o.SpeakAndLog(context.Background(), "Door on the left.", false, false); err != nil {
		t.Fatal(err)
	}
	if got := r.backend.CallCount("Synthesize"); got != 1 {
		t.Errorf("Synthesize calls = %d, want 1 after the turn completed", got)
	}
}
