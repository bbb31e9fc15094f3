package hub

import (
	"testing"
	"time"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := New("test", nil)
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

// attach registers a connection-less client with the given queue size.
func attach(h *Hub, size int) *Client {
	c := &Client{hub: h, send: make(chan Message, size)}
	h.register <- c
	return c
}

func receive(t *testing.T, c *Client) (Message, bool) {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		return msg, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}, false
}

func TestBroadcast_FanOut(t *testing.T) {
	h := startHub(t)
	a, b := attach(h, 4), attach(h, 4)

	if err := h.BroadcastJSON(map[string]string{"session": "listening"}); err != nil {
		t.Fatal(err)
	}

	for _, c := range []*Client{a, b} {
		msg, ok := receive(t, c)
		if !ok {
			t.Fatal("send channel closed")
		}
		if msg.Type != JSONMessage || string(msg.Data) != `{"session":"listening"}` {
			t.Errorf("message = %+v", msg)
		}
	}
	if h.ClientCount() != 2 {
		t.Errorf("ClientCount = %d, want 2", h.ClientCount())
	}
}

func TestBroadcast_DropsSlowClient(t *testing.T) {
	h := startHub(t)
	slow := attach(h, 1)
	fast := attach(h, 8)

	h.BroadcastBinary([]byte{1})
	h.BroadcastBinary([]byte{2})

	if msg, _ := receive(t, fast); msg.Type != BinaryMessage {
		t.Errorf("type = %v, want binary", msg.Type)
	}
	receive(t, fast)

	// ClientCount waits for the second fan-out to finish.
	if h.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", h.ClientCount())
	}
	receive(t, slow)
	if _, ok := receive(t, slow); ok {
		t.Error("slow client should have been dropped")
	}
}

func TestUnregister(t *testing.T) {
	h := startHub(t)
	c := attach(h, 1)

	h.unregister <- c
	if _, ok := receive(t, c); ok {
		t.Error("send channel should be closed after unregister")
	}
	if h.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", h.ClientCount())
	}
}

func TestStop(t *testing.T) {
	h := New("test", nil)
	done := make(chan struct{})
	go func() {
		h.Run()
		close(done)
	}()
	c := attach(h, 1)
	if !h.IsRunning() {
		t.Error("hub should be running after a registration")
	}

	h.Stop()
	h.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if _, ok := receive(t, c); ok {
		t.Error("clients should be disconnected on stop")
	}
	if h.IsRunning() {
		t.Error("hub still running")
	}
}

func TestBroadcast_FullQueue(t *testing.T) {
	h := New("test", nil) // not running
	for i := 0; i < cap(h.broadcast)+3; i++ {
		h.BroadcastBinary(nil)
	}
	if h.Dropped() != 3 {
		t.Errorf("Dropped = %d, want 3", h.Dropped())
	}
}

func TestJSON(t *testing.T) {
	if _, err := JSON(make(chan int)); err == nil {
		t.Error("expected an encoding error")
	}
}
