// Package hub fans dashboard updates out to websocket clients. One Run
// goroutine owns the client set; each client has its own buffered send
// queue and a single writer, and slow clients are dropped rather than
// stalling the broadcaster.
package hub

// MessageType is the websocket frame kind.
type MessageType int

const (
	JSONMessage MessageType = iota
	BinaryMessage
)

// Message is one broadcast frame.
type Message struct {
	Type MessageType
	Data []byte
}

// NewJSONMessage wraps pre-encoded JSON.
func NewJSONMessage(data []byte) Message {
	return Message{Type: JSONMessage, Data: data}
}

// NewBinaryMessage wraps binary data such as a JPEG.
func NewBinaryMessage(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}
