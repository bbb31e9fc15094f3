package conversation

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleToolCall  Role = "toolCall"
)

// ToolCallInfo describes a tool invocation in the log.
type ToolCallInfo struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Source is a grounding citation attached to a message.
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// ChatMessage is an immutable log record.
type ChatMessage struct {
	ID               string        `json:"id"`
	Role             Role          `json:"role"`
	Text             string        `json:"text"`
	Timestamp        time.Time     `json:"timestamp"`
	ToolCall         *ToolCallInfo `json:"toolCall,omitempty"`
	GroundingSources []Source      `json:"groundingSources,omitempty"`
	Interrupted      bool          `json:"interrupted,omitempty"`
	IsError          bool          `json:"isError,omitempty"`
}

// Log is the append-only chat log. It is cleared only by Clear.
type Log struct {
	clock clock.Clock

	mu       sync.RWMutex
	messages []ChatMessage

	// OnAppend is called after each append, outside the lock.
	OnAppend func(ChatMessage)
}

// NewLog creates an empty log.
func NewLog(clk clock.Clock) *Log {
	if clk == nil {
		clk = clock.New()
	}
	return &Log{clock: clk}
}

// Append assigns an ID and timestamp and stores msg.
func (l *Log) Append(msg ChatMessage) ChatMessage {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = l.clock.Now()
	}

	l.mu.Lock()
	l.messages = append(l.messages, msg)
	l.mu.Unlock()

	if l.OnAppend != nil {
		l.OnAppend(msg)
	}
	return msg
}

// Messages returns a copy of the log.
func (l *Log) Messages() []ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ChatMessage, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Clear removes all messages.
func (l *Log) Clear() {
	l.mu.Lock()
	l.messages = nil
	l.mu.Unlock()
}
