package conversation

import "fmt"

// State is the orchestrator's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateSpeaking
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state name for JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether a session holds the transport.
func (s State) Active() bool {
	return s == StateListening || s == StateSpeaking
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateIdle, StateConnecting, StateListening, StateSpeaking, StateFailed} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("conversation: unknown state %q", text)
}
