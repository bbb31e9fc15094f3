package conversation

import "errors"

// Sentinel errors for the conversation package.
var (
	// ErrSessionActive indicates StartSession was called while a session runs.
	ErrSessionActive = errors.New("conversation: session already active")

	// ErrSessionStopped indicates the session was stopped while connecting.
	ErrSessionStopped = errors.New("conversation: session stopped during setup")

	// ErrNotConnected indicates no transport is open.
	ErrNotConnected = errors.New("conversation: not connected")

	// ErrNoBackend indicates speech synthesis is unavailable.
	ErrNoBackend = errors.New("conversation: no speech backend")

	// ErrQueueFull indicates the outbound queue dropped a payload.
	ErrQueueFull = errors.New("conversation: outbound queue full")
)

// User-visible assistant messages for terminal paths.
const (
	msgMicUnavailable = "I couldn't access the microphone. Please check permissions and try again."
	msgConnectFailed  = "I couldn't connect to the assistant. Please check your connection and start again."
	msgConnectionLost = "The connection to the assistant was lost. Start a new session to continue."
	msgSpeakerFailed  = "I couldn't start audio playback."
)
