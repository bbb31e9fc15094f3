// Package protocol defines the JSON envelopes exchanged on the live dialogue
// channel. The device speaks the client envelopes to the proxy, the proxy
// relays them upstream, and server envelopes flow back unchanged.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Media MIME types used on the channel.
const (
	MimeAudioInput  = "audio/pcm;rate=16000"
	MimeAudioOutput = "audio/pcm;rate=24000"
	MimeJPEG        = "image/jpeg"
)

// ErrEmptyMessage is returned when an envelope carries no known payload.
var ErrEmptyMessage = errors.New("protocol: empty message")

// =============================================================================
// Client → Server
// =============================================================================

// ClientMessage is one outbound envelope. Exactly one field is set.
type ClientMessage struct {
	Setup         *Setup         `json:"setup,omitempty"`
	RealtimeInput *RealtimeInput `json:"realtimeInput,omitempty"`
	ToolResponse  *ToolResponse  `json:"toolResponse,omitempty"`
}

// Blob is base64 data tagged with a MIME type.
type Blob struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// RealtimeInput carries one audio chunk or video frame.
type RealtimeInput struct {
	Media *Blob `json:"media,omitempty"`
}

// ToolResponse answers one function call.
type ToolResponse struct {
	FunctionResponses FunctionResponse `json:"functionResponses"`
}

// FunctionResponse is the result of a tool call, tagged with the call's id
// and name.
type FunctionResponse struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

// Setup configures a session. The proxy builds it; devices never send it.
type Setup struct {
	Model                    string             `json:"model"`
	GenerationConfig         *GenerationConfig  `json:"generationConfig,omitempty"`
	SystemInstruction        *Content           `json:"systemInstruction,omitempty"`
	Tools                    []ToolSet          `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
	RealtimeInputConfig      *RealtimeInputConf `json:"realtimeInputConfig,omitempty"`
}

// GenerationConfig selects output modality and voice.
type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

// SpeechConfig selects a prebuilt voice.
type SpeechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

// RealtimeInputConf tunes server-side voice activity detection.
type RealtimeInputConf struct {
	AutomaticActivityDetection *struct {
		Disabled bool `json:"disabled"`
	} `json:"automaticActivityDetection,omitempty"`
}

// ToolSet groups function declarations.
type ToolSet struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

// FunctionDeclaration declares a callable tool to the model.
type FunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// =============================================================================
// Server → Client
// =============================================================================

// ServerMessage is one inbound envelope.
type ServerMessage struct {
	SetupComplete        *struct{}             `json:"setupComplete,omitempty"`
	ServerContent        *ServerContent        `json:"serverContent,omitempty"`
	ToolCall             *ToolCall             `json:"toolCall,omitempty"`
	ToolCallCancellation *ToolCallCancellation `json:"toolCallCancellation,omitempty"`
	GoAway               *GoAway               `json:"goAway,omitempty"`
	Error                *ErrorPayload         `json:"error,omitempty"`
}

// ServerContent carries transcripts, turn signals and model audio.
type ServerContent struct {
	ModelTurn           *Content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
}

// Transcription is a partial transcript delta.
type Transcription struct {
	Text string `json:"text"`
}

// Content is a role-tagged list of parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is text or inline data.
type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// ToolCall lists the function calls of one model step.
type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

// FunctionCall is a single tool invocation.
type FunctionCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// ToolCallCancellation withdraws pending calls.
type ToolCallCancellation struct {
	IDs []string `json:"ids"`
}

// GoAway announces an upcoming server disconnect.
type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// ErrorPayload is sent by the proxy before it closes a session.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *ErrorPayload) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s (%d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("error %d: %s", e.Code, e.Message)
}

// Kind names the payload for logging.
func (m *ServerMessage) Kind() string {
	switch {
	case m.SetupComplete != nil:
		return "setupComplete"
	case m.ServerContent != nil:
		return "serverContent"
	case m.ToolCall != nil:
		return "toolCall"
	case m.ToolCallCancellation != nil:
		return "toolCallCancellation"
	case m.GoAway != nil:
		return "goAway"
	case m.Error != nil:
		return "error"
	default:
		return "unknown"
	}
}

// AudioParts returns the inline audio blobs of the model turn in order.
func (m *ServerMessage) AudioParts() []Blob {
	if m.ServerContent == nil || m.ServerContent.ModelTurn == nil {
		return nil
	}
	var out []Blob
	for _, p := range m.ServerContent.ModelTurn.Parts {
		if p.InlineData != nil && p.InlineData.Data != "" {
			out = append(out, *p.InlineData)
		}
	}
	return out
}

// Bytes returns the JSON encoding.
func (m ClientMessage) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// Bytes returns the JSON encoding.
func (m *ServerMessage) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseServerMessage decodes an inbound frame.
func ParseServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse server message: %w", err)
	}
	return &msg, nil
}

// ParseClientMessage decodes an outbound frame and rejects empty envelopes.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse client message: %w", err)
	}
	if msg.Setup == nil && msg.RealtimeInput == nil && msg.ToolResponse == nil {
		return nil, ErrEmptyMessage
	}
	return &msg, nil
}
