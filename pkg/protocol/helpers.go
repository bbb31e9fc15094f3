package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// NewAudioInput wraps a 16kHz PCM16 chunk.
func NewAudioInput(pcm []byte) ClientMessage {
	return ClientMessage{RealtimeInput: &RealtimeInput{Media: &Blob{
		Data:     base64.StdEncoding.EncodeToString(pcm),
		MimeType: MimeAudioInput,
	}}}
}

// NewImageInput wraps an already base64-encoded JPEG frame.
func NewImageInput(jpegBase64 string) ClientMessage {
	return ClientMessage{RealtimeInput: &RealtimeInput{Media: &Blob{
		Data:     jpegBase64,
		MimeType: MimeJPEG,
	}}}
}

// NewToolResponse answers the call with id and name.
func NewToolResponse(id, name string, response map[string]interface{}) ClientMessage {
	if response == nil {
		response = map[string]interface{}{}
	}
	return ClientMessage{ToolResponse: &ToolResponse{FunctionResponses: FunctionResponse{
		ID:       id,
		Name:     name,
		Response: response,
	}}}
}

// NewErrorMessage builds a proxy error envelope.
func NewErrorMessage(code int, status, message string) *ServerMessage {
	return &ServerMessage{Error: &ErrorPayload{Code: code, Status: status, Message: message}}
}

// NewAudioOutput builds a server envelope carrying one 24kHz audio part.
// Used by tests and the proxy's loopback mode.
func NewAudioOutput(pcm []byte) *ServerMessage {
	return &ServerMessage{ServerContent: &ServerContent{ModelTurn: &Content{
		Role: "model",
		Parts: []Part{{InlineData: &Blob{
			Data:     base64.StdEncoding.EncodeToString(pcm),
			MimeType: MimeAudioOutput,
		}}},
	}}}
}

// =============================================================================
// Upstream dialect
// =============================================================================

// The upstream BidiGenerateContent endpoint expects media as a list of
// chunks and function responses as a list. The device envelopes carry a
// single item each.

type upstreamRealtimeInput struct {
	MediaChunks []Blob `json:"mediaChunks"`
}

type upstreamToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

type upstreamClientMessage struct {
	Setup         *Setup                 `json:"setup,omitempty"`
	RealtimeInput *upstreamRealtimeInput `json:"realtimeInput,omitempty"`
	ToolResponse  *upstreamToolResponse  `json:"toolResponse,omitempty"`
}

// ToUpstream rewrites a device envelope into the upstream dialect.
func (m ClientMessage) ToUpstream() ([]byte, error) {
	var up upstreamClientMessage
	up.Setup = m.Setup
	if m.RealtimeInput != nil && m.RealtimeInput.Media != nil {
		up.RealtimeInput = &upstreamRealtimeInput{MediaChunks: []Blob{*m.RealtimeInput.Media}}
	}
	if m.ToolResponse != nil {
		up.ToolResponse = &upstreamToolResponse{
			FunctionResponses: []FunctionResponse{m.ToolResponse.FunctionResponses},
		}
	}
	if up.Setup == nil && up.RealtimeInput == nil && up.ToolResponse == nil {
		return nil, ErrEmptyMessage
	}
	data, err := json.Marshal(up)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upstream message: %w", err)
	}
	return data, nil
}
