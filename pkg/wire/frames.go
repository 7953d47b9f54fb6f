// Package wire defines the JSON frames exchanged with the live voice provider
// over its bidirectional websocket, plus the endpoint builder that selects
// between ephemeral-token and raw-key authentication.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeError reports a frame that could not be decoded.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func badFrame(message string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message}
}

// ClientMessage is one client frame. Exactly one field is set; the field name
// is the frame kind on the wire.
type ClientMessage struct {
	Setup         *Setup         `json:"setup,omitempty"`
	RealtimeInput *RealtimeInput `json:"realtimeInput,omitempty"`
	ClientContent *ClientContent `json:"clientContent,omitempty"`
	ToolResponse  *ToolResponse  `json:"toolResponse,omitempty"`
}

// Setup configures the session when dialing with a raw API key. Sessions
// authenticated with an ephemeral token must not send it; the token already
// carries the configuration server-side.
type Setup struct {
	Model                    string            `json:"model,omitempty"`
	GenerationConfig         *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction        *Content          `json:"systemInstruction,omitempty"`
	Tools                    []Tool            `json:"tools,omitempty"`
	InputAudioTranscription  *TranscriptionCfg `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *TranscriptionCfg `json:"outputAudioTranscription,omitempty"`
}

// TranscriptionCfg enables a transcription stream. Presence is the switch.
type TranscriptionCfg struct{}

type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

type SpeechConfig struct {
	VoiceConfig *VoiceConfig `json:"voiceConfig,omitempty"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig *PrebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName,omitempty"`
}

type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Blob carries base64 media with its mime type; audio chunks and images share
// this shape.
type Blob struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type RealtimeInput struct {
	MediaChunks   []Blob          `json:"mediaChunks,omitempty"`
	ActivityStart *ActivityMarker `json:"activityStart,omitempty"`
	ActivityEnd   *ActivityMarker `json:"activityEnd,omitempty"`
}

// ActivityMarker flags the start or end of user activity. Sending an
// activityStart while the model speaks is the barge-in cancel signal.
type ActivityMarker struct{}

type ClientContent struct {
	Turns        []Content `json:"turns,omitempty"`
	TurnComplete bool      `json:"turnComplete,omitempty"`
}

type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses,omitempty"`
}

type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Response map[string]any `json:"response,omitempty"`
}

// ServerMessage is one decoded server frame. Exactly one field is non-nil for
// known kinds; unknown frames decode to the zero value and should be ignored.
type ServerMessage struct {
	SetupComplete        *SetupComplete        `json:"setupComplete,omitempty"`
	ServerContent        *ServerContent        `json:"serverContent,omitempty"`
	ToolCall             *ToolCall             `json:"toolCall,omitempty"`
	ToolCallCancellation *ToolCallCancellation `json:"toolCallCancellation,omitempty"`
	GoAway               *GoAway               `json:"goAway,omitempty"`
	Error                *ErrorFrame           `json:"error,omitempty"`
}

type SetupComplete struct{}

type ServerContent struct {
	ModelTurn           *Content       `json:"modelTurn,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
}

type Transcription struct {
	Text     string `json:"text,omitempty"`
	Finished bool   `json:"finished,omitempty"`
}

type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls,omitempty"`
}

type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type ToolCallCancellation struct {
	IDs []string `json:"ids,omitempty"`
}

type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// ErrorFrame is an in-band protocol error pushed by the provider.
type ErrorFrame struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

// DecodeServerMessage decodes one server frame. Invalid JSON is an error;
// a frame of an unrecognized kind decodes to an empty message whose Kind is
// "unknown", and callers drop it.
func DecodeServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, badFrame("invalid json frame")
	}
	return &msg, nil
}

// Kind names the frame for logging.
func (m *ServerMessage) Kind() string {
	switch {
	case m == nil:
		return "nil"
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

// SetupMessage wraps a Setup into a client frame.
func SetupMessage(s Setup) ClientMessage {
	return ClientMessage{Setup: &s}
}

// AudioChunkMessage builds a realtimeInput frame carrying one media chunk.
func AudioChunkMessage(mimeType, data string) ClientMessage {
	return ClientMessage{
		RealtimeInput: &RealtimeInput{
			MediaChunks: []Blob{{MimeType: mimeType, Data: data}},
		},
	}
}

// ImageChunkMessage builds a realtimeInput frame carrying one still frame.
func ImageChunkMessage(mimeType, data string) ClientMessage {
	return AudioChunkMessage(mimeType, data)
}

// ActivityStartMessage builds the barge-in cancel signal.
func ActivityStartMessage() ClientMessage {
	return ClientMessage{
		RealtimeInput: &RealtimeInput{ActivityStart: &ActivityMarker{}},
	}
}

// TextMessage builds a complete typed user turn.
func TextMessage(text string) ClientMessage {
	return ClientMessage{
		ClientContent: &ClientContent{
			Turns:        []Content{{Role: "user", Parts: []Part{{Text: text}}}},
			TurnComplete: true,
		},
	}
}

// ToolResponseMessage joins function results into one toolResponse frame.
func ToolResponseMessage(responses []FunctionResponse) ClientMessage {
	return ClientMessage{
		ToolResponse: &ToolResponse{FunctionResponses: responses},
	}
}

// SystemInstruction builds a system instruction content from plain text.
func SystemInstruction(text string) *Content {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return &Content{Parts: []Part{{Text: text}}}
}
