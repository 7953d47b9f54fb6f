package live

import (
	"time"
)

// Event is the interface for all live session events.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// StateChangedEvent is emitted when the session state changes.
type StateChangedEvent struct {
	From SessionState `json:"from"`
	To   SessionState `json:"to"`
}

func (e *StateChangedEvent) EventType() string { return "state.changed" }

// SessionReadyEvent is emitted once the server has acknowledged the session
// configuration and audio may flow.
type SessionReadyEvent struct {
	Model     string `json:"model"`
	Ephemeral bool   `json:"ephemeral"`
}

func (e *SessionReadyEvent) EventType() string { return "session.ready" }

// UserTranscriptEvent is emitted as the server transcribes user speech.
// Text is the accumulated transcript for the current turn.
type UserTranscriptEvent struct {
	Delta string `json:"delta"`
	Text  string `json:"text"`
}

func (e *UserTranscriptEvent) EventType() string { return "transcript.user" }

// AssistantTranscriptEvent is emitted as the model's speech is transcribed.
// Text is the accumulated transcript for the current turn.
type AssistantTranscriptEvent struct {
	Delta string `json:"delta"`
	Text  string `json:"text"`
}

func (e *AssistantTranscriptEvent) EventType() string { return "transcript.assistant" }

// TurnCompleteEvent is emitted exactly once per turn boundary with the full
// transcript pair.
type TurnCompleteEvent struct {
	Turn Turn `json:"turn"`
}

func (e *TurnCompleteEvent) EventType() string { return "turn.complete" }

// InterruptedEvent is emitted when model playback is cut off, either by
// local barge-in detection or by the server.
type InterruptedEvent struct {
	// Source is "client" for local barge-in, "server" for a server-reported
	// interruption.
	Source string `json:"source"`
}

func (e *InterruptedEvent) EventType() string { return "session.interrupted" }

// ToolCallEvent is emitted when the model invokes a client-side tool.
type ToolCallEvent struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

func (e *ToolCallEvent) EventType() string { return "tool.call" }

// ToolResponseEvent is emitted after a batch of tool results is sent back.
type ToolResponseEvent struct {
	Count int `json:"count"`
}

func (e *ToolResponseEvent) EventType() string { return "tool.response" }

// ExpiryWarningEvent is emitted when the connection grant is close to
// expiring, or when the server announces it is going away.
type ExpiryWarningEvent struct {
	ExpiresAt time.Time `json:"expires_at"`
}

func (e *ExpiryWarningEvent) EventType() string { return "session.expiry_warning" }

// ErrorEvent is emitted when an error ends the session.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorEvent) EventType() string { return "error" }

// SessionClosedEvent is emitted when the session ends.
type SessionClosedEvent struct {
	Reason string `json:"reason,omitempty"`
}

func (e *SessionClosedEvent) EventType() string { return "session.closed" }

// DebugEvent is emitted for debugging information when debug mode is on.
type DebugEvent struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

func (e *DebugEvent) EventType() string { return "debug" }
