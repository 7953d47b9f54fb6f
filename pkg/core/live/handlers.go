package live

import (
	"context"
	"time"

	"github.com/chravel/chravel-live/pkg/core"
)

// Turn reason values passed to OnTurn.
const (
	// TurnReasonComplete marks a turn the model finished normally.
	TurnReasonComplete = "turn_complete"
	// TurnReasonInterrupted marks a turn cut off by a barge-in.
	TurnReasonInterrupted = "interrupted"
	// TurnReasonSessionEnd marks a turn flushed because the session ended.
	TurnReasonSessionEnd = "session_end"
)

// Turn is one completed exchange: what the user said and what the model
// answered, as transcribed by the server.
type Turn struct {
	User      string `json:"user,omitempty"`
	Assistant string `json:"assistant,omitempty"`
	Reason    string `json:"reason"`
}

// ToolHandler executes one model-invoked function call. The returned map is
// sent back to the model verbatim. The context is cancelled when the tool
// times out, the server cancels the call, or the session ends.
type ToolHandler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Handlers are the caller's hooks into the session. All fields are optional.
// Handlers run on session goroutines and should return quickly; a tool
// handler is the exception, it may block up to the tool timeout.
type Handlers struct {
	// OnTurn receives each completed turn exactly once per boundary.
	OnTurn func(turn Turn)

	// OnStateChange fires after every state transition. State() already
	// reports the new state when it runs.
	OnStateChange func(from, to SessionState)

	// OnError fires when an error ends the session.
	OnError func(err *core.Error)

	// OnExpiryWarning fires once when the grant is close to expiring.
	OnExpiryWarning func(expiresAt time.Time)

	// Tools maps function names to handlers. Calls for names without a
	// handler are answered neutrally so the model can recover.
	Tools map[string]ToolHandler
}

// SetHandlers replaces the session's hooks. Safe to call at any time,
// including mid-session.
func (s *Session) SetHandlers(h Handlers) {
	s.handlersMu.Lock()
	s.handlers = h
	s.handlersMu.Unlock()
}

func (s *Session) getHandlers() Handlers {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return s.handlers
}
