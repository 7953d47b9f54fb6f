package live

import (
	"time"

	"go.uber.org/zap"

	"github.com/chravel/chravel-live/pkg/transport"
	"github.com/chravel/chravel-live/pkg/wire"
)

// SessionState represents the current state of the live session.
type SessionState int

const (
	// StateIdle is the initial state, and the terminal state after a clean end.
	StateIdle SessionState = iota
	// StateRequestingMic is while microphone access and the connection grant
	// are being acquired in parallel.
	StateRequestingMic
	// StateReady is after the server acknowledged the session configuration.
	StateReady
	// StateListening is when the mic is open and no exchange is in flight.
	StateListening
	// StateSending is while user audio is streaming to the server.
	StateSending
	// StatePlaying is while model audio is playing back.
	StatePlaying
	// StateInterrupted is the brief window after a barge-in, before
	// listening resumes.
	StateInterrupted
	// StateError is the terminal state after a failure.
	StateError
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestingMic:
		return "requesting_mic"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateSending:
		return "sending"
	case StatePlaying:
		return "playing"
	case StateInterrupted:
		return "interrupted"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config holds all configuration for a live session.
type Config struct {
	// TripID scopes the session; it is forwarded to the token backend so the
	// grant can carry trip-specific context.
	TripID string `json:"trip_id,omitempty"`

	// Voice is the prebuilt voice name, e.g. "Puck". The grant's voice is
	// used when empty.
	Voice string `json:"voice,omitempty"`

	// Model overrides the grant's model.
	Model string `json:"model,omitempty"`

	// SystemInstruction overrides the grant's system instruction.
	SystemInstruction string `json:"system_instruction,omitempty"`

	// Tools declares client-side functions to the model. The grant's tool
	// set is used when empty.
	Tools []wire.Tool `json:"tools,omitempty"`

	// Endpoint is the websocket base URL. Default: the Gemini Live endpoint.
	// A grant carrying its own websocket URL wins over both.
	Endpoint string `json:"endpoint,omitempty"`

	// StartTimeout bounds mic acquisition, token fetch, and connect combined.
	// Default: 30s. Values under 15s are raised to 15s; a permission prompt
	// alone can take that long.
	StartTimeout time.Duration `json:"start_timeout,omitempty"`

	// SetupTimeout bounds the wait for the server's setup acknowledgement.
	// Default: 10s.
	SetupTimeout time.Duration `json:"setup_timeout,omitempty"`

	// ToolTimeout bounds a single tool handler invocation. Default: 30s.
	ToolTimeout time.Duration `json:"tool_timeout,omitempty"`

	// TokenTTL is the assumed grant lifetime when the grant carries no
	// expiry. Default: 30m.
	TokenTTL time.Duration `json:"token_ttl,omitempty"`

	// ExpiryWarning is how far before token expiry the warning fires.
	// Default: 2m.
	ExpiryWarning time.Duration `json:"expiry_warning,omitempty"`

	// BargeIn configures client-side interruption of model playback.
	BargeIn BargeInConfig `json:"barge_in"`

	// Debug enables debug event emission.
	Debug bool `json:"debug,omitempty"`

	// Logger receives structured session logs. Default: a no-op logger.
	Logger *zap.Logger `json:"-"`

	// Breaker guards session starts. Default: the process-wide breaker, so
	// repeated connect failures are visible across sessions.
	Breaker *transport.Breaker `json:"-"`
}

// BargeInConfig configures client-side interruption while the model speaks.
type BargeInConfig struct {
	// Enabled turns barge-in on or off.
	Enabled bool `json:"enabled"`

	// EnergyThreshold is the RMS level above which user audio during model
	// playback counts as an interruption. Range: 0.0 to 1.0. Default: 0.05.
	EnergyThreshold float64 `json:"energy_threshold"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StartTimeout:  30 * time.Second,
		SetupTimeout:  10 * time.Second,
		ToolTimeout:   30 * time.Second,
		TokenTTL:      30 * time.Minute,
		ExpiryWarning: 2 * time.Minute,
		BargeIn: BargeInConfig{
			Enabled:         true,
			EnergyThreshold: 0.05,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = 30 * time.Second
	} else if c.StartTimeout < 15*time.Second {
		c.StartTimeout = 15 * time.Second
	}
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = 10 * time.Second
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 30 * time.Second
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 30 * time.Minute
	}
	if c.ExpiryWarning <= 0 {
		c.ExpiryWarning = 2 * time.Minute
	}
	if c.BargeIn.EnergyThreshold <= 0 {
		c.BargeIn.EnergyThreshold = 0.05
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Breaker == nil {
		c.Breaker = transport.DefaultBreaker()
	}
	return c
}
