// Package config loads the voice client configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete voice client configuration. Secrets (the
// app session token, database URL, realtime api key) come from the
// environment, never from this file.
type Config struct {
	Token    TokenConfig    `yaml:"token"`
	Session  SessionConfig  `yaml:"session"`
	Audio    AudioConfig    `yaml:"audio"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Store    StoreConfig    `yaml:"store"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// TokenConfig contains the ephemeral token endpoint settings. An empty
// endpoint makes the client fall back to a raw API key from the
// environment.
type TokenConfig struct {
	Endpoint string `yaml:"endpoint"`
	Timeout  int    `yaml:"timeout"` // seconds
}

// SessionConfig contains the voice session settings.
type SessionConfig struct {
	Model             string        `yaml:"model"`
	Voice             string        `yaml:"voice"`
	SystemInstruction string        `yaml:"system_instruction"`
	StartTimeout      int           `yaml:"start_timeout"`  // seconds
	SetupTimeout      int           `yaml:"setup_timeout"`  // seconds
	ToolTimeout       int           `yaml:"tool_timeout"`   // seconds
	ExpiryWarning     int           `yaml:"expiry_warning"` // seconds
	BargeIn           BargeInConfig `yaml:"barge_in"`
}

// BargeInConfig contains the barge-in detector settings.
type BargeInConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold float64 `yaml:"threshold"`
}

// AudioConfig contains the device-side audio settings.
type AudioConfig struct {
	CapturePeriodMs  int `yaml:"capture_period_ms"`
	PlaybackBufferMs int `yaml:"playback_buffer_ms"`
}

// RealtimeConfig contains the trip realtime hub settings.
type RealtimeConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	Heartbeat int    `yaml:"heartbeat"` // seconds
}

// StoreConfig contains the optional transcript archive settings. The
// database URL comes from DATABASE_URL.
type StoreConfig struct {
	Enabled bool `yaml:"enabled"`
	Migrate bool `yaml:"migrate"`
}

// MetricsConfig contains the Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a configuration that runs without a config file.
func Default() *Config {
	return &Config{
		Token: TokenConfig{Timeout: 15},
		Session: SessionConfig{
			StartTimeout:  30,
			SetupTimeout:  10,
			ToolTimeout:   30,
			ExpiryWarning: 120,
			BargeIn:       BargeInConfig{Enabled: true, Threshold: 0.05},
		},
		Audio: AudioConfig{
			CapturePeriodMs:  20,
			PlaybackBufferMs: 200,
		},
		Realtime: RealtimeConfig{Heartbeat: 25},
		Metrics:  MetricsConfig{Address: ":9090"},
	}
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs validation of the configuration.
func (c *Config) Validate() error {
	if err := c.Token.Validate(); err != nil {
		return fmt.Errorf("token config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Realtime.Validate(); err != nil {
		return fmt.Errorf("realtime config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	return nil
}

// Validate validates token endpoint configuration.
func (t *TokenConfig) Validate() error {
	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}
	return nil
}

// Validate validates session configuration.
func (s *SessionConfig) Validate() error {
	if s.StartTimeout < 1 {
		return fmt.Errorf("start_timeout must be at least 1 second, got %d", s.StartTimeout)
	}

	if s.SetupTimeout < 1 {
		return fmt.Errorf("setup_timeout must be at least 1 second, got %d", s.SetupTimeout)
	}

	if s.ToolTimeout < 1 {
		return fmt.Errorf("tool_timeout must be at least 1 second, got %d", s.ToolTimeout)
	}

	if s.ExpiryWarning < 0 {
		return fmt.Errorf("expiry_warning cannot be negative, got %d", s.ExpiryWarning)
	}

	if s.BargeIn.Threshold < 0 || s.BargeIn.Threshold > 1 {
		return fmt.Errorf("barge_in threshold must be between 0 and 1, got %f", s.BargeIn.Threshold)
	}

	return nil
}

// Validate validates audio configuration.
func (a *AudioConfig) Validate() error {
	if a.CapturePeriodMs < 10 || a.CapturePeriodMs > 100 {
		return fmt.Errorf("capture_period_ms must be between 10 and 100, got %d", a.CapturePeriodMs)
	}

	if a.PlaybackBufferMs < 50 || a.PlaybackBufferMs > 1000 {
		return fmt.Errorf("playback_buffer_ms must be between 50 and 1000, got %d", a.PlaybackBufferMs)
	}

	return nil
}

// Validate validates realtime configuration.
func (r *RealtimeConfig) Validate() error {
	if r.Enabled {
		if r.URL == "" {
			return fmt.Errorf("url cannot be empty when realtime is enabled")
		}

		if r.Heartbeat < 1 {
			return fmt.Errorf("heartbeat must be at least 1 second, got %d", r.Heartbeat)
		}
	}

	return nil
}

// Validate validates metrics configuration.
func (m *MetricsConfig) Validate() error {
	if m.Enabled && m.Address == "" {
		return fmt.Errorf("address cannot be empty when metrics are enabled")
	}

	return nil
}

// GetTimeoutDuration returns the token fetch timeout as a time.Duration.
func (t *TokenConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetStartTimeoutDuration returns the session start timeout as a
// time.Duration.
func (s *SessionConfig) GetStartTimeoutDuration() time.Duration {
	return time.Duration(s.StartTimeout) * time.Second
}

// GetSetupTimeoutDuration returns the setup acknowledgement timeout as a
// time.Duration.
func (s *SessionConfig) GetSetupTimeoutDuration() time.Duration {
	return time.Duration(s.SetupTimeout) * time.Second
}

// GetToolTimeoutDuration returns the per-tool-call timeout as a
// time.Duration.
func (s *SessionConfig) GetToolTimeoutDuration() time.Duration {
	return time.Duration(s.ToolTimeout) * time.Second
}

// GetExpiryWarningDuration returns the pre-expiry warning lead time as a
// time.Duration.
func (s *SessionConfig) GetExpiryWarningDuration() time.Duration {
	return time.Duration(s.ExpiryWarning) * time.Second
}

// GetCapturePeriodDuration returns the capture period as a time.Duration.
func (a *AudioConfig) GetCapturePeriodDuration() time.Duration {
	return time.Duration(a.CapturePeriodMs) * time.Millisecond
}

// GetHeartbeatDuration returns the realtime heartbeat cadence as a
// time.Duration.
func (r *RealtimeConfig) GetHeartbeatDuration() time.Duration {
	return time.Duration(r.Heartbeat) * time.Second
}
