package live

import "time"

// Diagnostics is a point-in-time snapshot of session health, for debug
// overlays and log lines.
type Diagnostics struct {
	State       SessionState `json:"state"`
	StartedAt   time.Time    `json:"started_at,omitempty"`
	ConnectedAt time.Time    `json:"connected_at,omitempty"`

	// FirstChunkMS is the delay from Start to the first mic chunk sent.
	FirstChunkMS int64 `json:"first_chunk_ms,omitempty"`
	// FirstTokenMS is the delay from Start to the first model token.
	FirstTokenMS int64 `json:"first_token_ms,omitempty"`
	// FirstAudioMS is the delay from Start to the first model audio chunk.
	FirstAudioMS int64 `json:"first_audio_ms,omitempty"`
	// CancelMS is how long the last barge-in took to flush playback and
	// signal the server.
	CancelMS int64 `json:"cancel_ms,omitempty"`

	// LastRMS is the loudness of the most recent mic chunk.
	LastRMS float64 `json:"last_rms,omitempty"`

	ChunksSent         int64 `json:"chunks_sent"`
	FramesReceived     int64 `json:"frames_received"`
	AudioBytesReceived int64 `json:"audio_bytes_received"`
	ToolCalls          int64 `json:"tool_calls"`

	LastError string `json:"last_error,omitempty"`
}

// Diagnostics returns a snapshot of the session's counters and timings.
func (s *Session) Diagnostics() Diagnostics {
	s.diagMu.Lock()
	d := s.diag
	s.diagMu.Unlock()
	d.State = s.State()
	return d
}
