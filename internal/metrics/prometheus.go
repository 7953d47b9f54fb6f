// Package metrics registers the Prometheus collectors for the voice client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice client.
type Metrics struct {
	// Session metrics
	SessionsStarted prometheus.Counter
	SessionsFailed  *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	BreakerOpen     prometheus.Gauge

	// Audio metrics
	ChunksSent         prometheus.Counter
	AudioBytesReceived prometheus.Counter
	FirstAudioLatency  prometheus.Histogram

	// Turn metrics
	Turns     *prometheus.CounterVec
	ToolCalls *prometheus.CounterVec

	// Hub metrics
	HubEvents  *prometheus.CounterVec
	ActiveHubs prometheus.Gauge

	// Archive metrics
	TurnsArchived   prometheus.Counter
	ArchiveFailures prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics. Call it once per
// process.
func NewMetrics() *Metrics {
	return &Metrics{
		// Session metrics
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chravel_voice_sessions_started_total",
			Help: "Total number of voice sessions started",
		}),
		SessionsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chravel_voice_sessions_failed_total",
			Help: "Total number of voice sessions that ended in error",
		}, []string{"error_type"}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "chravel_voice_session_duration_seconds",
			Help:    "Duration of voice sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		BreakerOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "chravel_voice_breaker_open",
			Help: "Whether the session circuit breaker is open (1) or closed (0)",
		}),

		// Audio metrics
		ChunksSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chravel_voice_chunks_sent_total",
			Help: "Total number of capture chunks sent upstream",
		}),
		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chravel_voice_audio_bytes_received_total",
			Help: "Total bytes of model speech received",
		}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "chravel_voice_first_audio_seconds",
			Help:    "Time from session start to first model audio",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		// Turn metrics
		Turns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chravel_voice_turns_total",
			Help: "Total number of completed conversation turns",
		}, []string{"reason"}),
		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chravel_voice_tool_calls_total",
			Help: "Total number of tool calls dispatched",
		}, []string{"name"}),

		// Hub metrics
		HubEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chravel_hub_events_total",
			Help: "Total number of realtime change events delivered",
		}, []string{"table"}),
		ActiveHubs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "chravel_hub_active",
			Help: "Current number of connected trip hubs",
		}),

		// Archive metrics
		TurnsArchived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chravel_voice_turns_archived_total",
			Help: "Total number of turns written to the archive",
		}),
		ArchiveFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chravel_voice_archive_failures_total",
			Help: "Total number of failed archive writes",
		}),
	}
}

// RecordSessionStarted increments the sessions started counter.
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
}

// RecordSessionFailed records a session ending in error.
func (m *Metrics) RecordSessionFailed(errorType string) {
	m.SessionsFailed.WithLabelValues(errorType).Inc()
}

// RecordSessionClosed records a finished session's duration.
func (m *Metrics) RecordSessionClosed(durationSeconds float64) {
	m.SessionDuration.Observe(durationSeconds)
}

// SetBreakerOpen sets the breaker state gauge.
func (m *Metrics) SetBreakerOpen(open bool) {
	if open {
		m.BreakerOpen.Set(1)
	} else {
		m.BreakerOpen.Set(0)
	}
}

// RecordChunksSent adds a batch of sent capture chunks.
func (m *Metrics) RecordChunksSent(n int64) {
	m.ChunksSent.Add(float64(n))
}

// RecordAudioReceived adds received model speech bytes.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
}

// RecordFirstAudio records the start-to-first-audio latency.
func (m *Metrics) RecordFirstAudio(seconds float64) {
	m.FirstAudioLatency.Observe(seconds)
}

// RecordTurn records a completed turn by boundary reason.
func (m *Metrics) RecordTurn(reason string) {
	m.Turns.WithLabelValues(reason).Inc()
}

// RecordToolCall records a dispatched tool call.
func (m *Metrics) RecordToolCall(name string) {
	m.ToolCalls.WithLabelValues(name).Inc()
}

// RecordHubEvent records one fanned-out change event.
func (m *Metrics) RecordHubEvent(table string) {
	m.HubEvents.WithLabelValues(table).Inc()
}

// SetActiveHubs sets the connected hub gauge.
func (m *Metrics) SetActiveHubs(count int) {
	m.ActiveHubs.Set(float64(count))
}

// RecordTurnArchived increments the archived turns counter.
func (m *Metrics) RecordTurnArchived() {
	m.TurnsArchived.Inc()
}

// RecordArchiveFailure increments the archive failure counter.
func (m *Metrics) RecordArchiveFailure() {
	m.ArchiveFailures.Inc()
}
