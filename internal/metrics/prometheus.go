package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the bridge. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Session metrics
	ActiveSessions        prometheus.Gauge
	SessionsStarted       prometheus.Counter
	SessionsEnded         prometheus.Counter
	SessionsFailed        *prometheus.CounterVec
	SessionDuration       prometheus.Histogram
	ConnectDuration       prometheus.Histogram
	RegisteredControllers prometheus.Gauge

	// Capture metrics
	ChunksSent    prometheus.Counter
	BlocksSkipped prometheus.Counter

	// Playback metrics
	ChunksScheduled    prometheus.Counter
	ScheduledSeconds   prometheus.Counter
	DecodeErrors       prometheus.Counter
	Interruptions      prometheus.Counter
	SourcesInterrupted prometheus.Counter

	// Transcript metrics
	TranscriptMessages *prometheus.CounterVec

	// Chat metrics
	ChatRequests  prometheus.Counter
	ChatSuccesses prometheus.Counter
	ChatFailures  prometheus.Counter
	ChatRetries   prometheus.Counter
	ChatDuration  prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them on reg. A nil reg uses
// the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		// Session metrics
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "amelia_active_sessions",
			Help: "Current number of open voice sessions",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "amelia_sessions_started_total",
			Help: "Total number of voice sessions that reached the live state",
		}),
		SessionsEnded: f.NewCounter(prometheus.CounterOpts{
			Name: "amelia_sessions_ended_total",
			Help: "Total number of live voice sessions that were torn down",
		}),
		SessionsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amelia_sessions_failed_total",
			Help: "Total number of voice sessions that failed, by error kind",
		}, []string{"kind"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "amelia_session_duration_seconds",
			Help:    "Duration of live voice sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		ConnectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "amelia_connect_duration_seconds",
			Help:    "Time from call start to live session",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		RegisteredControllers: f.NewGauge(prometheus.GaugeOpts{
			Name: "amelia_registered_controllers",
			Help: "Current number of voice widget connections registered with the session manager",
		}),

		// Capture metrics
		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "amelia_capture_chunks_sent_total",
			Help: "Total number of microphone chunks queued for the remote endpoint",
		}),
		BlocksSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "amelia_capture_blocks_skipped_total",
			Help: "Total number of microphone blocks dropped while muted",
		}),

		// Playback metrics
		ChunksScheduled: f.NewCounter(prometheus.CounterOpts{
			Name: "amelia_playback_chunks_scheduled_total",
			Help: "Total number of assistant audio chunks scheduled for playback",
		}),
		ScheduledSeconds: f.NewCounter(prometheus.CounterOpts{
			Name: "amelia_playback_scheduled_seconds_total",
			Help: "Total seconds of assistant audio scheduled for playback",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "amelia_playback_decode_errors_total",
			Help: "Total number of malformed inbound audio chunks dropped",
		}),
		Interruptions: f.NewCounter(prometheus.CounterOpts{
			Name: "amelia_playback_interruptions_total",
			Help: "Total number of interruption signals handled",
		}),
		SourcesInterrupted: f.NewCounter(prometheus.CounterOpts{
			Name: "amelia_playback_sources_interrupted_total",
			Help: "Total number of playing or queued sources cancelled by interruptions",
		}),

		// Transcript metrics
		TranscriptMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amelia_transcript_messages_total",
			Help: "Total number of transcript messages appended, by role",
		}, []string{"role"}),

		// Chat metrics
		ChatRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "amelia_chat_requests_total",
			Help: "Total number of text chat requests",
		}),
		ChatSuccesses: f.NewCounter(prometheus.CounterOpts{
			Name: "amelia_chat_successes_total",
			Help: "Total number of successful text chat requests",
		}),
		ChatFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "amelia_chat_failures_total",
			Help: "Total number of failed text chat requests",
		}),
		ChatRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "amelia_chat_retries_total",
			Help: "Total number of text chat request retries",
		}),
		ChatDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "amelia_chat_duration_seconds",
			Help:    "Duration of text chat requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		}),

		// HTTP API metrics
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amelia_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "amelia_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amelia_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SetRegisteredControllers sets the number of controllers known to the manager
func (m *Metrics) SetRegisteredControllers(count int) {
	if m == nil {
		return
	}
	m.RegisteredControllers.Set(float64(count))
}

// RecordSessionStarted records a session reaching the live state
func (m *Metrics) RecordSessionStarted(connectSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
	m.ConnectDuration.Observe(connectSeconds)
}

// RecordSessionEnded records the teardown of a live session and its duration
func (m *Metrics) RecordSessionEnded(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsEnded.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionFailed increments the failure counter for an error kind
func (m *Metrics) RecordSessionFailed(kind string) {
	if m == nil {
		return
	}
	m.SessionsFailed.WithLabelValues(kind).Inc()
}

// RecordChunkSent increments the capture chunks counter
func (m *Metrics) RecordChunkSent() {
	if m == nil {
		return
	}
	m.ChunksSent.Inc()
}

// RecordBlocksSkipped adds muted blocks to the skipped counter
func (m *Metrics) RecordBlocksSkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BlocksSkipped.Add(float64(n))
}

// RecordChunkScheduled records an inbound chunk placed on the output clock
func (m *Metrics) RecordChunkScheduled(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ChunksScheduled.Inc()
	m.ScheduledSeconds.Add(durationSeconds)
}

// RecordDecodeError increments the decode errors counter
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// RecordInterruption records an interruption and the sources it cancelled
func (m *Metrics) RecordInterruption(stopped int) {
	if m == nil {
		return
	}
	m.Interruptions.Inc()
	m.SourcesInterrupted.Add(float64(stopped))
}

// RecordTranscriptMessage increments the messages counter for a role
func (m *Metrics) RecordTranscriptMessage(role string) {
	if m == nil {
		return
	}
	m.TranscriptMessages.WithLabelValues(role).Inc()
}

// RecordChatRequest increments chat requests counter
func (m *Metrics) RecordChatRequest() {
	if m == nil {
		return
	}
	m.ChatRequests.Inc()
}

// RecordChatSuccess records a successful chat request
func (m *Metrics) RecordChatSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ChatSuccesses.Inc()
	m.ChatDuration.Observe(durationSeconds)
}

// RecordChatFailure records a failed chat request
func (m *Metrics) RecordChatFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ChatFailures.Inc()
	m.ChatDuration.Observe(durationSeconds)
}

// RecordChatRetry increments the retry counter
func (m *Metrics) RecordChatRetry() {
	if m == nil {
		return
	}
	m.ChatRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
