package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recorder_active_sessions",
		Help: "Number of sessions currently recording or paused",
	})

	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_sessions_total",
		Help: "Total number of recording sessions by outcome",
	}, []string{"outcome"}) // outcome: "stopped", "failed", "audio_only"

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recorder_session_duration_seconds",
		Help:    "Recorded duration of sessions in seconds, pauses excluded",
		Buckets: []float64{10, 60, 300, 600, 1800, 3600, 7200},
	})

	// Capture metrics
	chunksCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_chunks_captured_total",
		Help: "Total audio chunks delivered by the input tap",
	})

	framesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_frames_captured_total",
		Help: "Total audio frames delivered by the input tap",
	})

	chunksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_chunks_dropped_total",
		Help: "Audio chunks skipped before reaching the recognizer",
	}, []string{"reason"}) // reason: "empty", "conversion", "format_change", "engine"

	// Transcription metrics
	transcriptEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_transcript_events_total",
		Help: "Transcript events emitted by transcription streams",
	}, []string{"kind"})

	engineLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recorder_engine_latency_seconds",
		Help:    "Recognition engine request latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"engine"})

	// Locale asset metrics
	localeInstalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_locale_installs_total",
		Help: "Locale asset installations by status",
	}, []string{"status"})

	localeInstallProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "recorder_locale_install_progress",
		Help: "Progress of locale installations in [0,1]",
	}, []string{"locale"})

	// Summary metrics
	summaryRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_summary_requests_total",
		Help: "Total summary generation requests",
	}, []string{"status"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "recorder_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// SessionMetrics tracks metrics for a single recording session
type SessionMetrics struct {
	sessionID string
	mu        sync.Mutex
	active    bool
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{sessionID: sessionID}
}

// RecordStart records that the session began recording
func (m *SessionMetrics) RecordStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return
	}
	m.active = true
	activeSessions.Inc()
}

// RecordEnd records the end of the session with its recorded duration
func (m *SessionMetrics) RecordEnd(outcome string, recorded time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		activeSessions.Dec()
		m.active = false
	}
	sessionsTotal.WithLabelValues(outcome).Inc()
	if recorded > 0 {
		sessionDuration.Observe(recorded.Seconds())
	}
}

// RecordChunkCaptured records one chunk delivered by the input tap
func RecordChunkCaptured(frames int) {
	chunksCaptured.Inc()
	framesCaptured.Add(float64(frames))
}

// RecordChunkDropped records a chunk skipped on its way to the recognizer
func RecordChunkDropped(reason string) {
	chunksDropped.WithLabelValues(reason).Inc()
}

// RecordTranscriptEvent records an emitted partial or final event
func RecordTranscriptEvent(kind string) {
	transcriptEvents.WithLabelValues(kind).Inc()
}

// RecordEngineLatency records how long a recognition request took
func RecordEngineLatency(engine string, d time.Duration) {
	engineLatency.WithLabelValues(engine).Observe(d.Seconds())
}

// RecordLocaleInstall records the outcome of a locale installation
func RecordLocaleInstall(status string) {
	localeInstalls.WithLabelValues(status).Inc()
}

// SetLocaleInstallProgress publishes the progress of a locale installation
func SetLocaleInstallProgress(locale string, progress float64) {
	localeInstallProgress.WithLabelValues(locale).Set(progress)
}

// RecordSummaryRequest records a summary generation attempt
func RecordSummaryRequest(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	summaryRequests.WithLabelValues(status).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
