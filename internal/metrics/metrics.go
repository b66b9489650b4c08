package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the voice bridge. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	TeardownsTotal   *prometheus.CounterVec
	AudioFramesTotal *prometheus.CounterVec
	AudioBytesTotal  *prometheus.CounterVec
	DroppedFrames    prometheus.Counter
	TurnsTotal       *prometheus.CounterVec
}

// New creates a Metrics instance with all collectors registered on a
// private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicebridge"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of registered voice sessions",
	})

	sessionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Session creation attempts by result",
	}, []string{"result"})

	sessionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Voice session lifetime in seconds",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})

	teardownsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "teardowns_total",
		Help:      "Session teardowns by reason",
	}, []string{"reason"})

	audioFramesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_frames_total",
		Help:      "Relayed audio frames by direction",
	}, []string{"direction"})

	audioBytesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_bytes_total",
		Help:      "Relayed audio bytes by direction",
	}, []string{"direction"})

	droppedFrames := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbound_dropped_frames_total",
		Help:      "Client frames dropped because the outbound queue was full",
	})

	turnsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcript_turns_total",
		Help:      "Flushed transcript turns by role and persistence status",
	}, []string{"role", "status"})

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		teardownsTotal,
		audioFramesTotal,
		audioBytesTotal,
		droppedFrames,
		turnsTotal,
	)

	return &Metrics{
		registry:         registry,
		SessionsActive:   sessionsActive,
		SessionsTotal:    sessionsTotal,
		SessionDuration:  sessionDuration,
		TeardownsTotal:   teardownsTotal,
		AudioFramesTotal: audioFramesTotal,
		AudioBytesTotal:  audioBytesTotal,
		DroppedFrames:    droppedFrames,
		TurnsTotal:       turnsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a successful session creation.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues("created").Inc()
	m.SessionsActive.Inc()
}

// RecordSessionRejected records a failed creation attempt.
func (m *Metrics) RecordSessionRejected(result string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(result).Inc()
}

// RecordSessionEnd records a teardown and the session's lifetime.
func (m *Metrics) RecordSessionEnd(reason string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.TeardownsTotal.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(lifetime.Seconds())
}

// RecordAudio records one relayed frame. direction is "inbound" or "outbound".
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil {
		return
	}
	m.AudioFramesTotal.WithLabelValues(direction).Inc()
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordDroppedFrame records a frame discarded by a stalled client queue.
func (m *Metrics) RecordDroppedFrame() {
	if m == nil {
		return
	}
	m.DroppedFrames.Inc()
}

// RecordTurn records a transcript flush outcome.
func (m *Metrics) RecordTurn(role, status string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(role, status).Inc()
}
