package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the voice client and
// the backend.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	LiveMessages       *prometheus.CounterVec
	AudioFrames        *prometheus.CounterVec
	SessionErrors      *prometheus.CounterVec
	CredentialRequests *prometheus.CounterVec
	ConnectLatency     prometheus.Histogram
	FirstAudioLatency  prometheus.Histogram

	// Calls mirrors the latency histograms per session for in-process
	// summaries.
	Calls *CallWindow
}

// NewMetrics registers the instruments with reg, or the default registerer
// when reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of connected duplex audio sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session state machine events by type.",
		}, []string{"event"}),
		LiveMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_messages_total",
			Help:      "Live channel messages by direction and type.",
		}, []string{"direction", "type"}),
		AudioFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Audio frames and fragments by stream and outcome.",
		}, []string{"stream", "outcome"}),
		SessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Session errors by kind.",
		}, []string{"kind"}),
		CredentialRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_requests_total",
			Help:      "Credential endpoint requests by outcome.",
		}, []string{"outcome"}),
		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_ms",
			Help:      "Latency from connect request to Connected in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000},
		}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from Connected to first model audio fragment in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		Calls: NewCallWindow(64),
	}
}

func (m *Metrics) BeginCall(sessionID, persona string) {
	m.Calls.Begin(sessionID, persona, time.Now())
}

func (m *Metrics) ObserveConnectLatency(sessionID string, d time.Duration) {
	m.ConnectLatency.Observe(float64(d.Milliseconds()))
	m.Calls.Observe(sessionID, StageConnect, d)
}

func (m *Metrics) ObserveFirstAudioLatency(sessionID string, d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.Calls.Observe(sessionID, StageFirstAudio, d)
}

func (m *Metrics) ObserveInterruption(sessionID string, flush time.Duration) {
	m.SessionEvents.WithLabelValues("interrupted").Inc()
	m.Calls.Observe(sessionID, StageFlush, flush)
}

func (m *Metrics) EndCall(sessionID, outcome string) {
	m.Calls.End(sessionID, outcome, time.Now())
}

// MetricsHandler serves g, or the default gatherer when g is nil.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
