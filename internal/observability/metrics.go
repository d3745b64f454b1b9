package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveRelaySessions prometheus.Gauge
	RelayEvents         *prometheus.CounterVec
	RelayMessages       *prometheus.CounterVec
	FirstAudioLatency   prometheus.Histogram
	Transitions         *prometheus.CounterVec
	Webhooks            *prometheus.CounterVec
	ProviderErrors      *prometheus.CounterVec
	StoreConflicts      prometheus.Counter
	Fallbacks           *prometheus.CounterVec
	StageLatency        *prometheus.HistogramVec

	latency *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveRelaySessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_relay_sessions",
			Help:      "Number of active realtime relay sessions.",
		}),
		RelayEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_total",
			Help:      "Derived relay events by kind.",
		}, []string{"kind"}),
		RelayMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Relayed websocket messages by direction and outcome.",
		}, []string{"direction", "outcome"}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from session configuration to first assistant audio delta in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interview_transitions_total",
			Help:      "Interview lifecycle transitions by resulting status.",
		}, []string{"status"}),
		Webhooks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telephony_webhooks_total",
			Help:      "Telephony webhook invocations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		StoreConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_conflicts_total",
			Help:      "Conditional interview updates that exhausted their retries.",
		}),
		Fallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Best-effort steps that fell back to a default value.",
		}, []string{"step"}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Latency of orchestrator and relay stages in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000, 15000},
		}, []string{"stage"}),
		latency: newLatencyWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.latency.Observe(StageFirstAudio, float64(d.Milliseconds()))
}

// ObserveStage records a stage duration in both the histogram and the
// rolling window served by SnapshotLatency.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.latency.Observe(stage, ms)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.latency.ObserveIndicator(name)
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{Stages: []StageStats{}}
	}
	return m.latency.Snapshot()
}

func (m *Metrics) ObserveRelayEvent(kind string) {
	if m == nil {
		return
	}
	m.RelayEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveRelayMessage(direction, outcome string) {
	if m == nil {
		return
	}
	m.RelayMessages.WithLabelValues(direction, outcome).Inc()
}

func (m *Metrics) SetActiveRelaySessions(n int) {
	if m == nil {
		return
	}
	m.ActiveRelaySessions.Set(float64(n))
}

func (m *Metrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveWebhook(kind, outcome string) {
	if m == nil {
		return
	}
	m.Webhooks.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveStoreConflict() {
	if m == nil {
		return
	}
	m.StoreConflicts.Inc()
}

func (m *Metrics) ObserveFallback(step string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(step).Inc()
	m.latency.ObserveIndicator("fallback_" + step)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
