package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the bridge. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveDevices       prometheus.Gauge
	ConnectionEvents    *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	RealtimeEvents      *prometheus.CounterVec
	FunctionCalls       *prometheus.CounterVec
	Reconfigurations    *prometheus.CounterVec
	CleanupFailures     *prometheus.CounterVec
	ProviderErrors      *prometheus.CounterVec
	ConversationSeconds prometheus.Counter
	FirstAudioLatency   prometheus.Histogram
}

// NewMetrics registers the instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the instruments on reg.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveDevices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_devices",
			Help:      "Number of connected devices.",
		}),
		ConnectionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Device connection lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Device websocket messages by direction and type.",
		}, []string{"direction", "type"}),
		RealtimeEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Translated realtime events by type.",
		}, []string{"type"}),
		FunctionCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_calls_total",
			Help:      "Function calls dispatched by name and outcome.",
		}, []string{"name", "outcome"}),
		Reconfigurations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persona_reconfigurations_total",
			Help:      "Persona reconfigurations by persona kind and outcome.",
		}, []string{"persona", "outcome"}),
		CleanupFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_step_failures_total",
			Help:      "Failed disconnect cleanup steps by step.",
		}, []string{"step"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Realtime provider errors by code.",
		}, []string{"code"}),
		ConversationSeconds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_seconds_total",
			Help:      "Accumulated device talk time in seconds.",
		}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from end of user turn to first assistant audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
	}
}

func (m *Metrics) DeviceConnected() {
	if m == nil {
		return
	}
	m.ActiveDevices.Inc()
	m.ConnectionEvents.WithLabelValues("connected").Inc()
}

func (m *Metrics) DeviceDisconnected() {
	if m == nil {
		return
	}
	m.ActiveDevices.Dec()
	m.ConnectionEvents.WithLabelValues("disconnected").Inc()
}

func (m *Metrics) ConnectionEvent(event string) {
	if m == nil {
		return
	}
	m.ConnectionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) Message(direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) RealtimeEvent(typ string) {
	if m == nil {
		return
	}
	m.RealtimeEvents.WithLabelValues(typ).Inc()
}

func (m *Metrics) FunctionCall(name string, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.FunctionCalls.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) Reconfiguration(persona string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.Reconfigurations.WithLabelValues(persona, outcome).Inc()
}

func (m *Metrics) CleanupFailure(step string) {
	if m == nil {
		return
	}
	m.CleanupFailures.WithLabelValues(step).Inc()
}

func (m *Metrics) ProviderError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.ProviderErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) AddConversationTime(seconds float64) {
	if m == nil || seconds <= 0 {
		return
	}
	m.ConversationSeconds.Add(seconds)
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
