package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	TurnsAppended      *prometheus.CounterVec
	TurnsEvicted       prometheus.Counter
	PersistenceErrors  *prometheus.CounterVec
	StoreOpLatency     *prometheus.HistogramVec
	ConfusionSignals   prometheus.Counter
	ArchiveErrors      prometheus.Counter
	SanitizerDegraded  prometheus.Counter
	SanitizedResponses *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec

	latency *opLatencies
}

// NewMetrics registers instruments with reg, or with the default registry when reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		latency: newOpLatencies(256),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of session stores currently open.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		TurnsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_appended_total",
			Help:      "Turns persisted by role.",
		}, []string{"role"}),
		TurnsEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_evicted_total",
			Help:      "Turns deleted by the retention bound.",
		}),
		PersistenceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Persistence failures by store operation.",
		}, []string{"op"}),
		StoreOpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_op_latency_ms",
			Help:      "Latency of store operations in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"op"}),
		ConfusionSignals: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confusion_signals_total",
			Help:      "Windows flagged as confused conversations.",
		}),
		ArchiveErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_errors_total",
			Help:      "Evicted turns that could not be archived.",
		}),
		SanitizerDegraded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sanitizer_degraded_total",
			Help:      "Client responses rendered through the serialization fallback.",
		}),
		SanitizedResponses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sanitized_responses_total",
			Help:      "Client responses prepared by value kind.",
		}, []string{"kind"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

// ObserveStoreOp records one store call. err marks the sample as failed.
func (m *Metrics) ObserveStoreOp(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.StoreOpLatency.WithLabelValues(op).Observe(float64(d.Microseconds()) / 1000)
	m.latency.record(op, d, err != nil)
}

// SetOpBudget sets the per-call budget store latencies are reported against.
func (m *Metrics) SetOpBudget(d time.Duration) {
	if m == nil {
		return
	}
	m.latency.setBudget(d)
}

// ObserveIndicator counts a notable event in the latency report.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.latency.count(name)
}

// LatencySnapshot summarizes recent store operation latencies.
func (m *Metrics) LatencySnapshot() LatencyReport {
	if m == nil {
		return LatencyReport{GeneratedAt: time.Now().UTC()}
	}
	return m.latency.report()
}

func (m *Metrics) ObservePersistenceError(op string) {
	if m == nil {
		return
	}
	m.PersistenceErrors.WithLabelValues(op).Inc()
	m.latency.count("persistence_error_" + op)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the given gatherer, for non-default registries.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
