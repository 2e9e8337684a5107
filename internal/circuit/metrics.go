package circuit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the breaker's state transitions and failure counts to
// Prometheus, namespaced "orchestrator_circuit_" alongside the teacher's own
// "langgraph_" engine metrics (graph/metrics.go) rather than folded into
// that namespace, since a circuit breaker tracks per-model state the engine
// has no notion of.
type Metrics struct {
	state    *prometheus.GaugeVec
	failures *prometheus.CounterVec
	opened   *prometheus.CounterVec
}

// stateValue maps a State to the numeric gauge value Prometheus expects:
// 0 closed, 1 half-open, 2 open.
func stateValue(s State) float64 {
	switch s {
	case Closed:
		return 0
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return -1
	}
}

// NewMetrics registers the circuit breaker's Prometheus collectors against
// registry, following graph/metrics.go's promauto.With(registry) factory
// idiom.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator_circuit",
			Name:      "state",
			Help:      "Current breaker state per model (0=closed, 1=half_open, 2=open)",
		}, []string{"model_id"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator_circuit",
			Name:      "failures_total",
			Help:      "Cumulative call failures observed per model",
		}, []string{"model_id"}),
		opened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator_circuit",
			Name:      "opened_total",
			Help:      "Cumulative transitions into the OPEN state per model",
		}, []string{"model_id", "reason"}),
	}
}

func (m *Metrics) recordState(modelID string, s State) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(modelID).Set(stateValue(s))
}

func (m *Metrics) recordFailure(modelID string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(modelID).Inc()
}

func (m *Metrics) recordOpened(modelID, reason string) {
	if m == nil {
		return
	}
	m.opened.WithLabelValues(modelID, reason).Inc()
}
