package budget

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes per-(scope, window) spend and reservation outcomes to
// Prometheus, following graph/metrics.go's promauto.With(registry) factory
// idiom.
type Metrics struct {
	usedUSD     *prometheus.GaugeVec
	reservedUSD *prometheus.GaugeVec
	denied      *prometheus.CounterVec
	softCrossed *prometheus.CounterVec
}

// NewMetrics registers the governor's Prometheus collectors against
// registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		usedUSD: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator_budget",
			Name:      "used_usd",
			Help:      "Committed spend for the current rollover period, per scope and window",
		}, []string{"scope", "window"}),
		reservedUSD: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator_budget",
			Name:      "reserved_usd",
			Help:      "Outstanding (uncommitted) reservations, per scope and window",
		}, []string{"scope", "window"}),
		denied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator_budget",
			Name:      "reservations_denied_total",
			Help:      "Reserve calls rejected for exceeding the hard threshold, per scope and window",
		}, []string{"scope", "window"}),
		softCrossed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator_budget",
			Name:      "soft_threshold_crossed_total",
			Help:      "Reserve calls that crossed the soft threshold, per scope and window",
		}, []string{"scope", "window"}),
	}
}

func (m *Metrics) recordLedger(scope string, w Window, used, reserved float64) {
	if m == nil {
		return
	}
	m.usedUSD.WithLabelValues(scope, string(w)).Set(used)
	m.reservedUSD.WithLabelValues(scope, string(w)).Set(reserved)
}

func (m *Metrics) recordDenied(scope string, w Window) {
	if m == nil {
		return
	}
	m.denied.WithLabelValues(scope, string(w)).Inc()
}

func (m *Metrics) recordSoftCrossed(scope string, w Window) {
	if m == nil {
		return
	}
	m.softCrossed.WithLabelValues(scope, string(w)).Inc()
}
