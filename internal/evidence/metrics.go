package evidence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes collection throughput and backpressure to Prometheus,
// following graph/metrics.go's promauto.With(registry) factory idiom.
type Metrics struct {
	itemsCollected *prometheus.CounterVec
	fetchErrors    *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	backpressure   prometheus.Counter
	emptyRuns      prometheus.Counter
}

// NewMetrics registers the collector's Prometheus collectors against
// registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		itemsCollected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator_evidence",
			Name:      "items_collected_total",
			Help:      "Deduplicated evidence items collected, per source",
		}, []string{"source_id"}),
		fetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator_evidence",
			Name:      "fetch_errors_total",
			Help:      "Discover/Fetch errors observed, per source",
		}, []string{"source_id"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator_evidence",
			Name:      "queue_depth",
			Help:      "Pending discover+fetch units currently queued across all in-flight collections",
		}),
		backpressure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator_evidence",
			Name:      "backpressure_rejections_total",
			Help:      "Collect calls rejected for exceeding MaxPersistQueue",
		}),
		emptyRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrator_evidence",
			Name:      "empty_runs_total",
			Help:      "Collection runs that finished with zero evidence",
		}),
	}
}

func (m *Metrics) recordItem(sourceID string) {
	if m == nil {
		return
	}
	m.itemsCollected.WithLabelValues(sourceID).Inc()
}

func (m *Metrics) recordFetchError(sourceID string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(sourceID).Inc()
}

func (m *Metrics) setQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) recordBackpressure() {
	if m == nil {
		return
	}
	m.backpressure.Inc()
}

func (m *Metrics) recordEmptyRun() {
	if m == nil {
		return
	}
	m.emptyRuns.Inc()
}
