package storage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus instrumentation for store traffic and the
// maintenance operations built on top of it.
type Metrics struct {
	Operations *prometheus.CounterVec
	Latency    *prometheus.HistogramVec
	Drift      *prometheus.GaugeVec
	Merges     prometheus.Counter
	Rebuilds   *prometheus.CounterVec
	Repairs    prometheus.Counter
}

// NewMetrics registers the storage metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production wiring.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kolstore_store_operations_total",
			Help: "Store operations by store, operation and result.",
		}, []string{"store", "op", "result"}),
		Latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kolstore_store_operation_seconds",
			Help:    "Store operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"store", "op"}),
		Drift: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kolstore_index_drift_percent",
			Help: "Estimated index drift from the latest audit.",
		}, []string{"kind", "field"}),
		Merges: factory.NewCounter(prometheus.CounterOpts{
			Name: "kolstore_duplicate_merges_total",
			Help: "Duplicate groups merged by the reconciler.",
		}),
		Rebuilds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kolstore_index_rebuilds_total",
			Help: "Index rebuilds by outcome.",
		}, []string{"outcome"}),
		Repairs: factory.NewCounter(prometheus.CounterOpts{
			Name: "kolstore_index_repairs_total",
			Help: "Entities re-synced from the index repair queue.",
		}),
	}
}

// NopMetrics returns metrics bound to a throwaway registry, for tests and
// callers that do not scrape.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func (m *Metrics) observe(store, op string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case IsNotFound(err):
		result = "miss"
	case IsTransient(err):
		result = "transient"
	default:
		result = "error"
	}
	m.Operations.WithLabelValues(store, op, result).Inc()
	m.Latency.WithLabelValues(store, op).Observe(time.Since(start).Seconds())
}
