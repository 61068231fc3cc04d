package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics records marketplace operation activity.
type MarketMetrics struct {
	operations *prometheus.CounterVec
	failures   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	deposits   prometheus.Counter
}

var (
	marketMetricsOnce sync.Once
	marketRegistry    *MarketMetrics
)

// Metrics returns the lazily-initialised metrics registry shared by the
// service. Registration happens once per process.
func Metrics() *MarketMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "skinmarket",
				Subsystem: "ops",
				Name:      "operations_total",
				Help:      "Total marketplace operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "skinmarket",
				Subsystem: "ops",
				Name:      "failures_total",
				Help:      "Business-rule failures segmented by operation and error kind.",
			}, []string{"operation", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "skinmarket",
				Subsystem: "ops",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution of marketplace operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			deposits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "skinmarket",
				Subsystem: "ledger",
				Name:      "deposits_confirmed_total",
				Help:      "Deposits credited to accounts.",
			}),
		}
		prometheus.MustRegister(
			marketRegistry.operations,
			marketRegistry.failures,
			marketRegistry.latency,
			marketRegistry.deposits,
		)
	})
	return marketRegistry
}

// ObserveOperation records one operation's outcome and duration.
func (m *MarketMetrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RecordFailure counts one business-rule rejection.
func (m *MarketMetrics) RecordFailure(operation, kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(operation, kind).Inc()
}

// RecordDeposit counts one confirmed deposit.
func (m *MarketMetrics) RecordDeposit() {
	if m == nil {
		return
	}
	m.deposits.Inc()
}
