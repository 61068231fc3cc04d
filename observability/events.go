package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type settlementMetrics struct {
	settlements *prometheus.CounterVec
}

var (
	settlementOnce     sync.Once
	settlementRegistry *settlementMetrics
)

// Settlements returns the counter tracking how escrowed orders terminate.
func Settlements() *settlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &settlementMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "skinmarket",
				Subsystem: "escrow",
				Name:      "settlements_total",
				Help:      "Count of terminal order outcomes segmented by final status.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(settlementRegistry.settlements)
	})
	return settlementRegistry
}

// RecordSettlement increments the settlement counter for the terminal order
// status.
func (m *settlementMetrics) RecordSettlement(outcome string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(outcome))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	m.settlements.WithLabelValues(normalized).Inc()
}
