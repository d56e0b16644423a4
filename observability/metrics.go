package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type escrowMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	instances  prometheus.Gauge
	locks      *prometheus.GaugeVec
	locked     *prometheus.GaugeVec
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *escrowMetrics
)

// Escrow returns the lazily-initialised metrics registry for marketplace
// operations.
func Escrow() *escrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &escrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "market",
				Name:      "operations_total",
				Help:      "Marketplace operations segmented by component, operation and outcome.",
			}, []string{"component", "operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "market",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for marketplace operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"component", "operation"}),
			instances: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "registry",
				Name:      "active_instances",
				Help:      "Escrow instances currently in the registry's active list.",
			}),
			locks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "locker",
				Name:      "locks",
				Help:      "Locks held by the custodian segmented by state.",
			}, []string{"state"}),
			locked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "locker",
				Name:      "locked_amount",
				Help:      "Amount still under lock segmented by token symbol.",
			}, []string{"token"}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.latency,
			escrowRegistry.instances,
			escrowRegistry.locks,
			escrowRegistry.locked,
		)
	})
	return escrowRegistry
}

// Observe records the outcome of an operation. outcome is the error kind, or
// "ok".
func (m *escrowMetrics) Observe(component, operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(component, operation, outcome).Inc()
	m.latency.WithLabelValues(component, operation).Observe(duration.Seconds())
}

// SetActiveInstances publishes the size of the registry's active list.
func (m *escrowMetrics) SetActiveInstances(n int) {
	if m == nil {
		return
	}
	m.instances.Set(float64(n))
}

// SetLocks publishes lock counts keyed by state name.
func (m *escrowMetrics) SetLocks(byState map[string]int) {
	if m == nil {
		return
	}
	for state, n := range byState {
		m.locks.WithLabelValues(state).Set(float64(n))
	}
}

// SetLockedAmount publishes the still-locked amount for a token. Amounts
// beyond float64 precision are approximated.
func (m *escrowMetrics) SetLockedAmount(token string, amount float64) {
	if m == nil {
		return
	}
	m.locked.WithLabelValues(token).Set(amount)
}
