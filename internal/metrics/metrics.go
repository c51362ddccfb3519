// Package metrics defines the prometheus collectors this module
// exposes for transaction outcomes, registry size, and invocation
// latency (SPEC_FULL.md §3 domain stack). Callers register a
// *Collectors with their own *prometheus.Registry; there is no global
// promauto singleton, so the core stays embeddable in a caller's own
// metrics namespace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors groups every metric this module reports.
type Collectors struct {
	TxnOutcomes      *prometheus.CounterVec
	RegistrySize     prometheus.Gauge
	InvocationLatency prometheus.Histogram
}

// New builds an unregistered Collectors set.
func New(namespace string) *Collectors {
	return &Collectors{
		TxnOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_outcomes_total",
			Help:      "Count of remote transaction outcomes by result.",
		}, []string{"outcome"}),
		RegistrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "imported_registry_size",
			Help:      "Current number of entries in the imported transaction registry.",
		}),
		InvocationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_latency_seconds",
			Help:      "Latency of request/response round trips over the invocation tracker.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// MustRegister registers every collector with reg, panicking on a
// duplicate-registration error (mirrors prometheus.MustRegister).
func (c *Collectors) MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(c.TxnOutcomes, c.RegistrySize, c.InvocationLatency)
}

// Outcome labels for TxnOutcomes.
const (
	OutcomeCommitted      = "committed"
	OutcomeRolledBack     = "rolledback"
	OutcomeHeuristic      = "heuristic"
	OutcomeFailed         = "failed"
)
