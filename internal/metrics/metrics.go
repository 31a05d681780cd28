// Package metrics holds the prometheus collectors for skeleton operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected" // caller input or permission failure
	OutcomeError    = "error"
)

// Registry holds all metrics for the application
type Registry struct {
	OperationsTotal     *prometheus.CounterVec
	OperationDuration   *prometheus.HistogramVec
	TreenodesReassigned *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewRegistry creates a registry with every collector registered
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.OperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_operations_total",
			Help: "Total number of skeleton operations by outcome",
		},
		[]string{"op", "outcome"},
	)

	r.OperationDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbor_operation_duration_seconds",
			Help:    "Skeleton operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"op"},
	)

	r.TreenodesReassigned = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbor_treenodes_reassigned_total",
			Help: "Treenodes moved to another skeleton by split or join",
		},
		[]string{"op"},
	)

	return r
}

// RecordOperation records one finished operation
func (r *Registry) RecordOperation(op, outcome string, duration time.Duration) {
	r.OperationsTotal.WithLabelValues(op, outcome).Inc()
	r.OperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordReassigned adds n moved treenodes to op's counter
func (r *Registry) RecordReassigned(op string, n int64) {
	if n > 0 {
		r.TreenodesReassigned.WithLabelValues(op).Add(float64(n))
	}
}

// Gatherer exposes the underlying registry
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes the current values in the node-exporter textfile format.
func (r *Registry) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.Gatherer())
}
