// Package metrics exposes Prometheus collectors for lock operations.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Result label values.
const (
	ResultOK       = "ok"
	ResultConflict = "conflict"
	ResultNotFound = "not_found"
	ResultInvalid  = "invalid"
	ResultError    = "error"
)

var (
	// Operations counts lock manager calls by operation and result.
	Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptlock_operations_total",
		Help: "Total number of lock manager operations",
	}, []string{"operation", "result"})
	// OperationDuration observes lock manager latency, dominated by store I/O.
	OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scriptlock_operation_duration_seconds",
		Help:    "Lock manager operation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	// SweptLocks counts expired locks released by cleanup.
	SweptLocks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scriptlock_swept_locks_total",
		Help: "Total number of expired locks released by cleanup",
	})
	// ExpiryWarnings counts lock_expiring events emitted by the sweeper.
	ExpiryWarnings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scriptlock_expiry_warnings_total",
		Help: "Total number of expiry warnings emitted",
	})
	// EventsDropped counts events discarded because the dispatch queue was full or closed.
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scriptlock_events_dropped_total",
		Help: "Total number of lock events dropped before delivery",
	})
	// EventFailures counts delivery failures per notifier.
	EventFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scriptlock_event_failures_total",
		Help: "Total number of failed lock event deliveries",
	}, []string{"notifier"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers scriptlock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Operations, OperationDuration, SweptLocks, ExpiryWarnings, EventsDropped, EventFailures)
}
