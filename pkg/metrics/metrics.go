// Package metrics exposes the gate's Prometheus collectors: decision
// counts by verdict, lock conflicts, active locks, journal volume, and
// classification failures. It has no opinion on how the registry is
// served — cmd/callosumd wires it to an HTTP handler.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors bundles every metric the gate emits so callers pass one
// value around instead of six.
type Collectors struct {
	Decisions            *prometheus.CounterVec
	LockConflictsTotal   prometheus.Counter
	ActiveLocks          prometheus.Gauge
	JournalEntriesTotal  *prometheus.CounterVec
	ClassificationErrors prometheus.Counter
	JanitorSweeps        *prometheus.CounterVec
}

// New registers all collectors against reg and returns the bundle.
// Passing a fresh prometheus.NewRegistry() (rather than the default
// global one) keeps tests hermetic.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callosum",
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Count of pre-call decisions by verdict kind and tier.",
		}, []string{"kind", "tier"}),

		LockConflictsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callosum",
			Subsystem: "gate",
			Name:      "lock_conflicts_total",
			Help:      "Count of pre-call events that observed a conflicting lock or context record.",
		}),

		ActiveLocks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "callosum",
			Subsystem: "store",
			Name:      "active_locks",
			Help:      "Number of currently active (non-expired) advisory locks.",
		}),

		JournalEntriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callosum",
			Subsystem: "store",
			Name:      "journal_entries_total",
			Help:      "Count of journal entries appended, by action.",
		}, []string{"action"}),

		ClassificationErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "callosum",
			Subsystem: "classifier",
			Name:      "errors_total",
			Help:      "Count of classification panics recovered into a tier-0 fallback.",
		}),

		JanitorSweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callosum",
			Subsystem: "janitor",
			Name:      "sweeps_total",
			Help:      "Count of janitor maintenance sweeps by job and outcome.",
		}, []string{"job", "outcome"}),
	}
}

// ObserveVerdict records a completed pre-call decision.
func (c *Collectors) ObserveVerdict(kind string, tier int) {
	c.Decisions.WithLabelValues(kind, strconv.Itoa(tier)).Inc()
}

// ObserveJournal records a journal append by action.
func (c *Collectors) ObserveJournal(action string) {
	c.JournalEntriesTotal.WithLabelValues(action).Inc()
}
