// Package observability holds Prometheus metrics for the entitlement engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	membershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "membership_transitions_total",
		Help: "Membership lifecycle transitions by resulting status.",
	}, []string{"to_status"})

	quotaDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "membership_quota_denials_total",
		Help: "Quota consumption attempts denied because the period ceiling was reached.",
	}, []string{"kind"})

	reconcilerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "membership_reconciler_events_total",
		Help: "Inbound payment events by kind and outcome (applied or skipped).",
	}, []string{"kind", "outcome"})

	sweepExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "membership_sweep_expired_total",
		Help: "Memberships transitioned CANCELLED to EXPIRED by the sweep.",
	})

	sweepFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "membership_sweep_failures_total",
		Help: "Per-record sweep failures left for the next run to retry.",
	})
)

// RecordTransition counts a lifecycle transition into the given status.
func RecordTransition(toStatus string) {
	membershipTransitions.WithLabelValues(toStatus).Inc()
}

// RecordQuotaDenial counts a quota denial for a kind.
func RecordQuotaDenial(kind string) {
	quotaDenials.WithLabelValues(kind).Inc()
}

// RecordReconcilerEvent counts a processed inbound payment event.
func RecordReconcilerEvent(kind, outcome string) {
	reconcilerEvents.WithLabelValues(kind, outcome).Inc()
}

// RecordSweep counts a sweep run's per-record results.
func RecordSweep(expired, failed int) {
	sweepExpired.Add(float64(expired))
	sweepFailures.Add(float64(failed))
}
