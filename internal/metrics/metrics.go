// Package metrics exposes Prometheus collectors for code issuance,
// verification, session transitions and sweeps.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeIssued         = "issued"
	OutcomeDeliveryFailed = "delivery_failed"
	OutcomeUserNotFound   = "user_not_found"
	OutcomeError          = "error"

	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// CodesIssued counts issuance attempts by purpose and outcome.
// Use RegisterMetrics to register this with a Prometheus registry.
var CodesIssued = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "authcore_codes_issued_total",
		Help: "Verification code issuance attempts",
	},
	[]string{"purpose", "outcome"},
)

// CodesInvalidated counts records soft-invalidated by a newer issuance.
var CodesInvalidated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "authcore_codes_invalidated_total",
		Help: "Unconsumed verification records invalidated by re-issuance",
	},
	[]string{"purpose"},
)

// CodeVerifications counts verification attempts by purpose and outcome.
var CodeVerifications = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "authcore_code_verifications_total",
		Help: "Verification code checks",
	},
	[]string{"purpose", "outcome"},
)

// SessionTransitions counts session state changes into the labelled state.
var SessionTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "authcore_session_transitions_total",
		Help: "Session state transitions",
	},
	[]string{"state"},
)

// SweepRemoved counts what each sweep removed or expired.
var SweepRemoved = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "authcore_sweep_items_total",
		Help: "Items handled by the expiry sweeper",
	},
	[]string{"kind"},
)

var SweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "authcore_sweep_errors_total",
	Help: "Sweeps that finished with at least one error",
})

var SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "authcore_sweep_duration_seconds",
	Help:    "Expiry sweep duration in seconds",
	Buckets: prometheus.DefBuckets,
})

// RegisterMetrics registers every collector with reg.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(CodesIssued, CodesInvalidated, CodeVerifications, SessionTransitions,
		SweepRemoved, SweepErrors, SweepDuration)
}

func RecordIssue(purpose, outcome string) {
	CodesIssued.WithLabelValues(purpose, outcome).Inc()
}

func RecordInvalidated(purpose string, n int) {
	if n > 0 {
		CodesInvalidated.WithLabelValues(purpose).Add(float64(n))
	}
}

func RecordVerification(purpose string, accepted bool) {
	outcome := OutcomeRejected
	if accepted {
		outcome = OutcomeAccepted
	}
	CodeVerifications.WithLabelValues(purpose, outcome).Inc()
}

func RecordSessionTransition(state string, n int) {
	if n > 0 {
		SessionTransitions.WithLabelValues(state).Add(float64(n))
	}
}

// RecordSweep records one sweep pass.
func RecordSweep(recordsDeleted, sessionsExpired int, failed bool, took time.Duration) {
	SweepRemoved.WithLabelValues("verification_records").Add(float64(recordsDeleted))
	SweepRemoved.WithLabelValues("sessions").Add(float64(sessionsExpired))
	if failed {
		SweepErrors.Inc()
	}
	SweepDuration.Observe(took.Seconds())
}
