// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gardenlens"

var (
	// LedgerCharges counts charge attempts by funding source or failure outcome.
	LedgerCharges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "charges_total",
		Help:      "Charge attempts by outcome (funding source, insufficient, busy).",
	}, []string{"outcome"})

	// LedgerRefunds counts refund attempts by outcome.
	LedgerRefunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "refunds_total",
		Help:      "Refund attempts by outcome.",
	}, []string{"outcome"})

	// LedgerGrants counts grants by transaction kind and whether they were replays.
	LedgerGrants = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "grants_total",
		Help:      "Grants by kind and replay flag.",
	}, []string{"kind", "replayed"})

	// WebhookEvents counts billing webhook deliveries by event type and result.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Billing webhook deliveries by event type and result.",
	}, []string{"event_type", "result"})

	// WebhookDuration tracks billing webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Billing webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// JobsTerminal counts generation jobs reaching a terminal status.
	JobsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "generation",
		Name:      "jobs_terminal_total",
		Help:      "Generation jobs by terminal aggregate status.",
	}, []string{"status"})

	// AreaResults counts area outcomes reported by the generator.
	AreaResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "generation",
		Name:      "area_results_total",
		Help:      "Area results by outcome (completed, failed, duplicate, discarded).",
	}, []string{"outcome"})

	// RateLimitDecisions counts admission decisions.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter admission decisions.",
	}, []string{"decision"})

	// SweepRemoved counts rows affected by periodic sweeps.
	SweepRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "rows_total",
		Help:      "Rows affected by periodic sweeps, by sweep name.",
	}, []string{"sweep"})
)
