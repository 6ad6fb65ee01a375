package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for the two paths that matter operationally: inbound webhook
// outcomes and reconciliation sweep results. "paid without credential" is the
// invariant to alert on, hence its own gauge-like counter pair.
var (
	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veilbot",
		Subsystem: "webhooks",
		Name:      "inbound_total",
		Help:      "Inbound webhook deliveries by provider and audit result.",
	}, []string{"provider", "result"})

	ReplaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veilbot",
		Subsystem: "webhooks",
		Name:      "replays_total",
		Help:      "Admin replays of audit-log entries by result.",
	}, []string{"result"})

	ReconcileProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veilbot",
		Subsystem: "reconcile",
		Name:      "processed_total",
		Help:      "Items repaired by reconciliation sweeps.",
	}, []string{"sweep"})

	ReconcileFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veilbot",
		Subsystem: "reconcile",
		Name:      "failed_total",
		Help:      "Items a reconciliation sweep could not repair.",
	}, []string{"sweep"})

	IssuanceCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veilbot",
		Subsystem: "issuance",
		Name:      "bridge_calls_total",
		Help:      "Calls into the issuance bridge by operation and outcome.",
	}, []string{"op", "outcome"})
)
