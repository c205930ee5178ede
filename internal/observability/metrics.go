// Package observability wires tracing and metrics for the service.
//
// This file holds the Prometheus collectors for the message pipeline and
// the automation dispatcher. Label sets are closed enumerations (outcome,
// intent, result) so cardinality stays bounded.
package observability

import "github.com/prometheus/client_golang/prometheus"

// Pipeline outcome label values for MessagesTotal.
const (
	OutcomeProcessed      = "processed"
	OutcomeDuplicate      = "duplicate"
	OutcomeNoRoute        = "no_route"
	OutcomeOptedOut       = "opted_out"
	OutcomeQuotaExhausted = "quota_exhausted"
	OutcomeAgentOwned     = "agent_owned"
	OutcomeError          = "error"
)

// Delivery result label values for AutomationDeliveries.
const (
	DeliveryDispatched  = "dispatched"
	DeliveryRescheduled = "rescheduled"
	DeliveryFailed      = "failed"
)

var (
	// MessagesTotal counts inbound messages by pipeline outcome.
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_messages_total",
			Help: "Total inbound messages by processing outcome.",
		},
		[]string{"outcome"},
	)

	// IntentsTotal counts classification results by intent label.
	IntentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_intents_total",
			Help: "Total classified intents.",
		},
		[]string{"intent"},
	)

	// OutboundSends counts outbound provider sends by result.
	OutboundSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_sends_total",
			Help: "Total outbound message sends by result.",
		},
		[]string{"result"},
	)

	// AutomationDeliveries counts dispatcher delivery attempts by result.
	AutomationDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_deliveries_total",
			Help: "Total automation event delivery attempts by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(MessagesTotal, IntentsTotal, OutboundSends, AutomationDeliveries)
}
