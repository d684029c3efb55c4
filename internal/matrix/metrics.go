// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package matrix

import "github.com/prometheus/client_golang/prometheus"

// Outcome labels for MessagesTotal.
const (
	OutcomeDispatched = "dispatched"
	OutcomeIgnored    = "ignored"
	OutcomeFailed     = "failed"
)

// MessagesTotal counts room messages seen by the relay.
var MessagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "trinity_relay_messages_total",
		Help: "Total number of room messages seen by the relay by outcome",
	},
	[]string{"outcome"},
)

// EventsSentTotal counts reply events sent by the relay.
var EventsSentTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "trinity_relay_events_sent_total",
		Help: "Total number of reply events sent by type and status",
	},
	[]string{"type", "status"},
)

// RegisterMetrics registers relay metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(MessagesTotal)
	reg.MustRegister(EventsSentTotal)
}
