// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package reload

import "github.com/prometheus/client_golang/prometheus"

// Result labels for ReloadsTotal.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// ReloadsTotal counts rebuild attempts by outcome.
var ReloadsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "trinity_reloads_total",
		Help: "Total number of module registry rebuilds by result",
	},
	[]string{"result"},
)

// RegisterMetrics registers reload metrics with the given Prometheus registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(ReloadsTotal)
}
