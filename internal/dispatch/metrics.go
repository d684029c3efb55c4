// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Path labels for dispatch metrics.
const (
	PathAdmin  = "admin"
	PathHelp   = "help"
	PathModule = "module"
	PathNone   = "none"
)

// DispatchTotal counts dispatches by the priority level that produced the
// result. Use RegisterMetrics to register this with a Prometheus registry.
var DispatchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "trinity_dispatch_total",
		Help: "Total number of dispatched messages by resolution path",
	},
	[]string{"path"},
)

// DispatchDuration observes how long a dispatch took.
var DispatchDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "trinity_dispatch_duration_seconds",
		Help:    "Dispatch duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"path"},
)

// ModuleErrors counts errors raised by guest entry points.
var ModuleErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "trinity_module_errors_total",
		Help: "Total number of errors raised by guest module entry points",
	},
	[]string{"module", "entry"},
)

// RegisterMetrics registers dispatch metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(DispatchTotal)
	reg.MustRegister(DispatchDuration)
	reg.MustRegister(ModuleErrors)
}

func recordDispatch(path string, d time.Duration) {
	DispatchTotal.WithLabelValues(path).Inc()
	DispatchDuration.WithLabelValues(path).Observe(d.Seconds())
}

func recordModuleError(module, entry string) {
	ModuleErrors.WithLabelValues(module, entry).Inc()
}
