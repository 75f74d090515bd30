// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package plugin

import "github.com/prometheus/client_golang/prometheus"

// Result labels for load and unload metrics.
const (
	resultOK      = "ok"
	resultFailed  = "failed"
	resultSkipped = "skipped"
	resultLeaked  = "leaked"
)

// LoadsTotal counts plugin load attempts by result.
// Use RegisterMetrics to register this with a Prometheus registry.
var LoadsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "toybox_plugin_loads_total",
		Help: "Total number of plugin load attempts",
	},
	[]string{"result"},
)

// UnloadsTotal counts plugin unloads by result.
var UnloadsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "toybox_plugin_unloads_total",
		Help: "Total number of plugin unloads",
	},
	[]string{"result"},
)

// PluginsLoaded reports the number of live plugins.
var PluginsLoaded = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "toybox_plugins_loaded",
		Help: "Number of plugins currently loaded",
	},
)

// RegisterMetrics registers plugin metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LoadsTotal)
	reg.MustRegister(UnloadsTotal)
	reg.MustRegister(PluginsLoaded)
}

func recordLoad(result string) {
	LoadsTotal.WithLabelValues(result).Inc()
}

func recordUnload(result string) {
	UnloadsTotal.WithLabelValues(result).Inc()
}
