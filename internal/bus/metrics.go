// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package bus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Delivery modes used as metric labels.
const (
	ModeSend = "send"
	ModePost = "post"
)

// MessagesTotal counts messages by delivery mode and final state.
// Use RegisterMetrics to register this with a Prometheus registry.
var MessagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "toybox_bus_messages_total",
		Help: "Total number of messages that reached a terminal state",
	},
	[]string{"mode", "state"},
)

// DispatchDuration is the histogram of time spent running handlers for one message.
// Use RegisterMetrics to register this with a Prometheus registry.
var DispatchDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "toybox_bus_dispatch_duration_seconds",
		Help:    "Message dispatch duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"mode"},
)

// QueueDepth reports the number of posted messages waiting for Process.
var QueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "toybox_bus_queue_depth",
		Help: "Number of posted messages waiting to be processed",
	},
)

// RegisterMetrics registers bus metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(MessagesTotal)
	reg.MustRegister(DispatchDuration)
	reg.MustRegister(QueueDepth)
}

// RecordMessage increments the message counter.
func RecordMessage(mode, state string) {
	MessagesTotal.WithLabelValues(mode, state).Inc()
}

// RecordDispatchDuration records how long one dispatch took.
func RecordDispatchDuration(mode string, d time.Duration) {
	DispatchDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// SetQueueDepth updates the pending queue gauge.
func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}
