// Package metrics exposes the worker's Prometheus metrics: admission
// outcomes, pipeline terminal states, framing timeouts, offload hop
// counts and free CPU units. Grounded on the
// teacher's prometheus/client_golang usage in pkg/monitoring: package
// level collectors registered once, incremented inline by the
// components that observe the event.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AdmissionsTotal counts every admission decision by outcome
	// (local, offloaded, rejected, failed).
	AdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spare_admissions_total",
		Help: "Total invoke admission decisions by outcome.",
	}, []string{"outcome"})

	// PipelineTerminalStates counts pipeline runs by their final state
	// (spec §4.D's Terminated/Failed).
	PipelineTerminalStates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spare_pipeline_terminal_total",
		Help: "Total invocation pipeline runs by final state.",
	}, []string{"state"})

	// FramingTimeouts counts handshake/payload/response deadline
	// expirations observed by the framing package.
	FramingTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spare_framing_timeouts_total",
		Help: "Total framing operations that failed with a timeout, by phase.",
	}, []string{"phase"})

	// OffloadHops observes the hop count of every request this worker
	// forwards to a peer.
	OffloadHops = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spare_offload_hops",
		Help:    "Hop count of offloaded requests at the point they left this worker.",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})

	// AvailableCPUUnits reports the Accountant's free CPU count, set by
	// the Orchestrator after each admission decision.
	AvailableCPUUnits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spare_available_cpu_units",
		Help: "Current free CPU units tracked by the local resource accountant.",
	})
)

// Handler returns the standard /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
