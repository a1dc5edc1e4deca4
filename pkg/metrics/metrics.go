// Package metrics exposes the launcher's Prometheus instrumentation:
// reconcile-cycle counters/timings, per-instance outcome counters, and
// worker-pool saturation gauges.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ReconcileCyclesTotal counts RunInstances and RunLastInstances cycles
	// by outcome.
	ReconcileCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgelauncher_reconcile_cycles_total",
			Help: "Total number of reconcile cycles by outcome (ok, infra_error).",
		},
		[]string{"outcome"},
	)

	// ReconcileDuration observes end-to-end reconcile cycle latency.
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edgelauncher_reconcile_duration_seconds",
			Help:    "Duration of a full reconcile cycle.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// InstancesStartedTotal counts instance start attempts by outcome.
	InstancesStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgelauncher_instances_started_total",
			Help: "Total instance start attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// InstancesStoppedTotal counts instance stop attempts by outcome.
	InstancesStoppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgelauncher_instances_stopped_total",
			Help: "Total instance stop attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// WorkerPoolQueueDepth tracks in-flight + queued jobs in the worker pool.
	WorkerPoolQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgelauncher_workerpool_queue_depth",
			Help: "Number of jobs currently submitted to the worker pool and not yet drained.",
		},
	)

	// StatusUnknownIdentTotal counts update_run_status callbacks for an
	// ident the dispatcher does not know about (spec §4.3, silently
	// dropped; counted here so the control-plane contract question in
	// spec §9 stays observable).
	StatusUnknownIdentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edgelauncher_status_unknown_ident_total",
			Help: "Total update_run_status callbacks referencing an unknown instance identity.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ReconcileCyclesTotal,
		ReconcileDuration,
		InstancesStartedTotal,
		InstancesStoppedTotal,
		WorkerPoolQueueDepth,
		StatusUnknownIdentTotal,
	)
}

// Handler returns the HTTP handler serving the registered metrics in the
// Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an elapsed duration and reports it to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration reports the elapsed time since NewTimer to h.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
