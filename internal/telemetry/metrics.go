package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksQueued         = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_tasks_queued_total", Help: "Enrichment tasks accepted"})
	TasksCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_tasks_completed_total", Help: "Tasks that reached completed"})
	TasksFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_tasks_failed_total", Help: "Tasks that exhausted retries"})
	TasksCancelled      = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_tasks_cancelled_total", Help: "Tasks cancelled before finishing"})
	TaskRetries         = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_task_retries_total", Help: "Task-level retry requeues"})
	CapabilitySuccesses = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_capabilities_succeeded_total", Help: "Capability fetches that succeeded"})
	CapabilityFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_capabilities_failed_total", Help: "Capability fetches that failed"})
	RateLimitDenials    = prometheus.NewCounter(prometheus.CounterOpts{Name: "enrichment_rate_limit_denied_total", Help: "Oracle denials that forced a backoff"})
	QueueDepthGauge     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "enrichment_queue_depth", Help: "Pending tasks per supplier queue"}, []string{"supplier"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "enrichment_inflight", Help: "Tasks currently being processed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksQueued,
			TasksCompleted,
			TasksFailed,
			TasksCancelled,
			TaskRetries,
			CapabilitySuccesses,
			CapabilityFailures,
			RateLimitDenials,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
