package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs accepted into a queue"},
		[]string{"type"})
	CompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"},
		[]string{"type"})
	FailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs terminally failed"},
		[]string{"type"})
	RetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Job attempts rescheduled after transient failures"},
		[]string{"type"})
	RateLimitRejects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "enqueue_rate_limit_rejects_total", Help: "Enqueue requests rejected by the per-user rate limiter"})
	BatchTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "batches_terminal_total", Help: "Batches reaching a terminal status"},
		[]string{"status"})

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "queue_depth", Help: "Ready queue depth"},
		[]string{"type"})
	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently leased by an executor"},
		[]string{"type"})
	StreamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "progress_stream_subscribers", Help: "Connected progress stream subscribers"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueuedTotal,
			CompletedTotal,
			FailedTotal,
			RetriedTotal,
			RateLimitRejects,
			BatchTerminalTotal,
			QueueDepth,
			InFlight,
			StreamSubscribers,
		)
	})
	return promhttp.Handler()
}
