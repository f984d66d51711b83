// Package metrics exposes the Prometheus instruments for the job system.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsStarted counts claimed jobs by type.
	JobsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inkhound_jobs_started_total",
		Help: "Jobs claimed by workers, by job type.",
	}, []string{"type"})

	// JobsCompleted counts successfully finished jobs by type.
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inkhound_jobs_completed_total",
		Help: "Jobs completed successfully, by job type.",
	}, []string{"type"})

	// JobsFailed counts jobs that exhausted their attempts, by type.
	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inkhound_jobs_failed_total",
		Help: "Jobs that failed permanently, by job type.",
	}, []string{"type"})

	// JobsDeferred counts jobs pushed back by middleware, by type.
	JobsDeferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inkhound_jobs_deferred_total",
		Help: "Jobs deferred before execution, by job type.",
	}, []string{"type"})

	// JobsRetried counts jobs sent back for another attempt, by type.
	JobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inkhound_jobs_retried_total",
		Help: "Jobs rescheduled after a failed attempt, by job type.",
	}, []string{"type"})

	// QueueDepth tracks outstanding jobs per queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inkhound_queue_depth",
		Help: "Outstanding (pending or running) jobs per queue.",
	}, []string{"queue"})

	// PagesDownloaded counts chapter pages fetched from sources.
	PagesDownloaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inkhound_pages_downloaded_total",
		Help: "Chapter pages downloaded, by source.",
	}, []string{"source"})
)

// Handler returns the HTTP handler that serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
