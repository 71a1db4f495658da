package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"provenance-pipeline/internal/models"
)

var (
	once sync.Once

	JobsEnqueued    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_enqueued_total", Help: "Jobs accepted by AddJob"}, []string{"queue"})
	JobsRejected    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_rejected_total", Help: "Jobs rejected by admission control"}, []string{"queue"})
	JobsCompleted   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"queue"})
	JobsFailed      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_failed_total", Help: "Jobs that reached the failed state"}, []string{"queue"})
	JobsActive      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pipeline_jobs_active", Help: "Jobs currently held by a worker of this process"}, []string{"queue"})
	QueueDepth      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Jobs per queue and state as of the last stats read"}, []string{"queue", "state"})
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_events_published_total", Help: "Events published on the in-process bus"}, []string{"type"})
	HandlerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_event_handler_failures_total", Help: "Subscriber handlers that returned an error or panicked"}, []string{"type"})
	ActionsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_actions_recorded_total", Help: "Provenance actions appended"}, []string{"status"})
)

// ObserveStats publishes a stats snapshot into the depth gauge.
func ObserveStats(queue string, s models.QueueStats) {
	QueueDepth.WithLabelValues(queue, "waiting").Set(float64(s.Waiting))
	QueueDepth.WithLabelValues(queue, "active").Set(float64(s.Active))
	QueueDepth.WithLabelValues(queue, "completed").Set(float64(s.Completed))
	QueueDepth.WithLabelValues(queue, "failed").Set(float64(s.Failed))
	QueueDepth.WithLabelValues(queue, "delayed").Set(float64(s.Delayed))
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsRejected,
			JobsCompleted,
			JobsFailed,
			JobsActive,
			QueueDepth,
			EventsPublished,
			HandlerFailures,
			ActionsRecorded,
		)
	})
	return promhttp.Handler()
}
