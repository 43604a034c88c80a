package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_upload_jobs_enqueued_total", Help: "Upload jobs accepted and enqueued"})
	JobsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_upload_jobs_completed_total", Help: "Upload jobs completed"})
	JobsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_upload_jobs_failed_total", Help: "Upload jobs failed"})
	JobsCancelled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_upload_jobs_cancelled_total", Help: "Upload jobs cancelled"})
	JobsRateLimited = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_upload_jobs_rate_limited_total", Help: "Upload jobs paused by the IEC rate limit"})

	UploadRejections = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bulk_upload_upload_rejections_total", Help: "Uploads rejected before a job was created"}, []string{"reason"})
	IECCalls         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bulk_upload_iec_calls_total", Help: "IEC verification calls by outcome"}, []string{"outcome"})
	RowsProcessed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bulk_upload_rows_processed_total", Help: "Spreadsheet rows by final outcome"}, []string{"outcome"})

	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bulk_upload_queue_depth", Help: "Jobs waiting in the ready queue"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bulk_upload_jobs_inflight", Help: "Jobs currently being processed by this process"})
	IECUsageGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bulk_upload_iec_rate_limit_usage", Help: "Fraction of the IEC window budget consumed"})

	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bulk_upload_stage_duration_seconds",
		Help:    "Time spent in each pipeline stage",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"stage"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			JobsRateLimited,
			UploadRejections,
			IECCalls,
			RowsProcessed,
			QueueDepthGauge,
			InFlightGauge,
			IECUsageGauge,
			StageDuration,
		)
	})
	return promhttp.Handler()
}
