// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal                  *prometheus.CounterVec
	uploadAttemptsTotal        *prometheus.CounterVec
	processingDurationSeconds  prometheus.Histogram
	queuePending               prometheus.Gauge
	quotaWaitSeconds           prometheus.Gauge
	discoveredURLsTotal        prometheus.Counter
	schedulerCallbackFailTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipd_jobs_total",
				Help: "Total number of jobs routed by the automation loop, labeled by outcome.",
			},
			[]string{"status"},
		)

		uploadAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipd_upload_attempts_total",
				Help: "Total upload attempts recorded in the quota ledger, labeled by result.",
			},
			[]string{"result"},
		)

		processingDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "clipd_processing_duration_seconds",
				Help:    "Histogram of end-to-end processing durations per job.",
				Buckets: []float64{30, 60, 120, 300, 600, 1200, 3600},
			},
		)

		queuePending = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "clipd_queue_pending",
				Help: "Number of jobs currently pending in the queue.",
			},
		)

		quotaWaitSeconds = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "clipd_quota_wait_seconds",
				Help: "Seconds until the next upload slot opens; zero when unconstrained.",
			},
		)

		discoveredURLsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "clipd_discovered_urls_total",
				Help: "Total candidate URLs returned by discovery.",
			},
		)

		schedulerCallbackFailTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipd_scheduler_callback_failures_total",
				Help: "Total scheduled callback invocations that returned an error or panicked.",
			},
			[]string{"task"},
		)
	})
}

// RecordJob increments the per-outcome job counter.
func RecordJob(status string) {
	if jobsTotal != nil {
		jobsTotal.WithLabelValues(status).Inc()
	}
}

// RecordUploadAttempt increments the ledger attempt counter.
func RecordUploadAttempt(success bool) {
	if uploadAttemptsTotal == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	uploadAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveProcessingDuration records one job's processing time.
func ObserveProcessingDuration(d time.Duration) {
	if processingDurationSeconds != nil {
		processingDurationSeconds.Observe(d.Seconds())
	}
}

// SetQueuePending updates the pending-jobs gauge.
func SetQueuePending(n int) {
	if queuePending != nil {
		queuePending.Set(float64(n))
	}
}

// SetQuotaWait updates the time-until-next-slot gauge.
func SetQuotaWait(d time.Duration) {
	if quotaWaitSeconds != nil {
		quotaWaitSeconds.Set(d.Seconds())
	}
}

// AddDiscovered counts candidate URLs produced by a discovery pass.
func AddDiscovered(n int) {
	if discoveredURLsTotal != nil {
		discoveredURLsTotal.Add(float64(n))
	}
}

// RecordCallbackFailure counts a failed scheduled callback invocation.
func RecordCallbackFailure(task string) {
	if schedulerCallbackFailTotal != nil {
		schedulerCallbackFailTotal.WithLabelValues(task).Inc()
	}
}
