package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_jobs_claimed_total",
			Help: "Total number of jobs claimed from the queue",
		},
		[]string{"type"},
	)
	JobsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "comms_jobs_in_flight",
			Help: "Number of jobs currently being dispatched",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_jobs_failed_total",
			Help: "Total number of jobs terminally failed",
		},
		[]string{"type", "status"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_jobs_retried_total",
			Help: "Total number of jobs rescheduled after a transient failure",
		},
		[]string{"type"},
	)
	JobsDeferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_jobs_deferred_total",
			Help: "Total number of jobs deferred past tenant quiet hours",
		},
		[]string{"type"},
	)
	JobsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_jobs_skipped_total",
			Help: "Total number of jobs completed without sending (opt-outs, missing customers)",
		},
		[]string{"type", "reason"},
	)
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comms_dispatch_duration_seconds",
			Help:    "Job dispatch duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"type"},
	)

	SweepJobsInsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_sweep_jobs_inserted_total",
			Help: "Total number of jobs inserted by scheduler sweeps",
		},
		[]string{"sweep"},
	)
	SweepErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comms_sweep_errors_total",
			Help: "Total number of per-tenant sweep failures",
		},
		[]string{"sweep"},
	)
	StuckJobsRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comms_stuck_jobs_requeued_total",
			Help: "Total number of stale processing jobs returned to pending",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(JobsInFlight)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(JobsDeferredTotal)
	prometheus.MustRegister(JobsSkippedTotal)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(SweepJobsInsertedTotal)
	prometheus.MustRegister(SweepErrorsTotal)
	prometheus.MustRegister(StuckJobsRequeuedTotal)
}

func StartDispatch(jobType string) {
	JobsClaimedTotal.WithLabelValues(jobType).Inc()
	JobsInFlight.WithLabelValues(jobType).Inc()
}

func CompleteDispatch(jobType string) {
	JobsInFlight.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
}

func FailDispatch(jobType, status string) {
	JobsInFlight.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType, status).Inc()
}

func RetryDispatch(jobType string) {
	JobsInFlight.WithLabelValues(jobType).Dec()
	JobsRetriedTotal.WithLabelValues(jobType).Inc()
}

func DeferDispatch(jobType string) {
	JobsInFlight.WithLabelValues(jobType).Dec()
	JobsDeferredTotal.WithLabelValues(jobType).Inc()
}

func SkipDispatch(jobType, reason string) {
	JobsInFlight.WithLabelValues(jobType).Dec()
	JobsSkippedTotal.WithLabelValues(jobType, reason).Inc()
}
