package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_submitted_total",
			Help: "Total number of jobs admitted into the pending queue",
		},
		[]string{"tier"},
	)
	JobsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_rejected_total",
			Help: "Total number of submissions rejected at admission",
		},
		[]string{"reason"},
	)
	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_jobs_processing",
			Help: "Number of jobs currently in flight",
		},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"tier"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_failed_total",
			Help: "Total number of jobs terminally failed",
		},
		[]string{"tier"},
	)
	JobsCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		},
		[]string{"tier"},
	)
	JobsRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_jobs_requeued_total",
			Help: "Total number of retry requeues (worker failure or lease expiry)",
		},
	)
	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "queue_job_duration_seconds",
			Help:    "Wall time from claim to completion",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
	)
)

var registerOnce sync.Once

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
		prometheus.MustRegister(JobsSubmittedTotal)
		prometheus.MustRegister(JobsRejectedTotal)
		prometheus.MustRegister(JobsProcessing)
		prometheus.MustRegister(JobsCompletedTotal)
		prometheus.MustRegister(JobsFailedTotal)
		prometheus.MustRegister(JobsCancelledTotal)
		prometheus.MustRegister(JobsRequeuedTotal)
		prometheus.MustRegister(JobDuration)
	})
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// SubmitJob records an admitted job.
func SubmitJob(tier string) { JobsSubmittedTotal.WithLabelValues(tier).Inc() }

// RejectJob records an admission rejection by reason code.
func RejectJob(reason string) { JobsRejectedTotal.WithLabelValues(reason).Inc() }

// ClaimJob records a job moving in flight.
func ClaimJob() { JobsProcessing.Inc() }

// CompleteJob records a successful completion and its duration.
func CompleteJob(tier string, dur time.Duration) {
	JobsProcessing.Dec()
	JobsCompletedTotal.WithLabelValues(tier).Inc()
	JobDuration.Observe(dur.Seconds())
}

// FailJob records a terminal failure.
func FailJob(tier string) {
	JobsProcessing.Dec()
	JobsFailedTotal.WithLabelValues(tier).Inc()
}

// CancelJob records a cancellation finalized from processing.
func CancelJob(tier string) {
	JobsProcessing.Dec()
	JobsCancelledTotal.WithLabelValues(tier).Inc()
}

// CancelQueuedJob records a cancellation of a still-queued job.
func CancelQueuedJob(tier string) { JobsCancelledTotal.WithLabelValues(tier).Inc() }

// RequeueJob records a retry requeue.
func RequeueJob() {
	JobsProcessing.Dec()
	JobsRequeuedTotal.Inc()
}
