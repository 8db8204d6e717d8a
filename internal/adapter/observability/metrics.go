package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// TasksEnqueuedTotal counts fetch tasks enqueued by platform and action.
	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_tasks_enqueued_total",
			Help: "Total number of fetch tasks enqueued",
		},
		[]string{"platform", "action"},
	)
	// TasksCompletedTotal counts fetch tasks finished by platform, action, and status.
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_tasks_completed_total",
			Help: "Total number of fetch tasks reaching a terminal state",
		},
		[]string{"platform", "action", "status"},
	)
	// TaskDuration records end-to-end task processing time on the worker.
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fetch_task_duration_seconds",
			Help:    "Fetch task processing duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"platform", "action"},
	)

	// UpstreamRequestsTotal counts outbound platform calls by platform, operation, and status class.
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Total number of outbound platform API requests",
		},
		[]string{"platform", "operation", "status"},
	)
	// RateLimitWaits records how long strategies blocked on rate-limit buckets.
	RateLimitWaits = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate-limit bucket grant",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"bucket"},
	)
	// CredentialStrikesTotal counts 429 strikes attributed to credentials.
	CredentialStrikesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_strikes_total",
			Help: "Total number of rate-limit strikes recorded against credentials",
		},
		[]string{"platform"},
	)
	// CredentialSuspensionsTotal counts suspension updates published to the admin service.
	CredentialSuspensionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_suspensions_total",
			Help: "Total number of credential status updates published",
		},
		[]string{"platform", "status"},
	)
)

var metricsRegistered bool

// InitMetrics registers all collectors with the default registry.
// Safe to call once per process.
func InitMetrics() {
	if metricsRegistered {
		return
	}
	metricsRegistered = true
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TasksEnqueuedTotal,
		TasksCompletedTotal,
		TaskDuration,
		UpstreamRequestsTotal,
		RateLimitWaits,
		CredentialStrikesTotal,
		CredentialSuspensionsTotal,
	)
}

// HTTPMetricsMiddleware records request counts and durations per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
