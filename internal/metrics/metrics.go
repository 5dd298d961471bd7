package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_notifications_created_total",
			Help: "Notifications accepted by delay tier",
		},
		[]string{"delay"},
	)

	tasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_tasks_processed_total",
			Help: "Dispatch task executions by result",
		},
		[]string{"result"},
	)

	channelOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_channel_outcomes_total",
			Help: "Channel send outcomes by channel and result",
		},
		[]string{"channel", "result"},
	)

	dispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_dispatch_latency_seconds",
			Help:    "Time from scheduled dispatch instant to terminal status",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"status"},
	)

	lockOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_lock_acquisitions_total",
			Help: "Distributed lock acquisitions and losses by outcome",
		},
		[]string{"outcome"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_retries_total",
			Help: "Retry controller decisions by unit and outcome",
		},
		[]string{"unit", "outcome"},
	)

	deadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_tasks_dead_lettered_total",
			Help: "Dispatch tasks that failed permanently",
		},
	)

	tasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_tasks_in_flight",
			Help: "Dispatch tasks currently being executed by workers",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)
)

// Lock outcome labels
const (
	LockAcquired  = "acquired"
	LockContended = "contended"
	LockFailOpen  = "fail_open"
	LockLost      = "lost"
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordNotificationCreated counts an accepted notification.
func RecordNotificationCreated(delay string) {
	notificationsCreated.WithLabelValues(delay).Inc()
}

// RecordTaskProcessed counts one task execution by its result.
func RecordTaskProcessed(result string) {
	tasksProcessed.WithLabelValues(result).Inc()
}

// RecordChannelOutcome counts one channel send outcome.
func RecordChannelOutcome(channel string, ok bool) {
	result := "success"
	if !ok {
		result = "failed"
	}
	channelOutcomes.WithLabelValues(channel, result).Inc()
}

// RecordDispatchLatency records the delay between the scheduled instant and
// the terminal status being written.
func RecordDispatchLatency(status string, latency time.Duration) {
	dispatchLatency.WithLabelValues(status).Observe(latency.Seconds())
}

// RecordLock counts a lock acquisition attempt or a lost lease.
func RecordLock(outcome string) {
	lockOutcomes.WithLabelValues(outcome).Inc()
}

// RecordRetry counts a retry controller decision ("retry", "exhausted", "permanent").
func RecordRetry(unit, outcome string) {
	retriesTotal.WithLabelValues(unit, outcome).Inc()
}

// RecordDeadLetter counts a permanently failed task.
func RecordDeadLetter() {
	deadLettered.Inc()
}

// TaskStarted and TaskFinished track in-flight worker tasks.
func TaskStarted()  { tasksInFlight.Inc() }
func TaskFinished() { tasksInFlight.Dec() }

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
