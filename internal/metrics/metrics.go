// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal             *prometheus.CounterVec
	taskDurationSeconds    *prometheus.HistogramVec
	activeWorkers          prometheus.Gauge
	schedulerTicksTotal    *prometheus.CounterVec
	tickDurationSeconds    prometheus.Histogram
	scheduledSourcesTotal  *prometheus.CounterVec
	limiterRunningJobs     prometheus.Gauge
	queueDepth             *prometheus.GaugeVec
	cookiesByStatus        *prometheus.GaugeVec
	cookieRefreshesTotal   prometheus.Counter
	challengesTotal        *prometheus.CounterVec
	modeSwitchesTotal      *prometheus.CounterVec
	breakerTripsTotal      prometheus.Counter
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDurationSec *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call more than
// once.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_tasks_total",
				Help: "Total crawl tasks finished, labeled by category and status.",
			},
			[]string{"category", "status"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_task_duration_seconds",
				Help:    "Histogram of crawl task durations, labeled by category.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"category"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		schedulerTicksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_scheduler_ticks_total",
				Help: "Scheduler ticks, labeled by outcome (completed, skipped).",
			},
			[]string{"outcome"},
		)

		tickDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_scheduler_tick_duration_seconds",
				Help:    "Histogram of scheduler tick durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15},
			},
		)

		scheduledSourcesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_scheduled_sources_total",
				Help: "Per-tick source decisions, labeled by decision (submitted, not_due, rate_limited, error).",
			},
			[]string{"decision"},
		)

		limiterRunningJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_limiter_running_jobs",
				Help: "Jobs currently holding a rate limiter slot.",
			},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_queue_depth",
				Help: "Queue depth, labeled by state (waiting, active, delayed).",
			},
			[]string{"state"},
		)

		cookiesByStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_cookies",
				Help: "Cookie pool size, labeled by status.",
			},
			[]string{"status"},
		)

		cookieRefreshesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_cookie_refreshes_total",
				Help: "Total browser-driven cookie acquisitions.",
			},
		)

		challengesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_challenges_total",
				Help: "Anti-bot challenge pages encountered, labeled by outcome (cleared, blocked).",
			},
			[]string{"outcome"},
		)

		modeSwitchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_mode_resolutions_total",
				Help: "Acquisition mode resolutions, labeled by mode.",
			},
			[]string{"mode"},
		)

		breakerTripsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_breaker_trips_total",
				Help: "Times the per-source circuit breaker disabled a source.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSec = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask records a finished task.
func ObserveTask(category, status string, duration time.Duration) {
	tasksTotal.WithLabelValues(category, status).Inc()
	taskDurationSeconds.WithLabelValues(category).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() { activeWorkers.Inc() }

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() { activeWorkers.Dec() }

// ObserveTick records a completed scheduler tick.
func ObserveTick(duration time.Duration) {
	schedulerTicksTotal.WithLabelValues("completed").Inc()
	tickDurationSeconds.Observe(duration.Seconds())
}

// ObserveTickSkipped records a tick skipped by the reentrancy guard.
func ObserveTickSkipped() {
	schedulerTicksTotal.WithLabelValues("skipped").Inc()
}

// ObserveScheduleDecision counts one per-source scheduling decision.
func ObserveScheduleDecision(decision string) {
	scheduledSourcesTotal.WithLabelValues(decision).Inc()
}

// SetLimiterRunning publishes current limiter occupancy.
func SetLimiterRunning(n int) {
	limiterRunningJobs.Set(float64(n))
}

// SetQueueDepth publishes queue occupancy per state.
func SetQueueDepth(waiting, active, delayed int) {
	queueDepth.WithLabelValues("waiting").Set(float64(waiting))
	queueDepth.WithLabelValues("active").Set(float64(active))
	queueDepth.WithLabelValues("delayed").Set(float64(delayed))
}

// SetCookieCounts publishes cookie pool occupancy.
func SetCookieCounts(active, expired int) {
	cookiesByStatus.WithLabelValues("active").Set(float64(active))
	cookiesByStatus.WithLabelValues("expired").Set(float64(expired))
}

// ObserveCookieRefresh counts one browser-driven cookie acquisition.
func ObserveCookieRefresh() { cookieRefreshesTotal.Inc() }

// ObserveChallenge counts one anti-bot challenge encounter.
func ObserveChallenge(outcome string) {
	challengesTotal.WithLabelValues(outcome).Inc()
}

// ObserveModeResolution counts one acquisition-mode resolution.
func ObserveModeResolution(mode string) {
	modeSwitchesTotal.WithLabelValues(mode).Inc()
}

// ObserveBreakerTrip counts one circuit-breaker disable.
func ObserveBreakerTrip() { breakerTripsTotal.Inc() }

// ObserveHTTPRequest records an admin API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSec.WithLabelValues(method, route).Observe(duration.Seconds())
}
