// Package metrics exposes Prometheus collectors for queues, fetches and the HTTP API.
package metrics

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/tubecrawler/internal/taskstore"
)

const namespace = "tubecrawler"

// Metrics owns every collector the service exports.
type Metrics struct {
	gatherer prometheus.Gatherer

	tasksEnqueued  *prometheus.CounterVec
	tasksDuplicate *prometheus.CounterVec
	tasksStarted   *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksRunning   *prometheus.GaugeVec
	taskDuration   *prometheus.HistogramVec
	tasksReclaimed *prometheus.CounterVec

	rateLimitDelay *prometheus.HistogramVec
	fetchRequests  *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers the collectors against reg. A nil reg gets a fresh registry,
// which keeps repeated construction in tests from colliding.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		tasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Tasks admitted to a queue.",
		}, []string{"queue"}),
		tasksDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_duplicate_total",
			Help:      "Enqueue attempts rejected because the id was already known, by matching state.",
		}, []string{"queue", "state"}),
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Tasks handed to a worker.",
		}, []string{"queue"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Settled tasks partitioned by result.",
		}, []string{"queue", "result"}),
		tasksRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_progress",
			Help:      "Tasks currently running in this process.",
		}, []string{"queue"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Worker wall time per settled task.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"queue", "result"}),
		tasksReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_reclaimed_total",
			Help:      "Stale in-progress tasks moved back to pending.",
		}, []string{"queue"}),
		rateLimitDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_rate_limit_delay_seconds",
			Help:      "Time spent waiting on the per-host rate limiter.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"host"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_total",
			Help:      "Upstream fetches partitioned by host and status code.",
		}, []string{"host", "code"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests partitioned by method and status code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API latency partitioned by method and route.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
	for _, collector := range []prometheus.Collector{
		m.tasksEnqueued,
		m.tasksDuplicate,
		m.tasksStarted,
		m.tasksCompleted,
		m.tasksRunning,
		m.taskDuration,
		m.tasksReclaimed,
		m.rateLimitDelay,
		m.fetchRequests,
		m.httpRequests,
		m.httpDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Enqueued counts an admitted task.
func (m *Metrics) Enqueued(queue string) {
	m.tasksEnqueued.WithLabelValues(queue).Inc()
}

// Duplicate counts a rejected enqueue for one matching state.
func (m *Metrics) Duplicate(queue string, state taskstore.State) {
	m.tasksDuplicate.WithLabelValues(queue, string(state)).Inc()
}

// Started counts a dispatched task.
func (m *Metrics) Started(queue string) {
	m.tasksStarted.WithLabelValues(queue).Inc()
	m.tasksRunning.WithLabelValues(queue).Inc()
}

// Completed records a settled task.
func (m *Metrics) Completed(queue string, succeeded bool, elapsed time.Duration) {
	result := "success"
	if !succeeded {
		result = "error"
	}
	m.tasksRunning.WithLabelValues(queue).Dec()
	m.tasksCompleted.WithLabelValues(queue, result).Inc()
	m.taskDuration.WithLabelValues(queue, result).Observe(elapsed.Seconds())
}

// Reclaimed counts stale tasks moved back to pending.
func (m *Metrics) Reclaimed(queue string, n int) {
	if n <= 0 {
		return
	}
	m.tasksReclaimed.WithLabelValues(queue).Add(float64(n))
}

// RateLimitDelay records a limiter wait.
func (m *Metrics) RateLimitDelay(host string, d time.Duration) {
	m.rateLimitDelay.WithLabelValues(host).Observe(d.Seconds())
}

// Fetched counts an upstream response.
func (m *Metrics) Fetched(rawURL string, code int) {
	m.fetchRequests.WithLabelValues(SanitizeHost(rawURL), strconv.Itoa(code)).Inc()
}

// ObserveHTTPRequest records an API request.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SanitizeHost extracts a lowercase hostname, or "unknown" if there is none.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
