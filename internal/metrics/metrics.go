// ============================================================================
// Scout Runtime Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose runtime metrics for Prometheus
//
// Metric groups:
//
//   1. Scheduler
//      - scout_scheduler_jobs_launched_total: job runs started
//      - scout_scheduler_job_failures_total: runs ending in error or panic
//      - scout_scheduler_jobs_running: currently running jobs
//      - scout_scheduler_job_duration_seconds: run duration
//      - scout_scheduler_ticks_total: ticks visited by the dispatcher
//
//   2. Client notifications
//      - scout_notifications_put_total
//      - scout_notifications_coalesced_total: elements replaced on put
//      - scout_notifications_evicted_total: elements dropped for inactive filters
//      - scout_notifications_delivered_total
//      - scout_notification_queue_size
//
//   3. Service tunnel
//      - scout_tunnel_requests_total{service,operation,outcome}
//      - scout_tunnel_request_duration_seconds{service}
//      - scout_tunnel_cancel_total{result}
//      - scout_tunnel_transactions_active
//
// Example queries:
//
//   # failing job ratio
//   rate(scout_scheduler_job_failures_total[5m]) / rate(scout_scheduler_jobs_launched_total[5m])
//
//   # cancelled calls per minute
//   rate(scout_tunnel_cancel_total{result="cancelled"}[1m])
//
// All Record* methods are safe on a nil *Collector, so components can run
// without metrics wired in.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus collector
type Collector struct {
	// scheduler
	jobsLaunched prometheus.Counter
	jobFailures  prometheus.Counter
	jobsRunning  prometheus.Gauge
	jobDuration  prometheus.Histogram
	ticks        prometheus.Counter

	// notifications
	notificationsPut       prometheus.Counter
	notificationsCoalesced prometheus.Counter
	notificationsEvicted   prometheus.Counter
	notificationsDelivered prometheus.Counter
	queueSize              prometheus.Gauge

	// tunnel
	tunnelRequests     *prometheus.CounterVec
	tunnelDuration     *prometheus.HistogramVec
	tunnelCancels      *prometheus.CounterVec
	transactionsActive prometheus.Gauge
}

// NewCollector creates the collector and registers it with reg. A nil reg
// registers with prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsLaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scout_scheduler_jobs_launched_total",
			Help: "Total number of scheduler job runs started",
		}),
		jobFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scout_scheduler_job_failures_total",
			Help: "Total number of scheduler job runs that failed or panicked",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scout_scheduler_jobs_running",
			Help: "Current number of running scheduler jobs",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scout_scheduler_job_duration_seconds",
			Help:    "Scheduler job run duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scout_scheduler_ticks_total",
			Help: "Total number of ticks visited by the dispatcher",
		}),
		notificationsPut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scout_notifications_put_total",
			Help: "Total number of client notifications put",
		}),
		notificationsCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scout_notifications_coalesced_total",
			Help: "Total number of queued notifications replaced by a newer one",
		}),
		notificationsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scout_notifications_evicted_total",
			Help: "Total number of queued notifications dropped because their filter became inactive",
		}),
		notificationsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scout_notifications_delivered_total",
			Help: "Total number of notifications handed to sessions",
		}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scout_notification_queue_size",
			Help: "Current number of queued notification elements",
		}),
		tunnelRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_tunnel_requests_total",
			Help: "Total number of service tunnel requests served",
		}, []string{"service", "operation", "outcome"}),
		tunnelDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scout_tunnel_request_duration_seconds",
			Help:    "Service tunnel request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		tunnelCancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_tunnel_cancel_total",
			Help: "Total number of cancel requests by result",
		}, []string{"result"}),
		transactionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scout_tunnel_transactions_active",
			Help: "Current number of tunnel requests executing on the server",
		}),
	}

	reg.MustRegister(
		c.jobsLaunched,
		c.jobFailures,
		c.jobsRunning,
		c.jobDuration,
		c.ticks,
		c.notificationsPut,
		c.notificationsCoalesced,
		c.notificationsEvicted,
		c.notificationsDelivered,
		c.queueSize,
		c.tunnelRequests,
		c.tunnelDuration,
		c.tunnelCancels,
		c.transactionsActive,
	)

	return c
}

// RecordTick records one dispatcher visit.
func (c *Collector) RecordTick() {
	if c == nil {
		return
	}
	c.ticks.Inc()
}

// RecordJobStarted records a job launch.
func (c *Collector) RecordJobStarted() {
	if c == nil {
		return
	}
	c.jobsLaunched.Inc()
	c.jobsRunning.Inc()
}

// RecordJobFinished records the end of a job run.
func (c *Collector) RecordJobFinished(d time.Duration, failed bool) {
	if c == nil {
		return
	}
	c.jobsRunning.Dec()
	c.jobDuration.Observe(d.Seconds())
	if failed {
		c.jobFailures.Inc()
	}
}

// RecordPut records a notification put and how many elements it replaced.
func (c *Collector) RecordPut(coalesced int) {
	if c == nil {
		return
	}
	c.notificationsPut.Inc()
	c.notificationsCoalesced.Add(float64(coalesced))
}

// RecordEvicted records elements dropped for inactive filters.
func (c *Collector) RecordEvicted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.notificationsEvicted.Add(float64(n))
}

// RecordDelivered records notifications handed to a session.
func (c *Collector) RecordDelivered(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.notificationsDelivered.Add(float64(n))
}

// SetQueueSize updates the queue size gauge.
func (c *Collector) SetQueueSize(n int) {
	if c == nil {
		return
	}
	c.queueSize.Set(float64(n))
}

// RecordRequest records a served tunnel request. outcome is "ok", "error"
// or "interrupted".
func (c *Collector) RecordRequest(service, operation, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.tunnelRequests.WithLabelValues(service, operation, outcome).Inc()
	c.tunnelDuration.WithLabelValues(service).Observe(d.Seconds())
}

// RecordCancel records the result of a cancel request: "cancelled",
// "not_found" or "failed".
func (c *Collector) RecordCancel(result string) {
	if c == nil {
		return
	}
	c.tunnelCancels.WithLabelValues(result).Inc()
}

// SetActiveTransactions updates the active transaction gauge.
func (c *Collector) SetActiveTransactions(n int) {
	if c == nil {
		return
	}
	c.transactionsActive.Set(float64(n))
}

// Handler returns the HTTP handler exposing the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer builds the /metrics HTTP server on the given port.
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
