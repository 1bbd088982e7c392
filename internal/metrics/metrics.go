// ============================================================================
// Fleet Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Metric groups:
//
//   1. Jobs (worker side):
//      - fleet_jobs_submitted_total
//      - fleet_jobs_finished_total{state}      done | failed | cancelled
//      - fleet_job_duration_seconds            submit to completion
//      - fleet_jobs_active                     entries in the job table
//      - fleet_notify_failures_total           completion pushes that failed
//
//   2. Fleet (coordinator side):
//      - fleet_deployments_total{outcome}      ok | failed
//      - fleet_workers_registered
//      - fleet_orphan_completions_total        shadows expired unclaimed
//
//   3. Scanners:
//      - fleet_scanner_cycles_total{scanner}
//      - fleet_scanner_check_failures_total{scanner}
//      - fleet_scanner_cycle_seconds{scanner}
//      - fleet_state_transitions_total{from,to}
//
// A nil *Collector is valid and records nothing, so components can be
// built without instrumentation in tests.
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the fleet exports.
type Collector struct {
	jobsSubmitted  prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	jobDuration    prometheus.Histogram
	jobsActive     prometheus.Gauge
	notifyFailures prometheus.Counter

	deployments       *prometheus.CounterVec
	workersRegistered prometheus.Gauge
	orphans           prometheus.Counter

	scannerCycles        *prometheus.CounterVec
	scannerCheckFailures *prometheus.CounterVec
	scannerCycleTime     *prometheus.HistogramVec
	transitions          *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector creates the metrics and registers them with reg. When reg
// is also a prometheus.Gatherer, Handler serves from it.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_jobs_submitted_total",
			Help: "Total number of jobs accepted by the worker",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state",
		}, []string{"state"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_job_duration_seconds",
			Help:    "Time from submission to completion",
			Buckets: prometheus.DefBuckets,
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_jobs_active",
			Help: "Current number of entries in the job table",
		}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_notify_failures_total",
			Help: "Completion notifications that could not be delivered",
		}),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_deployments_total",
			Help: "Worker deployments by outcome",
		}, []string{"outcome"}),
		workersRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_workers_registered",
			Help: "Current number of registered workers",
		}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_orphan_completions_total",
			Help: "Completions that expired without being claimed",
		}),
		scannerCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_scanner_cycles_total",
			Help: "Scanner cycles run",
		}, []string{"scanner"}),
		scannerCheckFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_scanner_check_failures_total",
			Help: "Scanner checks that returned an error or timed out",
		}, []string{"scanner"}),
		scannerCycleTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_scanner_cycle_seconds",
			Help:    "Wall-clock duration of scanner cycles",
			Buckets: prometheus.DefBuckets,
		}, []string{"scanner"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_state_transitions_total",
			Help: "Application state transitions",
		}, []string{"from", "to"}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsFinished,
		c.jobDuration,
		c.jobsActive,
		c.notifyFailures,
		c.deployments,
		c.workersRegistered,
		c.orphans,
		c.scannerCycles,
		c.scannerCheckFailures,
		c.scannerCycleTime,
		c.transitions,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// RecordSubmitted counts an accepted job.
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
	c.jobsActive.Inc()
}

// RecordFinished counts a job reaching state, seconds after submission.
func (c *Collector) RecordFinished(state string, seconds float64) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(state).Inc()
	c.jobDuration.Observe(seconds)
}

// RecordRemoved tracks an entry leaving the job table.
func (c *Collector) RecordRemoved() {
	if c == nil {
		return
	}
	c.jobsActive.Dec()
}

// RecordNotifyFailure counts an undelivered completion notification.
func (c *Collector) RecordNotifyFailure() {
	if c == nil {
		return
	}
	c.notifyFailures.Inc()
}

// RecordDeployment counts a deployment attempt.
func (c *Collector) RecordDeployment(ok bool) {
	if c == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	c.deployments.WithLabelValues(outcome).Inc()
}

// SetWorkers sets the registered worker gauge.
func (c *Collector) SetWorkers(n int) {
	if c == nil {
		return
	}
	c.workersRegistered.Set(float64(n))
}

// RecordOrphan counts a completion that expired unclaimed.
func (c *Collector) RecordOrphan() {
	if c == nil {
		return
	}
	c.orphans.Inc()
}

// RecordCycle records one scanner cycle.
func (c *Collector) RecordCycle(scanner string, seconds float64) {
	if c == nil {
		return
	}
	c.scannerCycles.WithLabelValues(scanner).Inc()
	c.scannerCycleTime.WithLabelValues(scanner).Observe(seconds)
}

// RecordCheckFailure counts a failed scanner check.
func (c *Collector) RecordCheckFailure(scanner string) {
	if c == nil {
		return
	}
	c.scannerCheckFailures.WithLabelValues(scanner).Inc()
}

// RecordTransition counts a state change.
func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

// Handler serves the metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
