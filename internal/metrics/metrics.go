// Package metrics provides Prometheus metrics for the automation engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	ActionsTotal   *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
	JobsTotal      *prometheus.CounterVec
	QueueDepth     prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planboard_automation_runs_total",
				Help: "Automation runs by trigger and final state.",
			},
			[]string{"trigger", "state"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "planboard_automation_run_duration_seconds",
				Help:    "Wall time of a full automation run.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"trigger"},
		),
		ActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planboard_automation_actions_total",
				Help: "Dispatched actions by type and result.",
			},
			[]string{"type", "result"},
		),
		ActionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "planboard_automation_action_duration_seconds",
				Help:    "Action dispatch duration by type.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "planboard_automation_jobs_total",
				Help: "Background project jobs by outcome.",
			},
			[]string{"outcome"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "planboard_automation_queue_depth",
				Help: "Jobs waiting in the automation queue.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.RunsTotal)
	reg.MustRegister(m.RunDuration)
	reg.MustRegister(m.ActionsTotal)
	reg.MustRegister(m.ActionDuration)
	reg.MustRegister(m.JobsTotal)
	reg.MustRegister(m.QueueDepth)
	reg.MustRegister(newRateLimitCollector())
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler returns an http.Handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests and extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRun counts one finished run.
func (m *Metrics) RecordRun(trigger, state string, seconds float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(trigger, state).Inc()
	m.RunDuration.WithLabelValues(trigger).Observe(seconds)
}

// RecordAction counts one dispatched action.
func (m *Metrics) RecordAction(actionType string, success bool, seconds float64) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.ActionsTotal.WithLabelValues(actionType, result).Inc()
	m.ActionDuration.WithLabelValues(actionType).Observe(seconds)
}

// RecordJob counts a background job outcome (processed, coalesced, failed).
func (m *Metrics) RecordJob(outcome string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth sets the current queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
