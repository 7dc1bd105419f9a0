package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes scheduler and pipeline instrumentation. It satisfies both
// the worker's lifecycle hooks and the orchestrator's stage observer.
type Metrics struct {
	registry *prometheus.Registry

	jobsQueued  prometheus.Gauge
	jobsRunning prometheus.Gauge
	jobsTotal   prometheus.Counter

	stagesTotal   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

// New creates and registers all collectors on a private registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(version.NewCollector("storycast"))

	m := &Metrics{
		registry: registry,
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storycast_jobs_queued",
			Help: "Number of jobs waiting for a worker slot",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storycast_jobs_running",
			Help: "Number of jobs currently executing",
		}),
		jobsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storycast_jobs_submitted_total",
			Help: "Total jobs accepted by the scheduler",
		}),
		stagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storycast_pipeline_stages_total",
			Help: "Pipeline stage executions by stage and result",
		}, []string{"stage", "result"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storycast_pipeline_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
	}
	registry.MustRegister(m.jobsQueued, m.jobsRunning, m.jobsTotal, m.stagesTotal, m.stageDuration)
	return m
}

// Handler returns the HTTP handler serving this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// JobQueued is called when a job enters the waiting queue
func (m *Metrics) JobQueued() {
	m.jobsQueued.Inc()
	m.jobsTotal.Inc()
}

// JobStarted is called when a job moves from waiting to running
func (m *Metrics) JobStarted() {
	m.jobsQueued.Dec()
	m.jobsRunning.Inc()
}

// JobFinished is called when a running job is reaped
func (m *Metrics) JobFinished() {
	m.jobsRunning.Dec()
}

// ObserveStage records one pipeline stage outcome
func (m *Metrics) ObserveStage(stage string, duration time.Duration, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.stagesTotal.WithLabelValues(stage, result).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}
