// Package kernel orchestrates test workflows: a stage state machine, a
// uniform stage executor over external collaborators, retry and escalation
// handling, and reporting.
package kernel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for workflow execution, namespaced
// with "supervisor_".
type Metrics struct {
	workflowsTotal  *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	stageRetries    *prometheus.CounterVec
	escalations     prometheus.Counter
	inflightWorkers prometheus.Gauge
}

// NewMetrics registers the workflow metrics on the given registry. Pass
// prometheus.DefaultRegisterer for the process-wide registry, or a private
// one in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		workflowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supervisor",
			Name:      "workflows_total",
			Help:      "Workflows finished, by terminal status.",
		}, []string{"status"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "supervisor",
			Name:      "stage_duration_seconds",
			Help:      "Stage execution duration.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage", "status"}),
		stageRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supervisor",
			Name:      "stage_retries_total",
			Help:      "Stage retries, by stage.",
		}, []string{"stage"}),
		escalations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "supervisor",
			Name:      "escalations_total",
			Help:      "Workflows escalated to a human.",
		}),
		inflightWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "supervisor",
			Name:      "inflight_workflows",
			Help:      "Workflows currently executing.",
		}),
	}
}

func (m *Metrics) workflowFinished(status string) {
	if m == nil {
		return
	}
	m.workflowsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) stageObserved(stage string, d time.Duration, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

func (m *Metrics) stageRetried(stage string) {
	if m == nil {
		return
	}
	m.stageRetries.WithLabelValues(stage).Inc()
}

func (m *Metrics) escalated() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}

func (m *Metrics) workerStarted() {
	if m == nil {
		return
	}
	m.inflightWorkers.Inc()
}

func (m *Metrics) workerFinished() {
	if m == nil {
		return
	}
	m.inflightWorkers.Dec()
}
