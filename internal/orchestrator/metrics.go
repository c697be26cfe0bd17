package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's Prometheus instruments.
type Metrics struct {
	TasksStarted   prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	ActiveTasks    prometheus.Gauge
	StageDuration  *prometheus.HistogramVec
}

// NewMetrics registers the orchestrator metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "testsmith_tasks_started_total",
			Help: "Number of analysis tasks submitted.",
		}),
		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "testsmith_tasks_completed_total",
			Help: "Number of analysis tasks that reached completed.",
		}),
		TasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "testsmith_tasks_failed_total",
			Help: "Number of analysis tasks that reached failed.",
		}),
		ActiveTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "testsmith_tasks_active",
			Help: "Number of analysis tasks currently executing.",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "testsmith_stage_duration_seconds",
			Help:    "Duration of pipeline stages by stage name.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
	}
}
