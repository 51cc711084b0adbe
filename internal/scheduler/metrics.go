package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "swell"
	metricsSubsystem = "scheduler"
)

// SchedulerMetrics exposes scheduling activity to prometheus.
type SchedulerMetrics struct {
	// Time spent in one pass over the stage schedulers.
	ScheduleCycleTime prometheus.Histogram
	// Time spent waiting on blocked stages.
	BlockedWaitTime prometheus.Histogram
	TasksStarted    prometheus.Counter
	TasksFinished   prometheus.Counter
	TaskRetries     prometheus.Counter
	QueriesFailed   prometheus.Counter
}

func NewSchedulerMetrics() *SchedulerMetrics {
	return &SchedulerMetrics{
		ScheduleCycleTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "schedule_cycle_seconds",
				Help:      "Time taken by one pass over the stage schedulers.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
		),
		BlockedWaitTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "blocked_wait_seconds",
				Help:      "Time spent waiting for blocked stages to unblock.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
		),
		TasksStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "tasks_started",
				Help:      "Number of task attempts handed to workers.",
			},
		),
		TasksFinished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "tasks_finished",
				Help:      "Number of task attempts that finished successfully.",
			},
		),
		TaskRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "task_retries",
				Help:      "Number of counted task failures that were retried.",
			},
		),
		QueriesFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "queries_failed",
				Help:      "Number of queries that transitioned to FAILED.",
			},
		),
	}
}

func (m *SchedulerMetrics) Register(registerer prometheus.Registerer) {
	registerer.MustRegister(
		m.ScheduleCycleTime,
		m.BlockedWaitTime,
		m.TasksStarted,
		m.TasksFinished,
		m.TaskRetries,
		m.QueriesFailed,
	)
}
