// Package metrics provides Prometheus instrumentation for deferflow components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "deferflow"

// Registry holds all metric instances for deferflow components.
type Registry struct {
	// Session Metrics
	SessionsTotal      *prometheus.CounterVec
	SessionDuration    *prometheus.HistogramVec
	LinesEmitted       *prometheus.CounterVec
	Resubmissions      *prometheus.CounterVec
	SinkBytes          *prometheus.GaugeVec
	TimerCancellations *prometheus.CounterVec
	GuardWaitTime      *prometheus.HistogramVec

	// Runner Metrics
	TasksScheduled        *prometheus.CounterVec
	TasksExecuted         *prometheus.CounterVec
	TasksCompleted        *prometheus.CounterVec
	TasksFailed           *prometheus.CounterVec
	TaskExecutionDuration *prometheus.HistogramVec
	WorkerPoolSize        *prometheus.GaugeVec
	WorkerPoolActive      *prometheus.GaugeVec
	WorkerPoolQueued      *prometheus.GaugeVec
	TaskletRuns           *prometheus.CounterVec
}

// NewRegistry creates a new metrics registry with the given Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "runs_total",
				Help:      "Total number of sessions run, by outcome",
			},
			[]string{"mechanism", "outcome"},
		),

		SessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "duration_seconds",
				Help:      "Time from arming a mechanism until its session returned",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"mechanism"},
		),

		LinesEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "lines_emitted_total",
				Help:      "Total number of data lines written to session sinks",
			},
			[]string{"mechanism"},
		),

		Resubmissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "resubmissions_total",
				Help:      "Total number of times a deferred unit re-armed itself",
			},
			[]string{"mechanism"},
		),

		SinkBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "sink_bytes",
				Help:      "Size of the most recent session output",
			},
			[]string{"mechanism"},
		),

		TimerCancellations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "timer_cancellations_total",
				Help:      "Total number of pending timers cancelled on an interrupted wait",
			},
			[]string{"mechanism"},
		),

		GuardWaitTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "guard_wait_seconds",
				Help:      "Time spent waiting for the in-flight session of the same mechanism",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"mechanism"},
		),

		TasksScheduled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "tasks_scheduled_total",
				Help:      "Total number of tasks scheduled",
			},
			[]string{"scheduler_name"},
		),

		TasksExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workerpool",
				Name:      "tasks_executed_total",
				Help:      "Total number of tasks executed",
			},
			[]string{"pool_name"},
		),

		TasksCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workerpool",
				Name:      "tasks_completed_total",
				Help:      "Total number of tasks completed successfully",
			},
			[]string{"pool_name"},
		),

		TasksFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workerpool",
				Name:      "tasks_failed_total",
				Help:      "Total number of tasks that failed",
			},
			[]string{"pool_name"},
		),

		TaskExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "workerpool",
				Name:      "task_duration_seconds",
				Help:      "Time spent executing tasks",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pool_name"},
		),

		WorkerPoolSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "workerpool",
				Name:      "size",
				Help:      "Current worker pool size",
			},
			[]string{"pool_name"},
		),

		WorkerPoolActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "workerpool",
				Name:      "active_workers",
				Help:      "Number of active workers",
			},
			[]string{"pool_name"},
		),

		WorkerPoolQueued: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "workerpool",
				Name:      "queued_tasks",
				Help:      "Number of queued tasks",
			},
			[]string{"pool_name"},
		),

		TaskletRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tasklet",
				Name:      "runs_total",
				Help:      "Total number of tasklet bodies run",
			},
			[]string{"executor"},
		),
	}
}
