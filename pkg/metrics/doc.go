// Package metrics provides Prometheus instrumentation for deferflow components.
//
// # Overview
//
// The registry covers three layers:
//   - Sessions: runs by outcome, duration, lines emitted, resubmissions,
//     sink size, timer cancellations on interrupted waits, guard wait time
//   - Runners: worker pool size and load, task outcomes and durations,
//     scheduled tasks, tasklet runs
//
// # Quick Start
//
//	reg := prometheus.NewRegistry()
//	m := metrics.NewRegistry(reg)
//
//	driver, err := session.NewDriver(session.Config{Metrics: m})
//
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
//
// # Available Metrics
//
//   - deferflow_session_runs_total{mechanism,outcome}
//   - deferflow_session_duration_seconds{mechanism}
//   - deferflow_session_lines_emitted_total{mechanism}
//   - deferflow_session_resubmissions_total{mechanism}
//   - deferflow_session_sink_bytes{mechanism}
//   - deferflow_session_timer_cancellations_total{mechanism}
//   - deferflow_session_guard_wait_seconds{mechanism}
//   - deferflow_scheduler_tasks_scheduled_total{scheduler_name}
//   - deferflow_workerpool_tasks_{executed,completed,failed}_total{pool_name}
//   - deferflow_workerpool_task_duration_seconds{pool_name}
//   - deferflow_workerpool_{size,active_workers,queued_tasks}{pool_name}
//   - deferflow_tasklet_runs_total{executor}
//
// A nil *Registry is accepted everywhere and disables collection.
package metrics
