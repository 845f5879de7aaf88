package workerpool

import (
	"context"
	"time"

	"github.com/vnykmshr/deferflow/pkg/metrics"
)

// MetricsPool wraps a worker Pool with Prometheus metrics collection.
type MetricsPool struct {
	pool     Pool
	registry *metrics.Registry
}

// NewWithConfigAndMetrics creates a new worker pool with custom config and
// metrics. Metrics are labelled with config.Name.
func NewWithConfigAndMetrics(config Config, registry *metrics.Registry) Pool {
	return Instrument(NewWithConfig(config), registry)
}

// Instrument wraps an existing pool. A nil registry returns pool unchanged.
func Instrument(pool Pool, registry *metrics.Registry) Pool {
	if registry == nil {
		return pool
	}

	mp := &MetricsPool{pool: pool, registry: registry}
	mp.updateMetrics()

	return mp
}

// updateMetrics updates the current state metrics.
func (mp *MetricsPool) updateMetrics() {
	reg := mp.registry
	name := mp.pool.Name()
	reg.WorkerPoolSize.WithLabelValues(name).Set(float64(mp.pool.Size()))
	reg.WorkerPoolActive.WithLabelValues(name).Set(float64(mp.pool.ActiveWorkers()))
	reg.WorkerPoolQueued.WithLabelValues(name).Set(float64(mp.pool.QueueSize()))
}

// Submit adds a task to the pool for execution.
func (mp *MetricsPool) Submit(task Task) error {
	return mp.SubmitWithContext(context.Background(), task)
}

// SubmitWithTimeout submits a task with a timeout for queuing.
func (mp *MetricsPool) SubmitWithTimeout(task Task, timeout time.Duration) error {
	return mp.pool.SubmitWithTimeout(mp.wrap(task), timeout)
}

// SubmitWithContext submits a task with a context for cancellation.
func (mp *MetricsPool) SubmitWithContext(ctx context.Context, task Task) error {
	err := mp.pool.SubmitWithContext(ctx, mp.wrap(task))
	mp.updateMetrics()
	return err
}

func (mp *MetricsPool) wrap(task Task) Task {
	if task == nil {
		return nil
	}
	return &metricsTask{original: task, pool: mp}
}

// metricsTask wraps a Task to collect execution metrics.
type metricsTask struct {
	original Task
	pool     *MetricsPool
}

// Execute runs the original task and records metrics.
func (mt *metricsTask) Execute(ctx context.Context) error {
	start := time.Now()
	mt.pool.updateMetrics()

	err := mt.original.Execute(ctx)

	reg := mt.pool.registry
	name := mt.pool.pool.Name()
	reg.TaskExecutionDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	reg.TasksExecuted.WithLabelValues(name).Inc()
	if err != nil {
		reg.TasksFailed.WithLabelValues(name).Inc()
	} else {
		reg.TasksCompleted.WithLabelValues(name).Inc()
	}
	mt.pool.updateMetrics()

	return err
}

// Results returns a channel of task results.
func (mp *MetricsPool) Results() <-chan Result {
	return mp.pool.Results()
}

// Shutdown initiates graceful shutdown of the pool.
func (mp *MetricsPool) Shutdown() <-chan struct{} {
	return mp.pool.Shutdown()
}

// ShutdownWithTimeout shuts down the pool with a timeout.
func (mp *MetricsPool) ShutdownWithTimeout(timeout time.Duration) <-chan struct{} {
	return mp.pool.ShutdownWithTimeout(timeout)
}

// Name returns the wrapped pool's name.
func (mp *MetricsPool) Name() string {
	return mp.pool.Name()
}

// Size returns the current number of workers.
func (mp *MetricsPool) Size() int {
	return mp.pool.Size()
}

// QueueSize returns the current number of queued tasks.
func (mp *MetricsPool) QueueSize() int {
	return mp.pool.QueueSize()
}

// ActiveWorkers returns the number of workers currently executing tasks.
func (mp *MetricsPool) ActiveWorkers() int {
	return mp.pool.ActiveWorkers()
}

// TotalSubmitted returns the total number of tasks submitted.
func (mp *MetricsPool) TotalSubmitted() int64 {
	return mp.pool.TotalSubmitted()
}

// TotalCompleted returns the total number of tasks completed.
func (mp *MetricsPool) TotalCompleted() int64 {
	return mp.pool.TotalCompleted()
}
