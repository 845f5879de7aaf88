/*
Package workerpool runs tasks on a fixed set of worker goroutines.

It is the process-context runner behind the workqueue mechanisms: every task
receives a context carrying the gfcontext.Executor of the worker running it,
so a task can report which worker, CPU slot and nesting depth it ran at.

Basic usage:

	pool := workerpool.New(4, 100) // 4 workers, queue size 100
	defer pool.Shutdown()

	err := pool.Submit(workerpool.TaskFunc(func(ctx context.Context) error {
		ex, _ := gfcontext.ExecutorFrom(ctx)
		log.Printf("running on %s", ex.Name)
		return nil
	}))

	result := <-pool.Results()

Results:

Results are delivered on an unbuffered channel unless BufferedResults is set.
A worker waits briefly for a reader and then drops the result. Pools whose
results nobody consumes should set DiscardResults.

Resubmission:

A task may submit further tasks to the pool it runs on. With a direct-handoff
queue (QueueSize <= 0) that submission blocks until another worker is idle,
so self-resubmitting work needs QueueSize > 0 or more than one worker.

Shutdown:

Shutdown stops accepting tasks, lets workers drain everything already queued
and closes the Results channel. ShutdownWithTimeout additionally cancels the
context of tasks still running once the timeout elapses.

Metrics:

NewWithConfigAndMetrics and Instrument wrap a pool so that executions,
failures, durations and queue depth are recorded in a metrics.Registry,
labelled with the pool name.
*/
package workerpool
