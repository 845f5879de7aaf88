/*
Package scheduling groups the runners that execute deferred work.

  - workerpool: fixed pool of process-context workers
  - scheduler: runs pool tasks once a number of clock ticks has elapsed
  - tasklet: one soft-interrupt goroutine running tasklets in FIFO order
  - timer: one-shot expiry with StopSync
  - deferred: units that resubmit themselves through any of the above

Worker Pool:

	pool := workerpool.New(4, 100) // 4 workers, queue size 100
	defer pool.Shutdown()

	pool.Submit(workerpool.TaskFunc(func(ctx context.Context) error {
		exec, _ := gfcontext.ExecutorFrom(ctx) // "worker/0", "worker/1", ...
		return nil
	}))

Delayed Runner:

	sched := scheduler.NewWithConfig(scheduler.Config{Clock: clk, WorkerPool: pool})
	sched.Start()
	sched.ScheduleAfter("flush", task, 10) // 10 ticks from now

Deferred Chains:

	chain, _ := deferred.NewWorkQueue(pool).Arm(ctx, unit)
	err := chain.Wait(ctx)

Every runner passes a gfcontext.Executor to the work it runs, so a unit
can report where and at what depth it executed.
*/
package scheduling
