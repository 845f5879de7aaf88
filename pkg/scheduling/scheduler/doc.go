/*
Package scheduler runs worker pool tasks after a number of clock ticks.

Time is measured in ticks of a clock.Clock rather than wall time, so the
same scheduler drives production sessions on a clock.Real and deterministic
tests on a clock.Manual. Each scheduled task arms one clock timer; when it
fires the task is handed to the worker pool and runs in process context.

Basic Usage:

	s := scheduler.NewWithConfig(scheduler.Config{Clock: clk, WorkerPool: pool})
	defer func() { <-s.Stop() }()

	s.Start()

	// Run once, 3 ticks from now
	s.ScheduleAfter("flush", task, 3)

Task IDs are unique among pending tasks. A task leaves the list as soon as
it is handed to the pool, so its ID may be reused from inside the task
itself, which is how the delayed workqueue re-arms a unit.

A task that implements SubmitFailer is told when the pool refuses it; any
other refused task is only logged.

Lifecycle:

Tasks may be scheduled before Start. Timers run regardless of the
scheduler state; tasks that fall due while it is stopped are held and
submitted by the next Start. Stop shuts down the pool only when the
scheduler created it.

Cancellation:

Cancel stops the task's timer. A task already handed to the pool is not
recalled.
*/
package scheduler
