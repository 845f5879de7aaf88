/*
Package deferflow demonstrates the four classic ways of deferring work and
traces each one through a readable session.

Deferral mechanisms (pkg/scheduling):
  - workerpool: general deferred-work runner ("kworker/<n>")
  - scheduler: tick-based delayed runner feeding a worker pool
  - tasklet: single soft-interrupt executor, one tasklet at a time
  - timer: one-shot timer with synchronous cancellation
  - deferred: self-rescheduling chains over the runners above

Sessions (pkg/session):
  - Driver runs one session per read and returns the emitted trace
  - guard (pkg/guard) serializes sessions per mechanism, locally or in Redis

Each trace line records the tick, the delta since the previous line, the
executor depth, id, CPU and name:

	    time  delta preempt   pid cpu command
	     1001     1     256    42   0 tasklet/0
	     1002     1     256    42   0 tasklet/0

Example usage:

	import "github.com/vnykmshr/deferflow/pkg/session"

	driver, _ := session.NewDriver(session.Config{})
	defer driver.Close()

	res, _ := driver.Run(ctx, session.ImmediateWork)
	fmt.Print(res.Text)
*/
package deferflow
