/*
Package deferred drives self-rescheduling units of work on the runners in
pkg/scheduling and exposes their completion as a drain future.

A Unit performs one step per invocation and reports whether it wants to run
again:

	unit := deferred.UnitFunc(func(ctx context.Context) deferred.Status {
		if emit(ctx) {
			return deferred.Continue
		}
		return deferred.Done
	})

A Runner arms the unit and returns a Chain. Each time the unit reports
Continue, the runner resubmits it using its own policy:

  - WorkQueue resubmits immediately to a worker pool.
  - DelayedQueue resubmits through a scheduler after a fixed number of ticks.
    The first step is delayed too.
  - TaskletQueue reschedules a tasklet on a soft interrupt executor.

The Chain resolves once the unit reports Done, a resubmission fails, the
unit panics, or a canceled chain reaches its next resubmission:

	chain, err := deferred.NewWorkQueue(pool).Arm(ctx, unit)
	if err != nil {
		return err
	}
	if err := chain.Wait(ctx); err != nil {
		chain.Cancel()
		<-chain.Done()
	}

Steps never observe cancellation of the arming context. Their context
carries the executor identity of the runner that ran them. Only one step of
a chain runs at a time.
*/
package deferred
