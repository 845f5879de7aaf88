/*
Package clock supplies the tick source that deferred units are measured and
armed against.

A Clock reports a monotonically increasing tick count and can run a callback
once a number of ticks has elapsed:

	c := clock.NewReal(clock.RealConfig{HZ: 250})
	t := c.AfterFunc(c.Ticks(time.Second), func() {
		fmt.Println("fired at", c.Now())
	})
	defer t.Stop()

Real derives ticks from a github.com/benbjohnson/clock wall clock, the
system clock unless RealConfig.Wall says otherwise. Manual only moves when
told to, which makes expiry order and tick deltas deterministic in tests:

	m := clock.NewManual(1000)
	m.AfterFunc(3, fire)
	m.Advance(3) // fire runs here, on the advancing goroutine
*/
package clock
