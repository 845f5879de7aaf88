package clock

// Clock is a source of monotonically increasing ticks.
type Clock interface {
	// Now returns the current tick.
	Now() uint64

	// AfterFunc runs f on its own goroutine, or on the goroutine advancing
	// the clock, once ticks have elapsed.
	AfterFunc(ticks uint64, f func()) Timer
}

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from running. It reports false if the
	// callback has already started or the timer was already stopped.
	Stop() bool
}
