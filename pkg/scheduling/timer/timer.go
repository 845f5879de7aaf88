// Package timer provides a one-shot timer whose callback runs in soft
// interrupt context and whose cancellation waits for a running callback.
package timer

import (
	"context"
	"sync"

	"github.com/vnykmshr/deferflow/pkg/clock"
	gfcontext "github.com/vnykmshr/deferflow/pkg/common/context"
	gferrors "github.com/vnykmshr/deferflow/pkg/common/errors"
)

type state int

const (
	idle state = iota
	pending
	firing
	fired
	cancelled
)

// Timer fires a callback once, a number of ticks after Start.
// A Timer may be started again once it has fired or been stopped.
type Timer struct {
	clock    clock.Clock
	fn       func(ctx context.Context)
	executor gfcontext.Executor

	mu     sync.Mutex
	state  state
	gen    uint64
	handle clock.Timer
	wg     sync.WaitGroup
}

// New creates an idle timer that will run fn on expiry. The context passed
// to fn carries an executor at SoftirqDepth.
func New(clk clock.Clock, fn func(ctx context.Context)) *Timer {
	return &Timer{
		clock: clk,
		fn:    fn,
		executor: gfcontext.Executor{
			Depth: gfcontext.SoftirqDepth,
			ID:    gfcontext.NextExecutorID(),
			Name:  "timer",
		},
	}
}

// WithExecutor overrides the executor identity reported to the callback.
func (t *Timer) WithExecutor(e gfcontext.Executor) *Timer {
	t.mu.Lock()
	t.executor = e
	t.mu.Unlock()
	return t
}

// Start arms the timer to fire ticks from now.
func (t *Timer) Start(ticks uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == pending || t.state == firing {
		return gferrors.ErrAlreadyArmed
	}

	t.gen++
	gen := t.gen
	t.state = pending
	t.wg.Add(1)
	t.handle = t.clock.AfterFunc(ticks, func() { t.fire(gen) })
	return nil
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if t.gen != gen || t.state != pending {
		t.mu.Unlock()
		return
	}
	t.state = firing
	ex := t.executor
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.gen == gen && t.state == firing {
			t.state = fired
		}
		t.mu.Unlock()
		t.wg.Done()
	}()

	t.fn(gfcontext.WithExecutor(context.Background(), ex))
}

// StopSync cancels a pending expiry and waits for a callback that is
// already running to return. It reports whether a pending expiry was
// canceled. StopSync must not be called from the callback itself.
func (t *Timer) StopSync() bool {
	t.mu.Lock()
	canceled := false
	if t.state == pending && t.handle.Stop() {
		t.state = cancelled
		canceled = true
		t.wg.Done()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return canceled
}

// Pending reports whether the timer is armed and has not started firing.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == pending
}

// Fired reports whether the most recent arming ran its callback to completion.
func (t *Timer) Fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == fired
}
