package deferred

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	gferrors "github.com/vnykmshr/deferflow/pkg/common/errors"
)

// Status is the outcome of one step.
type Status int

const (
	// Continue asks the runner to resubmit the unit.
	Continue Status = iota
	// Done ends the chain.
	Done
)

func (s Status) String() string {
	switch s {
	case Continue:
		return "continue"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Unit is a self-rescheduling unit of deferred work.
type Unit interface {
	Step(ctx context.Context) Status
}

// UnitFunc adapts a function to Unit.
type UnitFunc func(ctx context.Context) Status

// Step implements Unit.
func (f UnitFunc) Step(ctx context.Context) Status {
	return f(ctx)
}

// Runner arms units on some deferred execution mechanism.
type Runner interface {
	Arm(ctx context.Context, u Unit) (*Chain, error)
}

// Chain tracks one armed unit until it drains.
type Chain struct {
	done chan struct{}
	once sync.Once
	err  error

	steps     atomic.Int64
	resubmits atomic.Int64

	mu       sync.Mutex
	canceled bool
	// revoke withdraws a pending resubmission, reporting whether one was
	// withdrawn. Nil when the runner cannot recall queued work.
	revoke func() bool
}

func newChain() *Chain {
	return &Chain{done: make(chan struct{})}
}

func (c *Chain) finish(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// step runs one step of u and reports whether the unit asked to continue.
// A panicking unit ends the chain with an error.
func (c *Chain) step(ctx context.Context, u Unit) (again bool) {
	defer func() {
		if r := recover(); r != nil {
			c.finish(fmt.Errorf("deferred unit panicked: %v", r))
			again = false
		}
	}()

	c.steps.Add(1)
	if u.Step(ctx) == Done {
		c.finish(nil)
		return false
	}
	return true
}

// resubmit hands the unit back to its runner unless the chain was canceled.
func (c *Chain) resubmit(submit func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.canceled {
		c.finish(nil)
		return
	}
	if err := submit(); err != nil {
		c.finish(fmt.Errorf("resubmit: %w", err))
		return
	}
	c.resubmits.Add(1)
}

// Done returns a channel closed once the chain has drained.
func (c *Chain) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the chain drains or ctx ends. An ended context yields an
// error matching gferrors.ErrInterrupted and the context error; the chain
// itself keeps running.
func (c *Chain) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", gferrors.ErrInterrupted, ctx.Err())
	}
}

// Err returns the error that ended the chain, or nil while it is running
// and after a clean drain.
func (c *Chain) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Steps returns the number of steps run so far.
func (c *Chain) Steps() int64 {
	return c.steps.Load()
}

// Resubmissions returns the number of successful resubmissions.
func (c *Chain) Resubmissions() int64 {
	return c.resubmits.Load()
}

// Cancel stops the chain at its next resubmission. A resubmission still
// pending on a runner that can recall it is withdrawn and the chain drains
// immediately. A step that is already running completes normally.
func (c *Chain) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.canceled = true
	if c.revoke != nil && c.revoke() {
		c.finish(nil)
	}
}
