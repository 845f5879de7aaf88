package deferred

import (
	"context"
	"fmt"
	"sync/atomic"

	gferrors "github.com/vnykmshr/deferflow/pkg/common/errors"
	"github.com/vnykmshr/deferflow/pkg/scheduling/scheduler"
	"github.com/vnykmshr/deferflow/pkg/scheduling/tasklet"
	"github.com/vnykmshr/deferflow/pkg/scheduling/workerpool"
)

// WorkQueue resubmits units to a worker pool as soon as a step continues.
// The pool must accept submissions from its own workers: give it
// QueueSize > 0 or more than one worker.
type WorkQueue struct {
	pool workerpool.Pool
}

var _ Runner = (*WorkQueue)(nil)

// NewWorkQueue creates a runner on pool.
func NewWorkQueue(pool workerpool.Pool) *WorkQueue {
	return &WorkQueue{pool: pool}
}

// Arm submits the first step of u.
func (q *WorkQueue) Arm(ctx context.Context, u Unit) (*Chain, error) {
	if u == nil {
		return nil, fmt.Errorf("unit cannot be nil")
	}

	c := newChain()
	base := context.WithoutCancel(ctx)

	var task workerpool.TaskFunc
	task = func(taskCtx context.Context) error {
		if c.step(taskCtx, u) {
			c.resubmit(func() error {
				return q.pool.SubmitWithContext(base, task)
			})
		}
		return nil
	}

	if err := q.pool.SubmitWithContext(base, task); err != nil {
		return nil, err
	}
	return c, nil
}

// DelayedQueue resubmits units through a scheduler, delay ticks after each
// step. The first step also runs delay ticks after Arm.
type DelayedQueue struct {
	sched scheduler.Scheduler
	delay uint64
}

// delayedSeq numbers delayed chains process-wide, so queues sharing one
// scheduler never collide on task IDs.
var delayedSeq atomic.Uint64

// delayedStep is the scheduler task carrying one delayed chain.
type delayedStep struct {
	chain *Chain
	run   workerpool.TaskFunc
}

func (s *delayedStep) Execute(ctx context.Context) error {
	return s.run(ctx)
}

// SubmitFailed ends the chain when the pool refuses a due step.
func (s *delayedStep) SubmitFailed(err error) {
	s.chain.finish(fmt.Errorf("submit due step: %w", err))
}

var _ scheduler.SubmitFailer = (*delayedStep)(nil)

var _ Runner = (*DelayedQueue)(nil)

// NewDelayedQueue creates a runner on sched. A zero delay is raised to one tick.
func NewDelayedQueue(sched scheduler.Scheduler, delay uint64) *DelayedQueue {
	if delay == 0 {
		delay = 1
	}
	return &DelayedQueue{sched: sched, delay: delay}
}

// Delay returns the resubmission delay in ticks.
func (q *DelayedQueue) Delay() uint64 {
	return q.delay
}

// Arm schedules the first step of u.
func (q *DelayedQueue) Arm(ctx context.Context, u Unit) (*Chain, error) {
	if u == nil {
		return nil, fmt.Errorf("unit cannot be nil")
	}

	c := newChain()
	id := fmt.Sprintf("deferred-%d", delayedSeq.Add(1))
	c.revoke = func() bool { return q.sched.Cancel(id) }

	step := &delayedStep{chain: c}
	step.run = func(taskCtx context.Context) error {
		if c.step(taskCtx, u) {
			c.resubmit(func() error {
				return q.sched.ScheduleAfter(id, step, q.delay)
			})
		}
		return nil
	}

	if err := q.sched.ScheduleAfter(id, step, q.delay); err != nil {
		return nil, err
	}
	return c, nil
}

// TaskletQueue reschedules units as tasklets.
type TaskletQueue struct {
	exec *tasklet.Executor
}

var _ Runner = (*TaskletQueue)(nil)

// NewTaskletQueue creates a runner on exec.
func NewTaskletQueue(exec *tasklet.Executor) *TaskletQueue {
	return &TaskletQueue{exec: exec}
}

// Arm schedules the first step of u. Steps run on the executor goroutine
// and must not block.
func (q *TaskletQueue) Arm(ctx context.Context, u Unit) (*Chain, error) {
	if u == nil {
		return nil, fmt.Errorf("unit cannot be nil")
	}

	c := newChain()

	var t *tasklet.Tasklet
	t = tasklet.New(func(taskCtx context.Context) {
		if c.step(taskCtx, u) {
			c.resubmit(func() error {
				return q.exec.ScheduleErr(t)
			})
		}
	})

	if !q.exec.Schedule(t) {
		return nil, fmt.Errorf("cannot arm tasklet: %w", gferrors.ErrClosed)
	}
	return c, nil
}
