// Package tasklet runs short deferred functions on a single dedicated
// goroutine in soft interrupt context.
//
// A Tasklet is pending at most once: scheduling it again before it has
// started running is a no-op. Once its body starts, it may schedule itself
// again. Tasklets on one Executor never run concurrently with each other.
package tasklet

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	gfcontext "github.com/vnykmshr/deferflow/pkg/common/context"
	gferrors "github.com/vnykmshr/deferflow/pkg/common/errors"
	"github.com/vnykmshr/deferflow/pkg/metrics"
)

// Tasklet is a deferred function bound to at most one pending slot.
type Tasklet struct {
	fn        func(ctx context.Context)
	scheduled atomic.Bool
}

// New creates a tasklet running fn.
func New(fn func(ctx context.Context)) *Tasklet {
	return &Tasklet{fn: fn}
}

// Scheduled reports whether the tasklet is pending.
func (t *Tasklet) Scheduled() bool {
	return t.scheduled.Load()
}

// Config configures an Executor.
type Config struct {
	// ID is the executor identifier reported to tasklets. Zero allocates
	// one with gfcontext.NextExecutorID.
	ID int

	// CPU is the lane reported to tasklets.
	CPU int

	// Name is the executor name. Default: "tasklet/<CPU>".
	Name string

	// Logger receives recovered panics. Default: disabled.
	Logger *zerolog.Logger

	// Metrics counts tasklet runs. Nil disables collection.
	Metrics *metrics.Registry
}

// Executor runs scheduled tasklets in FIFO order on one goroutine.
type Executor struct {
	executor gfcontext.Executor
	logger   zerolog.Logger
	metrics  *metrics.Registry

	mu     sync.Mutex
	queue  []*Tasklet
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// NewExecutor starts an executor goroutine. Call Close to stop it.
func NewExecutor(cfg Config) *Executor {
	id := cfg.ID
	if id == 0 {
		id = gfcontext.NextExecutorID()
	}
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("tasklet/%d", cfg.CPU)
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("executor", name).Logger()
	}

	e := &Executor{
		executor: gfcontext.Executor{
			Depth: gfcontext.SoftirqDepth,
			ID:    id,
			CPU:   cfg.CPU,
			Name:  name,
		},
		logger:  logger,
		metrics: cfg.Metrics,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

// Executor returns the identity reported to tasklets.
func (e *Executor) Executor() gfcontext.Executor {
	return e.executor
}

// Schedule queues t unless it is already pending. It reports whether t was
// queued. Scheduling on a closed executor returns false.
func (e *Executor) Schedule(t *Tasklet) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	if !t.scheduled.CompareAndSwap(false, true) {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, t)
	select {
	case e.wake <- struct{}{}:
	default:
	}
	e.mu.Unlock()
	return true
}

// ScheduleErr is Schedule reporting why nothing was queued.
func (e *Executor) ScheduleErr(t *Tasklet) error {
	if e.Schedule(t) {
		return nil
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return gferrors.ErrClosed
	}
	return gferrors.ErrAlreadyArmed
}

// Close runs every tasklet already queued, stops the executor goroutine and
// waits for it to exit. Tasklets scheduled by those final runs are dropped.
func (e *Executor) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.wake)
	}
	e.mu.Unlock()
	<-e.done
}

func (e *Executor) run() {
	defer close(e.done)

	ctx := gfcontext.WithExecutor(context.Background(), e.executor)
	for {
		_, ok := <-e.wake
		for {
			t := e.next()
			if t == nil {
				break
			}
			e.runOne(ctx, t)
		}
		if !ok {
			return
		}
	}
}

func (e *Executor) next() *Tasklet {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	t := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return t
}

func (e *Executor) runOne(ctx context.Context, t *Tasklet) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("tasklet panicked")
		}
	}()

	// Clear before running so the body can schedule itself again.
	t.scheduled.Store(false)
	if e.metrics != nil {
		e.metrics.TaskletRuns.WithLabelValues(e.executor.Name).Inc()
	}
	t.fn(ctx)
}
