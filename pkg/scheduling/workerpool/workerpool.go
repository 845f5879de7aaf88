package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	gfcontext "github.com/vnykmshr/deferflow/pkg/common/context"
	gferrors "github.com/vnykmshr/deferflow/pkg/common/errors"
)

// Submit adds a task to the pool for execution.
// The task will be executed with context.Background().
// Use SubmitWithContext to provide a custom context.
func (p *workerPool) Submit(task Task) error {
	return p.SubmitWithContext(context.Background(), task)
}

// SubmitWithTimeout submits a task, giving up if it cannot be queued in time.
func (p *workerPool) SubmitWithTimeout(task Task, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := p.SubmitWithContext(ctx, task)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("cannot submit task within %v: %w", timeout, gferrors.ErrTimeout)
	}
	return err
}

// SubmitWithContext adds a task to the pool for execution with the given context.
// The context is passed to the task's Execute method, enabling timeout and
// cancellation propagation. If the pool has a TaskTimeout configured, the
// effective timeout will be the minimum of the context deadline and TaskTimeout.
func (p *workerPool) SubmitWithContext(ctx context.Context, task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.RLock()
	isShutdown := p.isShutdown
	p.mu.RUnlock()

	if isShutdown {
		return fmt.Errorf("cannot submit task: worker pool has been shut down: %w", gferrors.ErrClosed)
	}

	// A pre-canceled context never queues.
	select {
	case <-ctx.Done():
		return fmt.Errorf("cannot submit task: context canceled: %w", ctx.Err())
	default:
	}

	twc := taskWithContext{
		task: task,
		ctx:  ctx,
	}

	select {
	case p.taskQueue <- twc:
		p.totalSubmitted.Add(1)
		return nil
	case <-p.shutdownCh:
		return fmt.Errorf("cannot submit task: worker pool has been shut down: %w", gferrors.ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("cannot submit task: context canceled: %w", ctx.Err())
	}
}

// Results returns a channel of task results.
func (p *workerPool) Results() <-chan Result {
	return p.resultQueue
}

// Shutdown initiates a graceful shutdown of the pool.
// Workers finish every task already queued before they exit.
func (p *workerPool) Shutdown() <-chan struct{} {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.isShutdown = true
		p.mu.Unlock()

		close(p.shutdownCh)

		go func() {
			p.workerWg.Wait()
			p.abort()
			close(p.resultQueue)
			p.logger.Debug().Int64("completed", p.totalCompleted.Load()).Msg("worker pool stopped")
			close(p.done)
		}()
	})

	return p.done
}

// ShutdownWithTimeout shuts down the pool and cancels the contexts of
// running tasks if they have not finished within timeout.
func (p *workerPool) ShutdownWithTimeout(timeout time.Duration) <-chan struct{} {
	done := p.Shutdown()
	go func() {
		select {
		case <-done:
		case <-time.After(timeout):
			p.logger.Warn().Dur("timeout", timeout).Msg("shutdown timed out, canceling running tasks")
			p.abort()
		}
	}()
	return done
}

// Name returns the pool name.
func (p *workerPool) Name() string {
	return p.config.Name
}

// Size returns the number of workers in the pool.
func (p *workerPool) Size() int {
	return p.config.WorkerCount
}

// QueueSize returns the current number of queued tasks waiting for execution.
func (p *workerPool) QueueSize() int {
	return len(p.taskQueue)
}

// ActiveWorkers returns the number of workers currently executing tasks.
func (p *workerPool) ActiveWorkers() int {
	return int(p.activeWorkers.Load())
}

// TotalSubmitted returns the total number of tasks accepted by the pool.
func (p *workerPool) TotalSubmitted() int64 {
	return p.totalSubmitted.Load()
}

// TotalCompleted returns the total number of tasks that finished executing.
func (p *workerPool) TotalCompleted() int64 {
	return p.totalCompleted.Load()
}

func newWorkerExecutor(name string, id int) gfcontext.Executor {
	return gfcontext.Executor{
		Depth: gfcontext.ProcessDepth,
		ID:    gfcontext.NextExecutorID(),
		CPU:   id % runtime.NumCPU(),
		Name:  fmt.Sprintf("%s/%d", name, id),
	}
}

// run is the main loop for a worker.
func (w *worker) run() {
	defer w.pool.workerWg.Done()

	if w.pool.config.OnWorkerStart != nil {
		w.pool.config.OnWorkerStart(w.id)
	}
	if w.pool.config.OnWorkerStop != nil {
		defer w.pool.config.OnWorkerStop(w.id)
	}

	for {
		select {
		case twc := <-w.pool.taskQueue:
			w.executeTask(twc)
		case <-w.pool.shutdownCh:
			w.drain()
			return
		}
	}
}

// drain executes whatever is still queued once shutdown has begun.
func (w *worker) drain() {
	for {
		select {
		case twc := <-w.pool.taskQueue:
			w.executeTask(twc)
		default:
			return
		}
	}
}

// sendResult sends a task result to the result queue with appropriate handling.
func (w *worker) sendResult(result Result) {
	if w.pool.config.DiscardResults {
		return
	}
	select {
	case w.pool.resultQueue <- result:
	case <-time.After(100 * time.Millisecond):
		// Nobody is reading results; drop rather than stall the worker.
	}
}

// executeTask executes a single task with the provided context.
func (w *worker) executeTask(twc taskWithContext) {
	start := time.Now()
	var err error

	w.pool.activeWorkers.Add(1)
	if w.pool.config.OnTaskStart != nil {
		w.pool.config.OnTaskStart(w.id, twc.task)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v\nStack trace:\n%s", r, debug.Stack())
			if w.pool.config.PanicHandler != nil {
				w.pool.config.PanicHandler(twc.task, r)
			} else {
				w.pool.logger.Error().Int("worker", w.id).Interface("panic", r).Msg("task panicked")
			}
		}

		w.pool.activeWorkers.Add(-1)
		w.pool.totalCompleted.Add(1)

		result := Result{
			Task:     twc.task,
			Error:    err,
			Duration: time.Since(start),
			WorkerID: w.id,
		}

		if w.pool.config.OnTaskComplete != nil {
			w.pool.config.OnTaskComplete(w.id, result)
		}

		w.sendResult(result)
	}()

	ctx := twc.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(w.pool.abortCtx, cancel)
	defer stop()

	// The effective timeout is the minimum of the context deadline and TaskTimeout
	if w.pool.config.TaskTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, w.pool.config.TaskTimeout)
		defer cancelTimeout()
	}

	ctx = gfcontext.WithExecutor(ctx, w.executor)

	err = twc.task.Execute(ctx)
}
