// Package context carries the identity of the logical executor running a
// deferred unit, so the code it runs can report where it executed.
package context

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/process"
)

// Nesting depths reported by executors. SoftirqDepth mirrors the offset a
// kernel adds to the preempt count while servicing soft interrupts.
const (
	ProcessDepth = 0
	SoftirqDepth = 0x100
)

// Executor identifies the logical context a unit of work runs on.
type Executor struct {
	// Depth is the nesting/priority depth of the context.
	Depth int
	// ID is a process-unique identifier for the executor.
	ID int
	// CPU is the lane or core the executor is bound to.
	CPU int
	// Name is a short human readable name.
	Name string
}

type executorKey struct{}

var lastExecutorID atomic.Int64

// NextExecutorID allocates a process-unique executor identifier.
func NextExecutorID() int {
	return int(lastExecutorID.Add(1))
}

// WithExecutor returns a copy of parent that carries e.
func WithExecutor(parent context.Context, e Executor) context.Context {
	return context.WithValue(parent, executorKey{}, e)
}

// ExecutorFrom returns the executor stored in ctx, if any.
func ExecutorFrom(ctx context.Context) (Executor, bool) {
	if ctx == nil {
		return Executor{}, false
	}
	e, ok := ctx.Value(executorKey{}).(Executor)
	return e, ok
}

// CurrentProcess describes the calling process as an executor: its pid and
// the name the operating system reports for it.
func CurrentProcess() Executor {
	pid := os.Getpid()
	name := filepath.Base(os.Args[0])
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if n, err := p.Name(); err == nil && n != "" {
			name = n
		}
	}
	return Executor{
		Depth: ProcessDepth,
		ID:    pid,
		Name:  name,
	}
}

// IsCanceled returns true if the context has been canceled
func IsCanceled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
