package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vnykmshr/deferflow/pkg/clock"
	gfcontext "github.com/vnykmshr/deferflow/pkg/common/context"
)

// Header is written once per session ahead of the first data line.
const Header = "    time  delta preempt   pid cpu command\n"

const (
	lineFormat = "%9d  %4d     %3d %5d %3d %s\n"

	// maxNameLen matches the kernel's task comm length less its terminator.
	maxNameLen = 15
)

// Record is the state shared by one session and the deferred units it arms.
type Record struct {
	clock  clock.Clock
	sink   *Sink
	gate   *WaitGate
	caller gfcontext.Executor

	mu       sync.Mutex
	lastTick uint64
	closed   bool

	flag  atomic.Bool
	lines atomic.Int64
}

// NewRecord creates a record bound to sink, with the last tick set to the
// clock's current tick. caller is reported for emits whose context carries
// no executor.
func NewRecord(clk clock.Clock, sink *Sink, caller gfcontext.Executor) *Record {
	return &Record{
		clock:    clk,
		sink:     sink,
		gate:     NewWaitGate(),
		caller:   caller,
		lastTick: clk.Now(),
	}
}

// Emit writes one line describing the executor in ctx and reports whether
// the emitting unit should keep rescheduling itself. Once the sink is full
// it sets the completion flag, signals the gate and returns false. A closed
// record returns false without writing.
func (r *Record) Emit(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	now := r.clock.Now()

	if r.sink.Full() {
		r.complete()
		return false
	}

	ex, ok := gfcontext.ExecutorFrom(ctx)
	if !ok {
		ex = r.caller
	}
	name := ex.Name
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}

	if r.sink.Len() == 0 {
		fmt.Fprint(r.sink, Header)
	}
	fmt.Fprintf(r.sink, lineFormat, now, int64(now)-int64(r.lastTick), ex.Depth, ex.ID, ex.CPU, name)
	r.lastTick = now
	r.lines.Add(1)
	return true
}

// Complete sets the completion flag and wakes the waiter. It does nothing
// on a closed record.
func (r *Record) Complete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.complete()
	}
}

func (r *Record) complete() {
	r.flag.Store(true)
	r.gate.Signal()
}

// Completed reports the completion flag.
func (r *Record) Completed() bool {
	return r.flag.Load()
}

// ClearFlag resets the completion flag and reports its previous value.
func (r *Record) ClearFlag() bool {
	return r.flag.Swap(false)
}

// Wait blocks until the completion flag is set or ctx ends.
func (r *Record) Wait(ctx context.Context) error {
	return r.gate.Wait(ctx, r.Completed)
}

// Close makes every later Emit and Complete a no-op. Units still holding
// the record wind down on their next step.
func (r *Record) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Closed reports whether Close has been called.
func (r *Record) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// LastTick returns the tick of the most recent line, or the session start.
func (r *Record) LastTick() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTick
}

// Lines returns the number of data lines written.
func (r *Record) Lines() int {
	return int(r.lines.Load())
}
