package session

import (
	"context"
	"fmt"
	"sync"

	gferrors "github.com/vnykmshr/deferflow/pkg/common/errors"
)

// WaitGate is a broadcast wake-up point. Signal wakes every goroutine
// blocked in Wait so it re-checks its condition.
type WaitGate struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewWaitGate creates a gate with no pending signal.
func NewWaitGate() *WaitGate {
	return &WaitGate{ch: make(chan struct{})}
}

// Signal wakes all current waiters.
func (g *WaitGate) Signal() {
	g.mu.Lock()
	close(g.ch)
	g.ch = make(chan struct{})
	g.mu.Unlock()
}

// Wait blocks until cond holds or ctx ends. The error for an ended context
// matches both gferrors.ErrInterrupted and the context error.
func (g *WaitGate) Wait(ctx context.Context, cond func() bool) error {
	for {
		// Take the channel before testing cond so a Signal in between is not lost.
		g.mu.Lock()
		ch := g.ch
		g.mu.Unlock()

		if cond() {
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", gferrors.ErrInterrupted, ctx.Err())
		}
	}
}
