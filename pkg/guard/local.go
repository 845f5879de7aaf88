package guard

import (
	"context"
	"sync"
)

type waiter struct {
	ready  chan struct{}
	cancel <-chan struct{}
}

type slot struct {
	held    bool
	waiters []waiter
}

// Local is an in-process Guard. Waiters are served in arrival order.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

var _ Guard = (*Local)(nil)

// NewLocal creates an empty Local guard.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// TryAcquire takes key without blocking. It reports false if key is held.
func (l *Local) TryAcquire(key string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.slot(key)
	if s.held {
		return nil, false
	}
	s.held = true
	return l.releaser(key), true
}

// Acquire implements Guard.
func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	// Check if context is already canceled
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l.mu.Lock()
	s := l.slot(key)

	// Fast path: key is free
	if !s.held {
		s.held = true
		l.mu.Unlock()
		return l.releaser(key), nil
	}

	// Slow path: need to wait
	ready := make(chan struct{})
	s.waiters = append(s.waiters, waiter{ready: ready, cancel: ctx.Done()})
	l.mu.Unlock()

	select {
	case <-ready:
		return l.releaser(key), nil
	case <-ctx.Done():
		if !l.removeWaiter(key, ready) {
			// Handed over concurrently with the cancellation; pass it on.
			l.release(key)
		}
		return nil, ctx.Err()
	}
}

// Held reports whether key is currently held.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	return ok && s.held
}

// slot returns the slot for key, creating it. Must be called with l.mu held.
func (l *Local) slot(key string) *slot {
	s, ok := l.slots[key]
	if !ok {
		s = &slot{}
		l.slots[key] = s
	}
	return s
}

func (l *Local) releaser(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(key) })
	}
}

// release hands key to the next live waiter or frees it.
func (l *Local) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.slot(key)
	for len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]

		// Skip canceled waiters
		select {
		case <-w.cancel:
			continue
		default:
		}

		close(w.ready)
		return
	}

	s.held = false
	delete(l.slots, key)
}

// removeWaiter drops the waiter owning ready. It reports false if the
// waiter had already been handed the key.
func (l *Local) removeWaiter(key string, ready chan struct{}) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-ready:
		return false
	default:
	}

	if s, ok := l.slots[key]; ok {
		for i, w := range s.waiters {
			if w.ready == ready {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				break
			}
		}
	}
	return true
}
