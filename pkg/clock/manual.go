package clock

import (
	"container/heap"
	"sync"
)

// Manual is a Clock that only advances when told to.
type Manual struct {
	mu     sync.Mutex
	now    uint64
	step   uint64
	seq    uint64
	timers manualHeap
}

// NewManual creates a Manual clock reading start.
func NewManual(start uint64) *Manual {
	return &Manual{now: start}
}

// NewStepping creates a Manual clock that advances by step after every
// Now call, so successive readings are distinct. Stepping never fires
// timers; use Advance for that.
func NewStepping(start, step uint64) *Manual {
	return &Manual{now: start, step: step}
}

// Now returns the current tick.
func (m *Manual) Now() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now
	m.now += m.step
	return now
}

// Pending returns the number of armed timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// AfterFunc arms f to run during the Advance call that reaches now+ticks.
func (m *Manual) AfterFunc(ticks uint64, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{
		clock: m,
		due:   m.now + ticks,
		seq:   m.seq,
		f:     f,
	}
	heap.Push(&m.timers, t)
	return t
}

// Advance moves the clock forward by n ticks, running every callback that
// falls due in deadline order. Callbacks run on the calling goroutine with
// no lock held and may arm further timers; those fire within the same call
// if they are already due.
func (m *Manual) Advance(n uint64) {
	m.mu.Lock()
	target := m.now + n
	for {
		next := m.timers.peek()
		if next == nil || next.due > target {
			break
		}
		heap.Pop(&m.timers)
		if next.due > m.now {
			m.now = next.due
		}
		m.mu.Unlock()
		next.f()
		m.mu.Lock()
	}
	if target > m.now {
		m.now = target
	}
	m.mu.Unlock()
}

type manualTimer struct {
	clock *Manual
	due   uint64
	seq   uint64
	index int
	f     func()
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&t.clock.timers, t.index)
	return true
}

// manualHeap orders timers by due tick, then by arming order.
type manualHeap []*manualTimer

func (h manualHeap) Len() int { return len(h) }
func (h manualHeap) Less(i, j int) bool {
	if h[i].due != h[j].due {
		return h[i].due < h[j].due
	}
	return h[i].seq < h[j].seq
}
func (h manualHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *manualHeap) Push(x interface{}) {
	t := x.(*manualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *manualHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

func (h manualHeap) peek() *manualTimer {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
