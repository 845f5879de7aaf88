package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vnykmshr/deferflow/internal/testutil"
	"github.com/vnykmshr/deferflow/pkg/clock"
	gferrors "github.com/vnykmshr/deferflow/pkg/common/errors"
	"github.com/vnykmshr/deferflow/pkg/metrics"
	"github.com/vnykmshr/deferflow/pkg/scheduling/workerpool"
)

func newTestScheduler(t *testing.T, clk clock.Clock) (Scheduler, workerpool.Pool) {
	t.Helper()
	pool := workerpool.NewWithConfig(workerpool.Config{
		WorkerCount:    2,
		QueueSize:      16,
		DiscardResults: true,
	})
	s := NewWithConfig(Config{Clock: clk, WorkerPool: pool})
	t.Cleanup(func() {
		<-s.Stop()
		<-pool.Shutdown()
	})
	return s, pool
}

func countingTask(n *int32) workerpool.Task {
	return workerpool.TaskFunc(func(_ context.Context) error {
		atomic.AddInt32(n, 1)
		return nil
	})
}

func TestScheduler_BasicScheduling(t *testing.T) {
	clk := clock.NewManual(10)
	s, _ := newTestScheduler(t, clk)
	testutil.AssertNoError(t, s.Start())

	var executed int32
	task := countingTask(&executed)

	testutil.AssertNoError(t, s.ScheduleAfter("first", task, 2))
	testutil.AssertNoError(t, s.ScheduleAfter("second", task, 5))

	clk.Advance(1)
	testutil.AssertEqual(t, len(s.List()), 2)

	clk.Advance(1)
	testutil.Eventually(t, func() bool {
		return atomic.LoadInt32(&executed) == 1
	}, time.Second, time.Millisecond)

	clk.Advance(3)
	testutil.Eventually(t, func() bool {
		return atomic.LoadInt32(&executed) == 2
	}, time.Second, time.Millisecond)
	testutil.AssertEqual(t, len(s.List()), 0)
}

func TestScheduler_ZeroDelayRunsOnNextAdvance(t *testing.T) {
	clk := clock.NewManual(50)
	s, _ := newTestScheduler(t, clk)
	testutil.AssertNoError(t, s.Start())

	var executed int32
	testutil.AssertNoError(t, s.ScheduleAfter("now", countingTask(&executed), 0))
	testutil.AssertEqual(t, s.List()[0].RunAt, uint64(50))

	clk.Advance(0)
	testutil.Eventually(t, func() bool {
		return atomic.LoadInt32(&executed) == 1
	}, time.Second, time.Millisecond)
}

type failingTask struct {
	failed chan error
}

func (f *failingTask) Execute(_ context.Context) error { return nil }

func (f *failingTask) SubmitFailed(err error) { f.failed <- err }

func TestScheduler_SubmitFailureReported(t *testing.T) {
	clk := clock.NewManual(0)
	pool := workerpool.New(1, 1)
	<-pool.Shutdown()

	s := NewWithConfig(Config{Clock: clk, WorkerPool: pool})
	defer func() { <-s.Stop() }()
	testutil.AssertNoError(t, s.Start())

	task := &failingTask{failed: make(chan error, 1)}
	testutil.AssertNoError(t, s.ScheduleAfter("refused", task, 1))

	var plain int32
	testutil.AssertNoError(t, s.ScheduleAfter("plain", countingTask(&plain), 1))

	clk.Advance(1)
	select {
	case err := <-task.failed:
		testutil.AssertEqual(t, errors.Is(err, gferrors.ErrClosed), true)
	default:
		t.Fatal("refused task was not told about the failure")
	}
	testutil.AssertEqual(t, len(s.List()), 0)
	testutil.AssertEqual(t, atomic.LoadInt32(&plain), int32(0))
}

func TestScheduler_Cancel(t *testing.T) {
	clk := clock.NewManual(0)
	s, _ := newTestScheduler(t, clk)
	testutil.AssertNoError(t, s.Start())

	var executed int32
	testutil.AssertNoError(t, s.ScheduleAfter("a", countingTask(&executed), 2))
	testutil.AssertNoError(t, s.ScheduleAfter("b", countingTask(&executed), 2))

	testutil.AssertEqual(t, s.Cancel("a"), true)
	testutil.AssertEqual(t, s.Cancel("a"), false)
	testutil.AssertEqual(t, clk.Pending(), 1)

	s.CancelAll()
	testutil.AssertEqual(t, clk.Pending(), 0)
	testutil.AssertEqual(t, len(s.List()), 0)

	clk.Advance(5)
	time.Sleep(10 * time.Millisecond)
	testutil.AssertEqual(t, atomic.LoadInt32(&executed), int32(0))
}

func TestScheduler_HeldUntilStart(t *testing.T) {
	clk := clock.NewManual(0)
	s, _ := newTestScheduler(t, clk)

	var executed int32
	testutil.AssertNoError(t, s.ScheduleAfter("early", countingTask(&executed), 1))

	clk.Advance(3)
	time.Sleep(10 * time.Millisecond)
	testutil.AssertEqual(t, atomic.LoadInt32(&executed), int32(0))
	testutil.AssertEqual(t, len(s.List()), 1)

	testutil.AssertNoError(t, s.Start())
	testutil.Eventually(t, func() bool {
		return atomic.LoadInt32(&executed) == 1
	}, time.Second, time.Millisecond)
	testutil.AssertEqual(t, len(s.List()), 0)

	testutil.AssertError(t, s.Start())
}

func TestScheduler_ReuseIDFromTask(t *testing.T) {
	clk := clock.NewManual(0)
	s, _ := newTestScheduler(t, clk)
	testutil.AssertNoError(t, s.Start())

	var runs int32
	var task workerpool.Task
	task = workerpool.TaskFunc(func(_ context.Context) error {
		if atomic.AddInt32(&runs, 1) < 3 {
			return s.ScheduleAfter("self", task, 1)
		}
		return nil
	})
	testutil.AssertNoError(t, s.ScheduleAfter("self", task, 1))

	for i := int32(1); i <= 3; i++ {
		want := i
		testutil.Eventually(t, func() bool { return len(s.List()) == 1 || atomic.LoadInt32(&runs) == 3 }, time.Second, time.Millisecond)
		clk.Advance(1)
		testutil.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= want }, time.Second, time.Millisecond)
	}
	testutil.AssertEqual(t, atomic.LoadInt32(&runs), int32(3))
}

func TestScheduler_Validation(t *testing.T) {
	s := NewWithConfig(Config{Clock: clock.NewManual(0), MaxTasks: 1})
	defer func() { <-s.Stop() }()

	var n int32
	task := countingTask(&n)

	tests := []struct {
		name string
		err  error
	}{
		{"empty id", s.ScheduleAfter("", task, 1)},
		{"long id", s.ScheduleAfter(strings.Repeat("x", 256), task, 1)},
		{"nil task", s.ScheduleAfter("nil", nil, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.AssertError(t, tt.err)
		})
	}

	testutil.AssertNoError(t, s.ScheduleAfter("one", task, 1))
	testutil.AssertError(t, s.ScheduleAfter("one", task, 1))
	testutil.AssertError(t, s.ScheduleAfter("two", task, 1))
}

func TestScheduler_Metrics(t *testing.T) {
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	s := NewWithConfig(Config{Name: "delayed", Clock: clock.NewManual(0), Metrics: reg})
	defer func() { <-s.Stop() }()

	var n int32
	testutil.AssertNoError(t, s.ScheduleAfter("a", countingTask(&n), 1))
	testutil.AssertNoError(t, s.ScheduleAfter("b", countingTask(&n), 1))

	testutil.AssertEqual(t, promtestutil.ToFloat64(reg.TasksScheduled.WithLabelValues("delayed")), float64(2))
}

func TestScheduler_RealClock(t *testing.T) {
	clk := clock.NewReal(clock.RealConfig{HZ: 1000})
	s, _ := newTestScheduler(t, clk)
	testutil.AssertNoError(t, s.Start())

	var executed int32
	testutil.AssertNoError(t, s.ScheduleAfter("soon", countingTask(&executed), 5))

	testutil.Eventually(t, func() bool {
		return atomic.LoadInt32(&executed) == 1
	}, time.Second, time.Millisecond)
}
