package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vnykmshr/deferflow/pkg/clock"
	"github.com/vnykmshr/deferflow/pkg/metrics"
	"github.com/vnykmshr/deferflow/pkg/scheduling/workerpool"
)

// Task describes a scheduled task. Times are clock ticks.
type Task struct {
	ID      string
	RunAt   uint64
	Created uint64
}

// SubmitFailer is implemented by tasks that must learn when the pool
// refuses them once they fall due. The scheduler drops such a task after
// calling SubmitFailed.
type SubmitFailer interface {
	SubmitFailed(err error)
}

// Scheduler runs pool tasks once a number of clock ticks has elapsed.
type Scheduler interface {
	// Scheduling
	ScheduleAfter(id string, task workerpool.Task, delay uint64) error

	// Task management
	Cancel(id string) bool
	CancelAll()
	List() []Task

	// Lifecycle
	Start() error
	Stop() <-chan struct{}
}

// Config holds scheduler configuration.
type Config struct {
	// Name labels metrics and log events. Default: "scheduler".
	Name string

	// Clock supplies ticks and timers. Default: a Real clock at clock.DefaultHZ.
	Clock clock.Clock

	// WorkerPool executes due tasks. Default: an owned pool of 4 workers
	// that discards results.
	WorkerPool workerpool.Pool

	// MaxTasks bounds the number of scheduled tasks (default: 10000).
	MaxTasks int

	// Logger receives submission failures. Default: disabled.
	Logger *zerolog.Logger

	// Metrics records scheduled tasks. Nil disables collection.
	Metrics *metrics.Registry
}

type scheduledTask struct {
	id      string
	task    workerpool.Task
	runAt   uint64
	created uint64
	timer   clock.Timer
	ready   bool
}

type scheduler struct {
	name     string
	clock    clock.Clock
	pool     workerpool.Pool
	ownPool  bool
	maxTasks int
	logger   zerolog.Logger
	metrics  *metrics.Registry

	mu      sync.Mutex
	tasks   map[string]*scheduledTask
	running bool
}

// New creates a scheduler with default configuration.
func New() Scheduler {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a scheduler with custom configuration.
func NewWithConfig(cfg Config) Scheduler {
	name := cfg.Name
	if name == "" {
		name = "scheduler"
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewReal(clock.RealConfig{})
	}

	pool := cfg.WorkerPool
	ownPool := false
	if pool == nil {
		pool = workerpool.NewWithConfig(workerpool.Config{
			Name:           name,
			WorkerCount:    4,
			QueueSize:      100,
			DiscardResults: true,
			Logger:         cfg.Logger,
		})
		ownPool = true
	}

	maxTasks := cfg.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 10000
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("scheduler", name).Logger()
	}

	return &scheduler{
		name:     name,
		clock:    clk,
		pool:     pool,
		ownPool:  ownPool,
		maxTasks: maxTasks,
		logger:   logger,
		metrics:  cfg.Metrics,
		tasks:    make(map[string]*scheduledTask),
	}
}

func validateTask(id string, task workerpool.Task) error {
	if id == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if len(id) > 255 {
		return fmt.Errorf("task ID too long (max 255 characters)")
	}
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	return nil
}

// add registers st and arms its timer. The caller holds s.mu.
func (s *scheduler) add(st *scheduledTask) error {
	if _, exists := s.tasks[st.id]; exists {
		return fmt.Errorf("task with ID %q already exists, use a different ID or cancel the existing task first", st.id)
	}

	if len(s.tasks) >= s.maxTasks {
		return fmt.Errorf("cannot schedule task: maximum number of tasks (%d) reached", s.maxTasks)
	}

	s.tasks[st.id] = st
	st.timer = s.clock.AfterFunc(st.runAt-st.created, func() { s.fire(st) })

	if s.metrics != nil {
		s.metrics.TasksScheduled.WithLabelValues(s.name).Inc()
	}
	return nil
}

func (s *scheduler) ScheduleAfter(id string, task workerpool.Task, delay uint64) error {
	if err := validateTask(id, task); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	return s.add(&scheduledTask{
		id:      id,
		task:    task,
		runAt:   now + delay,
		created: now,
	})
}

// fire runs on the clock's timer goroutine when st falls due.
func (s *scheduler) fire(st *scheduledTask) {
	s.mu.Lock()
	if s.tasks[st.id] != st {
		s.mu.Unlock()
		return // canceled
	}

	if !s.running {
		// Held, and still listed, until Start hands it to the pool.
		st.ready = true
	} else {
		delete(s.tasks, st.id)
	}

	ready := st.ready
	s.mu.Unlock()

	if ready {
		return
	}

	s.submit(st)
}

func (s *scheduler) submit(st *scheduledTask) {
	err := s.pool.SubmitWithContext(context.Background(), st.task)
	if err == nil {
		return
	}
	s.logger.Warn().Err(err).Str("task", st.id).Msg("cannot submit due task")
	if f, ok := st.task.(SubmitFailer); ok {
		f.SubmitFailed(err)
	}
}

func (s *scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.tasks[id]
	if !exists {
		return false
	}
	delete(s.tasks, id)
	if st.timer != nil {
		st.timer.Stop()
	}
	return true
}

func (s *scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.tasks {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	s.tasks = make(map[string]*scheduledTask)
}

func (s *scheduler) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, Task{
			ID:      t.id,
			RunAt:   t.runAt,
			Created: t.created,
		})
	}

	// Sort by run tick, then ID for a stable order
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].RunAt != tasks[j].RunAt {
			return tasks[i].RunAt < tasks[j].RunAt
		}
		return tasks[i].ID < tasks[j].ID
	})

	return tasks
}

// Start begins handing due tasks to the pool. Tasks that fell due while
// the scheduler was stopped are submitted immediately.
func (s *scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running, call Stop() first")
	}
	s.running = true

	var ready []*scheduledTask
	for id, st := range s.tasks {
		if !st.ready {
			continue
		}
		st.ready = false
		ready = append(ready, st)
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	sort.Slice(ready, func(i, j int) bool { return ready[i].runAt < ready[j].runAt })
	for _, st := range ready {
		s.submit(st)
	}
	return nil
}

// Stop pauses submission. Tasks keep their timers and are held until the
// next Start. An owned pool is shut down; the returned channel closes once
// it has drained.
func (s *scheduler) Stop() <-chan struct{} {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if s.ownPool {
			<-s.pool.Shutdown()
		}
	}()

	return stopped
}

