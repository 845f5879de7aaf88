package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	gfcontext "github.com/vnykmshr/deferflow/pkg/common/context"
)

// Task represents a unit of work that can be executed by a worker.
type Task interface {
	// Execute runs the task with the given context.
	// The context carries the executing worker's gfcontext.Executor.
	Execute(ctx context.Context) error
}

// TaskFunc is a function type that implements the Task interface.
type TaskFunc func(ctx context.Context) error

// Execute implements the Task interface for TaskFunc.
func (f TaskFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// Result represents the result of a task execution.
type Result struct {
	// Task is the original task that was executed
	Task Task

	// Error is any error that occurred during task execution
	Error error

	// Duration is how long the task took to execute
	Duration time.Duration

	// WorkerID identifies which worker executed the task
	WorkerID int
}

// Pool represents a worker pool that can execute tasks concurrently.
type Pool interface {
	// Submit adds a task to the pool for execution.
	// Returns an error if the pool is shut down or if the task cannot be queued.
	Submit(task Task) error

	// SubmitWithTimeout submits a task with a timeout for queuing.
	// If the task cannot be queued within the timeout, it returns an error.
	SubmitWithTimeout(task Task, timeout time.Duration) error

	// SubmitWithContext submits a task with a context for cancellation.
	// The context bounds the queuing operation and is handed to the task.
	SubmitWithContext(ctx context.Context, task Task) error

	// Results returns a channel of task results.
	// The channel is closed when the pool is shut down and all tasks are complete.
	// Nothing is delivered when the pool discards results.
	Results() <-chan Result

	// Shutdown initiates a graceful shutdown of the pool.
	// No new tasks will be accepted, but queued tasks will be completed.
	// Returns a channel that closes when shutdown is complete.
	Shutdown() <-chan struct{}

	// ShutdownWithTimeout shuts down the pool with a timeout.
	// If shutdown doesn't complete within the timeout, running tasks are canceled.
	ShutdownWithTimeout(timeout time.Duration) <-chan struct{}

	// Name returns the pool name used for worker executor names and metrics.
	Name() string

	// Size returns the number of workers in the pool.
	Size() int

	// QueueSize returns the current number of queued tasks waiting for execution.
	QueueSize() int

	// ActiveWorkers returns the number of workers currently executing tasks.
	ActiveWorkers() int

	// TotalSubmitted returns the total number of tasks submitted to the pool.
	TotalSubmitted() int64

	// TotalCompleted returns the total number of tasks completed by the pool.
	TotalCompleted() int64
}

// Config holds configuration options for creating a worker pool.
type Config struct {
	// Name prefixes worker executor names ("<name>/<id>"). Default: "worker".
	Name string

	// WorkerCount is the number of workers in the pool.
	// Must be greater than 0.
	WorkerCount int

	// QueueSize is the maximum number of tasks that can be queued.
	// 0 and -1 both hand tasks directly to an idle worker.
	// Units that resubmit themselves from a worker need QueueSize > 0.
	QueueSize int

	// TaskTimeout is the default timeout for individual task execution.
	// Zero means no timeout.
	TaskTimeout time.Duration

	// BufferedResults determines if results should be buffered.
	// Buffer size equals worker count.
	BufferedResults bool

	// DiscardResults disables delivery on Results. Use it when nothing
	// consumes the channel, otherwise every task waits for a reader.
	DiscardResults bool

	// Logger receives panic and lifecycle events. Default: disabled.
	Logger *zerolog.Logger

	// PanicHandler is called when a task panics.
	// If nil, panics are recovered and logged as errors.
	PanicHandler func(task Task, recovered interface{})

	// OnWorkerStart is called when a worker starts.
	OnWorkerStart func(workerID int)

	// OnWorkerStop is called when a worker stops.
	OnWorkerStop func(workerID int)

	// OnTaskStart is called before a task begins execution.
	OnTaskStart func(workerID int, task Task)

	// OnTaskComplete is called after a task completes (success or failure).
	OnTaskComplete func(workerID int, result Result)
}

// taskWithContext pairs a queued task with its submission context.
type taskWithContext struct {
	task Task
	ctx  context.Context
}

// workerPool implements the Pool interface.
type workerPool struct {
	config Config
	logger zerolog.Logger

	// Core pool state
	workers      []worker
	taskQueue    chan taskWithContext
	resultQueue  chan Result
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	// abort cancels running tasks once a shutdown timeout expires.
	abortCtx context.Context
	abort    context.CancelFunc

	// State tracking
	mu             sync.RWMutex
	isShutdown     bool
	activeWorkers  atomic.Int32
	totalSubmitted atomic.Int64
	totalCompleted atomic.Int64

	// Worker management
	workerWg sync.WaitGroup
}

// worker represents a single worker in the pool.
type worker struct {
	id       int
	pool     *workerPool
	executor gfcontext.Executor
}

// New creates a new worker pool with the specified number of workers and queue size.
func New(workerCount, queueSize int) Pool {
	return NewWithConfig(Config{
		WorkerCount: workerCount,
		QueueSize:   queueSize,
	})
}

// NewWithConfig creates a new worker pool with the specified configuration.
func NewWithConfig(config Config) Pool {
	if config.WorkerCount <= 0 {
		panic("worker count must be positive")
	}

	if config.QueueSize < -1 {
		panic("queue size must be >= -1")
	}

	if config.Name == "" {
		config.Name = "worker"
	}

	var taskQueue chan taskWithContext
	if config.QueueSize > 0 {
		taskQueue = make(chan taskWithContext, config.QueueSize)
	} else {
		taskQueue = make(chan taskWithContext)
	}

	var resultQueue chan Result
	if config.BufferedResults {
		resultQueue = make(chan Result, config.WorkerCount)
	} else {
		resultQueue = make(chan Result)
	}

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = config.Logger.With().Str("pool", config.Name).Logger()
	}

	abortCtx, abort := context.WithCancel(context.Background())

	pool := &workerPool{
		config:      config,
		logger:      logger,
		taskQueue:   taskQueue,
		resultQueue: resultQueue,
		shutdownCh:  make(chan struct{}),
		done:        make(chan struct{}),
		abortCtx:    abortCtx,
		abort:       abort,
	}

	pool.workers = make([]worker, config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		pool.workers[i] = worker{
			id:       i,
			pool:     pool,
			executor: newWorkerExecutor(config.Name, i),
		}
		pool.workerWg.Add(1)
		go pool.workers[i].run()
	}

	pool.logger.Debug().Int("workers", config.WorkerCount).Int("queue", config.QueueSize).Msg("worker pool started")

	return pool
}
