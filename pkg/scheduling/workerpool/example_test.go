package workerpool_test

import (
	"context"
	"fmt"
	"sync/atomic"

	gfcontext "github.com/vnykmshr/deferflow/pkg/common/context"
	"github.com/vnykmshr/deferflow/pkg/scheduling/workerpool"
)

// Example demonstrates basic worker pool usage.
func Example() {
	pool := workerpool.New(2, 10)
	defer pool.Shutdown()

	task := workerpool.TaskFunc(func(ctx context.Context) error {
		fmt.Println("Task executed")
		return nil
	})

	if err := pool.Submit(task); err != nil {
		fmt.Printf("Failed to submit task: %v\n", err)
		return
	}

	result := <-pool.Results()
	if result.Error != nil {
		fmt.Printf("Task failed: %v\n", result.Error)
	}

	// Output: Task executed
}

// Example_executorIdentity shows how a task learns which worker runs it.
func Example_executorIdentity() {
	pool := workerpool.NewWithConfig(workerpool.Config{
		Name:        "jiq",
		WorkerCount: 1,
		QueueSize:   1,
	})
	defer pool.Shutdown()

	_ = pool.Submit(workerpool.TaskFunc(func(ctx context.Context) error {
		ex, _ := gfcontext.ExecutorFrom(ctx)
		fmt.Printf("running on %s at depth %d\n", ex.Name, ex.Depth)
		return nil
	}))
	<-pool.Results()

	// Output: running on jiq/0 at depth 0
}

// Example_gracefulShutdown shows that queued work completes before shutdown returns.
func Example_gracefulShutdown() {
	pool := workerpool.NewWithConfig(workerpool.Config{
		WorkerCount:    2,
		QueueSize:      8,
		DiscardResults: true,
	})

	var done int32
	for i := 0; i < 8; i++ {
		_ = pool.Submit(workerpool.TaskFunc(func(ctx context.Context) error {
			atomic.AddInt32(&done, 1)
			return nil
		}))
	}

	<-pool.Shutdown()
	fmt.Printf("Completed %d tasks\n", atomic.LoadInt32(&done))

	// Output: Completed 8 tasks
}
