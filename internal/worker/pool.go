package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/common"
)

// Task is one unit of work handed to the pool
type Task struct {
	Name string
	Run  func(ctx context.Context)
}

// Counters is a point-in-time view of pool activity
type Counters struct {
	Busy      int   `json:"busy"`
	Completed int64 `json:"completed"`
	Panicked  int64 `json:"panicked"`
}

// WorkerPool runs tasks on a fixed set of goroutines. The task channel is
// unbuffered: a send succeeds only when a worker is idle, which lets the
// caller keep its own queue and admission order.
type WorkerPool struct {
	size   int
	tasks  chan Task
	logger arbor.ILogger

	// ctx is handed to every task and cancelled on hard stop
	ctx    context.Context
	cancel context.CancelFunc

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup

	busy      atomic.Int32
	completed atomic.Int64
	panicked  atomic.Int64
}

// NewWorkerPool creates a pool of size workers (at least one)
func NewWorkerPool(logger arbor.ILogger, size int) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		size:   max(size, 1),
		tasks:  make(chan Task),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		quit:   make(chan struct{}),
	}
}

// Tasks is the submission channel
func (wp *WorkerPool) Tasks() chan<- Task { return wp.tasks }

// Size is the number of workers
func (wp *WorkerPool) Size() int { return wp.size }

// Context is the context tasks run under
func (wp *WorkerPool) Context() context.Context { return wp.ctx }

// Counters reports busy workers and finished task totals
func (wp *WorkerPool) Counters() Counters {
	return Counters{
		Busy:      int(wp.busy.Load()),
		Completed: wp.completed.Load(),
		Panicked:  wp.panicked.Load(),
	}
}

// Start launches the workers
func (wp *WorkerPool) Start() {
	wp.wg.Add(wp.size)
	for id := 0; id < wp.size; id++ {
		go wp.loop(id)
	}
	wp.logger.Info().Int("workers", wp.size).Msg("Worker pool started")
}

// Stop refuses new tasks and waits for running ones. When ctx expires
// first, the task context is cancelled and Stop waits for the tasks to
// return.
func (wp *WorkerPool) Stop(ctx context.Context) {
	wp.quitOnce.Do(func() { close(wp.quit) })

	drained := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		wp.logger.Warn().
			Int("busy", int(wp.busy.Load())).
			Msg("Worker pool drain timed out, cancelling running tasks")
		wp.cancel()
		<-drained
	}
	wp.cancel()

	c := wp.Counters()
	wp.logger.Info().
		Int("completed", int(c.Completed)).
		Int("panicked", int(c.Panicked)).
		Msg("Worker pool stopped")
}

func (wp *WorkerPool) loop(id int) {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.quit:
			return
		case task := <-wp.tasks:
			wp.run(id, task)
		}
	}
}

func (wp *WorkerPool) run(id int, task Task) {
	wp.busy.Add(1)
	start := time.Now()
	defer func() {
		wp.busy.Add(-1)
		if r := recover(); r != nil {
			wp.panicked.Add(1)
			_ = common.RecoverPanic(wp.logger, task.Name, r)
			return
		}
		wp.completed.Add(1)
		wp.logger.Debug().
			Int("worker_id", id).
			Str("task", task.Name).
			Dur("elapsed", time.Since(start)).
			Msg("Task finished")
	}()

	task.Run(wp.ctx)
}
