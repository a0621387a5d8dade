package classifier

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ExecutorStats is a snapshot of the executor counters.
type ExecutorStats struct {
	TotalJobs     int64 `json:"total_jobs"`
	CompletedJobs int64 `json:"completed_jobs"`
	FailedJobs    int64 `json:"failed_jobs"`
	PanickedJobs  int64 `json:"panicked_jobs"`
	Pending       int64 `json:"pending"`
}

// Executor runs jobs one at a time on a single goroutine, in the order they
// were submitted. Everything that touches the engine goes through it.
type Executor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func() error
	closed bool

	start sync.Once
	done  chan struct{}

	total     atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64

	logger *zap.Logger
}

// NewExecutor builds an idle executor; call Start to begin draining.
func NewExecutor(logger *zap.Logger) *Executor {
	x := &Executor{done: make(chan struct{}), logger: logger.Named("executor")}
	x.cond = sync.NewCond(&x.mu)
	return x
}

// Start launches the worker goroutine. Repeated calls are no-ops.
func (x *Executor) Start() {
	x.start.Do(func() {
		go x.loop()
	})
}

// Submit queues job. It returns false once the executor is closed. A job
// that returns an error or panics counts as failed.
func (x *Executor) Submit(job func() error) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return false
	}
	x.queue = append(x.queue, job)
	x.total.Add(1)
	x.cond.Signal()
	return true
}

// Close stops accepting jobs and waits until every queued job has run.
func (x *Executor) Close() {
	x.mu.Lock()
	x.closed = true
	x.cond.Broadcast()
	x.mu.Unlock()

	x.Start()
	<-x.done
}

// Stats returns the current counters.
func (x *Executor) Stats() ExecutorStats {
	x.mu.Lock()
	pending := int64(len(x.queue))
	x.mu.Unlock()
	return ExecutorStats{
		TotalJobs:     x.total.Load(),
		CompletedJobs: x.completed.Load(),
		FailedJobs:    x.failed.Load(),
		PanickedJobs:  x.panicked.Load(),
		Pending:       pending,
	}
}

func (x *Executor) loop() {
	defer close(x.done)
	for {
		x.mu.Lock()
		for len(x.queue) == 0 && !x.closed {
			x.cond.Wait()
		}
		if len(x.queue) == 0 {
			x.mu.Unlock()
			return
		}
		job := x.queue[0]
		x.queue[0] = nil
		x.queue = x.queue[1:]
		x.mu.Unlock()

		x.run(job)
	}
}

func (x *Executor) run(job func() error) {
	defer x.completed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			x.panicked.Add(1)
			x.failed.Add(1)
			x.logger.Error("job panicked", zap.Any("panic", r))
		}
	}()
	if err := job(); err != nil {
		x.failed.Add(1)
	}
}
