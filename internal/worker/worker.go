package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Task is one unit of background work.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of goroutines. Tasks receive a context
// that is canceled when the pool shuts down.
type Pool struct {
	workers   int
	taskQueue chan Task
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// New starts a pool with the given number of workers and queue size.
func New(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		workers:   workers,
		taskQueue: make(chan Task, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Debug("Worker pool started", "workers", workers, "queueSize", queueSize)
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.taskQueue {
		if p.ctx.Err() != nil {
			continue
		}
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panic recovered", "workerId", id, "panic", r)
		}
	}()
	task(p.ctx)
}

// TrySubmit queues a task without blocking. It returns false when the queue
// is full or the pool is shut down.
func (p *Pool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Pending returns the number of queued tasks.
func (p *Pool) Pending() int {
	return len(p.taskQueue)
}

// Shutdown cancels running tasks, discards queued ones and waits for the
// workers to exit. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cancel()
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("Worker pool shutdown completed")
}
