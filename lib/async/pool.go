// Package async provides a bounded worker pool with backpressure.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/cascadefi/liqhunter/errs"
)

// Task is a unit of work executed by a pool worker.
type Task func(context.Context) error

// Pool runs submitted tasks on a fixed set of workers. A full queue rejects
// instead of blocking the submitter.
type Pool struct {
	mu     sync.RWMutex
	closed bool
	tasks  chan queuedTask
	wg     sync.WaitGroup
	once   sync.Once
}

type queuedTask struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a pool with the given worker count and queue depth.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("async/pool", errs.CodeInvalid, errs.WithMessage("workers must be positive"))
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{
		tasks: make(chan queuedTask, queue),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit queues a task for execution. Returns CodeUnavailable when the pool
// is closed or saturated.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("async/pool", errs.CodeInvalid, errs.WithMessage("nil task"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	// The read lock excludes Close, so the channel cannot be closed between
	// the closed check and the send.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("async/pool", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.wg.Add(1)
	select {
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.tasks <- queuedTask{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New("async/pool", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting new tasks. Tasks already queued still run; workers
// exit once the queue drains.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
	})
}

// Shutdown closes the pool and waits for queued and in-flight tasks, bounded
// by ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	for task := range p.tasks {
		p.run(task)
		p.wg.Done()
	}
}

func (p *Pool) run(task queuedTask) {
	defer func() {
		// A panicking task must not take the worker down with it.
		_ = recover()
	}()
	ctx := task.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	_ = task.fn(ctx)
}
