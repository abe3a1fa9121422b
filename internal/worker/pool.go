// Package worker provides the shared bounded pool that reranking and other
// CPU-bound work runs on, keeping it off request-handling goroutines.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"lattice-backend/internal/errors"
)

// Task is a unit of pool work.
type Task func(ctx context.Context)

// Pool is a fixed-size worker pool with a bounded queue. Submit rejects
// when the queue is full rather than blocking the caller.
type Pool struct {
	logger *zap.Logger
	queue  chan Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewPool starts workers goroutines over a queue of queueSize slots.
func NewPool(workers, queueSize int, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger: logger,
		queue:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for task := range p.queue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("pool task panicked", zap.Any("panic", r))
				}
			}()
			task(p.ctx)
		}()
	}
}

// Submit enqueues a task, failing immediately when the queue is full or
// the pool is shut down.
func (p *Pool) Submit(task Task) error {
	// The lock covers the send too, so Shutdown cannot close the queue
	// between the closed check and the enqueue.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.Internal("POOL_CLOSED", "worker pool is shut down").Build()
	}

	select {
	case p.queue <- task:
		return nil
	default:
		return errors.QuotaExceeded("POOL_SATURATED", "worker pool queue is full").
			Retryable().Build()
	}
}

// Run executes fn on the pool and blocks until it finishes or ctx expires.
// It is how request paths hand CPU-bound work off without inheriting the
// pool's lifetime.
func (p *Pool) Run(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	err := p.Submit(func(context.Context) {
		defer close(done)
		fn()
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Timeout("POOL_WAIT", "timed out waiting for pool task").
			WithCause(ctx.Err()).Build()
	}
}

// Shutdown stops intake and waits up to timeout for queued work.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
	p.cancel()
}
