package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/agentscript/internal/logging"
)

// ErrPoolClosed is returned by Go after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// PoolStats is a point-in-time view of pool activity.
type PoolStats struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds the number of concurrently running tasks. Parallel
// workflows use one pool per execution, sized by max_concurrency.
type WorkerPool struct {
	slots  chan struct{}
	closed chan struct{}
	logger *slog.Logger

	mu       sync.Mutex
	wg       sync.WaitGroup
	shutdown bool

	active, completed, failed, panics atomic.Int64
}

// NewWorkerPool creates a pool running at most size tasks at once.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		slots:  make(chan struct{}, size),
		closed: make(chan struct{}),
		logger: logging.OrDefault(logger),
	}
}

// Go runs fn on its own goroutine once a slot is free. It blocks while the
// pool is full and gives up when ctx is done or the pool closes. A panic in
// fn is recovered, logged and counted; the slot is always released.
func (p *WorkerPool) Go(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrPoolClosed
	}

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.active.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
				p.logger.ErrorContext(ctx, "worker task panicked",
					slog.String(logging.ErrorKey, fmt.Sprint(r)))
			}
			p.active.Add(-1)
			<-p.slots
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			p.failed.Add(1)
			return
		}
		p.completed.Add(1)
	}()
	return nil
}

// Wait blocks until every started task returns.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Close rejects further tasks and waits for running ones.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if !p.shutdown {
		p.shutdown = true
		close(p.closed)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns the current counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
