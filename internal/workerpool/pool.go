// Package workerpool runs jobs on a fixed set of goroutines fed by a bounded queue.
// Separate pools keep emergency work from queueing behind bulk traffic.
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/ride-realtime/internal/observability"
)

var (
	ErrQueueFull = errors.New("workerpool: queue full")
	ErrStopped   = errors.New("workerpool: stopped")
)

type Job func(ctx context.Context)

type Pool struct {
	name    string
	workers int
	jobs    chan Job
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup

	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once
}

func New(name string, workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    name,
		workers: workers,
		jobs:    make(chan Job, queueSize),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		observability.PoolQueueDepth.WithLabelValues(p.name).Set(float64(len(p.jobs)))
		p.run(job)
	}
}

func (p *Pool) run(job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("worker job panicked", "pool", p.name, "error", rec)
		}
	}()
	job(p.ctx)
}

// TrySubmit enqueues without blocking.
func (p *Pool) TrySubmit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		observability.PoolQueueDepth.WithLabelValues(p.name).Set(float64(len(p.jobs)))
		return nil
	default:
		observability.PoolRejected.WithLabelValues(p.name).Inc()
		return ErrQueueFull
	}
}

// Submit blocks until the job is queued, the context ends, or the pool stops.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		observability.PoolQueueDepth.WithLabelValues(p.name).Set(float64(len(p.jobs)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrStopped
	}
}

func (p *Pool) QueueDepth() int { return len(p.jobs) }

func (p *Pool) Workers() int { return p.workers }

func (p *Pool) Name() string { return p.name }

// Stop drains queued jobs and waits for the workers to exit.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()
		p.wg.Wait()
		p.cancel()
	})
}
