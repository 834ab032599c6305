// Package pool provides a bounded worker pool for step dispatch.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task is a unit of work executed by a pool worker.
type Task func(ctx context.Context) error

// Config configures the pool.
type Config struct {
	// MaxWorkers is the hard concurrency ceiling; at most this many tasks
	// run at once.
	MaxWorkers int `json:"max_workers"`

	// QueueSize bounds tasks waiting for a worker.
	QueueSize int `json:"queue_size"`

	// IdleTimeout controls how long a surplus worker lingers without work
	// before exiting.
	IdleTimeout time.Duration `json:"idle_timeout"`

	// PanicHandler receives recovered panics from tasks.
	PanicHandler func(any) `json:"-"`
}

// DefaultConfig returns defaults sized for step execution.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  5,
		QueueSize:   64,
		IdleTimeout: 30 * time.Second,
	}
}

// Pool runs tasks on at most MaxWorkers goroutines. Workers are spawned on
// demand and retire after IdleTimeout, so an idle pool costs nothing.
type Pool struct {
	maxWorkers  int
	queue       chan taskWrapper
	workerCount atomic.Int32
	activeCount atomic.Int32
	closed      atomic.Bool
	wg          sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	idleTimeout  time.Duration
	panicHandler func(any)
}

type taskWrapper struct {
	task Task
	ctx  context.Context
}

// New creates a pool from the config, applying defaults for zero fields.
func New(cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	return &Pool{
		maxWorkers:   cfg.MaxWorkers,
		queue:        make(chan taskWrapper, cfg.QueueSize),
		idleTimeout:  cfg.IdleTimeout,
		panicHandler: cfg.PanicHandler,
	}
}

// Submit enqueues the task without waiting. Fails with ErrPoolFull when the
// queue is saturated.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	select {
	case p.queue <- taskWrapper{task: task, ctx: ctx}:
		p.ensureWorker()
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

// Dispatch enqueues the task, blocking until a queue slot frees up or the
// context ends.
func (p *Pool) Dispatch(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	select {
	case p.queue <- taskWrapper{task: task, ctx: ctx}:
		p.ensureWorker()
		return nil
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}
}

func (p *Pool) ensureWorker() {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case w, ok := <-p.queue:
			if !ok {
				return
			}
			p.activeCount.Add(1)
			err := p.run(w)
			p.activeCount.Add(-1)

			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// Keep one worker resident so the next task starts immediately.
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *Pool) run(w taskWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = errors.New("task panicked")
		}
	}()
	return w.task(w.ctx)
}

// Close stops intake and waits for in-flight tasks to finish.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.queue)
	p.wg.Wait()
}

// Stats returns a point-in-time snapshot of pool activity.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats describes pool activity.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
