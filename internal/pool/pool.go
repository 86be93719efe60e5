// Package pool runs a fixed number of workers over a bounded job queue.
//
// One producer submits items, N workers pull them in FIFO order and hand
// each one to a user handler. Shutdown enqueues exactly N stop signals behind
// any queued work and joins the workers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPoolClosed is returned by Submit once Shutdown has begun.
	ErrPoolClosed = errors.New("pool: submit after shutdown")

	// ErrInvalidWorkers is returned when fewer than one worker is requested.
	ErrInvalidWorkers = errors.New("pool: worker count must be at least 1")
)

// Handler processes one item. Fixed extra arguments are bound by closure.
// It must be safe to call concurrently for different items.
type Handler[T any] func(ctx context.Context, item T) error

// State is the pool lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Metrics receives pool events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ItemHandled(pool string, d time.Duration)
	ItemFailed(pool string)
	ItemDropped(pool, reason string)
	WorkerExited(pool string)
	QueueDepth(pool string, depth int)
}

type nopMetrics struct{}

func (nopMetrics) ItemHandled(string, time.Duration) {}
func (nopMetrics) ItemFailed(string)                 {}
func (nopMetrics) ItemDropped(string, string)        {}
func (nopMetrics) WorkerExited(string)               {}
func (nopMetrics) QueueDepth(string, int)            {}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Name      string
	State     State
	Workers   int
	Alive     int
	Queued    int
	Capacity  int
	Submitted int64
	Handled   int64
	Failed    int64
	Dropped   int64
}

// Option configures a Pool.
type Option func(*config)

type config struct {
	name           string
	queueCapacity  int
	failFast       bool
	cancelHandlers bool
	logger         *slog.Logger
	metrics        Metrics
}

// WithName labels the pool in logs and metrics.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithQueueCapacity overrides the default capacity of four jobs per worker.
func WithQueueCapacity(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueCapacity = n
		}
	}
}

// WithFailFast makes a handler error or panic end that worker's loop. The
// pool keeps running with one worker fewer. By default failures are logged
// and the worker moves on to the next item.
func WithFailFast() Option {
	return func(c *config) {
		c.failFast = true
	}
}

// WithCancelHandlers passes the pool context to handlers unchanged, so a
// stop request also cancels in-flight handler calls. By default handlers
// get a context that carries values but is never cancelled.
func WithCancelHandlers() Option {
	return func(c *config) {
		c.cancelHandlers = true
	}
}

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *config) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Pool owns a bounded queue and the workers reading from it.
type Pool[T any] struct {
	cfg     config
	ctx     context.Context
	queue   *Queue[T]
	handler Handler[T]
	workers int

	// mu orders Submit against Shutdown: no item is enqueued once the stop
	// signals are in.
	mu      sync.RWMutex
	closing bool

	state        atomic.Int32
	alive        atomic.Int32
	allExited    chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	submitted atomic.Int64
	handled   atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Start spawns n workers sharing one queue and returns the running pool.
// Cancelling ctx is the stop token: workers skip any item dequeued after
// it is cancelled. Workers still exit only on their stop signal, so callers
// must call Shutdown.
func Start[T any](ctx context.Context, n int, handler Handler[T], opts ...Option) (*Pool[T], error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWorkers, n)
	}
	if handler == nil {
		return nil, errors.New("pool: nil handler")
	}

	cfg := config{
		name:    "pool",
		logger:  slog.Default(),
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.queueCapacity == 0 {
		cfg.queueCapacity = 4 * n
	}

	queue, err := NewQueue[T](cfg.queueCapacity)
	if err != nil {
		return nil, err
	}

	p := &Pool[T]{
		cfg:       cfg,
		ctx:       ctx,
		queue:     queue,
		handler:   handler,
		workers:   n,
		allExited: make(chan struct{}),
	}

	p.alive.Store(int32(n))
	for i := 0; i < n; i++ {
		w := &worker[T]{id: i, pool: p}
		p.wg.Add(1)
		go w.run()
	}
	p.state.Store(int32(StateRunning))

	cfg.logger.Debug("Worker pool started", "pool", cfg.name, "workers", n, "capacity", cfg.queueCapacity)
	return p, nil
}

// Submit enqueues item, blocking while the queue is full. It fails with
// ErrPoolClosed once Shutdown has begun; the item is dropped and counted.
func (p *Pool[T]) Submit(ctx context.Context, item T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closing {
		p.dropped.Add(1)
		p.cfg.metrics.ItemDropped(p.cfg.name, "closed")
		p.cfg.logger.Warn("Item submitted after shutdown, dropping", "pool", p.cfg.name)
		return ErrPoolClosed
	}

	if err := p.queue.Put(ctx, Item(item)); err != nil {
		return err
	}
	p.submitted.Add(1)
	p.cfg.metrics.QueueDepth(p.cfg.name, p.queue.Len())
	return nil
}

// Shutdown enqueues one stop signal per worker and waits for every worker
// to exit. Items queued before it are still dequeued. Repeated or concurrent
// calls wait for the same shutdown and enqueue nothing further.
func (p *Pool[T]) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closing = true
		p.state.Store(int32(StateStopping))
		p.mu.Unlock()

		p.cfg.logger.Debug("Stopping worker pool", "pool", p.cfg.name, "queued", p.queue.Len())

		// Workers that already exited will never take their signal; stop
		// waiting for room once none are left.
		putCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-p.allExited:
				cancel()
			case <-putCtx.Done():
			}
		}()

		for i := 0; i < p.workers; i++ {
			if err := p.queue.Put(putCtx, Stop[T]()); err != nil {
				break
			}
		}

		p.wg.Wait()
		p.state.Store(int32(StateStopped))
		p.cfg.metrics.QueueDepth(p.cfg.name, p.queue.Len())
		p.cfg.logger.Debug("Worker pool stopped", "pool", p.cfg.name)
	})
}

// State returns the current lifecycle state.
func (p *Pool[T]) State() State {
	return State(p.state.Load())
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Name:      p.cfg.name,
		State:     p.State(),
		Workers:   p.workers,
		Alive:     int(p.alive.Load()),
		Queued:    p.queue.Len(),
		Capacity:  p.queue.Cap(),
		Submitted: p.submitted.Load(),
		Handled:   p.handled.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

func (p *Pool[T]) stopped() bool {
	return p.ctx.Err() != nil
}

func (p *Pool[T]) handlerContext() context.Context {
	if p.cfg.cancelHandlers {
		return p.ctx
	}
	return context.WithoutCancel(p.ctx)
}

func (p *Pool[T]) workerExited() {
	p.cfg.metrics.WorkerExited(p.cfg.name)
	if p.alive.Add(-1) == 0 {
		close(p.allExited)
	}
}
