// Package stream feeds an external item stream into a worker pool and
// restarts the whole pipeline when the stream fails.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/petroleumjelliffe/skybot/internal/pool"
	"github.com/petroleumjelliffe/skybot/internal/retry"
)

// ErrStreamClosed is returned by a Subscription whose underlying
// connection ended without reporting an error.
var ErrStreamClosed = errors.New("stream: closed by remote")

// DefaultBackoff is how long the listener waits before resubscribing.
const DefaultBackoff = 10 * time.Minute

// Source produces subscriptions to an infinite item stream.
type Source[T any] interface {
	Subscribe(ctx context.Context) (Subscription[T], error)
}

// Subscription is one live, non-restartable pass over a stream. Next blocks
// until an item arrives; waiting is normal and not an error.
type Subscription[T any] interface {
	Next(ctx context.Context) (T, error)
	Close() error
}

// State is the listener state.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Metrics receives listener events.
type Metrics interface {
	StreamRestarted(listener string)
	ItemReceived(listener string)
}

type nopMetrics struct{}

func (nopMetrics) StreamRestarted(string) {}
func (nopMetrics) ItemReceived(string)    {}

// Config configures a Listener.
type Config struct {
	Name    string
	Workers int
	Backoff time.Duration

	// PoolOptions are passed to every pool the listener starts.
	PoolOptions []pool.Option

	Logger  *slog.Logger
	Metrics Metrics

	// Sleep waits between restarts; it must return early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Listener pulls items from a Source and submits them to a worker pool it
// owns. Any stream error shuts the pool down, waits Backoff and starts over
// with a fresh pool and a fresh subscription.
type Listener[T any] struct {
	cfg     Config
	source  Source[T]
	handler pool.Handler[T]

	state    atomic.Int32
	restarts atomic.Int64
	current  atomic.Pointer[pool.Pool[T]]
	last     atomic.Value // pool.Stats of the most recent pool
}

// NewListener validates cfg and returns a listener that is not yet running.
func NewListener[T any](cfg Config, source Source[T], handler pool.Handler[T]) (*Listener[T], error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("%w: got %d", pool.ErrInvalidWorkers, cfg.Workers)
	}
	if source == nil {
		return nil, errors.New("stream: nil source")
	}
	if handler == nil {
		return nil, errors.New("stream: nil handler")
	}
	if cfg.Name == "" {
		cfg.Name = "listener"
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.Sleep
	}

	return &Listener[T]{cfg: cfg, source: source, handler: handler}, nil
}

// Run listens until ctx is cancelled. Cancelling ctx is the only way out;
// stream failures are retried forever. Run returns nil after a clean stop,
// with every worker joined.
func (l *Listener[T]) Run(ctx context.Context) error {
	logger := l.cfg.Logger.With("listener", l.cfg.Name)
	defer l.state.Store(int32(StateStopped))

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := l.listen(ctx, logger)
		if err == nil {
			logger.Info("Listener stopped")
			return nil
		}

		l.restarts.Add(1)
		l.cfg.Metrics.StreamRestarted(l.cfg.Name)
		l.state.Store(int32(StateBackoff))
		logger.Error("Stream failed, restarting after backoff", "error", err, "backoff", l.cfg.Backoff)

		if err := l.cfg.Sleep(ctx, l.cfg.Backoff); err != nil {
			logger.Info("Listener stopped during backoff")
			return nil
		}
	}
}

// listen runs one pool and one subscription. It returns nil when ctx was
// cancelled and the stream error otherwise. Either way the pool is shut
// down before it returns.
func (l *Listener[T]) listen(ctx context.Context, logger *slog.Logger) error {
	session := uuid.NewString()
	logger = logger.With("session", session)

	opts := append([]pool.Option{pool.WithName(l.cfg.Name), pool.WithLogger(logger)}, l.cfg.PoolOptions...)
	p, err := pool.Start(ctx, l.cfg.Workers, l.handler, opts...)
	if err != nil {
		return err
	}
	l.current.Store(p)
	defer func() {
		p.Shutdown()
		l.last.Store(p.Stats())
	}()

	sub, err := l.source.Subscribe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	l.state.Store(int32(StateListening))
	logger.Info("Listening", "workers", l.cfg.Workers)

	for {
		item, err := sub.Next(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("next: %w", err)
		}
		l.cfg.Metrics.ItemReceived(l.cfg.Name)

		if err := p.Submit(ctx, item); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("submit: %w", err)
		}
	}
}

// State returns the listener state.
func (l *Listener[T]) State() State {
	return State(l.state.Load())
}

// Restarts returns how many times the stream has been restarted.
func (l *Listener[T]) Restarts() int64 {
	return l.restarts.Load()
}

// Name returns the listener name.
func (l *Listener[T]) Name() string {
	return l.cfg.Name
}

// Stats returns the counters of the current pool, or of the last one if
// the listener is between pools.
func (l *Listener[T]) Stats() pool.Stats {
	if p := l.current.Load(); p != nil && p.State() == pool.StateRunning {
		return p.Stats()
	}
	if s, ok := l.last.Load().(pool.Stats); ok {
		return s
	}
	return pool.Stats{Name: l.cfg.Name}
}
