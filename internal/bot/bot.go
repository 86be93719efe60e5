// Package bot runs one stream listener and worker pool per event kind and
// owns their combined start/stop lifecycle.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petroleumjelliffe/skybot/internal/pool"
	"github.com/petroleumjelliffe/skybot/internal/stream"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyStarted = errors.New("bot: already started")
	ErrNoPipelines    = errors.New("bot: no event kind enabled")
)

// Kind names an event kind a bot can handle.
type Kind string

const (
	KindComments    Kind = "comments"
	KindSubmissions Kind = "submissions"
)

// Metrics receives pool and listener events for every pipeline.
type Metrics interface {
	pool.Metrics
	stream.Metrics
}

// Config holds the settings shared by all pipelines of a bot.
type Config struct {
	Name          string
	Workers       int
	QueueCapacity int
	Backoff       time.Duration
	FailFast      bool

	// CancelHandlers lets Stop cancel in-flight handler calls. Without it
	// Stop waits for running handlers, and a handler inside retry.Do that
	// is sleeping on a long rate limit hint (up to four waits of the parsed
	// delay plus margin) holds Stop for that long.
	CancelHandlers bool

	Logger  *slog.Logger
	Metrics Metrics
}

// runner is the part of a stream.Listener the bot needs, independent of
// the item type.
type runner interface {
	Run(ctx context.Context) error
	Name() string
	State() stream.State
	Restarts() int64
	Stats() pool.Stats
}

// PipelineStats describes one running pipeline.
type PipelineStats struct {
	Kind     Kind
	State    string
	Restarts int64
	Pool     pool.Stats
}

type pipeline struct {
	kind     Kind
	listener runner
}

// Option adds a pipeline to a bot.
type Option func(b *Bot) error

// WithPipeline enables kind: items from src are handled by h.
func WithPipeline[T any](kind Kind, src stream.Source[T], h pool.Handler[T]) Option {
	return func(b *Bot) error {
		for _, p := range b.pipelines {
			if p.kind == kind {
				return fmt.Errorf("bot: %s pipeline configured twice", kind)
			}
		}

		l, err := stream.NewListener[T](b.listenerConfig(kind), src, h)
		if err != nil {
			return fmt.Errorf("bot: %s pipeline: %w", kind, err)
		}
		b.pipelines = append(b.pipelines, pipeline{kind: kind, listener: l})
		return nil
	}
}

// WithComments enables the comment pipeline.
func WithComments[T any](src stream.Source[T], h pool.Handler[T]) Option {
	return WithPipeline(KindComments, src, h)
}

// WithSubmissions enables the submission pipeline.
func WithSubmissions[T any](src stream.Source[T], h pool.Handler[T]) Option {
	return WithPipeline(KindSubmissions, src, h)
}

// Bot orchestrates its pipelines. Each pipeline has its own listener and
// pool; nothing is shared between bots.
type Bot struct {
	cfg       Config
	pipelines []pipeline

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New validates cfg and builds the configured pipelines. A worker count
// below one is rejected here, before anything runs.
func New(cfg Config, opts ...Option) (*Bot, error) {
	if cfg.Name == "" {
		return nil, errors.New("bot: name is required")
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("bot %s: %w: got %d", cfg.Name, pool.ErrInvalidWorkers, cfg.Workers)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &Bot{cfg: cfg, done: make(chan struct{})}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if len(b.pipelines) == 0 {
		return nil, fmt.Errorf("bot %s: %w", cfg.Name, ErrNoPipelines)
	}
	return b, nil
}

func (b *Bot) listenerConfig(kind Kind) stream.Config {
	var opts []pool.Option
	if b.cfg.QueueCapacity > 0 {
		opts = append(opts, pool.WithQueueCapacity(b.cfg.QueueCapacity))
	}
	if b.cfg.FailFast {
		opts = append(opts, pool.WithFailFast())
	}
	if b.cfg.CancelHandlers {
		opts = append(opts, pool.WithCancelHandlers())
	}
	if b.cfg.Metrics != nil {
		opts = append(opts, pool.WithMetrics(b.cfg.Metrics))
	}

	cfg := stream.Config{
		Name:        fmt.Sprintf("%s-%s", b.cfg.Name, kind),
		Workers:     b.cfg.Workers,
		Backoff:     b.cfg.Backoff,
		PoolOptions: opts,
		Logger:      b.cfg.Logger.With("bot", b.cfg.Name, "kind", string(kind)),
	}
	if b.cfg.Metrics != nil {
		cfg.Metrics = b.cfg.Metrics
	}
	return cfg
}

// Start launches one listener task per pipeline and returns without
// waiting for them.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return ErrAlreadyStarted
	}
	b.started = true

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.cfg.Logger.Info("Starting bot", "bot", b.cfg.Name, "pipelines", len(b.pipelines), "workers", b.cfg.Workers)

	var g errgroup.Group
	for _, p := range b.pipelines {
		l := p.listener
		g.Go(func() error {
			return l.Run(runCtx)
		})
	}

	go func() {
		b.err = g.Wait()
		cancel()
		close(b.done)
	}()
	return nil
}

// Stop sets the stop token and blocks until every listener and its pool
// has shut down. It is safe to call more than once, and before Start.
func (b *Bot) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	cancel := b.cancel
	b.mu.Unlock()

	b.cfg.Logger.Info("Stopping bot", "bot", b.cfg.Name)
	cancel()
	<-b.done
	b.cfg.Logger.Info("Bot stopped", "bot", b.cfg.Name)
	return b.err
}

// Wait blocks until every listener has returned, which only happens after
// Stop or cancellation of the context given to Start.
func (b *Bot) Wait() error {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started {
		return nil
	}
	<-b.done
	return b.err
}

// Name returns the bot name.
func (b *Bot) Name() string {
	return b.cfg.Name
}

// Stats reports every pipeline.
func (b *Bot) Stats() []PipelineStats {
	stats := make([]PipelineStats, 0, len(b.pipelines))
	for _, p := range b.pipelines {
		stats = append(stats, PipelineStats{
			Kind:     p.kind,
			State:    p.listener.State().String(),
			Restarts: p.listener.Restarts(),
			Pool:     p.listener.Stats(),
		})
	}
	return stats
}
