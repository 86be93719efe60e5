package pool

import (
	"context"
	"fmt"
	"time"
)

type worker[T any] struct {
	id   int
	pool *Pool[T]
}

// run pulls jobs until it sees a stop signal, or until a handler fails in
// fail-fast mode.
func (w *worker[T]) run() {
	p := w.pool
	defer p.wg.Done()
	defer p.workerExited()

	for {
		job, err := p.queue.Get(context.Background())
		if err != nil {
			return
		}
		if job.IsStop() {
			return
		}

		if p.stopped() {
			p.dropped.Add(1)
			p.cfg.metrics.ItemDropped(p.cfg.name, "stopped")
			continue
		}

		if err := w.handle(job.Value()); err != nil {
			p.failed.Add(1)
			p.cfg.metrics.ItemFailed(p.cfg.name)
			if p.cfg.failFast {
				p.cfg.logger.Error("Handler failed, worker exiting",
					"pool", p.cfg.name, "worker", w.id, "error", err)
				return
			}
			p.cfg.logger.Warn("Handler failed", "pool", p.cfg.name, "worker", w.id, "error", err)
		}
	}
}

// handle invokes the handler once, turning a panic into an error.
func (w *worker[T]) handle(item T) (err error) {
	p := w.pool
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err == nil {
			p.handled.Add(1)
			p.cfg.metrics.ItemHandled(p.cfg.name, time.Since(start))
		}
	}()

	return p.handler(p.handlerContext(), item)
}
