package pool

import (
	"context"
	"fmt"
)

// Queue is a bounded FIFO of jobs shared by one producer and the pool's
// workers. Put blocks while the queue is full, Get while it is empty.
type Queue[T any] struct {
	ch chan Job[T]
}

// NewQueue creates a queue holding at most capacity jobs.
func NewQueue[T any](capacity int) (*Queue[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}
	return &Queue[T]{ch: make(chan Job[T], capacity)}, nil
}

// Put appends job, waiting for room or for ctx to be done.
func (q *Queue[T]) Put(ctx context.Context, job Job[T]) error {
	// Prefer enqueueing when there is room even if ctx is already done.
	select {
	case q.ch <- job:
		return nil
	default:
	}

	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get removes the oldest job, waiting for one or for ctx to be done.
func (q *Queue[T]) Get(ctx context.Context) (Job[T], error) {
	select {
	case job := <-q.ch:
		return job, nil
	case <-ctx.Done():
		return Job[T]{}, ctx.Err()
	}
}

// Len returns the number of queued jobs.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}
