package pool

// Job is a queue element: either an item to handle or a stop signal.
// The zero Job is a stop signal.
type Job[T any] struct {
	item T
	live bool
}

// Item wraps v as a job to be handed to a worker's handler.
func Item[T any](v T) Job[T] {
	return Job[T]{item: v, live: true}
}

// Stop returns the signal that tells one worker to exit its loop.
func Stop[T any]() Job[T] {
	return Job[T]{}
}

// IsStop reports whether j is a stop signal.
func (j Job[T]) IsStop() bool {
	return !j.live
}

// Value returns the wrapped item. It is the zero value for a stop signal.
func (j Job[T]) Value() T {
	return j.item
}
