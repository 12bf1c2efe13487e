package queue

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO hand-off between one producer and one consumer.
// Enqueue never blocks, so it is safe to call from a real-time callback.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

// New creates and returns a new Queue instance.
func New[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

// Enqueue adds an element to the end of the queue.
// It reports false if the queue has been closed.
func (q *Queue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.notify()
	return true
}

// TryDequeue removes and returns the front element without waiting.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pop()
}

// Dequeue waits for the front element. It returns false once the queue is
// closed and drained, or when ctx is done.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, bool) {
	for {
		q.mu.Lock()
		item, ok := q.pop()
		closed := q.closed
		q.mu.Unlock()

		if ok {
			return item, true
		}
		if closed {
			var zero T
			return zero, false
		}

		select {
		case <-q.signal:
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

func (q *Queue[T]) pop() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// Close marks the end of the sequence. Items already queued stay available.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.notify()
}

func (q *Queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of elements in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty returns true if the queue is empty.
func (q *Queue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
