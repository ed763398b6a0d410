// Package workqueue provides the unbounded task queue and fixed-size worker pool
// that both pipeline stages run on.
package workqueue

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Put after Close.
var ErrClosed = errors.New("workqueue: queue closed")

// Queue is an unbounded FIFO with take/complete accounting. Join blocks until
// every item that was Put has been taken and marked Done, not merely until the
// queue is empty.
type Queue[T any] struct {
	mu      sync.Mutex
	ready   *sync.Cond // an item arrived or the queue closed
	idle    *sync.Cond // unfinished dropped to zero
	items   []T
	closed  bool
	pending int // put but not yet Done
}

func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.ready = sync.NewCond(&q.mu)
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Put appends an item. It never blocks.
func (q *Queue[T]) Put(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, item)
	q.pending++
	q.ready.Signal()
	return nil
}

// Get blocks until an item is available. ok is false once the queue is closed
// and drained.
func (q *Queue[T]) Get() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.ready.Wait()
	}
	if len(q.items) == 0 {
		return item, false
	}
	item = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// Done marks one taken item as finished.
func (q *Queue[T]) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending <= 0 {
		panic("workqueue: Done called more times than Put")
	}
	q.pending--
	if q.pending == 0 {
		q.idle.Broadcast()
	}
}

// Join is the completion barrier.
func (q *Queue[T]) Join() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending > 0 {
		q.idle.Wait()
	}
}

// Close stops accepting new items. Items already queued are still handed out.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.ready.Broadcast()
}

// Len is the number of queued, untaken items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending is the number of items put but not yet Done.
func (q *Queue[T]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}
