package queue

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO safe for many producers. A single consumer
// may either poll it with Pop or block on it with Wait.
type Queue[T any] struct {
	head *node[T]
	tail *node[T]
	len  int

	mu *sync.Mutex
	// ready holds at most one pending wake-up for the consumer.
	ready chan struct{}
}

type node[T any] struct {
	value T
	next  *node[T]
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		mu:    &sync.Mutex{},
		ready: make(chan struct{}, 1),
	}
}

func (q *Queue[T]) Push(value T) {
	q.mu.Lock()

	n := &node[T]{value: value}
	if q.head == nil {
		q.head = n
		q.tail = n
	} else {
		q.tail.next = n
		q.tail = n
	}
	q.len++

	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var t T
	if q.head == nil {
		return t, false
	}

	n := q.head
	q.head = n.next
	if q.head == nil {
		q.tail = nil
	}

	q.len--
	return n.value, true
}

// Wait blocks until an element is available or ctx is done.
func (q *Queue[T]) Wait(ctx context.Context) (T, error) {
	for {
		if v, ok := q.Pop(); ok {
			return v, nil
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			var t T
			return t, ctx.Err()
		}
	}
}

// Ready is signalled after a Push. A receive on it does not guarantee
// the queue is still non-empty.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Clear drops every queued element.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.head = nil
	q.tail = nil
	q.len = 0
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.len
}

func (q *Queue[T]) Empty() bool {
	return q.Len() == 0
}
