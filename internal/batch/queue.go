package batch

import (
	"sync"
	"time"
)

type pending[T any] struct {
	item     T
	enqueued time.Time
	priority int
}

// queue is a bounded ring of pending updates for one connection.
type queue[T any] struct {
	mu     sync.Mutex
	buf    []pending[T]
	head   int
	size   int
	closed bool

	// sendMu keeps batches of one connection in order when the size trigger and the timer race.
	sendMu sync.Mutex
}

func newQueue[T any](capacity int) *queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &queue[T]{buf: make([]pending[T], capacity)}
}

func (q *queue[T]) idx(i int) int {
	return (q.head + i) % len(q.buf)
}

func (q *queue[T]) full() bool {
	return q.size == len(q.buf)
}

func (q *queue[T]) push(p pending[T]) {
	q.buf[q.idx(q.size)] = p
	q.size++
}

func (q *queue[T]) popFront() pending[T] {
	var zero pending[T]
	p := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return p
}

// removeAt removes the i-th item in queue order, keeping the rest ordered.
func (q *queue[T]) removeAt(i int) pending[T] {
	var zero pending[T]
	p := q.buf[q.idx(i)]
	for j := i; j < q.size-1; j++ {
		q.buf[q.idx(j)] = q.buf[q.idx(j+1)]
	}
	q.buf[q.idx(q.size-1)] = zero
	q.size--
	return p
}

// lowest returns the position of the oldest item with the lowest priority.
func (q *queue[T]) lowest() int {
	pos := 0
	for i := 1; i < q.size; i++ {
		if q.buf[q.idx(i)].priority < q.buf[q.idx(pos)].priority {
			pos = i
		}
	}
	return pos
}

func (q *queue[T]) oldest() (time.Time, bool) {
	if q.size == 0 {
		return time.Time{}, false
	}
	return q.buf[q.head].enqueued, true
}

// take empties the queue and returns its items in order with the oldest enqueue time.
func (q *queue[T]) take() ([]T, time.Time) {
	if q.size == 0 {
		return nil, time.Time{}
	}
	oldest := q.buf[q.head].enqueued
	items := make([]T, 0, q.size)
	for q.size > 0 {
		items = append(items, q.popFront().item)
	}
	q.head = 0
	return items, oldest
}

func (q *queue[T]) reset() {
	var zero pending[T]
	for i := range q.buf {
		q.buf[i] = zero
	}
	q.head = 0
	q.size = 0
}
