// Package queue provides the FIFO buffers that sit between command ingestion
// and batched persistence.
package queue

import (
	"context"
	"sync"
	"time"
)

type node[T any] struct {
	value T
	next  *node[T]
}

// Queue is a singly linked FIFO. It is not safe for concurrent use.
type Queue[T any] struct {
	head *node[T]
	tail *node[T]
	size int
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Enqueue appends v at the tail.
func (q *Queue[T]) Enqueue(v T) {
	n := &node[T]{value: v}
	if q.tail == nil {
		q.head = n
	} else {
		q.tail.next = n
	}
	q.tail = n
	q.size++
}

// Dequeue removes and returns the head. ok is false on an empty queue.
func (q *Queue[T]) Dequeue() (v T, ok bool) {
	if q.head == nil {
		return v, false
	}
	n := q.head
	q.head = n.next
	if q.head == nil {
		q.tail = nil
	}
	q.size--
	return n.value, true
}

// Peek returns the head without removing it.
func (q *Queue[T]) Peek() (v T, ok bool) {
	if q.head == nil {
		return v, false
	}
	return q.head.value, true
}

// Size returns the number of queued values.
func (q *Queue[T]) Size() int { return q.size }

// IsEmpty reports whether the queue holds nothing.
func (q *Queue[T]) IsEmpty() bool { return q.size == 0 }

// DefaultWaitInterval is how often a full Bounded queue re-checks its size.
const DefaultWaitInterval = 10 * time.Millisecond

// Bounded is a concurrency-safe Queue with a soft capacity. Producers that
// find it full wait cooperatively until consumers drain it below the limit;
// values are never dropped and Push never fails because of capacity.
type Bounded[T any] struct {
	mu           sync.Mutex
	q            *Queue[T]
	max          int
	waitInterval time.Duration
}

// NewBounded creates a bounded queue. limit <= 0 disables the limit.
func NewBounded[T any](limit int) *Bounded[T] {
	return &Bounded[T]{
		q:            New[T](),
		max:          limit,
		waitInterval: DefaultWaitInterval,
	}
}

// WithWaitInterval overrides the backpressure poll period.
func (b *Bounded[T]) WithWaitInterval(d time.Duration) *Bounded[T] {
	if d > 0 {
		b.waitInterval = d
	}
	return b
}

// Push enqueues all values, waiting whenever the queue is at capacity. It
// only returns early when ctx is done; values pushed before that remain queued.
func (b *Bounded[T]) Push(ctx context.Context, values ...T) error {
	for _, v := range values {
		if err := b.waitForRoom(ctx); err != nil {
			return err
		}
		b.mu.Lock()
		b.q.Enqueue(v)
		b.mu.Unlock()
	}
	return nil
}

func (b *Bounded[T]) waitForRoom(ctx context.Context) error {
	if b.max <= 0 {
		return nil
	}
	var ticker *time.Ticker
	for {
		b.mu.Lock()
		full := b.q.Size() >= b.max
		b.mu.Unlock()
		if !full {
			return nil
		}
		if ticker == nil {
			ticker = time.NewTicker(b.waitInterval)
			defer ticker.Stop()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain dequeues up to n values in FIFO order.
func (b *Bounded[T]) Drain(n int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > b.q.Size() {
		n = b.q.Size()
	}
	out := make([]T, 0, n)
	for len(out) < n {
		v, ok := b.q.Dequeue()
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out
}

// Size returns the current length.
func (b *Bounded[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Size()
}

// IsEmpty reports whether the queue holds nothing.
func (b *Bounded[T]) IsEmpty() bool { return b.Size() == 0 }

// Max returns the configured capacity.
func (b *Bounded[T]) Max() int { return b.max }
