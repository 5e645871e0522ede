package consumer

import (
	"context"

	"github.com/atmx/reconciler/internal/dedup"
	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/queue"
)

// Buffer stages ingested entities until a flush takes them.
type Buffer[T any] interface {
	// Add stages items. It may block for backpressure until ctx is done.
	Add(ctx context.Context, items []T) error
	// Take removes up to n items in staging order.
	Take(n int) []T
	Len() int
}

// DedupBuffer keeps one entity per id, the one with the greatest operation
// id.
func DedupBuffer[T model.Versioned]() Buffer[T] {
	return &mapBuffer[T]{b: dedup.NewBuffer[T]()}
}

type mapBuffer[T model.Versioned] struct {
	b *dedup.Buffer[T]
}

func (m *mapBuffer[T]) Add(_ context.Context, items []T) error {
	m.b.Merge(items...)
	return nil
}

func (m *mapBuffer[T]) Take(n int) []T { return m.b.Drain(n) }
func (m *mapBuffer[T]) Len() int       { return m.b.Len() }

// QueueBuffer keeps every entity in arrival order and makes producers wait
// while limit entities are queued.
func QueueBuffer[T any](limit int) Buffer[T] {
	return &queueBuffer[T]{q: queue.NewBounded[T](limit)}
}

type queueBuffer[T any] struct {
	q *queue.Bounded[T]
}

func (b *queueBuffer[T]) Add(ctx context.Context, items []T) error {
	return b.q.Push(ctx, items...)
}

func (b *queueBuffer[T]) Take(n int) []T { return b.q.Drain(n) }
func (b *queueBuffer[T]) Len() int       { return b.q.Size() }
