// Package dedup merges re-emitted matching-engine entities so that only the
// greatest operation id per entity id survives.
package dedup

import (
	"sync"

	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/opid"
)

// Latest collapses a batch to one entity per key. Keys keep the position of
// their first occurrence; the surviving value is the last entity whose
// version supersedes the earlier ones. Zero keys are unidentified and pass
// through untouched.
func Latest[T model.Versioned](batch []T) []T {
	if len(batch) < 2 {
		return batch
	}
	out := make([]T, 0, len(batch))
	index := make(map[int64]int, len(batch))
	for _, v := range batch {
		key := v.Key()
		if key == 0 {
			out = append(out, v)
			continue
		}
		i, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, v)
			continue
		}
		if opid.Supersedes(v.Version(), out[i].Version()) {
			out[i] = v
		}
	}
	return out
}

// Buffer holds entities that were ingested but not yet flushed, one per key.
// It is safe for concurrent use.
type Buffer[T model.Versioned] struct {
	mu    sync.Mutex
	items map[int64]T
	order []int64
	loose []T
}

// NewBuffer creates an empty buffer.
func NewBuffer[T model.Versioned]() *Buffer[T] {
	return &Buffer[T]{items: make(map[int64]T)}
}

// Merge adds entities, replacing buffered ones they supersede. It returns how
// many entities were accepted.
func (b *Buffer[T]) Merge(values ...T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	accepted := 0
	for _, v := range values {
		key := v.Key()
		if key == 0 {
			b.loose = append(b.loose, v)
			accepted++
			continue
		}
		current, ok := b.items[key]
		if !ok {
			b.order = append(b.order, key)
			b.items[key] = v
			accepted++
			continue
		}
		if opid.Supersedes(v.Version(), current.Version()) {
			b.items[key] = v
			accepted++
		}
	}
	return accepted
}

// Drain removes up to n entities (all when n <= 0) in first-buffered order.
func (b *Buffer[T]) Drain(n int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := len(b.order) + len(b.loose)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]T, 0, n)
	for len(out) < n && len(b.order) > 0 {
		key := b.order[0]
		b.order = b.order[1:]
		out = append(out, b.items[key])
		delete(b.items, key)
	}
	for len(out) < n && len(b.loose) > 0 {
		out = append(out, b.loose[0])
		b.loose = b.loose[1:]
	}
	if len(b.order) == 0 {
		b.order = nil
	}
	return out
}

// Get returns the buffered entity for key.
func (b *Buffer[T]) Get(key int64) (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.items[key]
	return v, ok
}

// Len returns the number of buffered entities.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order) + len(b.loose)
}
