// Package flush holds the primitives behind the periodic flush of buffered
// entities: the single-flight running set, the timer loop and the retry
// policies applied to durable-store writes.
package flush

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunningSet records in-flight flushes, one fresh uuid per invocation. A
// non-empty set means busy; readers such as the drain poll may inspect it
// concurrently with the flush that owns an entry.
type RunningSet struct {
	mu  sync.Mutex
	ids map[uuid.UUID]time.Time
}

// NewRunningSet creates an empty set.
func NewRunningSet() *RunningSet {
	return &RunningSet{ids: make(map[uuid.UUID]time.Time)}
}

// TryAcquire registers a new invocation unless another one is in flight.
func (s *RunningSet) TryAcquire() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.ids) > 0 {
		return uuid.Nil, false
	}
	id := uuid.New()
	s.ids[id] = time.Now()
	return id, true
}

// Release removes a finished invocation.
func (s *RunningSet) Release(id uuid.UUID) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

// Len returns the number of in-flight invocations.
func (s *RunningSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// Empty reports whether nothing is in flight.
func (s *RunningSet) Empty() bool { return s.Len() == 0 }

// Every calls fn once per period until ctx is done. Calls run on the loop's
// goroutine, so a slow call delays the next tick instead of overlapping it.
func Every(ctx context.Context, period time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
