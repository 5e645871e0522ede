package flush

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDeadlock = errors.New("Error 1213 (40001): Deadlock found when trying to get lock; try restarting transaction")

func TestRunningSet_SingleFlight(t *testing.T) {
	s := NewRunningSet()
	id, ok := s.TryAcquire()
	require.True(t, ok)
	assert.False(t, s.Empty())

	_, ok = s.TryAcquire()
	assert.False(t, ok, "second acquire while busy must fail")

	s.Release(id)
	assert.True(t, s.Empty())

	id2, ok := s.TryAcquire()
	require.True(t, ok)
	assert.NotEqual(t, id, id2, "each invocation gets a fresh id")
}

func TestRunningSet_ConcurrentAcquire(t *testing.T) {
	s := NewRunningSet()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.TryAcquire(); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestIsDeadlock(t *testing.T) {
	assert.True(t, IsDeadlock(errDeadlock))
	assert.True(t, IsDeadlock(errors.New("ERROR: deadlock detected (SQLSTATE 40P01)")))
	assert.False(t, IsDeadlock(errors.New("duplicate key")))
	assert.False(t, IsDeadlock(nil))
}

func TestInfinite_RetriesDeadlockUntilSuccess(t *testing.T) {
	calls := 0
	retries := 0
	err := Infinite.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 5 {
			return errDeadlock
		}
		return nil
	}, func(int, error) { retries++ })

	require.NoError(t, err)
	assert.Equal(t, 5, calls)
	assert.Equal(t, 4, retries)
}

func TestInfinite_DoesNotRetryOtherErrors(t *testing.T) {
	boom := errors.New("connection refused")
	calls := 0
	err := Infinite.Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	}, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestInfinite_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Infinite.Do(ctx, func(context.Context) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return errDeadlock
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, calls)
}

func TestBounded(t *testing.T) {
	calls := 0
	err := Bounded(3).Do(context.Background(), func(context.Context) error {
		calls++
		return errDeadlock
	}, nil)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 3, calls)
}

func TestLogAndDrop(t *testing.T) {
	calls := 0
	err := LogAndDrop.Do(context.Background(), func(context.Context) error {
		calls++
		return errDeadlock
	}, nil)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("infinite")
	require.NoError(t, err)
	assert.Equal(t, "infinite", p.String())

	p, err = ParsePolicy("bounded-7")
	require.NoError(t, err)
	assert.Equal(t, "bounded-7", p.String())

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, "log-and-drop", p.String())

	_, err = ParsePolicy("forever")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestEvery_NoOverlap(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	var running, maxRunning, calls atomic.Int32
	Every(ctx, time.Millisecond, func(context.Context) {
		n := running.Add(1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		calls.Add(1)
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
	})

	assert.Equal(t, int32(1), maxRunning.Load())
	assert.Greater(t, calls.Load(), int32(1))
}
