package flush

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrRetriesExhausted wraps the last error of a bounded policy.
var ErrRetriesExhausted = errors.New("flush: retries exhausted")

// ErrUnknownPolicy is returned by ParsePolicy.
var ErrUnknownPolicy = errors.New("flush: unknown retry policy")

// deadlockMarkers are the messages MySQL and PostgreSQL use for lock
// deadlocks.
var deadlockMarkers = []string{
	"Deadlock found when trying to get lock",
	"ER_LOCK_DEADLOCK",
	"deadlock detected",
}

// IsDeadlock reports whether err is a store deadlock, by message substring.
func IsDeadlock(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range deadlockMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// RetryPolicy decides what a flush does when its store write fails.
type RetryPolicy struct {
	name        string
	maxAttempts int // 0 means unbounded
	retryable   func(error) bool
}

var (
	// Infinite retries deadlocks with no backoff until the write succeeds or
	// the context is cancelled. Other errors are returned at once.
	Infinite = RetryPolicy{name: "infinite", retryable: IsDeadlock}

	// LogAndDrop never retries; the caller logs and drops the batch.
	LogAndDrop = RetryPolicy{name: "log-and-drop"}
)

// Bounded retries deadlocks up to attempts times in total.
func Bounded(attempts int) RetryPolicy {
	if attempts < 1 {
		attempts = 1
	}
	return RetryPolicy{
		name:        fmt.Sprintf("bounded-%d", attempts),
		maxAttempts: attempts,
		retryable:   IsDeadlock,
	}
}

// ParsePolicy maps a configuration value to a policy: "infinite",
// "log-and-drop" or "bounded-N".
func ParsePolicy(s string) (RetryPolicy, error) {
	switch s {
	case "infinite":
		return Infinite, nil
	case "log-and-drop", "drop", "":
		return LogAndDrop, nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "bounded-%d", &n); err == nil && n > 0 {
		return Bounded(n), nil
	}
	return RetryPolicy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

func (p RetryPolicy) String() string { return p.name }

// Do runs fn, retrying according to the policy. onRetry, when set, is called
// before every retry with the attempt number that failed.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error, onRetry func(attempt int, err error)) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if p.retryable == nil || !p.retryable(err) {
			return err
		}
		if p.maxAttempts > 0 && attempt >= p.maxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("retry aborted: %w", errors.Join(ctxErr, err))
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}
}
