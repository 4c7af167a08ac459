package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// DefaultRetry is the retry policy used at the boundary for writes that must
// not be silently lost (command enqueue, device registration).
var DefaultRetry = RetryPolicy{Attempts: 4, BaseDelay: 50 * time.Millisecond}

// RetryPolicy bounds how often a transiently failing store operation is retried.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// Do runs fn, retrying transient store failures with exponential backoff.
// Non-transient errors and context cancellation return immediately. Exhausting
// the attempts surfaces the last error to the caller; the write is never
// dropped silently.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !Transient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// Transient reports whether err looks like a transient SQLite failure
// (locked database, busy writer) worth retrying.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}
