// Package retry provides attempt-bounded exponential backoff for the
// hardware pipeline. Every pipeline step runs through Do with its own base
// delay; hard protocol failures are wrapped with NonRetryable so they
// escalate immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	randMu  sync.Mutex
	randSrc = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// minJitter is the floor for the jitter component so two failing steps do
// not retry in lockstep even with tiny base delays.
const minJitter = 5 * time.Millisecond

// NonRetryableError marks an error that must not be retried (device said
// INPUT_ERROR, checksum mismatch, unknown mode).
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// NonRetryable wraps err so Do gives up on it immediately.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err is marked non-retryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config controls one retried operation.
type Config struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int
	// BaseDelay is the sleep after the first failure; it doubles per
	// attempt and carries ~delay/4 of jitter.
	BaseDelay time.Duration
	// Notify, when set, is called after each failed attempt that will be
	// retried.
	Notify func(op string, attempt int, err error)
}

// Attempts builds a Config with the given budget.
func Attempts(n int, base time.Duration) Config {
	return Config{MaxAttempts: n, BaseDelay: base}
}

// Do runs fn up to cfg.MaxAttempts times, sleeping base*2^(n-1) plus jitter
// between attempts. Context cancellation propagates without further
// attempts. Exhaustion returns an error naming op and the attempt count,
// wrapping the last failure.
func Do(ctx context.Context, cfg Config, op string, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn()
		if last == nil {
			return nil
		}
		if errors.Is(last, context.Canceled) || errors.Is(last, context.DeadlineExceeded) {
			return last
		}
		if IsNonRetryable(last) {
			return fmt.Errorf("%s: %w", op, last)
		}
		if attempt == attempts {
			break
		}
		if cfg.Notify != nil {
			cfg.Notify(op, attempt, last)
		}

		delay := cfg.BaseDelay << (attempt - 1)
		select {
		case <-time.After(delay + jitter(delay)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, last)
}

func jitter(delay time.Duration) time.Duration {
	span := delay / 4
	if span < minJitter {
		span = minJitter
	}
	randMu.Lock()
	defer randMu.Unlock()
	return time.Duration(randSrc.Int63n(int64(span)))
}
