package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Attempts(3, time.Millisecond), "noop", func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestExhaustionCountsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("port stuck")
	err := Do(context.Background(), Attempts(3, time.Millisecond), "switch route", func() error {
		calls++
		return boom
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want exactly 3", calls)
	}
	if err == nil || !errors.Is(err, boom) {
		t.Fatalf("exhaustion should wrap last error, got %v", err)
	}
	if !strings.Contains(err.Error(), "switch route") || !strings.Contains(err.Error(), "3 attempts") {
		t.Fatalf("error must name op and attempt count: %v", err)
	}
}

func TestRecoversMidway(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Attempts(3, time.Millisecond), "flaky", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestNonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Attempts(5, time.Millisecond), "autopeak", func() error {
		calls++
		return NonRetryable(errors.New("INPUT_ERROR"))
	})
	if calls != 1 {
		t.Fatalf("non-retryable was retried: calls=%d", calls)
	}
	if err == nil || !IsNonRetryable(err) {
		t.Fatalf("marker lost: %v", err)
	}
}

func TestContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, Attempts(10, 500*time.Millisecond), "slow", func() error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (cancel hit during backoff)", calls)
	}
}

func TestNotifyFiresPerRetriedAttempt(t *testing.T) {
	var notified []int
	cfg := Attempts(3, time.Millisecond)
	cfg.Notify = func(op string, attempt int, err error) {
		notified = append(notified, attempt)
	}
	_ = Do(context.Background(), cfg, "x", func() error { return errors.New("nope") })
	if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
		t.Fatalf("notify attempts = %v, want [1 2]", notified)
	}
}
