package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsWithoutRetryingOnFirstSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetry_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	cfg := &RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2}
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_ExhaustsAttemptsAndWrapsLastError(t *testing.T) {
	want := errors.New("always fails")
	cfg := &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2}
	err := Retry(context.Background(), cfg, func() error { return want })

	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Fatalf("expected wrapped ErrMaxRetriesExceeded, got %v", err)
	}
	if !errors.Is(err, want) {
		t.Fatalf("expected last error to unwrap to %v, got %v", want, err)
	}
}

func TestRetry_StopsImmediatelyOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, DefaultRetryConfig(), func() error {
		calls++
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected fn not to run once ctx is already cancelled, got %d calls", calls)
	}
}

func TestBackoffDelay_GrowsExponentiallyAndCapsAtMaxDelay(t *testing.T) {
	base := 100 * time.Millisecond
	max := 500 * time.Millisecond

	d0 := BackoffDelay(base, max, 2.0, 0, false)
	d1 := BackoffDelay(base, max, 2.0, 1, false)
	d2 := BackoffDelay(base, max, 2.0, 2, false)
	dCapped := BackoffDelay(base, max, 2.0, 10, false)

	if d0 != base {
		t.Fatalf("attempt 0 should equal base, got %v", d0)
	}
	if d1 != 2*base {
		t.Fatalf("attempt 1 should double, got %v", d1)
	}
	if d2 != 4*base {
		t.Fatalf("attempt 2 should quadruple, got %v", d2)
	}
	if dCapped != max {
		t.Fatalf("large attempt should cap at maxDelay, got %v", dCapped)
	}
}

func TestBackoffDelay_JitterStaysWithinUniformBounds(t *testing.T) {
	base := 100 * time.Millisecond
	low := time.Duration(0.8 * float64(base))
	high := time.Duration(1.2 * float64(base))

	for i := 0; i < 1000; i++ {
		d := BackoffDelay(base, 0, 1.0, 0, true)
		if d < low || d > high {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, low, high)
		}
	}
}

func TestBackoffDelay_UncappedWhenMaxDelayIsZero(t *testing.T) {
	base := time.Second
	d := BackoffDelay(base, 0, 2.0, 10, false)
	if d != base*1024 {
		t.Fatalf("expected uncapped exponential growth, got %v", d)
	}
}
