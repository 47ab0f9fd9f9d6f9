package resolver

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGeometricBackoff(t *testing.T) {
	backoff := GeometricBackoff(time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 3 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempt); got != tt.want {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.want, got)
		}
	}
}

func TestRetryPolicyDoStopsAfterBudget(t *testing.T) {
	calls := 0
	wantErr := errors.New("boom")
	policy := RetryPolicy{
		MaxAttempts: 3,
		Backoff:     func(int) time.Duration { return 0 },
	}

	err := policy.Do(context.Background(), func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryPolicyDoSucceedsMidway(t *testing.T) {
	calls := 0
	policy := RetryPolicy{
		MaxAttempts: 3,
		Backoff:     func(int) time.Duration { return 0 },
	}

	err := policy.Do(context.Background(), func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestRetryPolicyDoRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{
		MaxAttempts: 5,
		Backoff:     func(int) time.Duration { return time.Hour },
	}

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := policy.Do(ctx, func() error {
		calls++
		return errors.New("keep trying")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt before the backoff sleep, got %d", calls)
	}
}

func TestMidStreamPolicy(t *testing.T) {
	policy := MidStreamPolicy()
	if policy.MaxAttempts != 3 {
		t.Errorf("expected 3 total attempts, got %d", policy.MaxAttempts)
	}
	if policy.Backoff(0) != time.Second || policy.Backoff(1) != 2*time.Second {
		t.Error("expected geometric 1s backoff")
	}
}
