package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	perm := errors.New("400 bad request")
	err := Do(context.Background(), fastRetry(5), func(context.Context) error {
		calls++
		return perm
	})
	if !errors.Is(err, perm) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetry(4), func(context.Context) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 4 {
		t.Errorf("expected 4 calls, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, RetryConfig{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errFlaky
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoVal_ReturnsValue(t *testing.T) {
	calls := 0
	v, err := DoVal(context.Background(), fastRetry(3), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errFlaky
		}
		return "profile", nil
	})
	if err != nil || v != "profile" {
		t.Fatalf("got %q, %v", v, err)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 10 * time.Minute},
		{2, 20 * time.Minute},
		{6, 320 * time.Minute},
		{7, 6 * time.Hour},
		{100, 6 * time.Hour},
		{-1, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, 5*time.Minute, 6*time.Hour, 2); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestSchedule_NextAfterAttempts(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	s := DefaultSchedule()

	next, ok := s.Next(1, now)
	if !ok || !next.Equal(now.Add(5*time.Minute)) {
		t.Errorf("after 1 attempt: got %s %v", next, ok)
	}
	next, ok = s.Next(4, now)
	if !ok || !next.Equal(now.Add(40*time.Minute)) {
		t.Errorf("after 4 attempts: got %s %v", next, ok)
	}
	if _, ok := s.Next(5, now); ok {
		t.Error("expected cap reached after 5 attempts")
	}
}
