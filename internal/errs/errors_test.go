package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want Kind
	}{
		{"request timeout", KindTransient},
		{"context deadline exceeded", KindTransient},
		{"dial tcp: connection refused", KindTransient},
		{"429 Too Many Requests", KindTransient},
		{"HTTP 503 service unavailable", KindTransient},
		{"pq: deadlock detected", KindTransient},
		{"401 unauthorized", KindFatal},
		{"invalid api key", KindFatal},
		{"permission denied", KindFatal},
		{"insufficient funds: need 42.00", KindExchangeConflict},
		{"post only order would cross", KindExchangeConflict},
		{"entry price must be positive", KindValidation},
	}

	for _, tt := range tests {
		if got := Classify(fmt.Errorf("%s", tt.msg)); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	wrapped := New(KindBusiness, "gate", errors.New("too many open positions"))
	if got := KindOf(wrapped); got != KindBusiness {
		t.Errorf("KindOf(wrapped) = %s, want BUSINESS", got)
	}

	// Wrapping through fmt.Errorf keeps the kind reachable via errors.As
	deep := fmt.Errorf("outer: %w", wrapped)
	if got := KindOf(deep); got != KindBusiness {
		t.Errorf("KindOf(deep) = %s, want BUSINESS", got)
	}

	// Untyped errors fall back to message classification
	if got := KindOf(errors.New("connection reset by peer")); got != KindTransient {
		t.Errorf("KindOf(raw transient) = %s, want TRANSIENT", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := New(KindFatal, "executor", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause should be reachable via errors.Is")
	}
}

func TestRetryStopsOnNonTransient(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return New(KindValidation, "test", errors.New("bad input"))
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("validation error retried %d times, want 1 call", calls)
	}
}

func TestRetryRecoversFromTransient(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return New(KindTransient, "test", errors.New("timeout"))
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("got %d calls, want 3", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return New(KindTransient, "test", errors.New("timeout"))
	})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("got %d calls, want 3", calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, cfg, func() error {
		return New(KindTransient, "test", errors.New("timeout"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestIsInsufficientFunds(t *testing.T) {
	if !IsInsufficientFunds(errors.New("Insufficient Funds: need 12.50")) {
		t.Error("should match insufficient funds")
	}
	if IsInsufficientFunds(errors.New("timeout")) {
		t.Error("should not match unrelated errors")
	}
	if IsInsufficientFunds(nil) {
		t.Error("nil is never insufficient funds")
	}
}
