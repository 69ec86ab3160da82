package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  3,
		ResetTimeout: 100 * time.Millisecond,
	})

	// 3 failures should open the circuit
	for i := 0; i < 3; i++ {
		cb.Execute(func() error { return fmt.Errorf("fail") })
	}

	if cb.State() != CircuitOpen {
		t.Errorf("expected open, got %s", cb.State())
	}

	// Should reject calls while open
	err := cb.Execute(func() error { return nil })
	if err == nil {
		t.Error("expected error when circuit is open")
	}
}

func TestCircuitBreaker_OpenToHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: 50 * time.Millisecond,
	})

	cb.Execute(func() error { return fmt.Errorf("fail") })
	cb.Execute(func() error { return fmt.Errorf("fail") })

	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	time.Sleep(60 * time.Millisecond)

	if cb.State() != CircuitHalfOpen {
		t.Errorf("expected half-open, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenToClosed(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: 50 * time.Millisecond,
	})

	cb.Execute(func() error { return fmt.Errorf("fail") })
	time.Sleep(60 * time.Millisecond)

	// Half-open: one success should close it
	err := cb.Execute(func() error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestRetry_Success(t *testing.T) {
	var attempts int
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
	}, func(attempt int) error {
		attempts++
		if attempt < 2 {
			return fmt.Errorf("not yet")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_MaxExceeded(t *testing.T) {
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
	}, func(attempt int) error {
		return fmt.Errorf("always fails")
	})

	if err == nil {
		t.Error("expected error on max retries exceeded")
	}
}

func TestRetry_NonRetriable(t *testing.T) {
	permanentErr := errors.New("permanent")
	var attempts int
	err := Retry(context.Background(), RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		RetryableErr: func(err error) bool { return !errors.Is(err, permanentErr) },
	}, func(attempt int) error {
		attempts++
		return permanentErr
	})

	if attempts != 1 {
		t.Errorf("expected 1 attempt for non-retriable, got %d", attempts)
	}
	if !errors.Is(err, permanentErr) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 50*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	if err == nil {
		t.Error("expected timeout error")
	}
}
