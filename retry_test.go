package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func transientError() error {
	return NewServiceError(503, "backend unavailable")
}

func TestRetryExecutorSucceedsFirstAttempt(t *testing.T) {
	e := NewRetryExecutor(RetryOptions{})

	calls := 0
	value, err := e.Execute(context.Background(), "sheet1", func(ctx context.Context) (any, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if value != "ok" {
		t.Errorf("Execute() = %v, want ok", value)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestRetryExecutorRetriesTransientErrors(t *testing.T) {
	e := NewRetryExecutor(RetryOptions{
		MaxRetries:  3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		JitterRatio: -1, // negative clamps to zero, deterministic delays
	})

	calls := 0
	value, err := e.Execute(context.Background(), "sheet1", func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, transientError()
		}
		return calls, nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if value != 3 {
		t.Errorf("Execute() = %v, want 3", value)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestRetryExecutorExhaustionSurfacesLastError(t *testing.T) {
	e := NewRetryExecutor(RetryOptions{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	})

	calls := 0
	_, err := e.Execute(context.Background(), "sheet1", func(ctx context.Context) (any, error) {
		calls++
		return nil, transientError()
	})

	if calls != 3 {
		t.Errorf("Expected initial attempt + 2 retries = 3 calls, got %d", calls)
	}
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) || svcErr.StatusCode != 503 {
		t.Errorf("Expected last ServiceError to surface unchanged, got %v", err)
	}
}

func TestRetryExecutorNonRetryableFailsFast(t *testing.T) {
	e := NewRetryExecutor(RetryOptions{MaxRetries: 5})

	calls := 0
	_, err := e.Execute(context.Background(), "sheet1", func(ctx context.Context) (any, error) {
		calls++
		return nil, NewServiceError(400, "bad range")
	})

	if calls != 1 {
		t.Errorf("Expected no retries for 400, got %d calls", calls)
	}
	if err == nil {
		t.Fatal("Expected error")
	}
}

func TestRetryExecutorZeroRetries(t *testing.T) {
	e := NewRetryExecutor(RetryOptions{MaxRetries: -1})

	calls := 0
	_, err := e.Execute(context.Background(), "sheet1", func(ctx context.Context) (any, error) {
		calls++
		return nil, transientError()
	})
	if calls != 1 {
		t.Errorf("Expected single attempt with retries disabled, got %d", calls)
	}
	if err == nil {
		t.Fatal("Expected error")
	}
}

func TestRetryExecutorHonorsRetryAfterHint(t *testing.T) {
	e := NewRetryExecutor(RetryOptions{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Second,
	})

	hint := 30 * time.Millisecond
	calls := 0
	start := time.Now()
	_, err := e.Execute(context.Background(), "sheet1", func(ctx context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, &ServiceError{StatusCode: 429, Message: "rate limited", RetryAfter: hint}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < hint {
		t.Errorf("Expected at least %v wait from server hint, waited %v", hint, elapsed)
	}
}

func TestRetryExecutorRetryAfterCappedAtMaxDelay(t *testing.T) {
	e := NewRetryExecutor(RetryOptions{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})

	err := &ServiceError{StatusCode: 429, Message: "rate limited", RetryAfter: time.Hour}
	if delay := e.nextDelay(0, err); delay != 10*time.Millisecond {
		t.Errorf("Expected hint capped at MaxDelay, got %v", delay)
	}
}

func TestRetryExecutorStopsBeforeDeadline(t *testing.T) {
	e := NewRetryExecutor(RetryOptions{
		MaxRetries: 10,
		BaseDelay:  time.Hour,
		MaxDelay:   time.Hour,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	_, err := e.Execute(ctx, "sheet1", func(ctx context.Context) (any, error) {
		calls++
		return nil, transientError()
	})

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Executor slept past the deadline, elapsed %v", elapsed)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call when the delay exceeds the deadline, got %d", calls)
	}
	// The transient failure must surface, not the deadline
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Errorf("Expected last operation error, got %v", err)
	}
}

func TestRetryExecutorContextCancelDuringBackoff(t *testing.T) {
	e := NewRetryExecutor(RetryOptions{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := e.Execute(ctx, "sheet1", func(ctx context.Context) (any, error) {
		return nil, transientError()
	})
	if time.Since(start) > time.Second {
		t.Error("Cancel did not interrupt the backoff sleep")
	}
	if err == nil {
		t.Fatal("Expected error")
	}
}

func TestRetryExecutorPerAttemptTimeout(t *testing.T) {
	e := NewRetryExecutor(RetryOptions{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
		Timeout:    10 * time.Millisecond,
	})

	calls := 0
	_, err := e.Execute(context.Background(), "sheet1", func(ctx context.Context) (any, error) {
		calls++
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if calls != 2 {
		t.Errorf("Expected timeout to be retryable, got %d calls", calls)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestRetryExecutorBudgetExhausted(t *testing.T) {
	budget := NewRetryBudget(1, time.Hour)
	e := NewRetryExecutor(RetryOptions{
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
		Budget:     budget,
	})

	calls := 0
	_, err := e.Execute(context.Background(), "sheet1", func(ctx context.Context) (any, error) {
		calls++
		return nil, transientError()
	})

	if calls != 2 {
		t.Errorf("Expected budget to allow exactly 1 retry, got %d calls", calls)
	}
	if !errors.Is(err, ErrRetryBudgetExceeded) {
		t.Errorf("Expected ErrRetryBudgetExceeded, got %v", err)
	}
}

func TestRetryBudgetWindowReset(t *testing.T) {
	budget := NewRetryBudget(2, 20*time.Millisecond)

	if !budget.Allow() || !budget.Allow() {
		t.Fatal("Expected first two retries allowed")
	}
	if budget.Allow() {
		t.Error("Expected third retry denied within the window")
	}

	time.Sleep(30 * time.Millisecond)

	if !budget.Allow() {
		t.Error("Expected retry allowed after the window rolled over")
	}
}

func TestRetryOptionsDefaults(t *testing.T) {
	o := RetryOptions{}.withDefaults()

	if o.MaxRetries != 3 {
		t.Errorf("Expected default MaxRetries=3, got %d", o.MaxRetries)
	}
	if o.BaseDelay != 100*time.Millisecond {
		t.Errorf("Expected default BaseDelay=100ms, got %v", o.BaseDelay)
	}
	if o.MaxDelay != 10*time.Second {
		t.Errorf("Expected default MaxDelay=10s, got %v", o.MaxDelay)
	}
	if o.Multiplier != 2.0 {
		t.Errorf("Expected default Multiplier=2.0, got %v", o.Multiplier)
	}
	if o.Retryable == nil {
		t.Error("Expected default Retryable predicate")
	}
}

func TestExecuteWithRetry(t *testing.T) {
	calls := 0
	value, err := ExecuteWithRetry(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, transientError()
		}
		return "done", nil
	}, RetryOptions{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	if err != nil {
		t.Fatalf("ExecuteWithRetry() error = %v", err)
	}
	if value != "done" {
		t.Errorf("ExecuteWithRetry() = %v, want done", value)
	}
}
