package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "connection reset" }
func (fakeNetError) Timeout() bool   { return false }
func (fakeNetError) Temporary() bool { return true }

var _ net.Error = fakeNetError{}

func TestServiceErrorError(t *testing.T) {
	err := NewServiceError(503, "backend unavailable")
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("Expected status code in message, got %q", err.Error())
	}

	bare := &ServiceError{Message: "no status"}
	if strings.Contains(bare.Error(), "0") {
		t.Errorf("Expected no status in message, got %q", bare.Error())
	}
}

func TestServiceErrorUnwrap(t *testing.T) {
	cause := errors.New("tcp reset")
	err := &ServiceError{StatusCode: 502, Message: "bad gateway", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to reach the cause")
	}

	wrapped := fmt.Errorf("fetch failed: %w", err)
	var svcErr *ServiceError
	if !errors.As(wrapped, &svcErr) {
		t.Error("Expected errors.As to find ServiceError through wrapping")
	}
}

func TestCircuitOpenErrorMatchesSentinel(t *testing.T) {
	err := &CircuitOpenError{Resource: "sheet1", RetryAt: time.Now().Add(time.Minute)}

	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("Expected CircuitOpenError to match ErrCircuitOpen")
	}
	if !strings.Contains(err.Error(), "sheet1") {
		t.Errorf("Expected resource in message, got %q", err.Error())
	}
}

func TestDefaultRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"circuit open", ErrCircuitOpen, false},
		{"rate limited sentinel", ErrRateLimited, false},
		{"budget exceeded", ErrRetryBudgetExceeded, false},
		{"network", fakeNetError{}, true},
		{"wrapped network", fmt.Errorf("call: %w", fakeNetError{}), true},
		{"service 500", NewServiceError(500, "internal"), true},
		{"service 503", NewServiceError(503, "unavailable"), true},
		{"service 429", NewServiceError(429, "rate limited"), true},
		{"service 408", NewServiceError(408, "timeout"), true},
		{"service 400", NewServiceError(400, "bad request"), false},
		{"service 404", NewServiceError(404, "not found"), false},
		{"service 200 with hint", &ServiceError{Message: "slow down", RetryAfter: time.Second}, true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DefaultRetryable(tc.err); got != tc.want {
				t.Errorf("DefaultRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	if _, ok := RetryAfterHint(errors.New("boom")); ok {
		t.Error("Expected no hint from a plain error")
	}

	err := fmt.Errorf("call: %w", &ServiceError{StatusCode: 429, Message: "slow down", RetryAfter: 7 * time.Second})
	hint, ok := RetryAfterHint(err)
	if !ok {
		t.Fatal("Expected hint through wrapping")
	}
	if hint != 7*time.Second {
		t.Errorf("Hint = %v, want 7s", hint)
	}
}

func TestErrorClassifiers(t *testing.T) {
	if !IsCircuitOpen(&CircuitOpenError{Resource: "x"}) {
		t.Error("IsCircuitOpen should match CircuitOpenError")
	}
	if !IsRateLimited(fmt.Errorf("gate: %w", ErrRateLimited)) {
		t.Error("IsRateLimited should match through wrapping")
	}
	if !IsServiceError(NewServiceError(500, "x")) {
		t.Error("IsServiceError should match ServiceError")
	}
	if IsServiceError(errors.New("boom")) {
		t.Error("IsServiceError should reject plain errors")
	}
}

func TestCapacityErrorMessage(t *testing.T) {
	err := &CapacityError{Resource: "sheet1", Limit: 100}
	if !strings.Contains(err.Error(), "sheet1") || !strings.Contains(err.Error(), "100") {
		t.Errorf("Expected resource and limit in message, got %q", err.Error())
	}
}
