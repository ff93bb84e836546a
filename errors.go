package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Sentinel errors for common failure scenarios.
var (
	// ErrCircuitOpen is returned when a circuit breaker rejects a call and no
	// fallback strategy produced a result.
	ErrCircuitOpen = errors.New("resilience: circuit open")

	// ErrRateLimited is returned when a call is denied by the rate limiter.
	ErrRateLimited = errors.New("resilience: rate limited")

	// ErrRetryBudgetExceeded is returned when the shared retry budget is
	// exhausted and no further retries are scheduled.
	ErrRetryBudgetExceeded = errors.New("resilience: retry budget exceeded")

	// ErrDeduplicationTimeout is returned to waiters when the owning call for
	// their key never resolved within the safety window.
	ErrDeduplicationTimeout = errors.New("resilience: deduplicated call timed out")
)

// ServiceError is the normalized remote-service failure. The transport layer
// builds one of these at the network boundary so the core never has to dig
// status codes out of provider-specific error shapes.
type ServiceError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *ServiceError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("resilience: service error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("resilience: service error: %s", e.Message)
}

func (e *ServiceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewServiceError builds a ServiceError from a status code and message.
func NewServiceError(statusCode int, message string) *ServiceError {
	return &ServiceError{StatusCode: statusCode, Message: message}
}

// CircuitOpenError reports a fast-failed call, carrying the protected
// resource name and the time at which a probe becomes possible.
type CircuitOpenError struct {
	Resource string
	RetryAt  time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("resilience: circuit open for %q until %s", e.Resource, e.RetryAt.Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrCircuitOpen) match.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// CapacityError reports a per-resource pending queue that is full. The call
// was rejected synchronously, never silently dropped.
type CapacityError struct {
	Resource string
	Limit    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("resilience: pending queue for %q at capacity (%d)", e.Resource, e.Limit)
}

// DefaultRetryable is the default transient-failure classification: network
// errors, explicit timeouts, and 408/429/5xx service statuses are retryable;
// everything else is not. Callers wrapping non-idempotent operations should
// supply their own predicate instead.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrRetryBudgetExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		switch {
		case svcErr.StatusCode == 408 || svcErr.StatusCode == 429:
			return true
		case svcErr.StatusCode >= 500 && svcErr.StatusCode <= 599:
			return true
		case svcErr.RetryAfter > 0:
			return true
		default:
			return false
		}
	}

	return false
}

// IsCircuitOpen reports whether err comes from a circuit breaker fast-fail.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsRateLimited reports whether err comes from the rate limiter gate.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsServiceError reports whether a normalized ServiceError is in the chain.
func IsServiceError(err error) bool {
	var svcErr *ServiceError
	return errors.As(err, &svcErr)
}

// RetryAfterHint extracts an explicit "retry after" duration from the error
// chain, if the service supplied one.
func RetryAfterHint(err error) (time.Duration, bool) {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) && svcErr.RetryAfter > 0 {
		return svcErr.RetryAfter, true
	}
	return 0, false
}
