package ai

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/narratia/inkflow/pkg/schema"
)

// IsRetryableError classifies whether a provider error is worth retrying.
// Cancellation is never retryable; it means the execution is shutting down.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common transient failures.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ComputeBackoff calculates the delay before retry attempt n (0-based).
// Supports none, constant, linear, and exponential backoff.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	switch policy.Backoff {
	case "exponential":
		delay := base
		for i := 0; i < attempt; i++ {
			delay *= 2
		}
		return delay
	case "linear":
		return base * time.Duration(attempt+1)
	case "none":
		return 0
	default: // "constant" or empty
		return base
	}
}

// WaitForBackoff sleeps for the delay or returns early on context cancellation.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
