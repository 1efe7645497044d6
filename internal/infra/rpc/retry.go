package rpc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"
)

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    200 * time.Millisecond,
	MaxDelay:        5 * time.Second,
	BackoffMultiple: 2.0,
}

// ErrorAction determines how to handle an error.
type ErrorAction int

const (
	ActionRetry ErrorAction = iota
	ActionFailover
	ActionFatal
)

func (a ErrorAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFailover:
		return "failover"
	default:
		return "fatal"
	}
}

// ClassifyError determines the action for a given error.
func ClassifyError(err error) ErrorAction {
	if err == nil {
		return ActionRetry
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ActionFatal
	}

	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		// Parse error, invalid request, method not found, invalid params
		case -32700, -32600, -32601, -32602:
			return ActionFatal
		}
		if isQuotaMessage(rpcErr.Message) {
			return ActionFailover
		}
		return ActionRetry
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.Status {
		case http.StatusTooManyRequests, http.StatusForbidden, http.StatusUnauthorized, http.StatusPaymentRequired:
			return ActionFailover
		}
		if isQuotaMessage(httpErr.Body) {
			return ActionFailover
		}
		return ActionRetry
	}

	// Network errors and the like
	return ActionRetry
}

func isQuotaMessage(s string) bool {
	s = strings.ToLower(s)
	for _, p := range []string{"too many requests", "quota", "plan limit", "rate limit", "count exceeded"} {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// withRetry runs fn with exponential backoff. Failover and fatal errors are
// returned immediately.
func withRetry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ClassifyError(err) != ActionRetry || attempt == config.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(calculateBackoff(attempt, config)):
		}
	}
	return fmt.Errorf("failed after retries: %w", lastErr)
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.BackoffMultiple, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}
