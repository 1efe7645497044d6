// Package recovery retries transient data consistency errors with a small
// bounded number of attempts before escalating them.
//
// An upstream view can briefly lag what the caller expects: a split returns
// fewer blocks than the finality offset implies, or a node reports a head it
// cannot serve yet. Such errors are wrapped with ErrDataConsistency and
// retried by Retry; anything else is returned immediately.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/chainsync/internal/indexing/metrics"
)

var (
	// ErrDataConsistency marks errors caused by an upstream view that is not
	// yet consistent with what the caller expects.
	ErrDataConsistency = errors.New("data not yet consistent")

	// ErrRetriesExhausted is returned when a transient error persisted past
	// the allowed number of attempts.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Consistency wraps err as a data consistency error.
func Consistency(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDataConsistency, fmt.Sprintf(format, args...))
}

// Retry runs op until it succeeds, fails with a non transient error or the
// strategy gives up. The last error is wrapped with ErrRetriesExhausted.
func Retry(ctx context.Context, strategy RetryStrategy, op func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !strategy.ShouldRetry(err, attempt+1) {
			if attempt > 0 && errors.Is(err, ErrDataConsistency) {
				return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt+1, err)
			}
			return err
		}

		metrics.ConsistencyRetries.Inc()
		delay := strategy.GetDelay(attempt)
		slog.Warn("Retrying after consistency error", "attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
