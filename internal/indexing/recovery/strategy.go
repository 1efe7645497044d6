package recovery

import (
	"errors"
	"math"
	"time"
)

// FailureCategory groups errors by how they should be handled.
type FailureCategory int

const (
	// CategoryTransient errors are retried locally.
	CategoryTransient FailureCategory = iota
	// CategoryFatal errors are returned to the caller immediately.
	CategoryFatal
)

// Classifier maps an error to its category.
type Classifier func(err error) FailureCategory

// ConsistencyClassifier retries only data consistency errors.
func ConsistencyClassifier(err error) FailureCategory {
	if errors.Is(err, ErrDataConsistency) {
		return CategoryTransient
	}
	return CategoryFatal
}

// RetryStrategy defines how retries should be handled.
type RetryStrategy interface {
	// GetDelay returns the delay for the given attempt (0-indexed).
	GetDelay(attempt int) time.Duration

	// ShouldRetry checks if we should retry based on the error and attempt count.
	ShouldRetry(err error, attempt int) bool
}

// ExponentialBackoff implements a standard backoff strategy.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Classifier   Classifier
}

// DefaultBackoff returns the short bounded schedule used for consistency
// errors: 20ms, 40ms, 80ms, 160ms (max 200ms), 5 attempts.
func DefaultBackoff(classifier Classifier) *ExponentialBackoff {
	if classifier == nil {
		classifier = ConsistencyClassifier
	}
	return &ExponentialBackoff{
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		MaxAttempts:  5,
		Classifier:   classifier,
	}
}

// FixedBackoff retries with a constant delay.
func FixedBackoff(delay time.Duration, attempts int, classifier Classifier) *ExponentialBackoff {
	b := DefaultBackoff(classifier)
	b.InitialDelay = delay
	b.MaxDelay = delay
	b.MaxAttempts = attempts
	return b
}

// GetDelay calculates delay: InitialDelay * 2^attempt
func (s *ExponentialBackoff) GetDelay(attempt int) time.Duration {
	delay := float64(s.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry checks if error is transient and another attempt is allowed.
// attempt is the number of attempts already made.
func (s *ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	if attempt >= s.MaxAttempts {
		return false
	}
	return s.Classifier(err) == CategoryTransient
}
