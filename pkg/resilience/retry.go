package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Operation is a retryable unit of work.
type Operation func(ctx context.Context) (interface{}, error)

// RetryConfig controls retry attempts and backoff growth.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	EnableJitter      bool

	// RetryableErrors, when non-empty, whitelists the errors worth retrying.
	RetryableErrors []error

	// RetryableChecker, when set, takes precedence over RetryableErrors.
	RetryableChecker func(err error) bool
}

// DefaultRetryConfig returns the standard retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		EnableJitter:      true,
	}
}

// AggressiveRetryConfig retries more often with shorter initial waits.
func AggressiveRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        16 * time.Second,
		BackoffMultiplier: 2.0,
		EnableJitter:      true,
	}
}

// ConservativeRetryConfig retries sparingly for expensive operations.
func ConservativeRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		EnableJitter:      true,
	}
}

// Retry executes the operation with exponential backoff until it succeeds,
// the attempt budget is spent, or a non-retryable error is returned.
func Retry(ctx context.Context, config RetryConfig, operation Operation) (interface{}, error) {
	maxAttempts := config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := operation(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err, config) {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		backoff := calculateBackoff(attempt, config)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, lastErr
}

// RetryWithBreaker runs the operation through the circuit breaker inside the
// retry loop. Breaker-open errors short-circuit the remaining attempts.
func RetryWithBreaker(ctx context.Context, config RetryConfig, breaker *CircuitBreaker, operation Operation) (interface{}, error) {
	return Retry(ctx, config, func(ctx context.Context) (interface{}, error) {
		return breaker.Execute(ctx, operation)
	})
}

func isRetryable(err error, config RetryConfig) bool {
	// A tripped breaker and a dead context are never worth hammering.
	if errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if config.RetryableChecker != nil {
		return config.RetryableChecker(err)
	}

	if len(config.RetryableErrors) > 0 {
		for _, retryable := range config.RetryableErrors {
			if errors.Is(err, retryable) {
				return true
			}
		}
		return false
	}

	return true
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	multiplier := config.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	backoff := time.Duration(float64(config.InitialBackoff) * math.Pow(multiplier, float64(attempt-1)))
	if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
		backoff = config.MaxBackoff
	}

	if config.EnableJitter {
		backoff = addJitter(backoff)
	}

	return backoff
}

// addJitter returns a random duration in [0, duration].
func addJitter(duration time.Duration) time.Duration {
	if duration <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(duration) + 1))
}

// IsRetryableHTTPStatus reports whether an HTTP status code indicates a
// transient failure worth retrying.
func IsRetryableHTTPStatus(statusCode int) bool {
	return statusCode == 408 || statusCode == 429 || statusCode >= 500
}
