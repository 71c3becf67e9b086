package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when an operation is rejected by an open breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Settings configures a circuit breaker.
type Settings struct {
	Name string

	// Interval is the cyclic period of the closed state in which failure
	// counts are reset.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing half-open.
	Timeout time.Duration

	// FailureThreshold is the number of consecutive failures that trips the breaker.
	FailureThreshold uint32

	// SuccessThreshold is the number of half-open successes required to close.
	SuccessThreshold uint32
}

// CircuitBreaker wraps gobreaker with metrics and fallback handling.
type CircuitBreaker struct {
	name     string
	cb       *gobreaker.CircuitBreaker
	fallback FallbackFunc
}

// NewCircuitBreaker creates a circuit breaker with the given settings. The
// fallback runs whenever the breaker rejects an operation.
func NewCircuitBreaker(settings Settings, fallback FallbackFunc) *CircuitBreaker {
	name := nextBreakerName(settings.Name)

	failureThreshold := settings.FailureThreshold
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	successThreshold := settings.SuccessThreshold
	if successThreshold == 0 {
		successThreshold = 1
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: successThreshold,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			recordBreakerStateChange(name, from, to)
		},
	})

	recordBreakerState(name, cb.State())

	if fallback == nil {
		fallback = NoopFallback
	}

	return &CircuitBreaker{name: name, cb: cb, fallback: fallback}
}

// Name returns the breaker's registered name.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// State returns the breaker's current state.
func (b *CircuitBreaker) State() gobreaker.State {
	return b.cb.State()
}

// Execute runs the operation through the breaker, invoking the fallback when
// the breaker is open.
func (b *CircuitBreaker) Execute(ctx context.Context, operation Operation) (interface{}, error) {
	recordBreakerRequest(b.name)

	result, err := b.cb.Execute(func() (interface{}, error) {
		return operation(ctx)
	})
	if err == nil {
		return result, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		recordBreakerFallback(b.name)
		return b.fallback(ctx, ErrCircuitOpen)
	}

	recordBreakerFailure(b.name)
	return nil, err
}
