package polar

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerState represents the current state of a circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned while a circuit breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls to a backend that may be down.
type CircuitBreaker interface {
	// Execute runs fn unless the circuit is open.
	Execute(ctx context.Context, fn func() error) error
	// State returns the current state.
	State() CircuitBreakerState
}

// DefaultCircuitBreaker trips after a run of consecutive failures and lets a
// single trial call through once the reset timeout has passed. Domain answers
// (see IsExpectedOutcome) count as successes.
type DefaultCircuitBreaker struct {
	cb *gobreaker.CircuitBreaker[struct{}]
}

// NewDefaultCircuitBreaker creates a breaker. Non-positive arguments fall
// back to 5 failures and 30 seconds.
func NewDefaultCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "storage",
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failureThreshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsExpectedOutcome(err)
		},
	}
	if onStateChange != nil {
		settings.OnStateChange = func(_ string, _, to gobreaker.State) {
			onStateChange(stateOf(to))
		}
	}
	return &DefaultCircuitBreaker{cb: gobreaker.NewCircuitBreaker[struct{}](settings)}
}

// IsExpectedOutcome reports whether err is a domain answer from a healthy
// backend (not found, conflicts on business rules) rather than an outage.
func IsExpectedOutcome(err error) bool {
	return errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrOrderExists) ||
		errors.Is(err, ErrSubscriptionExists) ||
		errors.Is(err, context.Canceled)
}

// Execute implements CircuitBreaker. Calls rejected while open or while the
// half-open trial call is in flight return ErrCircuitOpen.
func (b *DefaultCircuitBreaker) Execute(_ context.Context, fn func() error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State implements CircuitBreaker.
func (b *DefaultCircuitBreaker) State() CircuitBreakerState {
	return stateOf(b.cb.State())
}

func stateOf(s gobreaker.State) CircuitBreakerState {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
