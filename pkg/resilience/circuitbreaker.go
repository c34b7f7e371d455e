// Package resilience guards calls to unreliable backends.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout elapses
	StateOpen
	// StateHalfOpen lets a single probe through
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitBreakerOpen is returned when the circuit breaker rejects a call
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

var errPanicked = errors.New("circuit breaker: call panicked")

// Option customizes a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithFailurePredicate decides which errors count against the breaker.
// The default ignores context.Canceled.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(cb *CircuitBreaker) {
		if fn != nil {
			cb.isFailure = fn
		}
	}
}

// WithStateChangeHook registers a callback invoked on every transition.
// The hook runs outside the breaker lock.
func WithStateChangeHook(fn func(from, to State)) Option {
	return func(cb *CircuitBreaker) {
		cb.onChange = fn
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// CircuitBreaker stops calling a backend after maxFailures consecutive failures and
// probes it again once resetTimeout has elapsed.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	isFailure    func(error) bool
	onChange     func(from, to State)
	now          func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	probing  bool
	openedAt time.Time
}

// NewCircuitBreaker creates a closed circuit breaker. maxFailures below 1 is treated as 1.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, opts ...Option) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	cb := &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		isFailure:    defaultIsFailure,
		now:          time.Now,
		state:        StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs fn if the breaker allows it and records the outcome. A panic in fn is
// recorded as a failure before it propagates.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, ok := cb.admit()
	if !ok {
		return ErrCircuitBreakerOpen
	}

	completed := false
	defer func() {
		if !completed {
			cb.record(probe, errPanicked)
		}
	}()
	err := fn()
	completed = true
	cb.record(probe, err)
	return err
}

func (cb *CircuitBreaker) admit() (probe bool, ok bool) {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return false, true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return false, false
		}
		cb.probing = true
		cb.transition(StateHalfOpen)
		return true, true
	default:
		if cb.probing {
			cb.mu.Unlock()
			return false, false
		}
		cb.probing = true
		cb.mu.Unlock()
		return true, true
	}
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	if probe {
		cb.probing = false
	}

	if !cb.isFailure(err) {
		cb.failures = 0
		if cb.state == StateHalfOpen && probe {
			cb.transition(StateClosed)
			return
		}
		cb.mu.Unlock()
		return
	}

	if cb.state == StateHalfOpen {
		cb.openedAt = cb.now()
		cb.failures = 0
		cb.transition(StateOpen)
		return
	}

	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.maxFailures {
		cb.openedAt = cb.now()
		cb.failures = 0
		cb.transition(StateOpen)
		return
	}
	cb.mu.Unlock()
}

// transition must be called with cb.mu held; it releases the lock.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	hook := cb.onChange
	cb.mu.Unlock()

	if hook != nil && from != to {
		hook(from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has elapsed still
// reports StateOpen until the next call probes it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count in the closed state.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.probing = false
	cb.transition(StateClosed)
}
