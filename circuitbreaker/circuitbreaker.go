package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "closed"
}

// CircuitBreaker stops calling a failing dependency after maxFailures
// consecutive errors and lets one trial call through once resetTimeout passes.
type CircuitBreaker struct {
	maxFailures     int
	resetTimeout    time.Duration
	failureCount    int
	lastFailureTime time.Time
	state           State
	now             func() time.Time
	onStateChange   func(from, to State)
	mu              sync.RWMutex
}

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

type Option func(*CircuitBreaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// OnStateChange registers a callback invoked with the lock held.
func OnStateChange(fn func(from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onStateChange = fn }
}

func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailureTime) > cb.resetTimeout {
			cb.setState(StateHalfOpen)
			cb.failureCount = 0
		} else {
			return ErrCircuitOpen
		}
	}

	err := fn()

	if err != nil {
		cb.failureCount++
		cb.lastFailureTime = cb.now()

		if cb.failureCount >= cb.maxFailures || cb.state == StateHalfOpen {
			cb.setState(StateOpen)
		}
		return err
	}

	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
	}
	cb.failureCount = 0
	return nil
}

func (cb *CircuitBreaker) setState(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
