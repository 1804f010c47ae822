package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrOpen is returned by Execute while the breaker rejects calls
var ErrOpen = errors.New("circuit breaker is open")

// State represents circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// Breaker implements circuit breaker pattern
type Breaker struct {
	name        string
	maxFailures int64
	timeout     time.Duration
	mu          sync.RWMutex
	state       int32 // State (atomic)
	failures    int64 // Failure count (atomic)
	lastFailure time.Time

	// OnStateChange is called after every transition
	OnStateChange func(name string, to State)
}

// NewBreaker creates a new circuit breaker
func NewBreaker(name string, maxFailures int64, timeout time.Duration) *Breaker {
	return &Breaker{
		name:        name,
		maxFailures: maxFailures,
		timeout:     timeout,
		state:       int32(StateClosed),
	}
}

// Allow checks if the circuit breaker allows the request
func (b *Breaker) Allow() bool {
	state := State(atomic.LoadInt32(&b.state))

	switch state {
	case StateClosed:
		return true
	case StateOpen:
		b.mu.RLock()
		lastFailure := b.lastFailure
		b.mu.RUnlock()
		if time.Since(lastFailure) >= b.timeout {
			// Try to transition to half-open
			if b.transition(StateOpen, StateHalfOpen) {
				atomic.StoreInt64(&b.failures, 0)
				return true
			}
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful request
func (b *Breaker) RecordSuccess() {
	if b.transition(StateHalfOpen, StateClosed) {
		atomic.StoreInt64(&b.failures, 0)
	}
}

// RecordFailure records a failed request
func (b *Breaker) RecordFailure() {
	failures := atomic.AddInt64(&b.failures, 1)
	b.mu.Lock()
	b.lastFailure = time.Now()
	b.mu.Unlock()

	if failures >= b.maxFailures || b.State() == StateHalfOpen {
		if !b.transition(StateClosed, StateOpen) {
			b.transition(StateHalfOpen, StateOpen)
		}
	}
}

// Execute runs fn when the breaker allows it and records the outcome
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state
func (b *Breaker) State() State {
	return State(atomic.LoadInt32(&b.state))
}

// Name returns the backend name the breaker guards
func (b *Breaker) Name() string {
	return b.name
}

func (b *Breaker) transition(from, to State) bool {
	if !atomic.CompareAndSwapInt32(&b.state, int32(from), int32(to)) {
		return false
	}
	if b.OnStateChange != nil {
		b.OnStateChange(b.name, to)
	}
	return true
}
