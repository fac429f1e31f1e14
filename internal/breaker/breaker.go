// Package breaker implements the circuit breaker that guards GPU offload.
// While open, callers skip the protected path and use their fallback.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/23skdu/quiver/internal/metrics"
)

// State represents the current state of the circuit breaker
type State int

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
	}
	return "unknown"
}

// gauge encodes s for quiver_gpu_breaker_state.
func (s State) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}

// Settings configures the CircuitBreaker
type Settings struct {
	Name          string
	MaxRequests   uint32        // Max requests in Half-Open state
	Interval      time.Duration // Cyclic period of the closed state to clear counts
	Timeout       time.Duration // Time to wait before switching from Open to Half-Open
	ReadyToTrip   func(counts Counts) bool
	OnStateChange func(name string, from State, to State)
	// IsFailure classifies errors. Nil counts every error as a failure.
	IsFailure func(err error) bool
	Now       func() time.Time
}

// DefaultSettings trips after five consecutive failures and probes again
// after thirty seconds.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 5 },
	}
}

// Counts holds the numbers of requests and their results
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) onRequest() {
	c.Requests++
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	*c = Counts{}
}

// CircuitBreaker is a state machine to prevent cascading failures
type CircuitBreaker struct {
	name          string
	maxRequests   uint32
	interval      time.Duration
	timeout       time.Duration
	readyToTrip   func(counts Counts) bool
	onStateChange func(name string, from State, to State)
	isFailure     func(err error) bool
	now           func() time.Time

	mutex      sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// NewCircuitBreaker creates a new CircuitBreaker
func NewCircuitBreaker(st Settings) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:          st.Name,
		maxRequests:   st.MaxRequests,
		interval:      st.Interval,
		timeout:       st.Timeout,
		readyToTrip:   st.ReadyToTrip,
		onStateChange: st.OnStateChange,
		isFailure:     st.IsFailure,
		now:           st.Now,
	}

	if cb.maxRequests == 0 {
		cb.maxRequests = 1
	}
	if cb.timeout <= 0 {
		cb.timeout = 60 * time.Second
	}
	if cb.readyToTrip == nil {
		cb.readyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures > 5
		}
	}
	if cb.isFailure == nil {
		cb.isFailure = func(err error) bool { return err != nil }
	}
	if cb.now == nil {
		cb.now = time.Now
	}

	cb.toNewGeneration(cb.now())
	metrics.GPUBreakerState.WithLabelValues(cb.name).Set(cb.state.gauge())
	return cb
}

// Name returns the name of the CircuitBreaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state of the CircuitBreaker
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.currentState(cb.now())
}

// Counts returns a copy of the counters of the current generation.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.counts
}

func (cb *CircuitBreaker) currentState(now time.Time) State {
	switch cb.state {
	case StateClosed:
		if cb.interval > 0 && !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if !now.Before(cb.expiry) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(newState State, now time.Time) {
	if cb.state == newState {
		return
	}

	prev := cb.state
	cb.state = newState

	cb.toNewGeneration(now)
	metrics.GPUBreakerState.WithLabelValues(cb.name).Set(newState.gauge())

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, newState)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.clear()

	var zero time.Time
	switch cb.state {
	case StateClosed:
		if cb.interval > 0 {
			cb.expiry = now.Add(cb.interval)
		} else {
			cb.expiry = zero
		}
	case StateOpen:
		cb.expiry = now.Add(cb.timeout)
	default:
		cb.expiry = zero
	}
}

// Allow checks if a new request is allowed
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.currentState(cb.now()) {
	case StateOpen:
		return false
	case StateHalfOpen:
		return cb.counts.Requests < cb.maxRequests
	}
	return true
}

// Do runs fn if the breaker allows it and records the outcome. It returns
// ErrOpenState without calling fn while the breaker is open or the
// half-open quota is used up.
func (cb *CircuitBreaker) Do(fn func() error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}
	err = fn()
	cb.afterRequest(generation, err)
	return err
}

// Execute is Do for functions that produce a value.
func (cb *CircuitBreaker) Execute(req func() (any, error)) (any, error) {
	var result any
	err := cb.Do(func() error {
		var err error
		result, err = req()
		return err
	})
	return result, err
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state := cb.currentState(cb.now())
	if state == StateOpen {
		return cb.generation, ErrOpenState
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.maxRequests {
		return cb.generation, ErrTooManyRequests
	}
	cb.counts.onRequest()
	return cb.generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	state := cb.currentState(now)
	// outcome of a request from an earlier generation is stale
	if cb.generation != before {
		return
	}

	if cb.isFailure(err) {
		cb.counts.onFailure()
		switch state {
		case StateClosed:
			if cb.readyToTrip(cb.counts) {
				cb.setState(StateOpen, now)
			}
		case StateHalfOpen:
			cb.setState(StateOpen, now)
		}
		return
	}
	cb.counts.onSuccess()
	if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.maxRequests {
		cb.setState(StateClosed, now)
	}
}

var (
	// ErrOpenState is returned when the CircuitBreaker is open
	ErrOpenState = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open probe quota is used up
	ErrTooManyRequests = errors.New("circuit breaker: too many requests")
)
