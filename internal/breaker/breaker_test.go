package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/23skdu/quiver/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(name string, trips uint32, clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker(Settings{
		Name:        name,
		ReadyToTrip: func(counts Counts) bool { return counts.ConsecutiveFailures >= trips },
		Timeout:     100 * time.Millisecond,
		Now:         clock.Now,
	})
}

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	var transitions []string
	cb := NewCircuitBreaker(Settings{
		Name:        "transitions",
		ReadyToTrip: func(counts Counts) bool { return counts.ConsecutiveFailures >= 2 },
		Timeout:     100 * time.Millisecond,
		Now:         clock.Now,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())

	// Failure 1
	assert.ErrorIs(t, cb.Do(func() error { return assert.AnError }), assert.AnError)
	assert.Equal(t, StateClosed, cb.State())

	// Failure 2 (Trips)
	_ = cb.Do(func() error { return assert.AnError })
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.GPUBreakerState.WithLabelValues("transitions")))

	called := false
	err := cb.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpenState)
	assert.False(t, called, "open breaker must not run the request")

	clock.Advance(150 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.True(t, cb.Allow())

	// Success in Half-Open -> Closed
	v, err := cb.Execute(func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.GPUBreakerState.WithLabelValues("transitions")))

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := newTestBreaker("reopen", 1, clock)

	_ = cb.Do(func() error { return assert.AnError })
	clock.Advance(time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Do(func() error { return assert.AnError })
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenMaxRequests(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := newTestBreaker("quota", 1, clock)

	_ = cb.Do(func() error { return assert.AnError })
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(200 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// First request allowed (MaxRequests=1); hold it open while probing
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Do(func() error { <-release; return nil })
	}()
	require.Eventually(t, func() bool { return cb.Counts().Requests == 1 }, time.Second, time.Millisecond)

	assert.False(t, cb.Allow())
	assert.ErrorIs(t, cb.Do(func() error { return nil }), ErrTooManyRequests)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_IsFailure(t *testing.T) {
	ignored := errors.New("bad input")
	cb := NewCircuitBreaker(Settings{
		Name:        "classify",
		ReadyToTrip: func(counts Counts) bool { return counts.ConsecutiveFailures >= 1 },
		IsFailure:   func(err error) bool { return err != nil && !errors.Is(err, ignored) },
	})

	assert.ErrorIs(t, cb.Do(func() error { return ignored }), ignored)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().TotalSuccesses)
}

func TestDefaultSettings(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	st := DefaultSettings("defaults")
	st.Now = clock.Now
	cb := NewCircuitBreaker(st)
	for i := 0; i < 4; i++ {
		_ = cb.Do(func() error { return assert.AnError })
	}
	assert.Equal(t, StateClosed, cb.State())
	_ = cb.Do(func() error { return assert.AnError })
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, "defaults", cb.Name())
}
