package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCircuitBreaker_TripsOpenAndRecovers(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.SuccessThreshold = 2
	config.MaxRequests = 5
	config.Timeout = 100 * time.Millisecond
	config.Interval = 200 * time.Millisecond

	cb := NewCircuitBreaker("store", config, logger)
	ctx := context.Background()

	require.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	require.Equal(t, StateClosed, cb.State(), "successful calls must not trip the breaker")

	storeDown := errors.New("store unreachable")
	for i := 0; i < 3; i++ {
		require.Error(t, cb.Execute(ctx, func() error { return storeDown }))
	}
	require.Equal(t, StateOpen, cb.State(), "consecutive failures past the threshold trip it open")

	require.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrCircuitBreakerOpen)

	time.Sleep(150 * time.Millisecond)
	cb.admit() // force a state refresh the way a real caller's Execute would
	require.Equal(t, StateHalfOpen, cb.State(), "breaker should probe again once Timeout elapses")

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	require.Equal(t, StateClosed, cb.State(), "enough half-open successes close the breaker")
}

func TestCircuitBreaker_HalfOpenRejectsExcessTrials(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	config.MaxRequests = 2
	config.Timeout = 100 * time.Millisecond
	config.SuccessThreshold = 5 // keep it from closing mid-test

	cb := NewCircuitBreaker("store", config, logger)
	ctx := context.Background()

	cb.mu.Lock()
	cb.state = StateHalfOpen
	cb.generation++
	cb.counts = Counts{}
	cb.mu.Unlock()

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}

	require.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrTooManyRequests)
}

func TestCircuitBreaker_CountsTally(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cb := NewCircuitBreaker("store", DefaultConfig(), logger)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return errors.New("boom") })
	_ = cb.Execute(ctx, func() error { return nil })

	counts := cb.Counts()
	require.Equal(t, uint32(3), counts.Requests)
	require.Equal(t, uint32(2), counts.TotalSuccesses)
	require.Equal(t, uint32(1), counts.TotalFailures)
}

func TestCircuitBreaker_OnStateChangeCallback(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	config.FailureThreshold = 2

	var called bool
	var from, to State
	config.OnStateChange = func(name string, f, t State) {
		called = true
		from, to = f, t
	}

	cb := NewCircuitBreaker("store", config, logger)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error { return errors.New("boom") })
	}

	require.True(t, called)
	require.Equal(t, StateClosed, from)
	require.Equal(t, StateOpen, to)
}
