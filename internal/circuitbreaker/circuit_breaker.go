// Package circuitbreaker wraps the fabric's Store Client command
// connection (spec §4.1) so a struggling Redis-compatible store trips open
// instead of letting every SET/GET/RPUSH/BLPOP caller hang on its own dial
// or read deadline. Blocking pop calls are deliberately left unwrapped by
// the caller (see StoreWrapper) since the breaker's own timeout would race
// BLPOP's much longer deadline.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is one of the three circuit-breaker states.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitBreakerOpen is returned by Execute while the breaker is open
	// (store looks down; callers should fail fast rather than queue up
	// behind a dead connection).
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when a half-open breaker has already
	// admitted its trial quota of probe requests.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config tunes one breaker's thresholds.
type Config struct {
	MaxRequests      uint32 // trial requests allowed while half-open
	Interval         time.Duration
	Timeout          time.Duration // open duration before a half-open trial
	FailureThreshold uint32        // consecutive closed-state failures that trip open
	SuccessThreshold uint32        // consecutive half-open successes that close the breaker
	OnStateChange    func(name string, from State, to State)
}

// DefaultConfig returns generic defaults; GetStoreConfig() is what
// NewStoreWrapper actually uses, tunable via CB_STORE_* env vars.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Counts is a snapshot of one generation's request tally.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker guards calls to one named upstream (the fabric has exactly
// one: the store command connection) with the closed/open/half-open state
// machine.
type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu         sync.RWMutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// NewCircuitBreaker builds a breaker starting closed.
func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

// Execute runs fn if the breaker admits the call, recording the outcome
// against the generation the call was admitted under. A panic inside fn is
// recorded as a failure and re-raised, matching storeclient's
// explicit-error-return convention for everything except programmer bugs.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	generation, err := cb.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.settle(generation, false)
			panic(r)
		}
	}()

	err = fn()
	cb.settle(generation, err == nil)
	return err
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Counts returns the current generation's request tally.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.counts
}

// admit decides whether a call may proceed, returning the generation it was
// admitted under so settle can discard stale results from a prior
// generation (e.g. a half-open trial that has since tripped back open).
func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.refresh(now)

	switch {
	case state == StateOpen:
		return generation, ErrCircuitBreakerOpen
	case state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests:
		return generation, ErrTooManyRequests
	}

	cb.counts.Requests++
	return generation, nil
}

// settle records one call's outcome, provided the breaker hasn't already
// rolled over to a new generation since admit.
func (cb *CircuitBreaker) settle(admittedGeneration uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.refresh(now)
	if generation != admittedGeneration {
		return
	}

	if success {
		cb.recordSuccess(state, now)
	} else {
		cb.recordFailure(state, now)
	}
}

// refresh advances closed→closed (counter reset on interval expiry) or
// open→half-open (timeout elapsed) before reporting the current state.
func (cb *CircuitBreaker) refresh(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.rollGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.transition(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) recordSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveFailures = 0
	case StateHalfOpen:
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		if cb.counts.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) recordFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.TotalFailures++
		cb.counts.ConsecutiveFailures++
		if cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.transition(StateOpen, now)
		}
	case StateHalfOpen:
		// A single failed trial in half-open sends it straight back to open.
		cb.transition(StateOpen, now)
	}
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if cb.state == to {
		return
	}

	from := cb.state
	cb.state = to
	cb.rollGeneration(now)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}

	cb.logger.Info("circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// rollGeneration zeroes the counters and schedules the next expiry for the
// new state: a fresh Interval window if closed, a Timeout before the next
// half-open trial if open, no expiry while half-open (it resolves on the
// next success or failure).
func (cb *CircuitBreaker) rollGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	switch cb.state {
	case StateClosed:
		if cb.config.Interval == 0 {
			cb.expiry = time.Time{}
		} else {
			cb.expiry = now.Add(cb.config.Interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
	default: // StateHalfOpen
		cb.expiry = time.Time{}
	}
}
