package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/moogle-fabric/fabric/internal/circuitbreaker"
)

// StoreHealthChecker checks connectivity to the Redis-compatible store
// through the circuit-breaker-wrapped client (spec §4.1).
type StoreHealthChecker struct {
	store   *circuitbreaker.StoreWrapper
	logger  *zap.Logger
	timeout time.Duration
}

// NewStoreHealthChecker creates a store health checker.
func NewStoreHealthChecker(store *circuitbreaker.StoreWrapper, logger *zap.Logger) *StoreHealthChecker {
	return &StoreHealthChecker{
		store:   store,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (s *StoreHealthChecker) Name() string           { return "store" }
func (s *StoreHealthChecker) IsCritical() bool       { return true }
func (s *StoreHealthChecker) Timeout() time.Duration { return s.timeout }

func (s *StoreHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{
		Component: "store",
		Critical:  true,
		Timestamp: startTime,
	}

	if s.store.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "store circuit breaker is open"
		result.Duration = time.Since(startTime)
		return result
	}

	err := s.store.Ping(ctx)
	result.Duration = time.Since(startTime)

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "store ping failed"
		result.Details = map[string]interface{}{
			"error":      err.Error(),
			"latency_ms": result.Duration.Milliseconds(),
		}
		return result
	}

	if result.Duration > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "store responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "store healthy"
	}

	result.Details = map[string]interface{}{
		"latency_ms":           result.Duration.Milliseconds(),
		"circuit_breaker_open": false,
	}

	return result
}

// ObserverLiveness is the subset of Observer the health checker needs,
// satisfied by *observer.Observer (kept as an interface so this package
// does not import internal/observer).
type ObserverLiveness interface {
	ActiveSessionIDs() []string
}

// ObserverHealthChecker reports whether the observer's scanner is tracking
// sessions at all (a zero count can mean either a genuinely idle fabric or
// a stuck scanner, so this is non-critical; it's surfaced for visibility
// rather than failure).
type ObserverHealthChecker struct {
	observer ObserverLiveness
	logger   *zap.Logger
	timeout  time.Duration
}

// NewObserverHealthChecker creates an observer liveness health checker.
func NewObserverHealthChecker(observer ObserverLiveness, logger *zap.Logger) *ObserverHealthChecker {
	return &ObserverHealthChecker{
		observer: observer,
		logger:   logger,
		timeout:  time.Second,
	}
}

func (o *ObserverHealthChecker) Name() string           { return "observer" }
func (o *ObserverHealthChecker) IsCritical() bool       { return false }
func (o *ObserverHealthChecker) Timeout() time.Duration { return o.timeout }

func (o *ObserverHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	active := o.observer.ActiveSessionIDs()
	result := CheckResult{
		Component: "observer",
		Critical:  false,
		Timestamp: startTime,
		Status:    StatusHealthy,
		Message:   "observer running",
		Duration:  time.Since(startTime),
		Details: map[string]interface{}{
			"active_sessions": len(active),
		},
	}
	return result
}
