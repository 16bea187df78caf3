package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// checkerState pairs a registered Checker with the critical/timeout values
// captured at registration time.
type checkerState struct {
	checker  Checker
	critical bool
	timeout  time.Duration
}

// Manager runs the fabric's registered health checks (store connectivity,
// Observer liveness) on demand and on a background cadence, and caches the
// last result of each for the detailed/cached HTTP view.
type Manager struct {
	checkers      map[string]*checkerState
	lastResults   map[string]CheckResult
	checkInterval time.Duration
	started       bool
	stopCh        chan struct{}
	logger        *zap.Logger
	mu            sync.RWMutex
}

// NewManager creates a health manager with the default 30s background
// check cadence. main.go registers the store and observer checkers on it
// and starts it alongside the admin HTTP server.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		checkers:      make(map[string]*checkerState),
		lastResults:   make(map[string]CheckResult),
		checkInterval: 30 * time.Second,
		stopCh:        make(chan struct{}),
		logger:        logger,
	}
}

// RegisterChecker adds a checker under its own Name(). Returns an error if
// that name is already registered.
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}

	state := &checkerState{
		checker:  checker,
		critical: checker.IsCritical(),
		timeout:  checker.Timeout(),
	}
	m.checkers[name] = state

	m.logger.Info("health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", state.critical),
		zap.Duration("timeout", state.timeout),
	)
	return nil
}

// UnregisterChecker removes a previously registered checker.
func (m *Manager) UnregisterChecker(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.checkers[name]; !exists {
		return fmt.Errorf("checker %s not found", name)
	}
	delete(m.checkers, name)
	delete(m.lastResults, name)

	m.logger.Info("health checker unregistered", zap.String("checker", name))
	return nil
}

// GetCheckers returns every registered checker by name.
func (m *Manager) GetCheckers() map[string]Checker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Checker, len(m.checkers))
	for name, state := range m.checkers {
		result[name] = state.checker
	}
	return result
}

// GetOverallHealth runs every checker and reduces the results to one status.
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	startTime := time.Now()
	detailed := m.GetDetailedHealth(ctx)

	return OverallHealth{
		Status:    detailed.Overall.Status,
		Message:   detailed.Overall.Message,
		Timestamp: detailed.Timestamp,
		Duration:  time.Since(startTime),
		Degraded:  detailed.Overall.Degraded,
		Ready:     detailed.Overall.Ready,
		Live:      detailed.Overall.Live,
	}
}

// GetDetailedHealth runs every registered checker and returns the full
// per-component breakdown plus a summary. The observer checker's
// "active_sessions" detail (spec §4.6's scanner set) is lifted into
// Summary.ActiveSessions so callers don't need to know the component name.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	states := make(map[string]*checkerState, len(m.checkers))
	for name, state := range m.checkers {
		states[name] = state
	}
	m.mu.RUnlock()

	timestamp := time.Now()
	components := make(map[string]CheckResult, len(states))
	for name, state := range states {
		components[name] = m.runCheck(ctx, state)
	}
	summary := summarize(components)

	m.mu.Lock()
	for name, result := range components {
		m.lastResults[name] = result
	}
	m.mu.Unlock()

	return DetailedHealth{
		Overall:    m.calculateOverallStatus(components, summary),
		Components: components,
		Summary:    summary,
		Timestamp:  timestamp,
	}
}

// summarize tallies component statuses and lifts the observer checker's
// "active_sessions" detail (spec §4.6's scanner set) up to the top level so
// callers don't need to know which component name carries it. Shared by a
// live GetDetailedHealth run and the HTTP handler's cached view.
func summarize(components map[string]CheckResult) HealthSummary {
	summary := HealthSummary{Total: len(components)}
	for _, result := range components {
		switch result.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		}
		if result.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}
	if observerResult, ok := components["observer"]; ok {
		if n, ok := observerResult.Details["active_sessions"].(int); ok {
			summary.ActiveSessions = n
		}
	}
	return summary
}

// runCheck executes one checker bounded by its own timeout and stamps the
// result with the fields Check() isn't required to fill in.
func (m *Manager) runCheck(ctx context.Context, state *checkerState) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, state.timeout)
	defer cancel()

	startTime := time.Now()
	result := state.checker.Check(checkCtx)
	result.Component = state.checker.Name()
	result.Critical = state.critical
	result.Duration = time.Since(startTime)
	result.Timestamp = startTime
	return result
}

// calculateOverallStatus reduces per-component results to one status: any
// critical failure makes the fabric unhealthy (not ready); degraded or
// non-critical failures keep it ready but degraded.
func (m *Manager) calculateOverallStatus(components map[string]CheckResult, summary HealthSummary) OverallHealth {
	if summary.Total == 0 {
		return OverallHealth{Status: StatusUnknown, Message: "no health checks registered"}
	}

	criticalFailures, nonCriticalFailures, degraded := 0, 0, 0
	for _, result := range components {
		if result.Status == StatusDegraded {
			degraded++
		}
		if result.Status == StatusUnhealthy {
			if result.Critical {
				criticalFailures++
			} else {
				nonCriticalFailures++
			}
		}
	}

	var status CheckStatus
	var message string
	var ready, live bool

	switch {
	case criticalFailures > 0:
		status = StatusUnhealthy
		message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
		ready, live = false, true
	case degraded > 0:
		status = StatusDegraded
		message = fmt.Sprintf("%d component(s) degraded", degraded)
		ready, live = true, true
	case nonCriticalFailures > 0:
		status = StatusDegraded
		message = fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures)
		ready, live = true, true
	default:
		status = StatusHealthy
		message = fmt.Sprintf("all %d components healthy", summary.Total)
		ready, live = true, true
	}

	return OverallHealth{
		Status:   status,
		Message:  message,
		Degraded: status == StatusDegraded,
		Ready:    ready,
		Live:     live,
	}
}

// IsReady reports whether the fabric should receive new sessions/tasks.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// IsLive reports whether the process should be restarted.
func (m *Manager) IsLive(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Live
}

// Start begins the background check loop. Idempotent.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	m.started = true
	go m.backgroundChecker()

	m.logger.Info("health manager started",
		zap.Duration("check_interval", m.checkInterval),
		zap.Int("registered_checkers", len(m.checkers)),
	)
	return nil
}

// Stop halts the background check loop. Idempotent.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}
	close(m.stopCh)
	m.started = false

	m.logger.Info("health manager stopped")
	return nil
}

func (m *Manager) backgroundChecker() {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.GetDetailedHealth(context.Background())
			m.logger.Debug("background health checks completed", zap.Int("checks_run", len(m.checkers)))
		}
	}
}

// SetCheckInterval updates the background check cadence. A background
// checker that is already running keeps the ticker it was started with; the
// new interval applies to a checker started afterwards.
func (m *Manager) SetCheckInterval(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkInterval = interval
	m.logger.Info("health check interval updated", zap.Duration("interval", interval))
}

// GetLastResults returns the most recently cached result per checker
// without running new checks, used by the /health/detailed?cached=true
// path.
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]CheckResult, len(m.lastResults))
	for name, result := range m.lastResults {
		results[name] = result
	}
	return results
}
