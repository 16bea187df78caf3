package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPHandler exposes a Manager over HTTP for the admin surface main.go
// wires into the process's mux alongside /metrics.
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHTTPHandler builds an HTTPHandler over a Manager.
func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{manager: manager, logger: logger}
}

// RegisterRoutes mounts the health endpoints on mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/ready", h.handleReadiness)
	mux.HandleFunc("/health/live", h.handleLiveness)
	mux.HandleFunc("/health/detailed", h.handleDetailedHealth)
}

// handleHealth returns the fabric's overall status for general monitoring.
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	overall := h.manager.GetOverallHealth(r.Context())
	h.writeJSON(w, statusCodeFor(overall.Status), map[string]interface{}{
		"status":    overall.Status.String(),
		"message":   overall.Message,
		"timestamp": overall.Timestamp.Unix(),
		"duration":  overall.Duration.String(),
		"degraded":  overall.Degraded,
		"ready":     overall.Ready,
		"live":      overall.Live,
	})
}

// handleReadiness answers a Kubernetes-style readiness probe: can the
// fabric accept new sessions and tasks right now.
func (h *HTTPHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ready := h.manager.IsReady(r.Context())
	statusCode := http.StatusServiceUnavailable
	message := "not ready"
	if ready {
		statusCode, message = http.StatusOK, "ready"
	}
	h.writeJSON(w, statusCode, map[string]interface{}{
		"status":    message,
		"ready":     ready,
		"timestamp": time.Now().Unix(),
	})
}

// handleLiveness answers a Kubernetes-style liveness probe: should the
// process be restarted.
func (h *HTTPHandler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	alive := h.manager.IsLive(r.Context())
	statusCode := http.StatusServiceUnavailable
	message := "not alive"
	if alive {
		statusCode, message = http.StatusOK, "alive"
	}
	h.writeJSON(w, statusCode, map[string]interface{}{
		"status":    message,
		"live":      alive,
		"timestamp": time.Now().Unix(),
	})
}

// handleDetailedHealth returns every component's result plus the
// session-aware summary (spec §4.6's active-session count). ?cached=true
// serves the last background-check pass instead of running checks inline,
// which is cheaper for a dashboard polling more often than the 30s
// background cadence.
func (h *HTTPHandler) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var detailed DetailedHealth
	if r.URL.Query().Get("cached") == "true" {
		detailed = h.cachedDetailedHealth()
	} else {
		detailed = h.manager.GetDetailedHealth(r.Context())
	}

	h.writeJSON(w, statusCodeFor(detailed.Overall.Status), detailed)
}

// cachedDetailedHealth rebuilds a DetailedHealth from the manager's last
// cached results (no checks run) using the same reduction the manager
// applies to a live run.
func (h *HTTPHandler) cachedDetailedHealth() DetailedHealth {
	components := h.manager.GetLastResults()
	summary := summarize(components)

	return DetailedHealth{
		Overall:    h.manager.calculateOverallStatus(components, summary),
		Components: components,
		Summary:    summary,
		Timestamp:  time.Now(),
	}
}

func statusCodeFor(status CheckStatus) int {
	switch status {
	case StatusHealthy, StatusDegraded:
		return http.StatusOK
	default:
		return http.StatusServiceUnavailable
	}
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode health response", zap.Error(err))
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().Unix(),
	})
}
