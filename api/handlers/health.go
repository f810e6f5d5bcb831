package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthHandler serves liveness and readiness checks.
type HealthHandler struct {
	logger *zap.Logger
	checks []HealthCheck
	mu     sync.RWMutex
}

// HealthCheck is one named readiness probe.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus is the health response body.
type HealthStatus struct {
	Status    string                 `json:"status"` // "healthy" or "degraded"
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is one probe outcome.
type CheckResult struct {
	Status  string `json:"status"` // "pass" or "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		logger: logger.With(zap.String("component", "health_handler")),
	}
}

// AddCheck registers a readiness probe.
func (h *HealthHandler) AddCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// HandleHealth serves GET /healthz.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for _, check := range checks {
		start := time.Now()
		result := CheckResult{Status: "pass"}
		if err := check.Check(ctx); err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			status.Status = "degraded"
		}
		result.Latency = time.Since(start).String()
		status.Checks[check.Name()] = result
	}

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, status)
}
