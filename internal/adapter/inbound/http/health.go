package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/aim-oss/aim-guardrails/internal/checker"
	"github.com/aim-oss/aim-guardrails/internal/service"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// sizer exposes the limiter's tracked-identity count for the health view.
type sizer interface {
	Size() int
}

// HealthChecker verifies the mandatory checkers have completed lazy init
// and that core components respond.
type HealthChecker struct {
	registry *checker.Registry
	policies *service.PolicyService
	limiter  sizer
	version  string
}

// NewHealthChecker creates a HealthChecker. limiter may be nil.
func NewHealthChecker(registry *checker.Registry, policies *service.PolicyService, limiter sizer, version string) *HealthChecker {
	return &HealthChecker{
		registry: registry,
		policies: policies,
		limiter:  limiter,
		version:  version,
	}
}

// Check warms every checker the active policy enables and reports per
// component state. A mandatory checker that fails construction marks the
// service unhealthy.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	doc := h.policies.Current()
	for _, spec := range doc.Checkers {
		if !spec.Enabled {
			continue
		}
		name := fmt.Sprintf("checker_%s", spec.Type)
		if err := h.registry.Warm(spec.Type, spec.VariantID); err != nil {
			checks[name] = fmt.Sprintf("unavailable: %v", err)
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	if h.limiter != nil {
		checks["rate_limiter"] = fmt.Sprintf("ok: %d identities tracked", h.limiter.Size())
	} else {
		checks["rate_limiter"] = "not configured"
	}
	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// Handler returns the /health endpoint handler.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
}
