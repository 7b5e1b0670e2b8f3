package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/agentward/agentward/internal/domain/approval"
	"github.com/agentward/agentward/internal/domain/node"
	"github.com/agentward/agentward/internal/domain/policy"
	"github.com/agentward/agentward/internal/service"
)

// HealthResponse is the JSON response from the /healthz endpoint.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker verifies component health.
type HealthChecker struct {
	policies  *policy.Store
	registry  *node.Registry
	approvals *service.ApprovalService
	version   string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't wired.
func NewHealthChecker(policies *policy.Store, registry *node.Registry, approvals *service.ApprovalService, version string) *HealthChecker {
	return &HealthChecker{
		policies:  policies,
		registry:  registry,
		approvals: approvals,
		version:   version,
	}
}

// Check inspects every wired component. A gateway with no policy is
// still healthy: it fails closed and denies everything, which is the
// designed state, but the check names it so operators notice.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.policies != nil {
		if snap, ok := h.policies.Active(); ok {
			checks["policy"] = fmt.Sprintf("ok: version %d (%s)", snap.Doc.Version, shortSha(snap.Sha))
		} else {
			checks["policy"] = "none installed (denying all)"
		}
	} else {
		checks["policy"] = "not configured"
	}

	if h.registry != nil {
		checks["nodes"] = fmt.Sprintf("%d connected", h.registry.Len())
	} else {
		checks["nodes"] = "not configured"
	}

	if h.approvals != nil {
		pending := len(h.approvals.Pending())
		if pending >= approval.DefaultMaxPending {
			// At the cap the oldest requests are auto-denied; the
			// gateway is under approval backpressure.
			checks["approvals"] = fmt.Sprintf("degraded: %d pending (at cap)", pending)
			healthy = false
		} else {
			checks["approvals"] = fmt.Sprintf("%d pending", pending)
		}
	} else {
		checks["approvals"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns the HTTP handler for the health endpoint.
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

func shortSha(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
