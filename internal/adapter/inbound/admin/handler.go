// Package admin provides the JSON API for operating the gateway:
// inspecting pending approvals, resolving them, and managing standing
// grants. It is mounted under /api/ on the operator-plane HTTP server.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentward/agentward/internal/domain/ratelimit"
	"github.com/agentward/agentward/internal/service"
)

const (
	// EnvAllowMutation must be set to "1" before any mutating admin
	// route works. Read at request time so a restart is not needed to
	// revoke it.
	EnvAllowMutation = "AGENTWARD_ALLOW_POLICY_MUTATION"

	// AdminKeyHeader carries the raw admin key. Only argon2id hashes
	// of keys are ever stored.
	AdminKeyHeader = "X-Admin-Key"
)

// Handler serves the admin API.
type Handler struct {
	approvals *service.ApprovalService
	keyHashes []string
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
}

// Option configures a Handler dependency.
type Option func(*Handler)

// WithKeyHashes sets the argon2id hashes that admin keys are verified
// against. With no hashes configured, remote reads and all mutations
// are refused.
func WithKeyHashes(hashes []string) Option {
	return func(h *Handler) { h.keyHashes = hashes }
}

// WithRateLimiter replaces the default per-IP request limiter.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(h *Handler) { h.limiter = l }
}

// NewHandler creates the admin API handler.
func NewHandler(approvals *service.ApprovalService, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		approvals: approvals,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.limiter == nil {
		h.limiter = ratelimit.New(ratelimit.Params{
			WindowMs:    time.Minute.Milliseconds(),
			MaxAttempts: 60,
		}, logger)
	}
	return h
}

// Routes returns an http.Handler with all admin routes registered.
// Read routes allow loopback callers without a key; mutating routes
// always require the mutation env flag plus a valid key.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/approvals", h.requireRead(h.handleListApprovals))
	mux.HandleFunc("GET /api/approvals/standing", h.requireRead(h.handleListStanding))
	mux.HandleFunc("GET /api/approvals/history", h.requireRead(h.handleHistory))

	mux.HandleFunc("POST /api/approvals/{id}/resolve", h.requireMutation(h.handleResolve))
	mux.HandleFunc("DELETE /api/approvals/standing/{id}", h.requireMutation(h.handleRevokeStanding))

	return h.rateLimitMiddleware(mux)
}

// respondJSON writes a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode admin response", "error", err)
	}
}

// respondError writes a JSON error response.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// readJSON decodes the request body into v.
func (h *Handler) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
