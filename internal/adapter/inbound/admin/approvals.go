package admin

import (
	"net/http"
	"strconv"

	"github.com/agentward/agentward/internal/domain/approval"
)

// handleListApprovals returns pending approvals in creation order.
// GET /api/approvals
func (h *Handler) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending := h.approvals.Pending()
	if pending == nil {
		pending = []approval.Record{}
	}
	h.respondJSON(w, http.StatusOK, pending)
}

// resolveRequest is the body for resolving a pending approval.
type resolveRequest struct {
	Decision   string `json:"decision"`
	ResolvedBy string `json:"resolvedBy"`
}

// resolveResponse reports a successful resolution. The approval token,
// if one was issued, goes only to the waiter that opened the request.
type resolveResponse struct {
	ID           string `json:"id"`
	Decision     string `json:"decision"`
	ResolvedBy   string `json:"resolvedBy"`
	ResolvedAtMs int64  `json:"resolvedAtMs"`
}

// handleResolve resolves a pending approval by id.
// POST /api/approvals/{id}/resolve
func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "approval id is required")
		return
	}

	var req resolveRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	decision, err := approval.ParseDecision(req.Decision)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resolvedBy := req.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = "admin-api"
	}

	res, ok := h.approvals.Resolve(r.Context(), id, decision, resolvedBy)
	if !ok {
		h.respondError(w, http.StatusNotFound, "no pending approval with that id")
		return
	}

	h.respondJSON(w, http.StatusOK, resolveResponse{
		ID:           id,
		Decision:     string(res.Decision),
		ResolvedBy:   res.ResolvedBy,
		ResolvedAtMs: res.ResolvedAtMs,
	})
}

// handleListStanding returns persisted allow-always grants.
// GET /api/approvals/standing
func (h *Handler) handleListStanding(w http.ResponseWriter, r *http.Request) {
	standing, err := h.approvals.Standing(r.Context())
	if err != nil {
		h.logger.Error("failed to list standing approvals", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list standing approvals")
		return
	}
	if standing == nil {
		standing = []approval.StandingApproval{}
	}
	h.respondJSON(w, http.StatusOK, standing)
}

// handleRevokeStanding deletes a standing grant by id.
// DELETE /api/approvals/standing/{id}
func (h *Handler) handleRevokeStanding(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "standing approval id is required")
		return
	}

	removed, err := h.approvals.RevokeStanding(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to revoke standing approval", "id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to revoke standing approval")
		return
	}
	if !removed {
		h.respondError(w, http.StatusNotFound, "no standing approval with that id")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{
		"status": "revoked",
		"id":     id,
	})
}

// handleHistory returns resolved approvals, newest first. The limit
// query parameter caps the page size (default 50).
// GET /api/approvals/history
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := h.approvals.History(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to read approval history", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to read approval history")
		return
	}
	if entries == nil {
		entries = []approval.HistoryEntry{}
	}
	h.respondJSON(w, http.StatusOK, entries)
}
