package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/agentward/agentward/internal/domain/approval"
	"github.com/agentward/agentward/internal/port/outbound"
)

const defaultHistoryLimit = 100

// ApprovalArchive is a mutex-map archive for tests and ephemeral runs.
type ApprovalArchive struct {
	mu       sync.Mutex
	standing map[string]approval.StandingApproval
	history  []approval.HistoryEntry
}

// Compile-time check that ApprovalArchive implements the port.
var _ outbound.ApprovalArchive = (*ApprovalArchive)(nil)

// NewApprovalArchive creates an empty archive.
func NewApprovalArchive() *ApprovalArchive {
	return &ApprovalArchive{standing: make(map[string]approval.StandingApproval)}
}

// PutStanding stores an allow-always grant keyed by bind hash.
func (a *ApprovalArchive) PutStanding(_ context.Context, grant approval.StandingApproval) error {
	if grant.ID == "" || grant.BindHash == "" || !grant.Kind.Valid() {
		return errors.New("standing approval needs id, kind and bind hash")
	}
	a.mu.Lock()
	a.standing[grant.BindHash] = grant
	a.mu.Unlock()
	return nil
}

// FindStanding looks a grant up by bind hash.
func (a *ApprovalArchive) FindStanding(_ context.Context, bindHash string) (approval.StandingApproval, bool, error) {
	a.mu.Lock()
	g, ok := a.standing[bindHash]
	a.mu.Unlock()
	return g, ok, nil
}

// ListStanding returns all grants, newest first.
func (a *ApprovalArchive) ListStanding(_ context.Context) ([]approval.StandingApproval, error) {
	a.mu.Lock()
	out := make([]approval.StandingApproval, 0, len(a.standing))
	for _, g := range a.standing {
		out = append(out, g)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs > out[j].CreatedAtMs
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteStanding revokes a grant by id.
func (a *ApprovalArchive) DeleteStanding(_ context.Context, id string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for hash, g := range a.standing {
		if g.ID == id {
			delete(a.standing, hash)
			return true, nil
		}
	}
	return false, nil
}

// RecordHistory appends one resolved approval.
func (a *ApprovalArchive) RecordHistory(_ context.Context, entry approval.HistoryEntry) error {
	a.mu.Lock()
	a.history = append(a.history, entry)
	a.mu.Unlock()
	return nil
}

// History returns the most recent resolutions, newest first.
func (a *ApprovalArchive) History(_ context.Context, limit int) ([]approval.HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]approval.HistoryEntry, 0, limit)
	for i := len(a.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, a.history[i])
	}
	return out, nil
}

// Close releases nothing.
func (a *ApprovalArchive) Close() error { return nil }
