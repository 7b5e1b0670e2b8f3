package outbound

import (
	"context"

	"github.com/agentward/agentward/internal/domain/approval"
)

// ApprovalArchive persists allow-always grants and the approval audit
// trail. Implementations: sqlite (prod), in-memory (test).
type ApprovalArchive interface {
	// PutStanding stores an allow-always grant.
	PutStanding(ctx context.Context, grant approval.StandingApproval) error

	// FindStanding looks a grant up by bind hash.
	FindStanding(ctx context.Context, bindHash string) (approval.StandingApproval, bool, error)

	// ListStanding returns all grants, newest first.
	ListStanding(ctx context.Context) ([]approval.StandingApproval, error)

	// DeleteStanding revokes a grant by id and reports whether one
	// existed.
	DeleteStanding(ctx context.Context, id string) (bool, error)

	// RecordHistory appends one resolved approval to the audit trail.
	RecordHistory(ctx context.Context, entry approval.HistoryEntry) error

	// History returns the most recent resolutions, newest first,
	// capped at limit (0 means the implementation default).
	History(ctx context.Context, limit int) ([]approval.HistoryEntry, error)

	// Close releases the underlying store.
	Close() error
}
