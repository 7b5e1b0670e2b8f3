// Package sqlite persists standing approvals and the approval audit
// trail in a single-file database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/agentward/agentward/internal/domain/approval"
	"github.com/agentward/agentward/internal/port/outbound"
)

// DefaultHistoryLimit caps History queries when the caller passes 0.
const DefaultHistoryLimit = 100

// Archive is the sqlite-backed approval archive.
type Archive struct {
	db     *sql.DB
	logger *slog.Logger
}

// Compile-time check that Archive implements the ApprovalArchive port.
var _ outbound.ApprovalArchive = (*Archive)(nil)

// Open creates or opens the archive at path and runs migrations.
// ":memory:" works for tests. The pool is held to one connection
// because sqlite has a single writer anyway.
func Open(path string, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open approval archive: %w", err)
	}
	db.SetMaxOpenConns(1)
	a := &Archive{db: db, logger: logger}
	if err := a.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS standing_approvals (
			id            TEXT PRIMARY KEY,
			kind          TEXT NOT NULL,
			bind_hash     TEXT NOT NULL UNIQUE,
			summary       TEXT NOT NULL DEFAULT '',
			agent_id      TEXT NOT NULL DEFAULT '',
			session_key   TEXT NOT NULL DEFAULT '',
			resolved_by   TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS approval_history (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			id             TEXT NOT NULL,
			kind           TEXT NOT NULL,
			bind_hash      TEXT NOT NULL,
			summary        TEXT NOT NULL DEFAULT '',
			decision       TEXT NOT NULL,
			resolved_by    TEXT NOT NULL DEFAULT '',
			resolved_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_history_resolved_at
			ON approval_history(resolved_at_ms);`,
	}
	for _, q := range stmts {
		if _, err := a.db.ExecContext(context.Background(), q); err != nil {
			return fmt.Errorf("migrate approval archive: %w", err)
		}
	}
	return nil
}

// PutStanding stores an allow-always grant. A second grant for the
// same bind hash replaces the first.
func (a *Archive) PutStanding(ctx context.Context, grant approval.StandingApproval) error {
	if grant.ID == "" || grant.BindHash == "" || !grant.Kind.Valid() {
		return errors.New("standing approval needs id, kind and bind hash")
	}
	query := `
		INSERT INTO standing_approvals
			(id, kind, bind_hash, summary, agent_id, session_key, resolved_by, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bind_hash) DO UPDATE SET
			id            = excluded.id,
			kind          = excluded.kind,
			summary       = excluded.summary,
			agent_id      = excluded.agent_id,
			session_key   = excluded.session_key,
			resolved_by   = excluded.resolved_by,
			created_at_ms = excluded.created_at_ms
	`
	_, err := a.db.ExecContext(ctx, query,
		grant.ID, string(grant.Kind), grant.BindHash, grant.Summary,
		grant.AgentID, grant.SessionKey, grant.ResolvedBy, grant.CreatedAtMs)
	if err != nil {
		return fmt.Errorf("put standing approval: %w", err)
	}
	a.logger.Info("standing approval stored",
		"id", grant.ID, "kind", grant.Kind, "resolvedBy", grant.ResolvedBy)
	return nil
}

// FindStanding looks a grant up by bind hash.
func (a *Archive) FindStanding(ctx context.Context, bindHash string) (approval.StandingApproval, bool, error) {
	query := `
		SELECT id, kind, bind_hash, summary, agent_id, session_key, resolved_by, created_at_ms
		FROM standing_approvals
		WHERE bind_hash = ?
	`
	var g approval.StandingApproval
	var kind string
	err := a.db.QueryRowContext(ctx, query, bindHash).Scan(
		&g.ID, &kind, &g.BindHash, &g.Summary,
		&g.AgentID, &g.SessionKey, &g.ResolvedBy, &g.CreatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return approval.StandingApproval{}, false, nil
	}
	if err != nil {
		return approval.StandingApproval{}, false, fmt.Errorf("find standing approval: %w", err)
	}
	g.Kind = approval.Kind(kind)
	return g, true, nil
}

// ListStanding returns all grants, newest first.
func (a *Archive) ListStanding(ctx context.Context) ([]approval.StandingApproval, error) {
	query := `
		SELECT id, kind, bind_hash, summary, agent_id, session_key, resolved_by, created_at_ms
		FROM standing_approvals
		ORDER BY created_at_ms DESC, id
	`
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list standing approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []approval.StandingApproval
	for rows.Next() {
		var g approval.StandingApproval
		var kind string
		if err := rows.Scan(&g.ID, &kind, &g.BindHash, &g.Summary,
			&g.AgentID, &g.SessionKey, &g.ResolvedBy, &g.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scan standing approval: %w", err)
		}
		g.Kind = approval.Kind(kind)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list standing approvals: %w", err)
	}
	return out, nil
}

// DeleteStanding revokes a grant by id.
func (a *Archive) DeleteStanding(ctx context.Context, id string) (bool, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM standing_approvals WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete standing approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete standing approval: %w", err)
	}
	if n > 0 {
		a.logger.Info("standing approval revoked", "id", id)
	}
	return n > 0, nil
}

// RecordHistory appends one resolved approval to the audit trail.
func (a *Archive) RecordHistory(ctx context.Context, entry approval.HistoryEntry) error {
	query := `
		INSERT INTO approval_history
			(id, kind, bind_hash, summary, decision, resolved_by, resolved_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := a.db.ExecContext(ctx, query,
		entry.ID, string(entry.Kind), entry.BindHash, entry.Summary,
		string(entry.Decision), entry.ResolvedBy, entry.ResolvedAtMs)
	if err != nil {
		return fmt.Errorf("record approval history: %w", err)
	}
	return nil
}

// History returns the most recent resolutions, newest first.
func (a *Archive) History(ctx context.Context, limit int) ([]approval.HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	query := `
		SELECT id, kind, bind_hash, summary, decision, resolved_by, resolved_at_ms
		FROM approval_history
		ORDER BY seq DESC
		LIMIT ?
	`
	rows, err := a.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("approval history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []approval.HistoryEntry
	for rows.Next() {
		var e approval.HistoryEntry
		var kind, decision string
		if err := rows.Scan(&e.ID, &kind, &e.BindHash, &e.Summary,
			&decision, &e.ResolvedBy, &e.ResolvedAtMs); err != nil {
			return nil, fmt.Errorf("scan approval history: %w", err)
		}
		e.Kind = approval.Kind(kind)
		e.Decision = approval.Decision(decision)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approval history: %w", err)
	}
	return out, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}
