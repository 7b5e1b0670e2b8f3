package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentward/agentward/internal/domain/approval"
	"github.com/agentward/agentward/internal/port/outbound"
)

// ApprovalOutcome is the caller-visible end of one approval request.
// TimedOut means no decision arrived before the expiry; Decision is
// empty in that case. Standing means the request was satisfied by a
// persisted allow-always grant without waiting for a human.
type ApprovalOutcome struct {
	ID               string
	Decision         approval.Decision
	ApprovalToken    string
	TokenExpiresAtMs int64
	CreatedAtMs      int64
	ExpiresAtMs      int64
	TimedOut         bool
	Standing         bool
}

// ApprovalService fronts the approval manager with the durable archive:
// standing allow-always grants short-circuit the human wait, every
// human decision is recorded to history, and allow-always resolutions
// persist as standing approvals for future requests with the same bind
// hash.
type ApprovalService struct {
	manager *approval.Manager
	archive outbound.ApprovalArchive
	logger  *slog.Logger
}

// NewApprovalService wires the manager to an archive. A nil archive
// disables standing approvals and history but leaves the live flow
// intact.
func NewApprovalService(manager *approval.Manager, archive outbound.ApprovalArchive, logger *slog.Logger) *ApprovalService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalService{
		manager: manager,
		archive: archive,
		logger:  logger,
	}
}

// RequestExec runs the exec approval flow: bind the command payload,
// consult standing grants, otherwise park until a human decides or the
// timeout passes.
func (s *ApprovalService) RequestExec(ctx context.Context, b approval.ExecBinding, timeout time.Duration) (ApprovalOutcome, error) {
	hash, err := b.BindHash()
	if err != nil {
		return ApprovalOutcome{}, fmt.Errorf("approval: bind hash: %w", err)
	}
	return s.await(ctx, approval.KindExec, hash, execSummary(b), b.AgentID, b.SessionKey, timeout)
}

// RequestCapability runs the capability approval flow, bound by
// {capability, subject, payloadHash, agentId, sessionKey}.
func (s *ApprovalService) RequestCapability(ctx context.Context, b approval.CapabilityBinding, timeout time.Duration) (ApprovalOutcome, error) {
	hash, err := b.BindHash()
	if err != nil {
		return ApprovalOutcome{}, fmt.Errorf("approval: bind hash: %w", err)
	}
	summary := b.Capability + " on " + b.Subject
	return s.await(ctx, approval.KindCapability, hash, summary, b.AgentID, b.SessionKey, timeout)
}

func (s *ApprovalService) await(ctx context.Context, kind approval.Kind, bindHash, summary, agentID, sessionKey string, timeout time.Duration) (ApprovalOutcome, error) {
	if s.archive != nil {
		st, ok, err := s.archive.FindStanding(ctx, bindHash)
		switch {
		case err != nil:
			// Archive trouble falls through to the human flow; it
			// must never turn into an implicit allow.
			s.logger.Warn("standing approval lookup failed", "error", err)
		case ok:
			token, err := s.manager.Tokens().Issue(bindHash)
			if err != nil {
				return ApprovalOutcome{}, fmt.Errorf("approval: issue token: %w", err)
			}
			s.logger.Info("standing approval matched",
				"standing_id", st.ID,
				"kind", string(kind))
			now := time.Now().UnixMilli()
			return ApprovalOutcome{
				ID:               st.ID,
				Decision:         approval.DecisionAllowAlways,
				ApprovalToken:    token.Value,
				TokenExpiresAtMs: token.ExpiresAtMs,
				CreatedAtMs:      now,
				ExpiresAtMs:      token.ExpiresAtMs,
				Standing:         true,
			}, nil
		}
	}

	pending, err := s.manager.Create(approval.CreateRequest{
		Kind:       kind,
		BindHash:   bindHash,
		Summary:    summary,
		AgentID:    agentID,
		SessionKey: sessionKey,
	}, timeout, "")
	if err != nil {
		return ApprovalOutcome{}, err
	}

	out := ApprovalOutcome{
		ID:          pending.Record.ID,
		CreatedAtMs: pending.Record.CreatedAtMs,
		ExpiresAtMs: pending.Record.ExpiresAtMs,
	}

	res, decided := s.manager.WaitForDecision(ctx, pending)
	if !decided {
		out.TimedOut = true
		return out, nil
	}

	out.Decision = res.Decision
	if res.Decision.Allows() {
		out.ApprovalToken = res.Token.Value
		out.TokenExpiresAtMs = res.Token.ExpiresAtMs
	}
	return out, nil
}

// Resolve decides a pending approval and records the outcome. An
// allow-always decision additionally persists a standing grant keyed
// by the record's bind hash.
func (s *ApprovalService) Resolve(ctx context.Context, id string, decision approval.Decision, resolvedBy string) (approval.Resolution, bool) {
	rec, known := s.manager.Get(id)
	res, ok := s.manager.Resolve(id, decision, resolvedBy)
	if !ok {
		return res, false
	}
	if known {
		s.recordOutcome(ctx, rec, res)
	}
	return res, true
}

func (s *ApprovalService) recordOutcome(ctx context.Context, rec approval.Record, res approval.Resolution) {
	if s.archive == nil {
		return
	}

	entry := approval.HistoryEntry{
		ID:           rec.ID,
		Kind:         rec.Kind,
		BindHash:     rec.BindHash,
		Summary:      rec.Summary,
		Decision:     res.Decision,
		ResolvedBy:   res.ResolvedBy,
		ResolvedAtMs: res.ResolvedAtMs,
	}
	if err := s.archive.RecordHistory(ctx, entry); err != nil {
		s.logger.Warn("approval history write failed",
			"approval_id", rec.ID,
			"error", err)
	}

	if res.Decision != approval.DecisionAllowAlways {
		return
	}
	st := approval.StandingApproval{
		ID:          rec.ID,
		Kind:        rec.Kind,
		BindHash:    rec.BindHash,
		Summary:     rec.Summary,
		AgentID:     rec.AgentID,
		SessionKey:  rec.SessionKey,
		ResolvedBy:  res.ResolvedBy,
		CreatedAtMs: res.ResolvedAtMs,
	}
	if err := s.archive.PutStanding(ctx, st); err != nil {
		s.logger.Warn("standing approval write failed",
			"approval_id", rec.ID,
			"error", err)
		return
	}
	s.logger.Info("standing approval persisted",
		"approval_id", rec.ID,
		"kind", string(rec.Kind))
}

// ConsumeToken redeems a one-shot approval token against the bind hash
// recomputed from the action about to execute.
func (s *ApprovalService) ConsumeToken(token, expectedBindHash string) bool {
	return s.manager.ConsumeToken(token, expectedBindHash)
}

// Pending lists undecided approval requests in creation order.
func (s *ApprovalService) Pending() []approval.Record {
	return s.manager.Pending()
}

// Get returns a pending record by id.
func (s *ApprovalService) Get(id string) (approval.Record, bool) {
	return s.manager.Get(id)
}

// Subscribe attaches a broadcast listener for approval events.
func (s *ApprovalService) Subscribe(buffer int) (<-chan approval.Event, func()) {
	return s.manager.Subscribe(buffer)
}

// Standing lists persisted allow-always grants, newest first.
func (s *ApprovalService) Standing(ctx context.Context) ([]approval.StandingApproval, error) {
	if s.archive == nil {
		return nil, nil
	}
	return s.archive.ListStanding(ctx)
}

// RevokeStanding deletes a standing grant by id.
func (s *ApprovalService) RevokeStanding(ctx context.Context, id string) (bool, error) {
	if s.archive == nil {
		return false, nil
	}
	return s.archive.DeleteStanding(ctx, id)
}

// History returns recent decisions, newest first. limit <= 0 uses the
// archive default.
func (s *ApprovalService) History(ctx context.Context, limit int) ([]approval.HistoryEntry, error) {
	if s.archive == nil {
		return nil, nil
	}
	return s.archive.History(ctx, limit)
}

// execSummary renders a short human-readable description of an exec
// approval for operator UIs.
func execSummary(b approval.ExecBinding) string {
	s := b.Command
	if len(b.CommandArgv) > 0 {
		s = strings.Join(b.CommandArgv, " ")
	}
	if b.Cwd != "" {
		s += " (cwd " + b.Cwd + ")"
	}
	if r := []rune(s); len(r) > 120 {
		s = string(r[:120])
	}
	return s
}
