package rpc

import (
	"context"
	"time"

	"github.com/agentward/agentward/internal/domain/approval"
	"github.com/agentward/agentward/internal/service"
	"github.com/agentward/agentward/pkg/rpcwire"
)

// DecisionTimeout is the wire decision reported when no human resolved
// the request before its expiry.
const DecisionTimeout = "timeout"

// execApprovalParams is the exec.approval.request body.
type execApprovalParams struct {
	Command     string            `json:"command"`
	CommandArgv []string          `json:"commandArgv,omitempty"`
	CommandEnv  map[string]string `json:"commandEnv,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	SessionKey  string            `json:"sessionKey"`
	AgentID     string            `json:"agentId,omitempty"`
	TimeoutMs   int64             `json:"timeoutMs,omitempty"`
}

// capabilityApprovalParams is the capability.approval.request body.
type capabilityApprovalParams struct {
	Capability  string `json:"capability"`
	Subject     string `json:"subject"`
	PayloadHash string `json:"payloadHash"`
	SessionKey  string `json:"sessionKey"`
	AgentID     string `json:"agentId,omitempty"`
	TimeoutMs   int64  `json:"timeoutMs,omitempty"`
}

// approvalResult is the response body for both approval request
// methods. The token appears only here; broadcasts never carry it.
type approvalResult struct {
	ID               string `json:"id"`
	Decision         string `json:"decision"`
	ApprovalToken    string `json:"approvalToken,omitempty"`
	TokenExpiresAtMs int64  `json:"tokenExpiresAtMs,omitempty"`
	CreatedAtMs      int64  `json:"createdAtMs"`
	ExpiresAtMs      int64  `json:"expiresAtMs"`
	Standing         bool   `json:"standing,omitempty"`
}

// waitFor picks the wait for one approval request: the caller's
// timeoutMs, else the configured default, else the manager decides.
func (f *Front) waitFor(timeoutMs int64) time.Duration {
	if timeoutMs > 0 {
		return time.Duration(timeoutMs) * time.Millisecond
	}
	return f.approvalWait
}

func wireOutcome(o service.ApprovalOutcome) approvalResult {
	decision := string(o.Decision)
	if o.TimedOut {
		decision = DecisionTimeout
	}
	return approvalResult{
		ID:               o.ID,
		Decision:         decision,
		ApprovalToken:    o.ApprovalToken,
		TokenExpiresAtMs: o.TokenExpiresAtMs,
		CreatedAtMs:      o.CreatedAtMs,
		ExpiresAtMs:      o.ExpiresAtMs,
		Standing:         o.Standing,
	}
}

// handleExecApprovalRequest parks the caller until a human resolves
// the exec request, a standing grant short-circuits it, or the timeout
// passes.
func (f *Front) handleExecApprovalRequest(ctx context.Context, frame *rpcwire.Frame) (any, error) {
	var p execApprovalParams
	if err := frame.BindParams(&p); err != nil {
		return nil, err
	}
	if p.Command == "" && len(p.CommandArgv) == 0 {
		return nil, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:command: missing")
	}
	if p.SessionKey == "" {
		return nil, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:sessionKey: missing")
	}

	outcome, err := f.approvals.RequestExec(ctx, approval.ExecBinding{
		Command:     p.Command,
		CommandArgv: p.CommandArgv,
		CommandEnv:  p.CommandEnv,
		Cwd:         p.Cwd,
		AgentID:     p.AgentID,
		SessionKey:  p.SessionKey,
	}, f.waitFor(p.TimeoutMs))
	if err != nil {
		return nil, err
	}
	return wireOutcome(outcome), nil
}

// handleCapabilityApprovalRequest is the capability flavor, bound by
// {capability, subject, payloadHash, agentId, sessionKey}.
func (f *Front) handleCapabilityApprovalRequest(ctx context.Context, frame *rpcwire.Frame) (any, error) {
	var p capabilityApprovalParams
	if err := frame.BindParams(&p); err != nil {
		return nil, err
	}
	if p.Capability == "" {
		return nil, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:capability: missing")
	}
	if p.Subject == "" {
		return nil, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:subject: missing")
	}
	if p.PayloadHash == "" {
		return nil, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:payloadHash: missing")
	}
	if p.SessionKey == "" {
		return nil, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:sessionKey: missing")
	}

	outcome, err := f.approvals.RequestCapability(ctx, approval.CapabilityBinding{
		Capability:  p.Capability,
		Subject:     p.Subject,
		PayloadHash: p.PayloadHash,
		AgentID:     p.AgentID,
		SessionKey:  p.SessionKey,
	}, f.waitFor(p.TimeoutMs))
	if err != nil {
		return nil, err
	}
	return wireOutcome(outcome), nil
}

// resolveParams is the exec.approval.resolve body.
type resolveParams struct {
	ID         string `json:"id"`
	Decision   string `json:"decision"`
	ResolvedBy string `json:"resolvedBy,omitempty"`
}

// resolveResult acknowledges a resolution.
type resolveResult struct {
	OK           bool   `json:"ok"`
	Decision     string `json:"decision"`
	ResolvedAtMs int64  `json:"resolvedAtMs"`
}

// handleExecApprovalResolve resolves a pending approval of either
// kind. The manager broadcasts the resolution to every subscriber;
// only the original waiter receives the token.
func (f *Front) handleExecApprovalResolve(ctx context.Context, frame *rpcwire.Frame) (any, error) {
	var p resolveParams
	if err := frame.BindParams(&p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:id: missing")
	}
	decision, err := approval.ParseDecision(p.Decision)
	if err != nil {
		return nil, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:decision: "+err.Error())
	}
	resolvedBy := p.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = "operator"
	}

	res, ok := f.approvals.Resolve(ctx, p.ID, decision, resolvedBy)
	if !ok {
		return nil, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:id: no pending approval "+p.ID)
	}
	return resolveResult{OK: true, Decision: string(res.Decision), ResolvedAtMs: res.ResolvedAtMs}, nil
}
