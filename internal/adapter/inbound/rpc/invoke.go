package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/agentward/agentward/internal/canonjson"
	"github.com/agentward/agentward/internal/domain/approval"
	"github.com/agentward/agentward/internal/domain/ledger"
	"github.com/agentward/agentward/internal/domain/node"
	"github.com/agentward/agentward/internal/domain/ratelimit"
	"github.com/agentward/agentward/internal/port/outbound"
	"github.com/agentward/agentward/internal/service"
	"github.com/agentward/agentward/pkg/rpcwire"
)

// Dangerous-ledger field values.
const (
	trailAllowed = "allowed"
	trailDenied  = "denied"
	trailSuccess = "success"
	trailFailure = "failure"
	trailPending = "pending"
)

// invokeParams is the node.invoke request body. SessionKey and AgentID
// identify the caller and ride outside the command params, so they
// never perturb the payload hash.
type invokeParams struct {
	NodeID         string         `json:"nodeId"`
	Command        string         `json:"command"`
	Params         map[string]any `json:"params,omitempty"`
	TimeoutMs      int64          `json:"timeoutMs,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	SessionKey     string         `json:"sessionKey,omitempty"`
	AgentID        string         `json:"agentId,omitempty"`
}

// invokeResult is the node.invoke response body. When the capped
// payload is no longer valid JSON it travels as a string under
// payloadJSON instead.
type invokeResult struct {
	OK              bool            `json:"ok"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	PayloadJSON     string          `json:"payloadJSON,omitempty"`
	OutputTruncated bool            `json:"outputTruncated,omitempty"`
}

// handleInvoke runs the full admission sequence for one node command
// and forwards it when every check clears. Dangerous commands
// additionally get payload dedupe, the tighter budget, a global slot,
// and a dangerous-ledger record whatever the outcome.
func (f *Front) handleInvoke(ctx context.Context, frame *rpcwire.Frame) (any, error) {
	var p invokeParams
	if err := frame.BindParams(&p); err != nil {
		return nil, err
	}
	if p.NodeID == "" {
		return nil, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:nodeId: missing")
	}
	if p.Command == "" {
		return nil, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:command: missing")
	}

	// Callers never decide approval state. The presented token is
	// captured out-of-band and verified against a recomputed binding;
	// the cleaned params feed the payload hash.
	params, presentedToken := rpcwire.StripBypassFields(p.Params)

	sess, err := f.registry.Get(p.NodeID)
	if err != nil {
		return nil, rpcwire.NewError(rpcwire.CodeNotConnected, fmt.Sprintf("node %s is not connected", p.NodeID))
	}

	prof, known := node.ProfileFor(p.Command)
	if !known {
		return nil, rpcwire.NewError(rpcwire.CodeNotAllowed, fmt.Sprintf("command %q is not a known node command", p.Command))
	}
	if !sess.Supports(p.Command) {
		return nil, rpcwire.NewError(rpcwire.CodeUnavailable, fmt.Sprintf("node %s does not support %s", p.NodeID, p.Command))
	}

	nowMs := time.Now().UnixMilli()
	rateKey := ratelimit.KeyFor(p.SessionKey, "", "", p.Command)
	dangerous := prof.Dangerous

	payloadHash := ""
	if dangerous || prof.RequireApprovalToken {
		payloadHash, err = node.PayloadHash(p.NodeID, p.Command, params)
		if err != nil {
			return nil, rpcwire.NewError(rpcwire.CodeUnavailable, "payload hash: "+err.Error())
		}
	}

	dedupeKey := ""
	claimed := false

	// fail finalizes a refusal: the dedupe claim is released (its
	// payload binding stays), denials charge the tripwire, and
	// dangerous commands get their ledger record.
	fail := func(werr *rpcwire.Error) (any, error) {
		if claimed {
			f.replay.Abandon(dedupeKey)
		}
		switch werr.Code {
		case rpcwire.CodeNotAllowed:
			if dangerous {
				f.limiter.NoteDenial(rateKey, nowMs)
				f.appendDangerTrail(ctx, p, payloadHash, trailDenied, trailFailure, werr.Message)
			}
			f.logger.Info("node command denied",
				"command", p.Command,
				"node_id", p.NodeID,
				"reason", werr.Message)
		case rpcwire.CodeUnavailable:
			if dangerous {
				f.appendDangerTrail(ctx, p, payloadHash, trailDenied, trailFailure, werr.Message)
			}
		}
		return nil, werr
	}

	// Idempotency dedupe: a reused key either replays the cached
	// response or, bound to a different payload, is denied outright.
	if dangerous && p.IdempotencyKey != "" {
		dedupeKey = node.DedupeKey(rateKey, p.IdempotencyKey)
		cached, beginErr := f.replay.Begin(dedupeKey, payloadHash, nowMs)
		switch {
		case errors.Is(beginErr, node.ErrPayloadMismatch):
			return fail(rpcwire.NewError(rpcwire.CodeNotAllowed, node.ErrPayloadMismatch.Error()))
		case errors.Is(beginErr, node.ErrInFlight):
			return nil, rpcwire.NewError(rpcwire.CodeUnavailable, node.ErrInFlight.Error())
		case beginErr != nil:
			return nil, rpcwire.NewError(rpcwire.CodeUnavailable, beginErr.Error())
		case cached != nil:
			return cached, nil
		}
		claimed = true
	}

	// Admission: the rate window first, then the profile gates in a
	// fixed order so denials are deterministic.
	if res := f.limiter.CheckAndConsume(rateKey, nowMs); !res.Allowed() {
		token := service.TokenRateLimited
		if res.Outcome == ratelimit.OutcomeBlocked {
			token = service.TokenBlocked
		}
		return fail(rpcwire.NewError(rpcwire.CodeUnavailable, fmt.Sprintf("%s: retry after %dms", token, res.RetryAfterMs)))
	}
	if prof.AdminScope && !frame.AdminScope {
		return fail(rpcwire.NewError(rpcwire.CodeNotAllowed, fmt.Sprintf("command %s requires admin scope", p.Command)))
	}
	if prof.BreakGlassEnv != "" && os.Getenv(prof.BreakGlassEnv) != "1" {
		return fail(rpcwire.Denied(fmt.Sprintf("command %s is disabled on this gateway", p.Command), prof.BreakGlassEnv))
	}
	if prof.RequireSessionKey && p.SessionKey == "" {
		return fail(rpcwire.NewError(rpcwire.CodeNotAllowed, fmt.Sprintf("command %s requires a session key", p.Command)))
	}
	if dangerous && os.Getenv(node.EnvSafeMode) == "1" {
		return fail(rpcwire.NewError(rpcwire.CodeNotAllowed, fmt.Sprintf("dangerous commands are disabled while %s=1", node.EnvSafeMode)))
	}
	if prof.RequireSafeExposure && !f.exposure.Safe() && os.Getenv(node.EnvAllowDangerousExposed) != "1" {
		return fail(rpcwire.Denied(
			fmt.Sprintf("command %s requires a safe exposure; gateway is %s", p.Command, f.exposure),
			node.EnvAllowDangerousExposed))
	}

	if prof.RequireApprovalToken {
		if presentedToken == "" {
			return fail(rpcwire.NewError(rpcwire.CodeNotAllowed, fmt.Sprintf("command %s requires an approval token", p.Command)))
		}
		bind := approval.CapabilityBinding{
			Capability:  prof.Capability,
			Subject:     p.NodeID,
			PayloadHash: payloadHash,
			AgentID:     p.AgentID,
			SessionKey:  p.SessionKey,
		}
		expected, bindErr := bind.BindHash()
		if bindErr != nil {
			return nil, rpcwire.NewError(rpcwire.CodeUnavailable, "bind hash: "+bindErr.Error())
		}
		if !f.approvals.ConsumeToken(presentedToken, expected) {
			return fail(rpcwire.NewError(rpcwire.CodeNotAllowed, "approval token missing, expired, or bound to a different payload"))
		}
	}

	if p.Command == "system.run" {
		if werr := f.checkRun(params); werr != nil {
			return fail(werr)
		}
	}

	// Concurrency, then the global dangerous slot. Both are released
	// on every exit path below.
	if dangerous {
		if !f.limiter.AcquireConcurrency(rateKey, nowMs) {
			return fail(rpcwire.NewError(rpcwire.CodeUnavailable, service.TokenTooManyConcurrent))
		}
		defer f.limiter.ReleaseConcurrency(rateKey)
		if !f.limiter.AcquireDangerousSlot() {
			return fail(rpcwire.NewError(rpcwire.CodeUnavailable, service.TokenGlobalSlotsExhausted))
		}
		defer f.limiter.ReleaseDangerousSlot()
	}

	budget := node.BudgetFor(dangerous).WithUserTimeout(p.TimeoutMs)
	invCtx, cancel := context.WithTimeout(ctx, time.Duration(budget.TimeoutMs)*time.Millisecond)
	defer cancel()

	resp, invokeErr := f.transport.Invoke(invCtx, outbound.NodeInvocation{
		NodeID:  p.NodeID,
		Command: p.Command,
		Params:  params,
		Budget:  budget,
	})
	if invokeErr != nil {
		if claimed {
			f.replay.Abandon(dedupeKey)
		}
		switch {
		case errors.Is(invokeErr, node.ErrNotConnected):
			if dangerous {
				f.appendDangerTrail(ctx, p, payloadHash, trailAllowed, trailFailure, invokeErr.Error())
			}
			return nil, rpcwire.NewError(rpcwire.CodeNotConnected, fmt.Sprintf("node %s dropped during invocation", p.NodeID))
		case errors.Is(invCtx.Err(), context.DeadlineExceeded):
			// The node may still be running the command; the outcome
			// is unknown, not failed.
			if dangerous {
				f.appendDangerTrail(ctx, p, payloadHash, trailAllowed, trailPending, "timeout")
			}
			return nil, rpcwire.NewError(rpcwire.CodeUnavailable, fmt.Sprintf("node invocation timed out after %dms", budget.TimeoutMs))
		default:
			if dangerous {
				f.appendDangerTrail(ctx, p, payloadHash, trailAllowed, trailPending, invokeErr.Error())
			}
			return nil, rpcwire.NewError(rpcwire.CodeUnavailable, "node transport: "+invokeErr.Error())
		}
	}

	f.registry.Touch(p.NodeID, time.Now().UnixMilli())

	payload, truncated := node.CapPayload(resp.Payload, 0)
	out := invokeResult{OK: resp.OK, OutputTruncated: truncated}
	if len(payload) > 0 {
		if json.Valid(payload) {
			out.Payload = json.RawMessage(payload)
		} else {
			out.PayloadJSON = string(payload)
		}
	}

	if claimed {
		encoded, encErr := json.Marshal(out)
		if encErr != nil {
			f.replay.Abandon(dedupeKey)
		} else {
			f.replay.Complete(dedupeKey, encoded, time.Now().UnixMilli())
		}
	}

	if dangerous {
		result := trailSuccess
		if !resp.OK {
			result = trailFailure
		}
		f.appendDangerTrail(ctx, p, payloadHash, trailAllowed, result, "")
		if resp.OK {
			f.limiter.NoteSuccess(rateKey, time.Now().UnixMilli())
		}
	}

	return out, nil
}

// checkRun re-validates a system.run request: the command must lex
// cleanly with no operators or inline scripts, caller env keys must
// clear the deny list and the safe allowlist, and the working
// directory must resolve inside the workspace root. The resolved cwd
// replaces the requested one so the node executes against real paths.
func (f *Front) checkRun(params map[string]any) *rpcwire.Error {
	run, werr := parseRunParams(params)
	if werr != nil {
		return werr
	}
	if len(run.Argv) > 0 {
		if err := node.CheckRunArgv(run.Argv); err != nil {
			return rpcwire.NewError(rpcwire.CodeNotAllowed, err.Error())
		}
	} else if _, err := node.CheckRunCommand(run.Command); err != nil {
		return rpcwire.NewError(rpcwire.CodeNotAllowed, err.Error())
	}

	allowArbitrary := os.Getenv(node.EnvAllowArbitraryEnv) == "1"
	if err := node.CheckEnv(run.Env, allowArbitrary); err != nil {
		return rpcwire.Denied(err.Error(), node.EnvAllowArbitraryEnv)
	}

	switch {
	case f.workspace != nil:
		resolved, err := f.workspace.ContainCwd(run.Cwd)
		if err != nil {
			return rpcwire.NewError(rpcwire.CodeNotAllowed, err.Error())
		}
		params["cwd"] = resolved
	case run.Cwd != "":
		return rpcwire.NewError(rpcwire.CodeNotAllowed, "cwd containment requires a configured workspace root")
	}
	return nil
}

type runParams struct {
	Command string
	Argv    []string
	Env     map[string]string
	Cwd     string
}

// parseRunParams extracts the system.run fields from generic params.
func parseRunParams(params map[string]any) (runParams, *rpcwire.Error) {
	var run runParams
	if v, ok := params["command"]; ok {
		s, ok := v.(string)
		if !ok {
			return run, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:params.command: expected string")
		}
		run.Command = s
	}
	if v, ok := params["commandArgv"]; ok {
		items, ok := v.([]any)
		if !ok {
			return run, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:params.commandArgv: expected array of strings")
		}
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return run, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:params.commandArgv: expected array of strings")
			}
			run.Argv = append(run.Argv, s)
		}
	}
	if v, ok := params["commandEnv"]; ok {
		m, ok := v.(map[string]any)
		if !ok {
			return run, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:params.commandEnv: expected object of strings")
		}
		run.Env = make(map[string]string, len(m))
		for k, item := range m {
			s, ok := item.(string)
			if !ok {
				return run, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:params.commandEnv: expected object of strings")
			}
			run.Env[k] = s
		}
	}
	if v, ok := params["cwd"]; ok {
		s, ok := v.(string)
		if !ok {
			return run, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:params.cwd: expected string")
		}
		run.Cwd = s
	}
	return run, nil
}

// appendDangerTrail records one dangerous invocation outcome on the
// reserved ledger session. The session key is stored hashed. Append
// failures warn: the outcome is already decided and must still reach
// the caller.
func (f *Front) appendDangerTrail(ctx context.Context, p invokeParams, payloadHash, decision, result, reason string) {
	payload := map[string]any{
		"kind":     string(ledger.KindResult),
		"command":  p.Command,
		"nodeId":   p.NodeID,
		"decision": decision,
		"result":   result,
	}
	if payloadHash != "" {
		payload["payloadHash"] = payloadHash
	}
	if p.SessionKey != "" {
		payload["sessionKeyHash"] = canonjson.HashString(p.SessionKey)
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if _, err := f.trail.Append(context.WithoutCancel(ctx), node.DangerPrefix, payload); err != nil {
		f.logger.Warn("dangerous ledger append failed",
			"command", p.Command,
			"node_id", p.NodeID,
			"error", err)
	}
}
