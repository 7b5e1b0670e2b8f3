// Package service contains the kernel services: the dispatcher that
// gates and executes tool calls, the approval service, and the
// assembled kernel.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agentward/agentward/internal/ctxkey"
	"github.com/agentward/agentward/internal/domain/action"
	"github.com/agentward/agentward/internal/domain/feedback"
	"github.com/agentward/agentward/internal/domain/gate"
	"github.com/agentward/agentward/internal/domain/ledger"
	"github.com/agentward/agentward/internal/domain/policy"
	"github.com/agentward/agentward/internal/domain/ratelimit"
	"github.com/agentward/agentward/internal/domain/tool"
	"github.com/agentward/agentward/internal/telemetry"
)

// summaryCap bounds captured result summaries in ledger entries.
const summaryCap = 280

// Resource refusal tokens surfaced to callers as UNAVAILABLE.
const (
	TokenRateLimited          = "RATE_LIMITED"
	TokenBlocked              = "BLOCKED"
	TokenTooManyConcurrent    = "TOO_MANY_CONCURRENT"
	TokenGlobalSlotsExhausted = "GLOBAL_SLOTS_EXHAUSTED"
)

// Integrity failures abort the invocation outright.
var (
	ErrDoubleWrapped     = errors.New("tool is already kernel-wrapped")
	ErrStampMissing      = errors.New("decision failed integrity verification")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
)

// loggerFromContext retrieves the enriched logger from context.
// Uses the same key as the inbound middleware for call_id/session
// enrichment. Returns nil if no logger is in context, allowing the
// caller to fall back.
func loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// GateDeniedError is returned when the verdict for a proposal is
// anything but allow. Reroute verdicts (require_human,
// require_sandbox_only) travel the same way so the embedding runtime
// can distinguish them by Verdict.
type GateDeniedError struct {
	Tool    string
	Verdict gate.Verdict
	Reasons []string
}

func (e *GateDeniedError) Error() string {
	return fmt.Sprintf("kernel denied %s (%s): %s", e.Tool, e.Verdict, strings.Join(e.Reasons, ", "))
}

// ResourceError reports limiter refusals. These are availability
// signals, not policy verdicts.
type ResourceError struct {
	Token          string
	RetryAfterMs   int64
	BlockedUntilMs int64
}

func (e *ResourceError) Error() string {
	if e.RetryAfterMs > 0 {
		return fmt.Sprintf("%s: retry after %dms", e.Token, e.RetryAfterMs)
	}
	return e.Token
}

// CallMeta carries caller identity and context for one dispatch.
type CallMeta struct {
	Actor        string
	WorkspaceDir string
	SessionKey   string
	SessionID    string
	AgentID      string
	Sandboxed    bool
	Provenance   *action.Provenance

	// Policy pins a snapshot for this call; nil uses the active one.
	Policy *policy.Snapshot

	// OnUpdate receives tool progress updates. May be nil.
	OnUpdate func(any)
}

// Result carries a completed dispatch back to the embedding runtime.
type Result struct {
	Value      any
	DurationMs int64
	Decision   gate.Decision
}

// Dispatcher runs the gate-then-execute sequence for every tool call.
// Every attempt leaves a proposal/decision/outcome trail in the ledger
// before the caller sees the result.
type Dispatcher struct {
	policies  *policy.Store
	gate      *gate.Gate
	ledger    ledger.Store
	limiter   *ratelimit.Limiter
	tracker   *feedback.Tracker
	telemetry *telemetry.Provider
	logger    *slog.Logger

	captureOutput bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLimiter wires the dangerous-action limiter. High-risk dispatches
// then consume rate, concurrency, and global slots.
func WithLimiter(l *ratelimit.Limiter) DispatcherOption {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithFeedback wires the outcome tracker notified on allow-path results.
func WithFeedback(t *feedback.Tracker) DispatcherOption {
	return func(d *Dispatcher) { d.tracker = t }
}

// WithTelemetry wires tracing and metrics around each dispatch.
func WithTelemetry(p *telemetry.Provider) DispatcherOption {
	return func(d *Dispatcher) { d.telemetry = p }
}

// WithCaptureOutput controls whether result summaries record tool
// output (capped) or the literal "omitted".
func WithCaptureOutput(enabled bool) DispatcherOption {
	return func(d *Dispatcher) { d.captureOutput = enabled }
}

// NewDispatcher creates a dispatcher over the given policy store, gate,
// and ledger.
func NewDispatcher(policies *policy.Store, g *gate.Gate, store ledger.Store, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		policies: policies,
		gate:     g,
		ledger:   store,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch gates and executes one tool call.
//
// Sequence: refuse kernel-wrapped tools; construct a proposal and
// ledger it; evaluate the gate and verify the decision's integrity
// stamp; ledger the decision; on any verdict but allow, ledger a
// result{status:error} and return a GateDeniedError; otherwise charge
// the limiter for high-risk calls, freeze the normalized args, execute
// the tool under the caller's context, and ledger the outcome.
//
// Ledger failures before execution abort the call; after execution
// they only warn, because the tool already ran.
func (d *Dispatcher) Dispatch(ctx context.Context, t tool.Tool, rawArgs map[string]any, callID string, meta CallMeta) (*Result, error) {
	logger := loggerFromContext(ctx)
	if logger == nil {
		logger = d.logger
	}

	if tool.IsWrapped(t) {
		logger.Error("refusing kernel-wrapped tool",
			"tool", t.Name(),
			"call_id", callID)
		return nil, fmt.Errorf("%w: %s", ErrDoubleWrapped, t.Name())
	}

	ctx, finish := d.telemetry.TrackOperation(ctx, "kernel.dispatch",
		attribute.String("tool", t.Name()),
	)
	res, err := d.dispatch(ctx, logger, t, rawArgs, callID, meta)
	finish(err)
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, logger *slog.Logger, t tool.Tool, rawArgs map[string]any, callID string, meta CallMeta) (*Result, error) {
	snap := meta.Policy
	if snap == nil {
		snap, _ = d.policies.Active()
	}

	prov := meta.Provenance
	if snap != nil {
		stamped := action.Provenance{}
		if prov != nil {
			stamped = *prov
		}
		stamped.PolicySha256 = snap.Sha
		prov = &stamped
	}

	prop := action.NewProposal(action.ProposalInput{
		Actor:      meta.Actor,
		SessionKey: meta.SessionKey,
		AgentID:    meta.AgentID,
		ToolName:   t.Name(),
		Args:       rawArgs,
		Provenance: prov,
	})

	if _, err := d.ledger.Append(ctx, meta.SessionKey, proposalPayload(prop)); err != nil {
		return nil, fmt.Errorf("%w: append proposal: %v", ErrLedgerUnavailable, err)
	}

	decision := d.gate.Evaluate(ctx, snap, prop, meta.Sandboxed)
	if !d.gate.Verify(decision, prop.ID) {
		logger.Error("decision failed integrity verification",
			"proposal_id", prop.ID,
			"tool", prop.ToolName)
		return nil, fmt.Errorf("%w: proposal %s", ErrStampMissing, prop.ID)
	}

	if _, err := d.ledger.Append(ctx, meta.SessionKey, decisionPayload(prop.ID, decision)); err != nil {
		return nil, fmt.Errorf("%w: append decision: %v", ErrLedgerUnavailable, err)
	}
	d.telemetry.RecordDispatch(ctx, string(decision.Verdict))

	nowMs := time.Now().UnixMilli()
	key := ratelimit.KeyFor(meta.SessionKey, "", "", prop.ToolName)
	dangerous := decision.Risk == policy.RiskHigh

	if !decision.Allowed() {
		d.telemetry.RecordDenial(ctx, prop.ToolName)
		if d.limiter != nil && dangerous && decision.Denied() {
			d.limiter.NoteDenial(key, nowMs)
		}
		summary := strings.Join(decision.Reasons, ",")
		if _, err := d.ledger.Append(ctx, meta.SessionKey, resultPayload(prop.ID, "error", summary, -1)); err != nil {
			return nil, fmt.Errorf("%w: append result: %v", ErrLedgerUnavailable, err)
		}
		return nil, &GateDeniedError{Tool: prop.ToolName, Verdict: decision.Verdict, Reasons: decision.Reasons}
	}

	if d.limiter != nil && dangerous {
		if resErr := d.checkLimits(ctx, meta.SessionKey, prop.ID, key, nowMs); resErr != nil {
			return nil, resErr
		}
		defer d.limiter.ReleaseConcurrency(key)
		defer d.limiter.ReleaseDangerousSlot()
	}

	// The tool sees a private copy; later mutations of either tree
	// cannot reach the other.
	frozen := action.DeepCopyArgs(decision.NormalizedArgs)
	onUpdate := meta.OnUpdate
	if onUpdate == nil {
		onUpdate = func(any) {}
	}

	start := time.Now()
	value, execErr := t.Execute(ctx, callID, frozen, onUpdate)
	durationMs := time.Since(start).Milliseconds()

	if execErr != nil {
		if _, err := d.ledger.Append(ctx, meta.SessionKey, errorPayload(prop.ID, execErr, durationMs)); err != nil {
			logger.Warn("ledger error entry failed after execution",
				"proposal_id", prop.ID,
				"error", err)
		}
		if d.tracker != nil {
			d.tracker.Record(prop.ToolName, false)
		}
		return nil, fmt.Errorf("tool %s failed: %w", prop.ToolName, execErr)
	}

	summary := "omitted"
	if d.captureOutput {
		summary = summarize(value)
	}
	if _, err := d.ledger.Append(ctx, meta.SessionKey, resultPayload(prop.ID, "ok", summary, durationMs)); err != nil {
		logger.Warn("ledger result entry failed after execution",
			"proposal_id", prop.ID,
			"error", err)
	}
	if d.tracker != nil {
		d.tracker.Record(prop.ToolName, true)
	}
	if d.limiter != nil && dangerous {
		d.limiter.NoteSuccess(key, time.Now().UnixMilli())
	}

	return &Result{Value: value, DurationMs: durationMs, Decision: decision}, nil
}

// checkLimits charges the limiter for one high-risk dispatch. On
// success both a concurrency slot and a global slot are held; the
// caller releases them. On refusal a result entry is ledgered and a
// ResourceError returned.
func (d *Dispatcher) checkLimits(ctx context.Context, sessionKey, proposalID, key string, nowMs int64) error {
	refuse := func(resErr *ResourceError) error {
		if _, err := d.ledger.Append(ctx, sessionKey, resultPayload(proposalID, "error", resErr.Token, -1)); err != nil {
			return fmt.Errorf("%w: append result: %v", ErrLedgerUnavailable, err)
		}
		return resErr
	}

	res := d.limiter.CheckAndConsume(key, nowMs)
	switch res.Outcome {
	case ratelimit.OutcomeBlocked:
		return refuse(&ResourceError{Token: TokenBlocked, RetryAfterMs: res.RetryAfterMs, BlockedUntilMs: res.BlockedUntilMs})
	case ratelimit.OutcomeRateLimited:
		return refuse(&ResourceError{Token: TokenRateLimited, RetryAfterMs: res.RetryAfterMs})
	}

	if !d.limiter.AcquireConcurrency(key, nowMs) {
		return refuse(&ResourceError{Token: TokenTooManyConcurrent})
	}
	if !d.limiter.AcquireDangerousSlot() {
		d.limiter.ReleaseConcurrency(key)
		return refuse(&ResourceError{Token: TokenGlobalSlotsExhausted})
	}
	return nil
}

func proposalPayload(prop action.Proposal) map[string]any {
	return map[string]any{
		"kind":     string(ledger.KindProposal),
		"proposal": prop,
	}
}

func decisionPayload(proposalID string, d gate.Decision) map[string]any {
	p := map[string]any{
		"kind":       string(ledger.KindDecision),
		"proposalId": proposalID,
		"verdict":    string(d.Verdict),
		"risk":       string(d.Risk),
	}
	if len(d.Reasons) > 0 {
		p["reasons"] = d.Reasons
	}
	if len(d.CapsGranted) > 0 {
		p["capsGranted"] = d.CapsGranted
	}
	return p
}

func resultPayload(proposalID, status, summary string, durationMs int64) map[string]any {
	p := map[string]any{
		"kind":       string(ledger.KindResult),
		"proposalId": proposalID,
		"status":     status,
		"summary":    summary,
	}
	if durationMs >= 0 {
		p["durationMs"] = durationMs
	}
	return p
}

func errorPayload(proposalID string, execErr error, durationMs int64) map[string]any {
	return map[string]any{
		"kind":       string(ledger.KindError),
		"proposalId": proposalID,
		"error":      execErr.Error(),
		"durationMs": durationMs,
	}
}

// summarize renders a tool result as a ledger summary, capped at
// summaryCap runes.
func summarize(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		s = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "unserializable result"
		}
		s = string(b)
	}
	if r := []rune(s); len(r) > summaryCap {
		s = string(r[:summaryCap])
	}
	return s
}
