// Package gate turns proposals into decisions. Evaluation is a fixed
// sequence of checks over the active policy snapshot, each of which can
// short-circuit into a deny; only a proposal that survives every check
// is allowed, and only with normalized arguments and an explicit
// capability grant list.
package gate

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentward/agentward/internal/canonjson"
	"github.com/agentward/agentward/internal/domain/action"
	"github.com/agentward/agentward/internal/domain/policy"
)

// defaultCacheSize bounds the verdict cache.
const defaultCacheSize = 1000

// RiskAdjuster lets the feedback tracker raise or lower a resolved
// risk before evaluation. Implementations must be safe for concurrent
// use.
type RiskAdjuster interface {
	AdjustRisk(tool string, base policy.Risk) policy.Risk
}

// Gate evaluates proposals against policy snapshots. The per-process
// random secret backs the integrity stamp on every decision; decisions
// cross process boundaries only through the ledger, never for reuse.
type Gate struct {
	logger     *slog.Logger
	secret     []byte
	adjuster   RiskAdjuster
	conditions policy.ConditionEvaluator
	cache      *verdictCache
}

// Option configures a Gate.
type Option func(*Gate)

// WithRiskAdjuster wires adaptive risk escalation.
func WithRiskAdjuster(a RiskAdjuster) Option {
	return func(g *Gate) { g.adjuster = a }
}

// WithConditionEvaluator wires denyWhen rule condition evaluation.
// Without one, any rule carrying a condition denies.
func WithConditionEvaluator(e policy.ConditionEvaluator) Option {
	return func(g *Gate) { g.conditions = e }
}

// WithCacheSize overrides the verdict cache capacity; zero disables
// caching.
func WithCacheSize(n int) Option {
	return func(g *Gate) { g.cache = newVerdictCache(n) }
}

// NewGate creates a gate with a fresh integrity secret.
func NewGate(logger *slog.Logger, opts ...Option) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("gate: generate integrity secret: %w", err)
	}
	g := &Gate{
		logger: logger,
		secret: secret,
		cache:  newVerdictCache(defaultCacheSize),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Evaluate runs the check sequence for one proposal. A nil snapshot
// fails closed. The returned decision is always stamped; stamping
// happens after any cache interaction so a cached verdict is re-bound
// to the proposal actually being decided.
func (g *Gate) Evaluate(ctx context.Context, snap *policy.Snapshot, prop action.Proposal, sandboxed bool) Decision {
	if snap == nil {
		d := deny(policy.RiskHigh, ReasonNoPolicy)
		g.stampDecision(&d, prop.ID)
		return d
	}

	risk := g.resolveRisk(snap.Doc, prop)

	var key uint64
	cacheable := g.cache != nil
	if cacheable {
		canonRaw, err := canonjson.Marshal(prop.Args)
		if err != nil {
			cacheable = false
		} else {
			key = verdictKey(snap.Sha, prop.ToolName, canonRaw, sandboxed, risk)
			if cached, ok := g.cache.Get(key); ok {
				d := cached.clone()
				g.stampDecision(&d, prop.ID)
				return d
			}
		}
	}

	d := g.evaluate(ctx, snap, prop, sandboxed, risk)
	if cacheable {
		g.cache.Put(key, d.clone())
	}
	g.stampDecision(&d, prop.ID)

	if d.Verdict != VerdictAllow {
		g.logger.Info("proposal rejected",
			"proposal_id", prop.ID,
			"tool", prop.ToolName,
			"verdict", string(d.Verdict),
			"reasons", d.Reasons,
			"risk", string(d.Risk))
	}
	return d
}

// evaluate runs the ordered checks. Callers stamp the result.
func (g *Gate) evaluate(ctx context.Context, snap *policy.Snapshot, prop action.Proposal, sandboxed bool, risk policy.Risk) Decision {
	doc := snap.Doc
	tool := prop.ToolName

	normalized, reasons := action.Normalize(tool, prop.Args, doc, sandboxed)
	if len(reasons) > 0 {
		return deny(risk, reasons...)
	}

	if doc.ToolDenied(tool) {
		return deny(risk, ReasonToolDenied)
	}
	if doc.EffectiveMode() == policy.ModeAllowlist && !doc.ToolAllowlisted(tool) {
		return deny(risk, ReasonToolNotAllowlisted)
	}

	canon, err := canonjson.Marshal(normalized)
	if err != nil {
		return deny(risk, ReasonArgsUnserializable)
	}
	if len(canon) > doc.EffectiveMaxArgsBytes(tool) {
		return deny(risk, ReasonArgsTooLarge)
	}

	rule, _ := doc.Rule(tool)
	if rule.RequireSandbox && !sandboxed {
		return Decision{Verdict: VerdictRequireSandboxOnly, Reasons: []string{ReasonSandboxRequired}, Risk: risk}
	}

	demands, denies := deriveDemands(prop, rule, normalized, doc)
	if len(denies) > 0 {
		return deny(risk, denies...)
	}
	if missing := snap.Caps.Missing(demands); len(missing) > 0 {
		missingReasons := make([]string, 0, len(missing))
		for _, m := range missing {
			missingReasons = append(missingReasons, ReasonCapabilityMissingPrefix+m)
		}
		return deny(risk, missingReasons...)
	}

	if rule.DenyWhen != "" {
		input := policy.ConditionInput{
			Tool:      tool,
			Args:      normalized,
			Risk:      risk,
			Sandboxed: sandboxed,
			Actor:     prop.Actor,
		}
		if g.denyWhen(ctx, tool, rule.DenyWhen, input) {
			return deny(risk, ReasonRuleConditionDeniedPrefix+tool)
		}
	}

	// An otherwise-allowed action can still need a human nod.
	if rule.RequireApproval {
		return Decision{Verdict: VerdictRequireHuman, Reasons: []string{ReasonApprovalRequired}, Risk: risk}
	}

	return Decision{
		Verdict:        VerdictAllow,
		Risk:           risk,
		NormalizedArgs: normalized,
		CapsGranted:    demands,
	}
}

// resolveRisk applies the declared -> rule -> heuristic chain, then
// lets the adjuster move the result.
func (g *Gate) resolveRisk(doc policy.Document, prop action.Proposal) policy.Risk {
	risk := prop.Risk
	if risk == policy.RiskUnset {
		if rule, ok := doc.Rule(prop.ToolName); ok && rule.Risk != policy.RiskUnset {
			risk = rule.Risk
		}
	}
	if risk == policy.RiskUnset {
		risk = policy.HeuristicRisk(prop.ToolName)
	}
	if g.adjuster != nil {
		risk = g.adjuster.AdjustRisk(prop.ToolName, risk)
	}
	return risk
}

// denyWhen evaluates a rule condition, failing closed on any error and
// when no evaluator is wired.
func (g *Gate) denyWhen(ctx context.Context, tool, expr string, input policy.ConditionInput) bool {
	if g.conditions == nil {
		g.logger.Warn("rule condition present but no evaluator wired, denying", "tool", tool)
		return true
	}
	denied, err := g.conditions.EvalCondition(ctx, expr, input)
	if err != nil {
		g.logger.Warn("rule condition evaluation failed, denying", "tool", tool, "error", err)
		return true
	}
	return denied
}

// deriveDemands unions explicit capability demands (proposal and rule)
// with the dynamic ones derived from normalized arguments. web_fetch
// hostnames are additionally checked against the domain allowlist when
// enforcement is on.
func deriveDemands(prop action.Proposal, rule policy.ToolRule, normalized map[string]any, doc policy.Document) (demands, denies []string) {
	var dynamic []string
	switch prop.ToolName {
	case "exec":
		dynamic = action.ExecDemands(normalized)
	case "web_fetch":
		if host := action.FetchHost(normalized); host != "" {
			if doc.EnforceFetchDomainAllowlist {
				if len(doc.FetchAllowedDomains) == 0 {
					return nil, []string{ReasonNetDomainAllowlistEmpty}
				}
				if !policy.HostAllowed(host, doc.FetchAllowedDomains, doc.FetchAllowSubdomains) {
					return nil, []string{ReasonNetDomainNotAllowlistedPrefix + host}
				}
			}
			dynamic = []string{action.CapNetOutboundPrefix + host}
		}
	case "browser":
		if action.BrowserWantsEval(normalized) {
			dynamic = []string{action.CapBrowserUnsafeEval}
		}
	}
	return dedupeTrim(prop.CapabilitiesRequired, rule.CapabilitiesRequired, dynamic), nil
}

// dedupeTrim merges capability lists, trimming whitespace and keeping
// first-seen order.
func dedupeTrim(lists ...[]string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, list := range lists {
		for _, item := range list {
			t := strings.TrimSpace(item)
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// ClearCache drops all cached verdicts. Called when a new policy is
// installed.
func (g *Gate) ClearCache() {
	if g.cache != nil {
		g.cache.Clear()
	}
}

// Verify recomputes the integrity stamp for a decision bound to a
// proposal id. A decision built outside this gate, mutated after
// stamping, or bound to a different proposal fails.
func (g *Gate) Verify(d Decision, proposalID string) bool {
	if d.stamp == "" {
		return false
	}
	expected := g.computeStamp(d, proposalID)
	return expected != "" && hmac.Equal([]byte(d.stamp), []byte(expected))
}

func (g *Gate) stampDecision(d *Decision, proposalID string) {
	d.stamp = g.computeStamp(*d, proposalID)
}

// computeStamp HMACs the decision's observable content plus the
// proposal id. Fields are length-prefixed and list sections carry
// counts so no two distinct decisions serialize identically.
func (g *Gate) computeStamp(d Decision, proposalID string) string {
	mac := hmac.New(sha256.New, g.secret)
	writeField := func(s string) {
		fmt.Fprintf(mac, "%d:", len(s))
		mac.Write([]byte(s))
	}
	writeField(proposalID)
	writeField(string(d.Verdict))
	writeField(string(d.Risk))
	fmt.Fprintf(mac, "r%d:", len(d.Reasons))
	for _, r := range d.Reasons {
		writeField(r)
	}
	fmt.Fprintf(mac, "c%d:", len(d.CapsGranted))
	for _, c := range d.CapsGranted {
		writeField(c)
	}
	if d.NormalizedArgs != nil {
		canon, err := canonjson.Marshal(d.NormalizedArgs)
		if err != nil {
			return ""
		}
		mac.Write(canon)
	}
	return hex.EncodeToString(mac.Sum(nil))
}
