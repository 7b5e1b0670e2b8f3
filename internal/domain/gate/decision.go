package gate

import "github.com/agentward/agentward/internal/domain/policy"

// Verdict is the gate's answer for one proposal.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
	// VerdictRequireSandboxOnly is a reroute signal, not a denial: the
	// action is acceptable but only inside a sandbox.
	VerdictRequireSandboxOnly Verdict = "require_sandbox_only"
	// VerdictRequireHuman reroutes the action to a human approval flow.
	VerdictRequireHuman Verdict = "require_human"
)

// Deny reason tokens produced by the gate itself. The normalizer owns
// the invalid:args and per-tool policy:exec_* / invalid:url tokens.
const (
	ReasonNoPolicy           = "policy:no_policy_installed"
	ReasonToolDenied         = "policy:tool_denied"
	ReasonToolNotAllowlisted = "policy:tool_not_allowlisted"
	ReasonArgsTooLarge       = "policy:args_too_large"
	ReasonArgsUnserializable = "invalid:args:unserializable"
	ReasonSandboxRequired    = "policy:sandbox_required"
	ReasonApprovalRequired   = "approval:required"

	ReasonNetDomainAllowlistEmpty       = "policy:net_domain_allowlist_empty"
	ReasonNetDomainNotAllowlistedPrefix = "policy:net_domain_not_allowlisted:"
	ReasonCapabilityMissingPrefix       = "capability_missing:"
	ReasonRuleConditionDeniedPrefix     = "policy:rule_condition_denied:"
)

// Decision is the gate's verdict plus everything the dispatcher needs
// to act on it. NormalizedArgs is populated only on allow. The
// unexported stamp binds the decision to one proposal; a Decision
// built or mutated outside this package fails Gate.Verify.
type Decision struct {
	Verdict        Verdict
	Reasons        []string
	Risk           policy.Risk
	NormalizedArgs map[string]any
	CapsGranted    []string

	stamp string
}

// Allowed reports whether the decision permits execution.
func (d Decision) Allowed() bool { return d.Verdict == VerdictAllow }

// Denied reports whether the decision is a hard denial (reroute
// verdicts are not denials).
func (d Decision) Denied() bool { return d.Verdict == VerdictDeny }

// Stamped reports whether the decision carries an integrity stamp.
func (d Decision) Stamped() bool { return d.stamp != "" }

func deny(risk policy.Risk, reasons ...string) Decision {
	return Decision{Verdict: VerdictDeny, Reasons: reasons, Risk: risk}
}
