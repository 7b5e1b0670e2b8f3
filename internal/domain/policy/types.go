// Package policy defines the signed policy document that governs every
// tool invocation, plus the strict-intersection and capability-matching
// rules the gate evaluates against.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Risk classifies how dangerous a tool invocation is considered.
// The zero value means "not declared".
type Risk string

const (
	RiskUnset  Risk = ""
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Level returns the ordering value of a risk (unset sorts below low).
func (r Risk) Level() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 0
	}
}

// Valid reports whether r is one of the declared risk values or unset.
func (r Risk) Valid() bool {
	switch r {
	case RiskUnset, RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Stricter returns the higher of the two risks.
func (r Risk) Stricter(other Risk) Risk {
	if other.Level() > r.Level() {
		return other
	}
	return r
}

// Raise returns the risk one level above r, capped at high.
func (r Risk) Raise() Risk {
	switch r {
	case RiskLow:
		return RiskMedium
	case RiskMedium:
		return RiskHigh
	default:
		return r
	}
}

// Mode selects how the allowTools set is interpreted.
type Mode string

const (
	// ModeUnset defaults to ModeAllowlist at evaluation time.
	ModeUnset     Mode = ""
	ModeAllowAll  Mode = "allow_all"
	ModeAllowlist Mode = "allowlist"
)

// Valid reports whether m is a recognized mode or unset.
func (m Mode) Valid() bool {
	switch m {
	case ModeUnset, ModeAllowAll, ModeAllowlist:
		return true
	}
	return false
}

// DefaultMaxArgsBytes caps the canonical-JSON size of tool arguments
// when neither the document nor a tool rule sets a tighter bound.
const DefaultMaxArgsBytes = 64 * 1024

// ToolRule is a per-tool override inside a policy document.
type ToolRule struct {
	Risk                 Risk     `json:"risk,omitempty"`
	MaxArgsBytes         int      `json:"maxArgsBytes,omitempty"`
	CapabilitiesRequired []string `json:"capabilitiesRequired,omitempty"`
	RequireSandbox       bool     `json:"requireSandbox,omitempty"`
	RequireApproval      bool     `json:"requireApproval,omitempty"`
	// DenyWhen is an optional CEL expression evaluated against the
	// normalized proposal. A true result denies. Conditions can only
	// restrict; they can never turn a deny into an allow.
	DenyWhen string `json:"denyWhen,omitempty"`
}

// Document is the policy wire format. All fields are optional; absent
// (nil) sets mean "no constraint" while present-but-empty sets are real
// empty sets and deny everything they govern.
type Document struct {
	Version                      int                 `json:"version,omitempty"`
	Mode                         Mode                `json:"mode,omitempty"`
	AllowTools                   []string            `json:"allowTools,omitempty"`
	DenyTools                    []string            `json:"denyTools,omitempty"`
	GrantedCapabilities          []string            `json:"grantedCapabilities,omitempty"`
	ExecSafeBins                 []string            `json:"execSafeBins,omitempty"`
	FetchAllowedDomains          []string            `json:"fetchAllowedDomains,omitempty"`
	FetchAllowSubdomains         bool                `json:"fetchAllowSubdomains,omitempty"`
	EnforceFetchDomainAllowlist  bool                `json:"enforceFetchDomainAllowlist,omitempty"`
	BlockExecCommandSubstitution bool                `json:"blockExecCommandSubstitution,omitempty"`
	MaxArgsBytes                 int                 `json:"maxArgsBytes,omitempty"`
	ToolRules                    map[string]ToolRule `json:"toolRules,omitempty"`
}

// ParseDocument decodes a policy document strictly: unknown fields are
// rejected so a typo cannot silently widen a policy.
func ParseDocument(raw []byte) (Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("policy: parse: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Validate checks structural validity of the document.
func (d Document) Validate() error {
	if !d.Mode.Valid() {
		return fmt.Errorf("policy: invalid mode %q", d.Mode)
	}
	if d.Mode == ModeAllowlist && d.AllowTools == nil {
		return fmt.Errorf("policy: mode allowlist requires allowTools")
	}
	if d.MaxArgsBytes < 0 {
		return fmt.Errorf("policy: negative maxArgsBytes")
	}
	for tool, rule := range d.ToolRules {
		if strings.TrimSpace(tool) == "" {
			return fmt.Errorf("policy: toolRules contains empty tool name")
		}
		if !rule.Risk.Valid() {
			return fmt.Errorf("policy: toolRules[%s]: invalid risk %q", tool, rule.Risk)
		}
		if rule.MaxArgsBytes < 0 {
			return fmt.Errorf("policy: toolRules[%s]: negative maxArgsBytes", tool)
		}
	}
	return nil
}

// EffectiveMode resolves the default: an unset mode is allowlist.
func (d Document) EffectiveMode() Mode {
	if d.Mode == ModeUnset {
		return ModeAllowlist
	}
	return d.Mode
}

// Rule returns the per-tool rule and whether one is declared.
func (d Document) Rule(tool string) (ToolRule, bool) {
	r, ok := d.ToolRules[tool]
	return r, ok
}

// EffectiveMaxArgsBytes resolves the argument size cap for a tool:
// tool rule, then document, then DefaultMaxArgsBytes.
func (d Document) EffectiveMaxArgsBytes(tool string) int {
	if r, ok := d.ToolRules[tool]; ok && r.MaxArgsBytes > 0 {
		return r.MaxArgsBytes
	}
	if d.MaxArgsBytes > 0 {
		return d.MaxArgsBytes
	}
	return DefaultMaxArgsBytes
}

// ToolDenied reports whether the tool is in the deny set. Deny strictly
// overrides allow.
func (d Document) ToolDenied(tool string) bool {
	return containsString(d.DenyTools, tool)
}

// ToolAllowlisted reports whether the tool passes the allow set under
// the effective mode.
func (d Document) ToolAllowlisted(tool string) bool {
	if d.EffectiveMode() == ModeAllowAll {
		return true
	}
	return containsString(d.AllowTools, tool)
}

// ExecBinAllowed reports whether a binary name is in execSafeBins.
func (d Document) ExecBinAllowed(bin string) bool {
	return containsString(d.ExecSafeBins, bin)
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// ImpliesDanger reports whether a tool name suggests process execution.
// Used for risk floors and the adaptive tracker's lowering guard.
func ImpliesDanger(toolName string) bool {
	n := strings.ToLower(toolName)
	for _, kw := range []string{"exec", "spawn", "bash", "process"} {
		if strings.Contains(n, kw) {
			return true
		}
	}
	return false
}

// HeuristicRisk derives a base risk from the tool name when neither the
// proposal nor a tool rule declares one.
func HeuristicRisk(toolName string) Risk {
	n := strings.ToLower(toolName)
	for _, kw := range []string{"exec", "bash", "process", "spawn", "fetch", "web", "browser", "http"} {
		if strings.Contains(n, kw) {
			return RiskHigh
		}
	}
	for _, kw := range []string{"write", "edit", "patch", "delete"} {
		if strings.Contains(n, kw) {
			return RiskMedium
		}
	}
	return RiskLow
}
