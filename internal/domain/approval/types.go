// Package approval binds consequential actions to human decisions: a
// pending-request registry, one-shot tokens tied to a bind hash, and a
// drop-if-slow broadcast hub. A token authorizes exactly one payload
// because consumers recompute the bind hash from the action they are
// about to execute, never from caller-supplied fields.
package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/agentward/agentward/internal/canonjson"
)

const (
	// DefaultWaitTimeout bounds how long a request stays pending when
	// the caller does not set one.
	DefaultWaitTimeout = 5 * time.Minute
	// DefaultTokenTTL is the lifetime of an issued approval token.
	DefaultTokenTTL = 120 * time.Second
	// DefaultMaxPending caps the pending registry; the oldest request
	// is auto-denied when the cap is hit.
	DefaultMaxPending = 100
)

// ErrAlreadyPending is returned by Create when an explicit id is
// already registered and undecided.
var ErrAlreadyPending = errors.New("approval: id already pending")

// Kind distinguishes the two approval flows.
type Kind string

const (
	KindExec       Kind = "exec"
	KindCapability Kind = "capability"
)

// Valid reports whether k is a recognized kind.
func (k Kind) Valid() bool {
	return k == KindExec || k == KindCapability
}

func (k Kind) topic(phase string) string {
	return string(k) + ".approval." + phase
}

// Decision is a human resolution of a pending approval.
type Decision string

const (
	DecisionAllowOnce   Decision = "allow-once"
	DecisionAllowAlways Decision = "allow-always"
	DecisionDeny        Decision = "deny"
)

// Allows reports whether the decision authorizes the action.
func (d Decision) Allows() bool {
	return d == DecisionAllowOnce || d == DecisionAllowAlways
}

// Valid reports whether d is a recognized decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllowOnce, DecisionAllowAlways, DecisionDeny:
		return true
	}
	return false
}

// ParseDecision validates a wire-form decision string.
func ParseDecision(s string) (Decision, error) {
	d := Decision(s)
	if !d.Valid() {
		return "", fmt.Errorf("approval: unknown decision %q", s)
	}
	return d, nil
}

// ExecBinding is the exec-approval payload hashed into a bind hash.
// Argv order is significant; env keys are sorted by the canonical
// encoding before hashing.
type ExecBinding struct {
	Command     string            `json:"command"`
	CommandArgv []string          `json:"commandArgv,omitempty"`
	CommandEnv  map[string]string `json:"commandEnv,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	AgentID     string            `json:"agentId,omitempty"`
	SessionKey  string            `json:"sessionKey"`
}

// BindHash returns the SHA-256 of the canonical JSON encoding.
func (b ExecBinding) BindHash() (string, error) {
	return canonjson.SumHex(b)
}

// CapabilityBinding is the capability-approval payload hashed into a
// bind hash. Subject is the node id the capability is exercised
// against; PayloadHash pins the exact request parameters.
type CapabilityBinding struct {
	Capability  string `json:"capability"`
	Subject     string `json:"subject"`
	PayloadHash string `json:"payloadHash"`
	AgentID     string `json:"agentId,omitempty"`
	SessionKey  string `json:"sessionKey"`
}

// BindHash returns the SHA-256 of the canonical JSON encoding.
func (b CapabilityBinding) BindHash() (string, error) {
	return canonjson.SumHex(b)
}

// Record is the immutable description of one approval request.
type Record struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	BindHash    string `json:"bindHash"`
	Summary     string `json:"summary,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
	SessionKey  string `json:"sessionKey,omitempty"`
	CreatedAtMs int64  `json:"createdAtMs"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

// Token is a one-shot approval token. The value never appears in
// broadcasts or the ledger; only the waiter that created the request
// receives it.
type Token struct {
	Value       string `json:"-"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

// Resolution is the outcome delivered to a waiter. Token is set only
// when the decision allows and issuance succeeded.
type Resolution struct {
	Decision     Decision `json:"decision"`
	ResolvedBy   string   `json:"resolvedBy,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	ResolvedAtMs int64    `json:"resolvedAtMs"`
	Token        Token    `json:"-"`
}

// Event is what subscribers see: request creation and resolution.
// Resolved events carry the decision but never the token.
type Event struct {
	Topic      string   `json:"topic"`
	Record     Record   `json:"record"`
	Decision   Decision `json:"decision,omitempty"`
	ResolvedBy string   `json:"resolvedBy,omitempty"`
}
