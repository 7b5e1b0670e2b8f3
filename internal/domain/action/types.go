// Package action defines tool-call proposals and the per-tool argument
// normalizer that runs before every gate evaluation. Normalization is
// total: the same inputs and policy always produce the same output, and
// normalizing an already-normalized tree is a no-op.
package action

import (
	"time"

	"github.com/google/uuid"

	"github.com/agentward/agentward/internal/domain/policy"
)

// Provenance records where a proposal came from, for the ledger.
type Provenance struct {
	ModelID      string   `json:"modelId,omitempty"`
	PolicySha256 string   `json:"policySha256,omitempty"`
	PromptHash   string   `json:"promptHash,omitempty"`
	ContextRefs  []string `json:"contextRefs,omitempty"`
}

// Proposal is one attempted tool invocation. A proposal is constructed
// fresh for every attempt and never mutated afterwards; retries are new
// proposals with new ids.
type Proposal struct {
	ID                   string         `json:"id"`
	TimestampMs          int64          `json:"timestampMs"`
	Actor                string         `json:"actor,omitempty"`
	SessionKey           string         `json:"sessionKey,omitempty"`
	AgentID              string         `json:"agentId,omitempty"`
	ToolName             string         `json:"toolName"`
	Args                 map[string]any `json:"args,omitempty"`
	CapabilitiesRequired []string       `json:"capabilitiesRequired,omitempty"`
	Risk                 policy.Risk    `json:"risk,omitempty"`
	Provenance           *Provenance    `json:"provenance,omitempty"`
}

// ProposalInput carries the caller-supplied parts of a proposal.
type ProposalInput struct {
	Actor                string
	SessionKey           string
	AgentID              string
	ToolName             string
	Args                 map[string]any
	CapabilitiesRequired []string
	Risk                 policy.Risk
	Provenance           *Provenance
}

// NewProposal assigns a fresh UUID and timestamp and detaches the
// argument tree from the caller.
func NewProposal(in ProposalInput) Proposal {
	return Proposal{
		ID:                   uuid.NewString(),
		TimestampMs:          time.Now().UnixMilli(),
		Actor:                in.Actor,
		SessionKey:           in.SessionKey,
		AgentID:              in.AgentID,
		ToolName:             in.ToolName,
		Args:                 DeepCopyArgs(in.Args),
		CapabilitiesRequired: append([]string(nil), in.CapabilitiesRequired...),
		Risk:                 in.Risk,
		Provenance:           in.Provenance,
	}
}

// DeepCopyArgs copies a JSON-like argument tree. Maps and slices are
// duplicated recursively; scalars are immutable and shared. Mutating
// either tree afterwards is invisible to the other.
func DeepCopyArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return DeepCopyArgs(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = deepCopyValue(elem)
		}
		return out
	default:
		return v
	}
}
