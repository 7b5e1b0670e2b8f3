// Package outbound defines the outbound port interfaces the kernel
// uses to reach nodes and persistence.
package outbound

import (
	"context"
	"encoding/json"

	"github.com/agentward/agentward/internal/domain/node"
)

// NodeInvocation is a fully validated command ready to forward. Params
// have already passed the enforcement front; the budget is the clamped
// one the node must honor.
type NodeInvocation struct {
	NodeID  string
	Command string
	Params  map[string]any
	Budget  node.Budget
}

// NodeResponse is what a node returned for one invocation.
type NodeResponse struct {
	OK      bool
	Payload json.RawMessage
}

// NodeTransport forwards validated invocations to connected nodes.
// Adapters implement this per wire (in-process for tests, jsonrpc for
// the gateway).
type NodeTransport interface {
	// Invoke sends the command and blocks for the node's reply or ctx
	// cancellation.
	Invoke(ctx context.Context, inv NodeInvocation) (NodeResponse, error)

	// Close releases transport resources.
	Close() error
}
