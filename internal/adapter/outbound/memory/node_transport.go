// Package memory provides in-process implementations of outbound
// ports, for tests and the single-process gateway mode.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentward/agentward/internal/port/outbound"
)

// NodeHandler serves one command on an in-process node.
type NodeHandler func(ctx context.Context, inv outbound.NodeInvocation) (outbound.NodeResponse, error)

// NodeTransport routes invocations to in-process handlers. It stands
// in for the wire transport in tests and when a node runs inside the
// gateway process.
type NodeTransport struct {
	mu       sync.Mutex
	handlers map[string]map[string]NodeHandler
}

// Compile-time check that NodeTransport implements the port.
var _ outbound.NodeTransport = (*NodeTransport)(nil)

// NewNodeTransport creates an empty transport.
func NewNodeTransport() *NodeTransport {
	return &NodeTransport{handlers: make(map[string]map[string]NodeHandler)}
}

// Handle registers the handler for one node command, replacing any
// previous one.
func (t *NodeTransport) Handle(nodeID, command string, h NodeHandler) {
	t.mu.Lock()
	byCmd, ok := t.handlers[nodeID]
	if !ok {
		byCmd = make(map[string]NodeHandler)
		t.handlers[nodeID] = byCmd
	}
	byCmd[command] = h
	t.mu.Unlock()
}

// Invoke dispatches to the registered handler.
func (t *NodeTransport) Invoke(ctx context.Context, inv outbound.NodeInvocation) (outbound.NodeResponse, error) {
	t.mu.Lock()
	var h NodeHandler
	if byCmd, ok := t.handlers[inv.NodeID]; ok {
		h = byCmd[inv.Command]
	}
	t.mu.Unlock()
	if h == nil {
		return outbound.NodeResponse{}, fmt.Errorf("no handler for %s on node %s", inv.Command, inv.NodeID)
	}
	return h(ctx, inv)
}

// Close releases nothing; in-process handlers have no resources.
func (t *NodeTransport) Close() error { return nil }

// StaticResponse builds a handler that always replies with the JSON
// encoding of v.
func StaticResponse(v any) NodeHandler {
	payload, err := json.Marshal(v)
	return func(context.Context, outbound.NodeInvocation) (outbound.NodeResponse, error) {
		if err != nil {
			return outbound.NodeResponse{}, fmt.Errorf("marshal static response: %w", err)
		}
		return outbound.NodeResponse{OK: true, Payload: payload}, nil
	}
}
