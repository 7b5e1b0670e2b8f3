// Package nodewire forwards admitted invocations to node processes
// over the connections those nodes opened to the gateway. A node binds
// itself to its connection by saying hello; the gateway then speaks
// node.exec requests back down the same line and correlates responses
// by request id. There is no separate dial-out path, so a node behind
// NAT works the same as one on localhost.
package nodewire

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/agentward/agentward/internal/domain/node"
	"github.com/agentward/agentward/internal/port/outbound"
	"github.com/agentward/agentward/pkg/rpcwire"
)

// MethodExec is the request the gateway sends to a connected node to
// run one admitted command.
const MethodExec = "node.exec"

// ErrClosed is returned by Invoke after the transport shut down.
var ErrClosed = fmt.Errorf("nodewire: transport closed")

// execParams is the node.exec request body. Budget limits travel with
// the command so the node can enforce stream caps while it runs.
type execParams struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
	Budget  budgetWire     `json:"budget"`
}

type budgetWire struct {
	TimeoutMs      int64 `json:"timeoutMs"`
	MaxStdoutBytes int64 `json:"maxStdoutBytes"`
	MaxStderrBytes int64 `json:"maxStderrBytes"`
	MaxTotalBytes  int64 `json:"maxTotalBytes"`
}

// execEnvelope is the response shape decoded straight from the raw
// frame so payload bytes pass through untouched.
type execEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// execResult is the result body a node returns for node.exec.
type execResult struct {
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type link struct {
	connID string
	send   func([]byte) error
}

type outcome struct {
	resp outbound.NodeResponse
	err  error
}

// Links is the connection-backed node transport. The rpc listener
// attaches a node's send function when the node says hello and detaches
// it on bye or disconnect; Invoke uses whatever binding is current.
type Links struct {
	logger *slog.Logger

	mu      sync.Mutex
	byNode  map[string]link
	byConn  map[string]map[string]struct{}
	pending map[string]chan outcome
	closed  bool
}

// Compile-time check that Links implements the outbound port.
var _ outbound.NodeTransport = (*Links)(nil)

// NewLinks creates an empty transport. Nodes appear as they connect.
func NewLinks(logger *slog.Logger) *Links {
	if logger == nil {
		logger = slog.Default()
	}
	return &Links{
		logger:  logger,
		byNode:  make(map[string]link),
		byConn:  make(map[string]map[string]struct{}),
		pending: make(map[string]chan outcome),
	}
}

// Attach binds a node id to the connection it said hello on. A second
// hello for the same node id moves the binding to the newer connection;
// the stale one stops receiving work immediately.
func (t *Links) Attach(nodeID, connID string, send func([]byte) error) {
	if nodeID == "" || send == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.byNode[nodeID]; ok && prev.connID != connID {
		t.dropConnBindingLocked(prev.connID, nodeID)
		t.logger.Warn("node rebound to a new connection",
			"node_id", nodeID,
			"old_conn", prev.connID,
			"new_conn", connID)
	}
	t.byNode[nodeID] = link{connID: connID, send: send}
	set, ok := t.byConn[connID]
	if !ok {
		set = make(map[string]struct{})
		t.byConn[connID] = set
	}
	set[nodeID] = struct{}{}
}

// Detach removes one node binding, typically on node.bye.
func (t *Links) Detach(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lk, ok := t.byNode[nodeID]
	if !ok {
		return
	}
	delete(t.byNode, nodeID)
	t.dropConnBindingLocked(lk.connID, nodeID)
}

// DetachConn removes every node bound to a connection and returns
// their ids so the caller can clear the session registry. Used when
// the connection drops without a bye.
func (t *Links) DetachConn(connID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.byConn[connID]
	if !ok {
		return nil
	}
	delete(t.byConn, connID)
	ids := make([]string, 0, len(set))
	for id := range set {
		if lk, bound := t.byNode[id]; bound && lk.connID == connID {
			delete(t.byNode, id)
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *Links) dropConnBindingLocked(connID, nodeID string) {
	if set, ok := t.byConn[connID]; ok {
		delete(set, nodeID)
		if len(set) == 0 {
			delete(t.byConn, connID)
		}
	}
}

// Connected reports whether a node currently has a live binding.
func (t *Links) Connected(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byNode[nodeID]
	return ok
}

// Invoke sends one command down the node's connection and waits for
// the matching response, the context deadline, or transport shutdown.
// A node with no binding fails fast with node.ErrNotConnected.
func (t *Links) Invoke(ctx context.Context, inv outbound.NodeInvocation) (outbound.NodeResponse, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return outbound.NodeResponse{}, ErrClosed
	}
	lk, ok := t.byNode[inv.NodeID]
	if !ok {
		t.mu.Unlock()
		return outbound.NodeResponse{}, node.ErrNotConnected
	}
	id := uuid.NewString()
	ch := make(chan outcome, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	body, err := rpcwire.NewRequest(id, MethodExec, execParams{
		Command: inv.Command,
		Params:  inv.Params,
		Budget: budgetWire{
			TimeoutMs:      inv.Budget.TimeoutMs,
			MaxStdoutBytes: inv.Budget.MaxStdoutBytes,
			MaxStderrBytes: inv.Budget.MaxStderrBytes,
			MaxTotalBytes:  inv.Budget.MaxTotalBytes,
		},
	})
	if err != nil {
		t.forget(id)
		return outbound.NodeResponse{}, fmt.Errorf("nodewire: encode %s: %w", MethodExec, err)
	}
	if err := lk.send(body); err != nil {
		t.forget(id)
		return outbound.NodeResponse{}, fmt.Errorf("nodewire: send to %s: %w", inv.NodeID, node.ErrNotConnected)
	}

	select {
	case <-ctx.Done():
		t.forget(id)
		return outbound.NodeResponse{}, ctx.Err()
	case out := <-ch:
		return out.resp, out.err
	}
}

// Resolve consumes a response frame if it matches a pending call.
// Returns false for frames the transport is not waiting on, so the
// listener can log and drop them.
func (t *Links) Resolve(frame *rpcwire.Frame) bool {
	if frame == nil || !frame.IsResponse() {
		return false
	}
	id := stringID(frame.RawID())
	if id == "" {
		return false
	}
	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- decodeExec(frame.Raw)
	return true
}

// Close fails every in-flight call and refuses new ones. Node bindings
// are dropped; a reconnecting node must say hello again.
func (t *Links) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pending := t.pending
	t.pending = make(map[string]chan outcome)
	t.byNode = make(map[string]link)
	t.byConn = make(map[string]map[string]struct{})
	t.mu.Unlock()

	for _, ch := range pending {
		ch <- outcome{err: ErrClosed}
	}
	return nil
}

func (t *Links) forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func decodeExec(raw []byte) outcome {
	var env execEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return outcome{err: fmt.Errorf("nodewire: decode response: %w", err)}
	}
	if env.Error != nil {
		return outcome{err: fmt.Errorf("nodewire: node error %d: %s", env.Error.Code, env.Error.Message)}
	}
	var res execResult
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return outcome{err: fmt.Errorf("nodewire: decode result: %w", err)}
	}
	return outcome{resp: outbound.NodeResponse{OK: res.OK, Payload: res.Payload}}
}

// stringID unquotes a raw JSON-RPC id. Gateway-originated requests
// always carry string ids, so non-string ids never match.
func stringID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
