package node

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry tracks live node sessions keyed by node id. Sessions are
// stored and returned by value so callers can never mutate registry
// state through a lookup.
type Registry struct {
	mu     sync.Mutex
	nodes  map[string]Session
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{nodes: make(map[string]Session), logger: logger}
}

// Register adds the session for a node id, replacing any previous
// connection from the same node.
func (r *Registry) Register(sess Session) error {
	if sess.NodeID == "" {
		return ErrEmptyNodeID
	}
	r.mu.Lock()
	_, replaced := r.nodes[sess.NodeID]
	r.nodes[sess.NodeID] = sess.clone()
	r.mu.Unlock()
	r.logger.Info("node connected",
		"nodeId", sess.NodeID,
		"remoteAddr", sess.RemoteAddr,
		"commands", len(sess.Commands),
		"replaced", replaced)
	return nil
}

// Get returns the session for a node id, or ErrNotConnected.
func (r *Registry) Get(nodeID string) (Session, error) {
	r.mu.Lock()
	sess, ok := r.nodes[nodeID]
	r.mu.Unlock()
	if !ok {
		return Session{}, ErrNotConnected
	}
	return sess.clone(), nil
}

// Remove drops the session for a node id and reports whether one
// existed.
func (r *Registry) Remove(nodeID string) bool {
	r.mu.Lock()
	_, ok := r.nodes[nodeID]
	delete(r.nodes, nodeID)
	r.mu.Unlock()
	if ok {
		r.logger.Info("node disconnected", "nodeId", nodeID)
	}
	return ok
}

// Touch updates the last-seen timestamp for a node. Unknown nodes are
// ignored.
func (r *Registry) Touch(nodeID string, nowMs int64) {
	r.mu.Lock()
	if sess, ok := r.nodes[nodeID]; ok {
		sess.LastSeenMs = nowMs
		r.nodes[nodeID] = sess
	}
	r.mu.Unlock()
}

// List returns all live sessions sorted by node id.
func (r *Registry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.nodes))
	for _, sess := range r.nodes {
		out = append(out, sess.clone())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Len returns the number of connected nodes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}
