package rpc

import (
	"time"

	"github.com/agentward/agentward/internal/domain/node"
	"github.com/agentward/agentward/pkg/rpcwire"
)

// helloParams is the node.hello request body. Commands lists what the
// node is able to run; a node that advertises nothing can run nothing.
type helloParams struct {
	NodeID      string   `json:"nodeId"`
	DisplayName string   `json:"displayName,omitempty"`
	Commands    []string `json:"commands,omitempty"`
}

// helloResult acknowledges registration and names the commands the
// gateway knows how to enforce.
type helloResult struct {
	OK            bool     `json:"ok"`
	KnownCommands []string `json:"knownCommands"`
}

// handleHello registers or refreshes a node session. The remote
// address comes from the listener, never the payload.
func (f *Front) handleHello(frame *rpcwire.Frame) (any, error) {
	var p helloParams
	if err := frame.BindParams(&p); err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	sess := node.Session{
		NodeID:        p.NodeID,
		DisplayName:   p.DisplayName,
		RemoteAddr:    frame.RemoteAddr,
		Commands:      p.Commands,
		ConnectedAtMs: now,
		LastSeenMs:    now,
	}
	if err := f.registry.Register(sess); err != nil {
		return nil, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:nodeId: "+err.Error())
	}
	if f.links != nil && frame.Send != nil {
		f.links.Attach(p.NodeID, frame.ConnID, frame.Send)
	}
	f.logger.Info("node connected",
		"node_id", p.NodeID,
		"display_name", p.DisplayName,
		"remote_addr", frame.RemoteAddr,
		"commands", len(p.Commands))
	return helloResult{OK: true, KnownCommands: node.Commands()}, nil
}

// byeParams is the node.bye request body.
type byeParams struct {
	NodeID string `json:"nodeId"`
}

// handleBye removes a node session. Unknown nodes report ok=false
// rather than an error so a reconnecting node can always say goodbye.
func (f *Front) handleBye(frame *rpcwire.Frame) (any, error) {
	var p byeParams
	if err := frame.BindParams(&p); err != nil {
		return nil, err
	}
	if p.NodeID == "" {
		return nil, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:nodeId: missing")
	}
	removed := f.registry.Remove(p.NodeID)
	if removed {
		if f.links != nil {
			f.links.Detach(p.NodeID)
		}
		f.logger.Info("node disconnected", "node_id", p.NodeID)
	}
	return map[string]any{"ok": removed}, nil
}
