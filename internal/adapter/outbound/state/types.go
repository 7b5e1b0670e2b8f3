// Package state persists the gateway's runtime state file. The file
// records the live instance (pid, listener addresses, active policy
// digest) so `agentward stop` and operators can find a running gateway
// without guessing.
package state

import "time"

// SchemaVersion is the current runtime-state schema.
const SchemaVersion = "1"

// RuntimeState describes one running gateway instance. The file is
// rewritten at boot and removed on clean shutdown; a file left behind
// with a dead pid is stale, not authoritative.
type RuntimeState struct {
	// Version is the schema version for forward compatibility.
	Version string `json:"version"`

	// PID of the gateway process that wrote the file.
	PID int `json:"pid"`

	// RPCAddr is the bound RPC listener address.
	RPCAddr string `json:"rpcAddr,omitempty"`

	// AdminSocket is the unix control socket path, when enabled.
	AdminSocket string `json:"adminSocket,omitempty"`

	// HTTPAddr is the bound operator-plane address.
	HTTPAddr string `json:"httpAddr,omitempty"`

	// PolicySHA256 is the digest of the installed policy document,
	// empty while the gateway runs without one.
	PolicySHA256 string `json:"policySha256,omitempty"`

	// StartedAt is when the instance booted.
	StartedAt time.Time `json:"startedAt"`

	// UpdatedAt is when the file was last written.
	UpdatedAt time.Time `json:"updatedAt"`
}
