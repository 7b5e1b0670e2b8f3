package agentward

import (
	"log/slog"
	"time"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithAddr sets the gateway's agent RPC address, host:port.
// If not set, defaults to the AGENTWARD_ADDR environment variable or
// "127.0.0.1:8700".
func WithAddr(addr string) Option {
	return func(c *Client) {
		c.addr = addr
	}
}

// WithSessionKey sets the session key stamped on requests that do not
// carry their own. If not set, defaults to the AGENTWARD_SESSION_KEY
// environment variable.
func WithSessionKey(key string) Option {
	return func(c *Client) {
		c.sessionKey = key
	}
}

// WithAgentID sets the agent id stamped on requests that do not carry
// their own. If not set, defaults to the AGENTWARD_AGENT_ID
// environment variable.
func WithAgentID(id string) Option {
	return func(c *Client) {
		c.agentID = id
	}
}

// WithTimeout sets the default per-call timeout applied when the
// caller's context has no deadline. If not set, defaults to the
// AGENTWARD_TIMEOUT environment variable or 30 seconds. Approval
// requests are exempt; they wait as long as the gateway allows.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithLogger sets the logger for connection lifecycle and protocol
// noise. If not set, logging is discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithExecHandler installs the callback that answers the gateway's
// exec requests. Required for node clients; agents that never call
// Hello can leave it unset. Each request runs in its own goroutine
// with a context bounded by the granted budget.
func WithExecHandler(h ExecHandler) Option {
	return func(c *Client) {
		c.execHandler = h
	}
}

// WithApprovalHandler installs the callback for approval lifecycle
// events. Events are delivered one at a time from a dedicated
// goroutine; a slow handler drops events rather than stalling the
// connection.
func WithApprovalHandler(h ApprovalHandler) Option {
	return func(c *Client) {
		c.approvalHandler = h
	}
}
