// Package agentward provides a Go SDK for the AgentWard gateway.
//
// AgentWard is an enforcement gateway between LLM agents and the nodes
// that execute their commands. The SDK speaks the gateway's
// newline-delimited JSON-RPC 2.0 protocol over a single TCP connection
// and uses only the Go standard library with zero external
// dependencies.
//
// The same connection serves both roles:
//
//   - Agents call Invoke to run commands on a node, and the approval
//     methods to obtain one-shot tokens for sensitive commands.
//   - Nodes call Hello to register, and answer the gateway's exec
//     callbacks through the handler installed with WithExecHandler.
//
// Quick start (agent side):
//
//	// Set AGENTWARD_ADDR and AGENTWARD_SESSION_KEY env vars, then:
//	client, err := agentward.Dial(ctx)
//	if err != nil { ... }
//	defer client.Close()
//
//	res, err := client.Invoke(ctx, agentward.InvokeRequest{
//	    NodeID:  "workstation",
//	    Command: "system.which",
//	    Params:  map[string]any{"bin": "git"},
//	})
//	if err != nil {
//	    var denied *agentward.GatewayError
//	    if errors.As(err, &denied) && denied.BreakGlassEnv != "" {
//	        fmt.Printf("denied; set %s=1 to override\n", denied.BreakGlassEnv)
//	    }
//	}
package agentward

import "encoding/json"

// Gateway methods the SDK calls.
const (
	methodInvoke             = "node.invoke"
	methodHello              = "node.hello"
	methodBye                = "node.bye"
	methodExecApproval       = "exec.approval.request"
	methodCapabilityApproval = "capability.approval.request"
	methodApprovalResolve    = "exec.approval.resolve"

	// methodExec is the callback the gateway sends to a registered
	// node to run one admitted command.
	methodExec = "node.exec"
)

// Approval decisions accepted by ResolveApproval, plus the timeout
// pseudo-decision reported when nobody resolved a request in time.
const (
	DecisionAllowOnce   = "allow-once"
	DecisionAllowAlways = "allow-always"
	DecisionDeny        = "deny"
	DecisionTimeout     = "timeout"
)

// Approval event topics delivered to the handler installed with
// WithApprovalHandler.
const (
	TopicExecRequested       = "exec.approval.requested"
	TopicExecResolved        = "exec.approval.resolved"
	TopicCapabilityRequested = "capability.approval.requested"
	TopicCapabilityResolved  = "capability.approval.resolved"
)

// InvokeRequest asks the gateway to run one command on a node. The
// gateway enforces its installed policy, rate limits, and approval
// requirements before anything reaches the node.
type InvokeRequest struct {
	// NodeID names the target node. Required.
	NodeID string `json:"nodeId"`

	// Command is the node command, e.g. "system.run". Required.
	Command string `json:"command"`

	// Params carries the command arguments.
	Params map[string]any `json:"params,omitempty"`

	// TimeoutMs caps execution time. The gateway clamps it to the
	// command's budget; zero means the budget default.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`

	// IdempotencyKey dedupes dangerous commands: a retry with the same
	// key and payload replays the original response instead of running
	// twice.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	// SessionKey identifies the agent session. Defaults to the
	// client's configured session key.
	SessionKey string `json:"sessionKey,omitempty"`

	// AgentID identifies the calling agent. Defaults to the client's
	// configured agent id.
	AgentID string `json:"agentId,omitempty"`

	// ApprovalToken presents a one-shot token obtained from an
	// approval request. It travels inside params under the gateway's
	// reserved key and never affects payload hashing.
	ApprovalToken string `json:"-"`
}

// InvokeResult is the outcome of an admitted, executed command. When
// the gateway's output cap left the payload as invalid JSON it arrives
// as a string under PayloadJSON instead.
type InvokeResult struct {
	OK              bool            `json:"ok"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	PayloadJSON     string          `json:"payloadJSON,omitempty"`
	OutputTruncated bool            `json:"outputTruncated,omitempty"`
}

// HelloResult acknowledges node registration and lists the commands
// the gateway knows how to enforce.
type HelloResult struct {
	OK            bool     `json:"ok"`
	KnownCommands []string `json:"knownCommands"`
}

// ExecApprovalRequest asks a human to approve one exec invocation. The
// approval binds to the exact command, argv, env, and cwd; changing
// any of them invalidates the resulting token.
type ExecApprovalRequest struct {
	Command     string            `json:"command"`
	CommandArgv []string          `json:"commandArgv,omitempty"`
	CommandEnv  map[string]string `json:"commandEnv,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`

	// SessionKey identifies the requesting session. Defaults to the
	// client's configured session key.
	SessionKey string `json:"sessionKey"`

	// AgentID identifies the requesting agent. Defaults to the
	// client's configured agent id.
	AgentID string `json:"agentId,omitempty"`

	// TimeoutMs bounds how long the call waits for a decision. Zero
	// uses the gateway's configured default.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// CapabilityApprovalRequest asks a human to approve one capability use
// bound to a payload hash, for example "fs:write" on a specific file
// content digest.
type CapabilityApprovalRequest struct {
	Capability  string `json:"capability"`
	Subject     string `json:"subject"`
	PayloadHash string `json:"payloadHash"`

	SessionKey string `json:"sessionKey"`
	AgentID    string `json:"agentId,omitempty"`
	TimeoutMs  int64  `json:"timeoutMs,omitempty"`
}

// ApprovalOutcome is the resolution of an approval request. The token
// is present only on allowing decisions and only in this response;
// broadcast events never carry it.
type ApprovalOutcome struct {
	ID               string `json:"id"`
	Decision         string `json:"decision"`
	ApprovalToken    string `json:"approvalToken,omitempty"`
	TokenExpiresAtMs int64  `json:"tokenExpiresAtMs,omitempty"`
	CreatedAtMs      int64  `json:"createdAtMs"`
	ExpiresAtMs      int64  `json:"expiresAtMs"`

	// Standing reports that an allow-always grant short-circuited the
	// request without waiting for a human.
	Standing bool `json:"standing,omitempty"`
}

// Allowed reports whether the outcome permits the bound action.
func (o *ApprovalOutcome) Allowed() bool {
	return o.Decision == DecisionAllowOnce || o.Decision == DecisionAllowAlways
}

// ResolveResult acknowledges an approval resolution.
type ResolveResult struct {
	OK           bool   `json:"ok"`
	Decision     string `json:"decision"`
	ResolvedAtMs int64  `json:"resolvedAtMs"`
}

// ApprovalRecord describes one approval request as broadcast to
// subscribers.
type ApprovalRecord struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	BindHash    string `json:"bindHash"`
	Summary     string `json:"summary,omitempty"`
	AgentID     string `json:"agentId,omitempty"`
	SessionKey  string `json:"sessionKey,omitempty"`
	CreatedAtMs int64  `json:"createdAtMs"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

// ApprovalEvent is a gateway broadcast about approval lifecycle:
// creation and resolution. Resolved events carry the decision but
// never the token.
type ApprovalEvent struct {
	Topic      string         `json:"topic"`
	Record     ApprovalRecord `json:"record"`
	Decision   string         `json:"decision,omitempty"`
	ResolvedBy string         `json:"resolvedBy,omitempty"`
}

// Budget is the execution allowance the gateway grants one command.
// Nodes enforce the stream caps while the command runs.
type Budget struct {
	TimeoutMs      int64 `json:"timeoutMs"`
	MaxStdoutBytes int64 `json:"maxStdoutBytes"`
	MaxStderrBytes int64 `json:"maxStderrBytes"`
	MaxTotalBytes  int64 `json:"maxTotalBytes"`
}

// ExecRequest is one admitted command the gateway asks this node to
// run, delivered to the handler installed with WithExecHandler.
type ExecRequest struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
	Budget  Budget         `json:"budget"`
}
