package node

import "sort"

// Break-glass environment variables. A command whose profile names one
// is refused unless that variable is set to "1" in the gateway
// environment; the variable name is included in the denial so an
// operator knows what would unlock the command.
const (
	EnvAllowNodeExec     = "AGENTWARD_ALLOW_NODE_EXEC"
	EnvAllowBrowserProxy = "AGENTWARD_ALLOW_BROWSER_PROXY"
)

// Gateway-wide enforcement overrides, checked at the call site only.
// They never feed into policy computation.
const (
	// EnvSafeMode disables every dangerous command outright.
	EnvSafeMode = "AGENTWARD_SAFE_MODE"
	// EnvAllowDangerousExposed permits dangerous commands on an unsafe
	// exposure.
	EnvAllowDangerousExposed = "AGENTWARD_ALLOW_DANGEROUS_EXPOSED"
	// EnvAllowArbitraryEnv skips the system.run env-key allowlist.
	EnvAllowArbitraryEnv = "AGENTWARD_ALLOW_ARBITRARY_ENV"
)

// CommandProfile declares the checks a node command must clear before
// it is forwarded to the node.
type CommandProfile struct {
	// Capability names what the command does. Approval bind hashes for
	// the command are computed against it.
	Capability string
	// Dangerous commands get payload dedupe, the tighter budget, a
	// global concurrency slot, and a dangerous-ledger record.
	Dangerous bool
	// AdminScope requires the calling connection to hold admin scope.
	AdminScope bool
	// RequireSessionKey rejects invocations without a session key.
	RequireSessionKey bool
	// RequireSafeExposure rejects the command when the gateway
	// listener is not loopback or tailnet-served, absent the
	// dangerous-exposure override.
	RequireSafeExposure bool
	// BreakGlassEnv, when non-empty, must be "1" for the command to
	// run at all.
	BreakGlassEnv string
	// RequireApprovalToken demands a live approval token bound to this
	// exact invocation payload.
	RequireApprovalToken bool
}

var profiles = map[string]CommandProfile{
	"system.run": {
		Capability:           "node:exec",
		Dangerous:            true,
		RequireSessionKey:    true,
		RequireSafeExposure:  true,
		BreakGlassEnv:        EnvAllowNodeExec,
		RequireApprovalToken: true,
	},
	"system.which": {
		Capability:        "node:probe",
		RequireSessionKey: true,
	},
	"system.notify": {
		Capability:        "node:notify",
		RequireSessionKey: true,
	},
	"system.update": {
		Capability:          "node:admin",
		Dangerous:           true,
		AdminScope:          true,
		RequireSessionKey:   true,
		RequireSafeExposure: true,
	},
	"browser.proxy": {
		Capability:          "node:browser",
		Dangerous:           true,
		RequireSessionKey:   true,
		RequireSafeExposure: true,
		BreakGlassEnv:       EnvAllowBrowserProxy,
	},
	"node.ping": {
		Capability: "node:ping",
	},
}

// ProfileFor resolves the enforcement profile for a command. Commands
// without a profile must be refused, never forwarded.
func ProfileFor(command string) (CommandProfile, bool) {
	p, ok := profiles[command]
	return p, ok
}

// Commands returns the known command names sorted.
func Commands() []string {
	out := make([]string, 0, len(profiles))
	for name := range profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
