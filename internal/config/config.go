// Package config provides the gateway configuration schema, the viper
// loader, and validation.
//
// Break-glass environment variables (AGENTWARD_SAFE_MODE,
// AGENTWARD_ALLOW_NODE_EXEC, AGENTWARD_ALLOW_BROWSER_PROXY,
// AGENTWARD_ALLOW_DANGEROUS_EXPOSED, AGENTWARD_ALLOW_ARBITRARY_ENV,
// AGENTWARD_ALLOW_POLICY_MUTATION) are deliberately NOT part of this
// schema: they are read at their call sites on every check, so flipping
// one never requires a restart and an installed policy file can never
// be widened by a stale config snapshot.
package config

import (
	"os"
	"path/filepath"
)

// Config is the top-level gateway configuration, loaded from
// agentward.yaml plus AGENTWARD_* environment overrides.
type Config struct {
	// Server configures the listeners.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Policy locates the signed policy document.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Workspace confines exec working directories.
	Workspace WorkspaceConfig `yaml:"workspace" mapstructure:"workspace"`

	// Ledger configures the hash-chained audit ledger.
	Ledger LedgerConfig `yaml:"ledger" mapstructure:"ledger"`

	// Approvals configures the human-approval flow.
	Approvals ApprovalsConfig `yaml:"approvals" mapstructure:"approvals"`

	// Limits tunes the dangerous-action rate limiter. Zero fields use
	// the built-in defaults.
	Limits LimitsConfig `yaml:"limits" mapstructure:"limits"`

	// Admin configures the operator API keys.
	Admin AdminConfig `yaml:"admin" mapstructure:"admin"`

	// Feedback configures adaptive risk scoring.
	Feedback FeedbackConfig `yaml:"feedback" mapstructure:"feedback"`
}

// ServerConfig configures the RPC and operator-plane listeners.
type ServerConfig struct {
	// RPCAddr is the tcp address agents and nodes connect to.
	// Defaults to "127.0.0.1:8700".
	RPCAddr string `yaml:"rpc_addr" mapstructure:"rpc_addr" validate:"omitempty,hostname_port"`

	// AdminSocket is a unix socket path for an operator-scoped RPC
	// listener. Connections on it carry admin scope. Empty disables it.
	AdminSocket string `yaml:"admin_socket" mapstructure:"admin_socket"`

	// HTTPAddr is the operator-plane listener (/healthz, /metrics,
	// /api/). Defaults to "127.0.0.1:8787".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// TLSCert and TLSKey enable TLS on the operator plane. Both or
	// neither.
	TLSCert string `yaml:"tls_cert" mapstructure:"tls_cert" validate:"omitempty,file"`
	TLSKey  string `yaml:"tls_key" mapstructure:"tls_key" validate:"omitempty,file"`

	// LogLevel is the minimum log level: debug, info, warn, error.
	// Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogFormat selects the slog handler: text or json. Defaults to
	// "text".
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=text json"`
}

// PolicyConfig locates the policy document and the key it must be
// signed with.
type PolicyConfig struct {
	// Path is the policy JSON file; its detached signature is expected
	// at Path + ".sig". Env: AGENTWARD_POLICY_PATH.
	Path string `yaml:"path" mapstructure:"path"`

	// Pubkey is a PEM-encoded RSA or Ed25519 public key file.
	// Env: AGENTWARD_POLICY_PUBKEY.
	Pubkey string `yaml:"pubkey" mapstructure:"pubkey"`

	// Verify requires the detached signature to check out before a
	// policy loads. Env: AGENTWARD_VERIFY_POLICY.
	Verify bool `yaml:"verify" mapstructure:"verify"`

	// RequireSigned makes dispatch fail closed until a verified policy
	// is installed. Implies Verify.
	// Env: AGENTWARD_REQUIRE_SIGNED_POLICY.
	RequireSigned bool `yaml:"require_signed" mapstructure:"require_signed"`
}

// WorkspaceConfig confines exec working directories.
type WorkspaceConfig struct {
	// Root is the directory exec cwd values must stay inside. Empty
	// means no workspace is configured and exec requests may not name
	// a cwd at all.
	Root string `yaml:"root" mapstructure:"root" validate:"omitempty,dir"`
}

// LedgerConfig configures the append-only ledger.
type LedgerConfig struct {
	// Dir is the ledger directory. Defaults to ~/.agentward/ledger.
	Dir string `yaml:"dir" mapstructure:"dir"`

	// CaptureOutput records capped tool output in result summaries.
	// Off by default: summaries are the literal "omitted".
	// Env: AGENTWARD_LEDGER_CAPTURE_OUTPUT.
	CaptureOutput bool `yaml:"capture_output" mapstructure:"capture_output"`
}

// ApprovalsConfig tunes the human-approval flow.
type ApprovalsConfig struct {
	// WaitTimeout is how long a caller waits for a decision before the
	// request times out (e.g. "5m"). Defaults to the manager's 5m.
	WaitTimeout string `yaml:"wait_timeout" mapstructure:"wait_timeout" validate:"omitempty,duration"`

	// TokenTTL is the one-shot approval token lifetime (e.g. "120s").
	TokenTTL string `yaml:"token_ttl" mapstructure:"token_ttl" validate:"omitempty,duration"`

	// MaxPending caps parked approval requests; beyond it the oldest
	// are auto-denied.
	MaxPending int `yaml:"max_pending" mapstructure:"max_pending" validate:"omitempty,min=1"`

	// ArchivePath is the sqlite file for standing approvals and
	// history. Empty keeps the archive in memory.
	ArchivePath string `yaml:"archive_path" mapstructure:"archive_path"`
}

// LimitsConfig tunes the dangerous-action limiter. Zero values fall
// back to the limiter's documented defaults.
type LimitsConfig struct {
	// Window is the sliding window for attempts and denials (e.g.
	// "60s").
	Window string `yaml:"window" mapstructure:"window" validate:"omitempty,duration"`

	// MaxAttempts is the per-window attempt budget per key.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" validate:"omitempty,min=1"`

	// MaxDenials is the denial tripwire threshold per key.
	MaxDenials int `yaml:"max_denials" mapstructure:"max_denials" validate:"omitempty,min=1"`

	// Block is how long a tripped key stays blocked (e.g. "5m").
	Block string `yaml:"block" mapstructure:"block" validate:"omitempty,duration"`

	// MaxConcurrentPerKey caps in-flight dangerous actions per key.
	MaxConcurrentPerKey int `yaml:"max_concurrent_per_key" mapstructure:"max_concurrent_per_key" validate:"omitempty,min=1"`

	// GlobalSlots caps in-flight dangerous actions across all keys.
	GlobalSlots int `yaml:"global_slots" mapstructure:"global_slots" validate:"omitempty,min=1"`

	// MaxTrackedKeys bounds the limiter's key table.
	MaxTrackedKeys int `yaml:"max_tracked_keys" mapstructure:"max_tracked_keys" validate:"omitempty,min=1"`
}

// AdminConfig configures operator access to the admin API.
type AdminConfig struct {
	// KeyHashes are argon2id hashes of admin keys. Generate with
	// `agentward hash-key`. No hashes means remote reads and all
	// mutations are refused.
	KeyHashes []string `yaml:"key_hashes" mapstructure:"key_hashes" validate:"omitempty,dive,argon2hash"`
}

// FeedbackConfig configures adaptive risk scoring.
type FeedbackConfig struct {
	// Adaptive enables failure-history risk adjustment. When false the
	// tracker still records outcomes but always reports base risk.
	Adaptive bool `yaml:"adaptive" mapstructure:"adaptive"`
}

// SetDefaults fills optional fields with their documented defaults.
func (c *Config) SetDefaults() {
	// Listener defaults bind loopback only. Exposure beyond that is an
	// explicit operator decision.
	if c.Server.RPCAddr == "" {
		c.Server.RPCAddr = "127.0.0.1:8700"
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8787"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}

	if c.Ledger.Dir == "" {
		c.Ledger.Dir = filepath.Join(dataDir(), "ledger")
	}
}

// dataDir is ~/.agentward, falling back to the working directory when
// no home is resolvable.
func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentward"
	}
	return filepath.Join(home, ".agentward")
}
