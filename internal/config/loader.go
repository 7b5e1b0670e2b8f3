package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper points viper at the configuration file and binds the
// AGENTWARD_* environment variables. With an empty configFile it
// searches the standard locations for agentward.yaml/.yml; finding
// nothing is fine, the gateway runs on env vars and defaults alone.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// Name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError, which callers treat as env-only.
		viper.SetConfigName("agentward")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("AGENTWARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindEnvKeys()
}

// findConfigFile searches the standard locations for an agentward
// config with an explicit YAML extension. The extension requirement
// keeps viper from matching the agentward binary itself.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".agentward"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "agentward"))
		}
	} else {
		paths = append(paths, "/etc/agentward")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first agentward.yaml or .yml found
// in the given directories.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "agentward"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindEnvKeys binds nested config keys to environment variables. Most
// follow the derived AGENTWARD_<SECTION>_<KEY> form; the policy and
// ledger knobs keep their documented names where those differ.
func bindEnvKeys() {
	_ = viper.BindEnv("server.rpc_addr")
	_ = viper.BindEnv("server.admin_socket")
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.tls_cert")
	_ = viper.BindEnv("server.tls_key")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.log_format")

	_ = viper.BindEnv("policy.path", "AGENTWARD_POLICY_PATH")
	_ = viper.BindEnv("policy.pubkey", "AGENTWARD_POLICY_PUBKEY")
	_ = viper.BindEnv("policy.verify", "AGENTWARD_VERIFY_POLICY")
	_ = viper.BindEnv("policy.require_signed", "AGENTWARD_REQUIRE_SIGNED_POLICY")

	_ = viper.BindEnv("workspace.root")

	_ = viper.BindEnv("ledger.dir")
	_ = viper.BindEnv("ledger.capture_output", "AGENTWARD_LEDGER_CAPTURE_OUTPUT")

	_ = viper.BindEnv("approvals.wait_timeout")
	_ = viper.BindEnv("approvals.token_ttl")
	_ = viper.BindEnv("approvals.max_pending")
	_ = viper.BindEnv("approvals.archive_path")

	_ = viper.BindEnv("limits.window")
	_ = viper.BindEnv("limits.max_attempts")
	_ = viper.BindEnv("limits.max_denials")
	_ = viper.BindEnv("limits.block")
	_ = viper.BindEnv("limits.max_concurrent_per_key")
	_ = viper.BindEnv("limits.global_slots")
	_ = viper.BindEnv("limits.max_tracked_keys")

	// admin.key_hashes is a list; set it in the config file.

	_ = viper.BindEnv("feedback.adaptive")
}

// LoadConfig reads the config file (if any), applies environment
// overrides and defaults, validates, and returns the result.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the loaded config file path, or "" when the
// gateway runs on env vars only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
