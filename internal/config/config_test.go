package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()

	if cfg.Server.RPCAddr != "127.0.0.1:8700" {
		t.Errorf("RPCAddr = %q, want %q", cfg.Server.RPCAddr, "127.0.0.1:8700")
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:8787" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:8787")
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.Server.LogLevel, "info")
	}
	if cfg.Server.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want %q", cfg.Server.LogFormat, "text")
	}
	if cfg.Ledger.Dir == "" {
		t.Error("Ledger.Dir should default to a non-empty path")
	}
	if !strings.HasSuffix(cfg.Ledger.Dir, filepath.Join(".agentward", "ledger")) {
		t.Errorf("Ledger.Dir = %q, want a .agentward/ledger suffix", cfg.Ledger.Dir)
	}
}

func TestConfig_SetDefaults_LoopbackListeners(t *testing.T) {
	t.Parallel()

	// Both default listeners must bind loopback; anything wider is an
	// explicit operator decision.
	var cfg Config
	cfg.SetDefaults()

	if !strings.HasPrefix(cfg.Server.RPCAddr, "127.0.0.1:") {
		t.Errorf("RPCAddr default %q is not loopback", cfg.Server.RPCAddr)
	}
	if !strings.HasPrefix(cfg.Server.HTTPAddr, "127.0.0.1:") {
		t.Errorf("HTTPAddr default %q is not loopback", cfg.Server.HTTPAddr)
	}
}

func TestConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Server: ServerConfig{
			RPCAddr:   "0.0.0.0:9700",
			HTTPAddr:  "0.0.0.0:9787",
			LogLevel:  "debug",
			LogFormat: "json",
		},
		Ledger: LedgerConfig{
			Dir: "/var/lib/agentward/ledger",
		},
	}

	cfg.SetDefaults()

	// Existing values should be preserved
	if cfg.Server.RPCAddr != "0.0.0.0:9700" {
		t.Errorf("RPCAddr was overwritten: got %q, want %q", cfg.Server.RPCAddr, "0.0.0.0:9700")
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:9787" {
		t.Errorf("HTTPAddr was overwritten: got %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:9787")
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("LogLevel was overwritten: got %q, want %q", cfg.Server.LogLevel, "debug")
	}
	if cfg.Server.LogFormat != "json" {
		t.Errorf("LogFormat was overwritten: got %q, want %q", cfg.Server.LogFormat, "json")
	}
	if cfg.Ledger.Dir != "/var/lib/agentward/ledger" {
		t.Errorf("Ledger.Dir was overwritten: got %q, want %q", cfg.Ledger.Dir, "/var/lib/agentward/ledger")
	}
}

func TestFindConfigFileInPaths_EmptyDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	got := findConfigFileInPaths([]string{dir})
	if got != "" {
		t.Errorf("findConfigFileInPaths(empty dir) = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_MatchesYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agentward.yaml")
	_ = os.WriteFile(cfgPath, []byte("server:\n  http_addr: 127.0.0.1:9090\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != cfgPath {
		t.Errorf("findConfigFileInPaths = %q, want %q", got, cfgPath)
	}
}

func TestFindConfigFileInPaths_MatchesYML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agentward.yml")
	_ = os.WriteFile(cfgPath, []byte("server:\n  http_addr: 127.0.0.1:9090\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != cfgPath {
		t.Errorf("findConfigFileInPaths = %q, want %q", got, cfgPath)
	}
}

func TestFindConfigFileInPaths_IgnoresNoExtension(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// Simulate the binary: a file named "agentward" with no extension
	_ = os.WriteFile(filepath.Join(dir, "agentward"), []byte("\x7fELF binary"), 0755)

	got := findConfigFileInPaths([]string{dir})
	if got != "" {
		t.Errorf("findConfigFileInPaths matched binary = %q, want empty", got)
	}
}

func TestFindConfigFileInPaths_PrefersYAMLOverYML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "agentward.yaml")
	ymlPath := filepath.Join(dir, "agentward.yml")
	_ = os.WriteFile(yamlPath, []byte("server:\n  http_addr: 127.0.0.1:8080\n"), 0644)
	_ = os.WriteFile(ymlPath, []byte("server:\n  http_addr: 127.0.0.1:9090\n"), 0644)

	got := findConfigFileInPaths([]string{dir})
	if got != yamlPath {
		t.Errorf("findConfigFileInPaths = %q, want %q (.yaml preferred)", got, yamlPath)
	}
}

func TestFindConfigFileInPaths_FirstDirWins(t *testing.T) {
	t.Parallel()
	first := t.TempDir()
	second := t.TempDir()
	firstPath := filepath.Join(first, "agentward.yml")
	_ = os.WriteFile(firstPath, []byte("server: {}\n"), 0644)
	_ = os.WriteFile(filepath.Join(second, "agentward.yaml"), []byte("server: {}\n"), 0644)

	got := findConfigFileInPaths([]string{first, second})
	if got != firstPath {
		t.Errorf("findConfigFileInPaths = %q, want %q (earlier dir wins)", got, firstPath)
	}
}
