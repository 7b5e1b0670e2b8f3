package cmd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentward/agentward/internal/adapter/outbound/ledgerfile"
)

func TestCommandsRegistered(t *testing.T) {
	want := []string{"start", "stop", "version", "hash-key", "ledger", "policy"}
	have := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		have[cmd.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("command %q not registered with rootCmd", name)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":    slog.LevelDebug,
		"DEBUG":    slog.LevelDebug,
		"info":     slog.LevelInfo,
		"warn":     slog.LevelWarn,
		"warning":  slog.LevelWarn,
		"error":    slog.LevelError,
		"":         slog.LevelInfo,
		"verbose?": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseDurationHelpers(t *testing.T) {
	if got := parseDuration(""); got != 0 {
		t.Errorf("parseDuration(\"\") = %v, want 0", got)
	}
	if got := parseDuration("not-a-duration"); got != 0 {
		t.Errorf("parseDuration(garbage) = %v, want 0", got)
	}
	if got := parseDuration("90s"); got != 90*time.Second {
		t.Errorf("parseDuration(90s) = %v", got)
	}
	if got := durationMs("2s"); got != 2000 {
		t.Errorf("durationMs(2s) = %d, want 2000", got)
	}
}

func TestRuntimeStatePath(t *testing.T) {
	old := stateFilePath
	defer func() { stateFilePath = old }()

	stateFilePath = "/tmp/explicit.json"
	if got := runtimeStatePath(); got != "/tmp/explicit.json" {
		t.Errorf("flag should win: got %q", got)
	}

	stateFilePath = ""
	t.Setenv("AGENTWARD_STATE_PATH", "/tmp/from-env.json")
	if got := runtimeStatePath(); got != "/tmp/from-env.json" {
		t.Errorf("env should win over default: got %q", got)
	}

	t.Setenv("AGENTWARD_STATE_PATH", "")
	if got := runtimeStatePath(); !strings.HasSuffix(got, "runtime.json") {
		t.Errorf("default path should end in runtime.json: got %q", got)
	}
}

func TestShortHash(t *testing.T) {
	if got := shortHash("abcdef0123456789"); got != "abcdef012345" {
		t.Errorf("shortHash = %q", got)
	}
	if got := shortHash("ab"); got != "ab" {
		t.Errorf("shortHash should pass short values through: got %q", got)
	}
}

// writeLedger builds a real two-envelope ledger file and returns its
// path.
func writeLedger(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	store, err := ledgerfile.NewStore(dir, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Append(ctx, "sess-1", map[string]any{"kind": "proposal", "tool": "fs.read"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := store.Append(ctx, "sess-1", map[string]any{"kind": "decision", "verdict": "allow"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	path := store.Path("sess-1")
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestLedgerVerifyCmd(t *testing.T) {
	path := writeLedger(t)

	if err := runLedgerVerify(ledgerVerifyCmd, []string{path}); err != nil {
		t.Fatalf("verify intact ledger: %v", err)
	}

	// Flip one byte inside the first envelope's payload.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(raw), "fs.read", "fs.rekt", 1)
	if tampered == string(raw) {
		t.Fatal("tamper target not found")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatal(err)
	}

	err = runLedgerVerify(ledgerVerifyCmd, []string{path})
	if err == nil {
		t.Fatal("verify should fail on a tampered ledger")
	}
	if !strings.Contains(err.Error(), "envelope 0") {
		t.Errorf("error should name the first bad envelope: %v", err)
	}
}

func TestLedgerVerifyCmdMissingFile(t *testing.T) {
	err := runLedgerVerify(ledgerVerifyCmd, []string{filepath.Join(t.TempDir(), "absent.jsonl")})
	if err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestLedgerRepairSidecarCmd(t *testing.T) {
	path := writeLedger(t)

	if err := os.Remove(path + ".last"); err != nil {
		t.Fatalf("remove sidecar: %v", err)
	}
	if err := runLedgerRepairSidecar(ledgerRepairSidecarCmd, []string{path}); err != nil {
		t.Fatalf("repair: %v", err)
	}

	sidecar, err := os.ReadFile(path + ".last")
	if err != nil {
		t.Fatalf("sidecar not rebuilt: %v", err)
	}
	envelopes, err := ledgerfile.ReadLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	tip := envelopes[len(envelopes)-1].Hash
	if !strings.Contains(string(sidecar), tip) {
		t.Errorf("sidecar %q should contain tip %q", sidecar, tip)
	}
}

func TestLedgerRepairSidecarRefusesBrokenChain(t *testing.T) {
	path := writeLedger(t)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(raw), "allow", "adlow", 1)
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := runLedgerRepairSidecar(ledgerRepairSidecarCmd, []string{path}); err == nil {
		t.Fatal("repair should refuse a broken chain")
	}
}

func TestPolicyCheckCmd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	doc := `{"version":1,"mode":"allowlist","allowTools":["fs.read","exec"],"grantedCapabilities":["fs:read"]}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	oldPubkey, oldVerify := policyPubkey, policyVerify
	defer func() { policyPubkey, policyVerify = oldPubkey, oldVerify }()
	policyPubkey, policyVerify = "", false

	if err := runPolicyCheck(policyCheckCmd, []string{path}); err != nil {
		t.Fatalf("check valid policy: %v", err)
	}
}

func TestPolicyCheckCmdRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	doc := `{"version":1,"mode":"allowlist","allowTools":[],"allowTool":["typo"]}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	oldPubkey, oldVerify := policyPubkey, policyVerify
	defer func() { policyPubkey, policyVerify = oldPubkey, oldVerify }()
	policyPubkey, policyVerify = "", false

	if err := runPolicyCheck(policyCheckCmd, []string{path}); err == nil {
		t.Fatal("check should reject a document with unknown fields")
	}
}

func TestHashKeyCmd(t *testing.T) {
	if err := hashKeyCmd.RunE(hashKeyCmd, []string{"test-admin-key"}); err != nil {
		t.Fatalf("hash-key: %v", err)
	}
}

func TestStopWithoutStateFile(t *testing.T) {
	old := stateFilePath
	defer func() { stateFilePath = old }()
	stateFilePath = filepath.Join(t.TempDir(), "runtime.json")

	err := runStop(stopCmd, nil)
	if err == nil {
		t.Fatal("stop without a state file should fail")
	}
	if !strings.Contains(err.Error(), "Is the gateway running?") {
		t.Errorf("unexpected error: %v", err)
	}
}
