package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentward/agentward/internal/adapter/outbound/ledgerfile"
	"github.com/agentward/agentward/internal/domain/ledger"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and verify ledger files",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Verify a ledger file's hash chain",
	Long: `Verify that every envelope in a ledger file chains correctly from
GENESIS: each prevHash must equal the previous envelope's hash, and
each hash must recompute from prevHash plus the canonical payload.

A broken link means the file was edited, truncated in the middle, or
reordered after the fact. Everything before the break is still
trustworthy; nothing after it is.

Examples:
  agentward ledger verify ~/.agentward/ledger/session-ab12cd34.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runLedgerVerify,
}

var ledgerRepairSidecarCmd = &cobra.Command{
	Use:   "repair-sidecar <file>",
	Short: "Rebuild a ledger file's .last sidecar",
	Long: `Recompute the tip-hash sidecar (<file>.last) from the ledger file
itself. The sidecar only caches the chain tip for fast appends; when it
is lost or stale the gateway falls back to scanning the file, so this
repair is an optimization, not a recovery.

The chain is verified before the sidecar is written.`,
	Args: cobra.ExactArgs(1),
	RunE: runLedgerRepairSidecar,
}

func init() {
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerRepairSidecarCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	path := args[0]

	envelopes, err := ledgerfile.ReadLedger(path)
	if err != nil {
		return err
	}
	if idx, err := ledger.VerifyChain(envelopes); err != nil {
		return fmt.Errorf("%s: chain broken at envelope %d of %d: %w", path, idx, len(envelopes), err)
	}

	tip := ledger.Genesis
	if len(envelopes) > 0 {
		tip = envelopes[len(envelopes)-1].Hash
	}
	fmt.Printf("%s: OK (%d envelopes, tip %s)\n", path, len(envelopes), shortHash(tip))
	return nil
}

func runLedgerRepairSidecar(cmd *cobra.Command, args []string) error {
	path := args[0]

	envelopes, err := ledgerfile.ReadLedger(path)
	if err != nil {
		return err
	}
	if idx, err := ledger.VerifyChain(envelopes); err != nil {
		return fmt.Errorf("%s: refusing to repair a broken chain (envelope %d): %w", path, idx, err)
	}

	tip, err := ledgerfile.RebuildSidecar(path)
	if err != nil {
		return err
	}
	fmt.Printf("%s.last: rebuilt (tip %s)\n", path, shortHash(tip))
	return nil
}
