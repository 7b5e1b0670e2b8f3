package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentward/agentward/internal/adapter/outbound/policyfile"
	"github.com/agentward/agentward/internal/config"
	"github.com/agentward/agentward/internal/domain/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect policy documents",
}

var (
	policyPubkey string
	policyVerify bool
)

var policyCheckCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Parse and optionally verify a policy document",
	Long: `Parse a policy document exactly the way the gateway does at boot:
strict JSON (unknown fields rejected), structural validation, and,
with --verify, the detached signature at <file>.sig against the given
public key.

Without a file argument the configured policy (policy.path) is
checked, using the configured pubkey and verify settings.

Examples:
  agentward policy check ./policy.json
  agentward policy check ./policy.json --verify --pubkey ./signer.pub
  agentward policy check`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPolicyCheck,
}

func init() {
	policyCheckCmd.Flags().StringVar(&policyPubkey, "pubkey", "", "PEM public key for signature verification")
	policyCheckCmd.Flags().BoolVar(&policyVerify, "verify", false, "require a valid detached signature at <file>.sig")
	policyCmd.AddCommand(policyCheckCmd)
	rootCmd.AddCommand(policyCmd)
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	var path string
	pubkey := policyPubkey
	verify := policyVerify

	if len(args) > 0 {
		path = args[0]
	} else {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path = cfg.Policy.Path
		if path == "" {
			return fmt.Errorf("no policy file named and policy.path is not configured")
		}
		if pubkey == "" {
			pubkey = cfg.Policy.Pubkey
		}
		verify = verify || cfg.Policy.Verify || cfg.Policy.RequireSigned
	}

	loader, err := policyfile.NewLoader(policyfile.Config{
		Path:          path,
		PublicKeyPath: pubkey,
		Verify:        verify,
	}, quietLogger())
	if err != nil {
		return err
	}
	doc, raw, err := loader.Load()
	if err != nil {
		return err
	}

	// Install into a throwaway store so the printed fingerprint is the
	// one the gateway would log.
	snap, err := policy.NewStore(quietLogger()).InstallDocument(doc, raw)
	if err != nil {
		return err
	}

	fmt.Printf("%s: OK\n", path)
	fmt.Printf("  sha256:       %s\n", snap.Sha)
	fmt.Printf("  mode:         %s\n", doc.Mode)
	fmt.Printf("  capabilities: %d\n", len(doc.GrantedCapabilities))
	fmt.Printf("  allow tools:  %d\n", len(doc.AllowTools))
	fmt.Printf("  deny tools:   %d\n", len(doc.DenyTools))
	fmt.Printf("  tool rules:   %d\n", len(doc.ToolRules))
	if verify {
		fmt.Printf("  signature:    verified\n")
	}
	return nil
}
