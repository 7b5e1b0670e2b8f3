// Package cmd provides the CLI commands for the agentward gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentward/agentward/internal/config"
)

var cfgFile string
var stateFilePath string

var rootCmd = &cobra.Command{
	Use:   "agentward",
	Short: "AgentWard - capability enforcement gateway for LLM agents",
	Long: `AgentWard is an enforcement gateway between LLM agents and the
nodes that execute their commands.

Every command an agent proposes passes a policy gate, a dangerous-action
rate limiter, and (for sensitive capabilities) a human approval bound to
the exact payload. Every decision is recorded in a hash-chained ledger.

Quick start:
  1. Create a config file: agentward.yaml
  2. Run: agentward start

Configuration:
  Config is loaded from agentward.yaml in the current directory,
  $HOME/.agentward/, or /etc/agentward/.

  Environment variables can override config values with the AGENTWARD_ prefix.
  Example: AGENTWARD_SERVER_RPC_ADDR=127.0.0.1:9700

Commands:
  start       Start the gateway
  stop        Stop the running gateway
  ledger      Inspect and verify ledger files
  policy      Check a policy document and its signature
  hash-key    Generate an argon2id hash for an admin API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./agentward.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateFilePath, "state", "", "path to runtime state file (default: ~/.agentward/runtime.json)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
