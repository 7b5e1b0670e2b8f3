package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentward/agentward/internal/adapter/outbound/state"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running AgentWard gateway",
	Long: `Stop a running AgentWard gateway by reading its runtime state file
and sending SIGTERM.

The runtime state file is written by "agentward start" and located at
~/.agentward/runtime.json (override with --state).

Examples:
  # Stop the running gateway
  agentward stop`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	store := state.NewFileStore(runtimeStatePath(), quietLogger())

	st, err := store.Load()
	if err != nil {
		if errors.Is(err, state.ErrNoState) {
			return fmt.Errorf("no runtime state file found at %s\nIs the gateway running?", store.Path())
		}
		return err
	}
	if st.PID <= 0 {
		_ = store.Remove()
		return fmt.Errorf("runtime state file at %s has no pid (stale file removed)", store.Path())
	}

	proc, err := os.FindProcess(st.PID)
	if err != nil {
		_ = store.Remove()
		return fmt.Errorf("invalid PID %d: %w", st.PID, err)
	}

	if !processIsAlive(proc) {
		_ = store.Remove()
		return fmt.Errorf("gateway process %d is not running (stale state file removed)", st.PID)
	}

	// Send graceful stop signal (SIGTERM on Unix, Kill on Windows).
	fmt.Fprintf(os.Stderr, "Stopping AgentWard gateway (PID %d)...\n", st.PID)
	if err := sendGracefulStop(proc); err != nil {
		return fmt.Errorf("failed to stop gateway: %w", err)
	}

	// Wait for the process to exit (poll every 200ms, max 10s).
	for i := 0; i < 50; i++ {
		time.Sleep(200 * time.Millisecond)
		if !processIsAlive(proc) {
			_ = store.Remove()
			fmt.Fprintf(os.Stderr, "Gateway stopped.\n")
			return nil
		}
	}

	// Still alive after 10s, force kill.
	fmt.Fprintf(os.Stderr, "Gateway did not stop gracefully, sending SIGKILL...\n")
	_ = proc.Kill()
	_ = store.Remove()
	fmt.Fprintf(os.Stderr, "Gateway killed.\n")
	return nil
}

// runtimeStatePath resolves the state file location: --state flag, then
// AGENTWARD_STATE_PATH, then ~/.agentward/runtime.json.
func runtimeStatePath() string {
	if stateFilePath != "" {
		return stateFilePath
	}
	if p := os.Getenv("AGENTWARD_STATE_PATH"); p != "" {
		return p
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".agentward", "runtime.json")
	}
	return filepath.Join(os.TempDir(), "agentward-runtime.json")
}

// quietLogger keeps utility commands from chattering on stderr.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}
