package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentward/agentward/internal/adapter/inbound/admin"
	"github.com/agentward/agentward/internal/adapter/inbound/http"
	"github.com/agentward/agentward/internal/adapter/inbound/rpc"
	"github.com/agentward/agentward/internal/adapter/outbound/cel"
	"github.com/agentward/agentward/internal/adapter/outbound/ledgerfile"
	"github.com/agentward/agentward/internal/adapter/outbound/memory"
	"github.com/agentward/agentward/internal/adapter/outbound/nodewire"
	"github.com/agentward/agentward/internal/adapter/outbound/policyfile"
	"github.com/agentward/agentward/internal/adapter/outbound/sqlite"
	"github.com/agentward/agentward/internal/adapter/outbound/state"
	"github.com/agentward/agentward/internal/config"
	"github.com/agentward/agentward/internal/domain/feedback"
	"github.com/agentward/agentward/internal/domain/node"
	"github.com/agentward/agentward/internal/domain/policy"
	"github.com/agentward/agentward/internal/domain/ratelimit"
	"github.com/agentward/agentward/internal/port/outbound"
	"github.com/agentward/agentward/internal/service"
	"github.com/agentward/agentward/internal/telemetry"
)

// envTelemetry turns on OpenTelemetry export to stdout when set to "1".
// It is an env var rather than config so telemetry can be toggled per
// run without touching the policy-relevant configuration.
const envTelemetry = "AGENTWARD_TELEMETRY"

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the AgentWard gateway.

The gateway accepts agents and runtime nodes on a newline-delimited
JSON-RPC TCP listener, enforces the installed capability policy on
every invocation, and serves the operator plane (health, metrics,
approval API) over HTTP. An optional unix control socket carries
operator scope for local administration.

Examples:
  # Start with config file settings
  agentward start

  # Start with a specific config file
  agentward --config /path/to/agentward.yaml start

  # Refuse to dispatch anything until a verified policy is installed
  AGENTWARD_REQUIRE_SIGNED_POLICY=1 agentward start`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	// Logger goes to stderr so stdout stays free for telemetry export.
	logger := buildLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "format", cfg.Server.LogFormat)

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Refuse to double-start. A live gateway owns the runtime state
	// file; a dead one left it behind and it is safe to clear.
	statePath := runtimeStatePath()
	stateStore := state.NewFileStore(statePath, logger)
	if st, lerr := stateStore.Load(); lerr == nil && st.PID > 0 {
		if proc, ferr := os.FindProcess(st.PID); ferr == nil && processIsAlive(proc) {
			return fmt.Errorf("an agentward gateway is already running (PID %d, state %s)", st.PID, stateStore.Path())
		}
		logger.Warn("removing stale runtime state", "path", stateStore.Path(), "pid", st.PID)
		_ = stateStore.Remove()
	}

	if err := run(ctx, cfg, stateStore, logger); err != nil {
		return err
	}

	logger.Info("agentward stopped")
	return nil
}

// run wires the kernel and serves until the context is cancelled or a
// listener fails.
func run(ctx context.Context, cfg *config.Config, stateStore *state.FileStore, logger *slog.Logger) error {
	startTime := time.Now().UTC()

	// ===== Telemetry =====
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = Version
	tcfg.Enabled = os.Getenv(envTelemetry) == "1"
	tele, err := telemetry.New(ctx, tcfg, logger)
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tele.Shutdown(shutCtx)
	}()

	// ===== Enforcement kernel =====
	policies := policy.NewStore(logger)

	ledgerStore, err := ledgerfile.NewStore(cfg.Ledger.Dir, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = ledgerStore.Close() }()

	var archive outbound.ApprovalArchive
	if cfg.Approvals.ArchivePath != "" {
		archive, err = sqlite.Open(cfg.Approvals.ArchivePath, logger)
		if err != nil {
			return fmt.Errorf("open approval archive: %w", err)
		}
		logger.Info("approval archive", "backend", "sqlite", "path", cfg.Approvals.ArchivePath)
	} else {
		archive = memory.NewApprovalArchive()
		logger.Info("approval archive", "backend", "memory")
	}
	defer func() { _ = archive.Close() }()

	// Zero-valued limiter fields fall back to the limiter's defaults,
	// so unset config knobs need no special casing here.
	limiter := ratelimit.New(ratelimit.Params{
		WindowMs:            durationMs(cfg.Limits.Window),
		MaxAttempts:         cfg.Limits.MaxAttempts,
		MaxDenials:          cfg.Limits.MaxDenials,
		BlockMs:             durationMs(cfg.Limits.Block),
		MaxConcurrentPerKey: cfg.Limits.MaxConcurrentPerKey,
		GlobalSlots:         cfg.Limits.GlobalSlots,
		MaxTrackedKeys:      cfg.Limits.MaxTrackedKeys,
	}, logger)

	tracker := feedback.NewTracker(feedback.WithAdaptive(cfg.Feedback.Adaptive))

	conditions, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("condition evaluator: %w", err)
	}

	kernel, err := service.NewKernel(service.KernelDeps{
		Policies:            policies,
		Ledger:              ledgerStore,
		Archive:             archive,
		Limiter:             limiter,
		Tracker:             tracker,
		Conditions:          conditions,
		Telemetry:           tele,
		Logger:              logger,
		CaptureOutput:       cfg.Ledger.CaptureOutput,
		ApprovalTokenTTL:    parseDuration(cfg.Approvals.TokenTTL),
		MaxPendingApprovals: cfg.Approvals.MaxPending,
	})
	if err != nil {
		return fmt.Errorf("assemble kernel: %w", err)
	}

	// ===== Policy install =====
	// Without an installed policy the gate fails closed: every
	// invocation is denied until the operator provides one.
	if cfg.Policy.Path != "" {
		loader, err := policyfile.NewLoader(policyfile.Config{
			Path:          cfg.Policy.Path,
			PublicKeyPath: cfg.Policy.Pubkey,
			Verify:        cfg.Policy.Verify || cfg.Policy.RequireSigned,
		}, logger)
		if err != nil {
			return fmt.Errorf("policy loader: %w", err)
		}
		if _, raw, err := loader.Load(); err != nil {
			if cfg.Policy.RequireSigned {
				return fmt.Errorf("load policy: %w", err)
			}
			logger.Warn("policy load failed, dispatch stays fail-closed",
				"path", cfg.Policy.Path, "error", err)
		} else if snap, err := kernel.InstallPolicy(raw); err != nil {
			if cfg.Policy.RequireSigned {
				return fmt.Errorf("install policy: %w", err)
			}
			logger.Warn("policy install failed, dispatch stays fail-closed",
				"path", cfg.Policy.Path, "error", err)
		} else {
			logger.Info("policy installed",
				"path", cfg.Policy.Path,
				"sha256", snap.Sha,
				"mode", snap.Doc.Mode,
				"capabilities", len(snap.Doc.GrantedCapabilities),
				"verified", cfg.Policy.Verify || cfg.Policy.RequireSigned,
			)
		}
	} else if cfg.Policy.RequireSigned {
		return fmt.Errorf("policy.require_signed is set but policy.path is empty")
	} else {
		logger.Warn("no policy configured, dispatch fails closed until one is installed")
	}

	// ===== Node plane =====
	registry := node.NewRegistry(logger)

	links := nodewire.NewLinks(logger)
	defer func() { _ = links.Close() }()

	exposure := node.ClassifyExposure(cfg.Server.RPCAddr, false)

	frontOpts := []rpc.FrontOption{
		rpc.WithLimiter(limiter),
		rpc.WithExposure(exposure),
		rpc.WithNodeLinks(links),
		rpc.WithTelemetry(tele),
	}
	if cfg.Workspace.Root != "" {
		ws, err := node.NewWorkspace(cfg.Workspace.Root)
		if err != nil {
			return fmt.Errorf("workspace root: %w", err)
		}
		frontOpts = append(frontOpts, rpc.WithWorkspace(ws))
		logger.Info("workspace confinement enabled", "root", cfg.Workspace.Root)
	}
	if d := parseDuration(cfg.Approvals.WaitTimeout); d > 0 {
		frontOpts = append(frontOpts, rpc.WithApprovalWait(d))
	}

	front := rpc.NewFront(registry, links, kernel.Approvals, ledgerStore, logger, frontOpts...)

	// ===== Listeners =====
	rpcServer := rpc.NewServer(front, "tcp", cfg.Server.RPCAddr, logger)

	var adminRPC *rpc.Server
	if cfg.Server.AdminSocket != "" {
		// An unclean exit leaves the socket file behind; the liveness
		// check in runStart already ruled out a live owner.
		_ = os.Remove(cfg.Server.AdminSocket)
		adminRPC = rpc.NewServer(front, "unix", cfg.Server.AdminSocket, logger, rpc.WithAdminScope(true))
	}

	adminHandler := admin.NewHandler(kernel.Approvals, logger,
		admin.WithKeyHashes(cfg.Admin.KeyHashes),
		admin.WithRateLimiter(limiter),
	)

	healthChecker := http.NewHealthChecker(policies, registry, kernel.Approvals, Version)

	httpOpts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithAdminHandler(adminHandler.Routes()),
		http.WithHealthChecker(healthChecker),
	}
	scheme := "http"
	if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
		httpOpts = append(httpOpts, http.WithTLS(cfg.Server.TLSCert, cfg.Server.TLSKey))
		scheme = "https"
	}
	httpServer := http.NewServer(registry, kernel.Approvals, logger, httpOpts...)

	// ===== Runtime state =====
	if err := stateStore.Save(&state.RuntimeState{
		PID:          os.Getpid(),
		RPCAddr:      cfg.Server.RPCAddr,
		AdminSocket:  cfg.Server.AdminSocket,
		HTTPAddr:     cfg.Server.HTTPAddr,
		PolicySHA256: policies.Sha256(),
		StartedAt:    startTime,
	}); err != nil {
		logger.Warn("failed to write runtime state", "path", stateStore.Path(), "error", err)
	} else {
		defer func() { _ = stateStore.Remove() }()
	}

	logger.Info("agentward starting",
		"version", Version,
		"rpc_addr", cfg.Server.RPCAddr,
		"admin_socket", cfg.Server.AdminSocket,
		"http_addr", cfg.Server.HTTPAddr,
		"exposure", exposure,
		"policy_sha256", policies.Sha256(),
		"ledger_dir", cfg.Ledger.Dir,
		"adaptive_risk", cfg.Feedback.Adaptive,
		"telemetry", tcfg.Enabled,
	)

	printBanner(Version, cfg.Server.RPCAddr, cfg.Server.AdminSocket,
		fmt.Sprintf("%s://%s", scheme, cfg.Server.HTTPAddr), policies.Sha256(), exposure)

	// ===== Serve =====
	// Each listener blocks in Start until the context is cancelled; a
	// failure in any one takes the rest down.
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	var wg sync.WaitGroup
	serve := func(name string, start func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := start(serveCtx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	serve("rpc listener", rpcServer.Start)
	if adminRPC != nil {
		serve("admin socket listener", adminRPC.Start)
	}
	serve("operator plane", httpServer.Start)

	var serveErr error
	select {
	case <-serveCtx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		cancel()
	}
	wg.Wait()
	return serveErr
}

// buildLogger builds a stderr slog logger from the configured level and
// format.
func buildLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseDuration parses a config duration string. Validation already
// checked the format, so empty or bad values simply mean "use the
// built-in default".
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// durationMs is parseDuration in epoch-millisecond form for the
// limiter's knobs.
func durationMs(s string) int64 {
	return parseDuration(s).Milliseconds()
}

// printBanner prints a formatted startup banner to stderr with version,
// listener addresses, policy fingerprint, and exposure class.
func printBanner(version, rpcAddr, adminSocket, operatorURL, policySha string, exposure node.Exposure) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	policyStr := yellow + "none" + reset + dim + " (dispatch fails closed)" + reset
	if policySha != "" {
		policyStr = green + "sha256:" + shortHash(policySha) + reset
	}

	adminStr := dim + "disabled" + reset
	if adminSocket != "" {
		adminStr = adminSocket
	}

	exposureStr := green + string(exposure) + reset
	if !exposure.Safe() {
		exposureStr = yellow + string(exposure) + reset + dim + " (dangerous commands refused)" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%sAgentWard %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Agent RPC:", rpcAddr)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Admin socket:", adminStr)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Operator:", operatorURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Policy:", policyStr)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Exposure:", exposureStr)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}

// shortHash truncates a hex digest for display.
func shortHash(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
