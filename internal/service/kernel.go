package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/agentward/agentward/internal/domain/approval"
	"github.com/agentward/agentward/internal/domain/feedback"
	"github.com/agentward/agentward/internal/domain/gate"
	"github.com/agentward/agentward/internal/domain/ledger"
	"github.com/agentward/agentward/internal/domain/policy"
	"github.com/agentward/agentward/internal/domain/ratelimit"
	"github.com/agentward/agentward/internal/domain/tool"
	"github.com/agentward/agentward/internal/port/outbound"
	"github.com/agentward/agentward/internal/telemetry"
)

// Kernel bundles the enforcement surfaces for one workspace: policy
// store, gate, ledger, limiter, approvals, feedback, and the dispatcher
// that ties them together. Embedding runtimes construct one kernel and
// wrap their tools with Guard; the RPC front consumes the same pieces.
type Kernel struct {
	Policies   *policy.Store
	Gate       *gate.Gate
	Ledger     ledger.Store
	Limiter    *ratelimit.Limiter
	Tracker    *feedback.Tracker
	Approvals  *ApprovalService
	Dispatcher *Dispatcher
	Telemetry  *telemetry.Provider

	logger *slog.Logger
}

// KernelDeps carries the kernel's injected collaborators. Policies and
// Ledger are required. Optional deps disable their feature when absent:
// no Archive means no standing approvals, no Limiter means no
// dangerous-action throttling, no Tracker means static risk. The caller
// owns the lifecycle of everything it passes in.
type KernelDeps struct {
	Policies   *policy.Store
	Ledger     ledger.Store
	Archive    outbound.ApprovalArchive
	Limiter    *ratelimit.Limiter
	Tracker    *feedback.Tracker
	Conditions policy.ConditionEvaluator
	Telemetry  *telemetry.Provider
	Logger     *slog.Logger

	// CaptureOutput records capped tool output in ledger result
	// summaries instead of the literal "omitted".
	CaptureOutput bool
	// ApprovalTokenTTL overrides the one-shot token lifetime.
	ApprovalTokenTTL time.Duration
	// MaxPendingApprovals overrides the pending-approval registry cap.
	MaxPendingApprovals int
}

// NewKernel assembles a kernel from its dependencies.
func NewKernel(deps KernelDeps) (*Kernel, error) {
	if deps.Policies == nil {
		return nil, errors.New("kernel: policy store required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("kernel: ledger store required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var gateOpts []gate.Option
	if deps.Tracker != nil {
		gateOpts = append(gateOpts, gate.WithRiskAdjuster(deps.Tracker))
	}
	if deps.Conditions != nil {
		gateOpts = append(gateOpts, gate.WithConditionEvaluator(deps.Conditions))
	}
	g, err := gate.NewGate(logger, gateOpts...)
	if err != nil {
		return nil, err
	}

	var mgrOpts []approval.Option
	if deps.ApprovalTokenTTL > 0 {
		mgrOpts = append(mgrOpts, approval.WithTokenTTL(deps.ApprovalTokenTTL))
	}
	if deps.MaxPendingApprovals > 0 {
		mgrOpts = append(mgrOpts, approval.WithMaxPending(deps.MaxPendingApprovals))
	}
	manager := approval.NewManager(logger, mgrOpts...)

	dispatchOpts := []DispatcherOption{WithCaptureOutput(deps.CaptureOutput)}
	if deps.Limiter != nil {
		dispatchOpts = append(dispatchOpts, WithLimiter(deps.Limiter))
	}
	if deps.Tracker != nil {
		dispatchOpts = append(dispatchOpts, WithFeedback(deps.Tracker))
	}
	if deps.Telemetry != nil {
		dispatchOpts = append(dispatchOpts, WithTelemetry(deps.Telemetry))
	}

	return &Kernel{
		Policies:   deps.Policies,
		Gate:       g,
		Ledger:     deps.Ledger,
		Limiter:    deps.Limiter,
		Tracker:    deps.Tracker,
		Approvals:  NewApprovalService(manager, deps.Archive, logger),
		Dispatcher: NewDispatcher(deps.Policies, g, deps.Ledger, logger, dispatchOpts...),
		Telemetry:  deps.Telemetry,
		logger:     logger,
	}, nil
}

// InstallPolicy activates new policy bytes and drops verdicts cached
// under the previous policy.
func (k *Kernel) InstallPolicy(raw []byte) (*policy.Snapshot, error) {
	snap, err := k.Policies.Install(raw)
	if err != nil {
		return nil, err
	}
	k.Gate.ClearCache()
	return snap, nil
}

// Guard wraps a tool so every call runs the full gate-ledger-execute
// sequence under the given call metadata. The wrapper carries the
// kernel-wrapped marker, so handing it back to Dispatch is refused
// instead of double-gated.
func (k *Kernel) Guard(t tool.Tool, meta CallMeta) tool.Tool {
	return &guardedTool{dispatcher: k.Dispatcher, inner: t, meta: meta}
}

type guardedTool struct {
	dispatcher *Dispatcher
	inner      tool.Tool
	meta       CallMeta
}

var _ tool.Wrapped = (*guardedTool)(nil)

func (g *guardedTool) Name() string { return g.inner.Name() }

// KernelWrapped marks the tool as already gated.
func (g *guardedTool) KernelWrapped() {}

func (g *guardedTool) Execute(ctx context.Context, callID string, args map[string]any, onUpdate func(any)) (any, error) {
	meta := g.meta
	if onUpdate != nil {
		meta.OnUpdate = onUpdate
	}
	res, err := g.dispatcher.Dispatch(ctx, g.inner, args, callID, meta)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}
