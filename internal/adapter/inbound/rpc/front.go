// Package rpc implements the JSON-RPC enforcement front: node command
// invocation under the full admission discipline, approval request and
// resolution, and node session upkeep.
package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/agentward/agentward/internal/domain/ledger"
	"github.com/agentward/agentward/internal/domain/node"
	"github.com/agentward/agentward/internal/domain/ratelimit"
	"github.com/agentward/agentward/internal/port/outbound"
	"github.com/agentward/agentward/internal/service"
	"github.com/agentward/agentward/internal/telemetry"
	"github.com/agentward/agentward/pkg/rpcwire"
)

// Methods served by the front.
const (
	MethodNodeInvoke          = "node.invoke"
	MethodNodeHello           = "node.hello"
	MethodNodeBye             = "node.bye"
	MethodExecApprovalRequest = "exec.approval.request"
	MethodExecApprovalResolve = "exec.approval.resolve"
	MethodCapApprovalRequest  = "capability.approval.request"
)

// NodeLinker binds node ids to the connections they said hello on, so
// the gateway can call back down the same line. The connection-backed
// transport implements it; test fronts leave it nil.
type NodeLinker interface {
	Attach(nodeID, connID string, send func([]byte) error)
	Detach(nodeID string)
	DetachConn(connID string) []string
	Resolve(frame *rpcwire.Frame) bool
}

// Front routes decoded frames to the enforcement handlers. Every node
// command passes the same admission sequence: bypass stripping, session
// lookup, profile checks, idempotency dedupe, rate limiting, approval
// token consumption, command re-validation, budget clamping, and a
// dangerous-ledger record.
type Front struct {
	registry     *node.Registry
	transport    outbound.NodeTransport
	approvals    *service.ApprovalService
	trail        ledger.Store
	limiter      *ratelimit.Limiter
	replay       *node.ReplayCache
	workspace    *node.Workspace
	exposure     node.Exposure
	links        NodeLinker
	approvalWait time.Duration
	telemetry    *telemetry.Provider
	logger       *slog.Logger
}

// FrontOption configures a Front.
type FrontOption func(*Front)

// WithLimiter replaces the default dangerous-action limiter.
func WithLimiter(l *ratelimit.Limiter) FrontOption {
	return func(f *Front) { f.limiter = l }
}

// WithReplayCache replaces the default idempotency cache.
func WithReplayCache(c *node.ReplayCache) FrontOption {
	return func(f *Front) { f.replay = c }
}

// WithWorkspace sets the root that system.run working directories must
// stay inside. Without one, any invocation naming a cwd is refused.
func WithWorkspace(w *node.Workspace) FrontOption {
	return func(f *Front) { f.workspace = w }
}

// WithExposure declares how the gateway listener is exposed. Dangerous
// commands on an unsafe exposure are refused unless the operator sets
// the dangerous-exposure override.
func WithExposure(e node.Exposure) FrontOption {
	return func(f *Front) { f.exposure = e }
}

// WithNodeLinks lets hello bind the node to its own connection so the
// transport can push work back down it. Without it, nodes register but
// invocations only reach transports wired some other way.
func WithNodeLinks(l NodeLinker) FrontOption {
	return func(f *Front) { f.links = l }
}

// WithApprovalWait sets the default wait for approval requests that
// name no timeoutMs of their own.
func WithApprovalWait(d time.Duration) FrontOption {
	return func(f *Front) {
		if d > 0 {
			f.approvalWait = d
		}
	}
}

// WithTelemetry records spans and counters around node.invoke. A nil
// provider is inert.
func WithTelemetry(p *telemetry.Provider) FrontOption {
	return func(f *Front) { f.telemetry = p }
}

// NewFront builds the enforcement front. The trail store receives the
// dangerous-command records under the reserved session key.
func NewFront(registry *node.Registry, transport outbound.NodeTransport, approvals *service.ApprovalService, trail ledger.Store, logger *slog.Logger, opts ...FrontOption) *Front {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Front{
		registry:  registry,
		transport: transport,
		approvals: approvals,
		trail:     trail,
		exposure:  node.ExposureLoopback,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.limiter == nil {
		f.limiter = ratelimit.New(ratelimit.Params{}, logger)
	}
	if f.replay == nil {
		f.replay = node.NewReplayCache(0, 0)
	}
	return f
}

// HandleNodeResponse offers a response frame to the node transport's
// pending calls. Returns true when consumed.
func (f *Front) HandleNodeResponse(frame *rpcwire.Frame) bool {
	return f.links != nil && f.links.Resolve(frame)
}

// ConnClosed clears every node bound to a dropped connection. Sessions
// registered by hello on that connection are removed so stale nodes
// stop matching invocations.
func (f *Front) ConnClosed(connID string) {
	if f.links == nil || connID == "" {
		return
	}
	for _, nodeID := range f.links.DetachConn(connID) {
		if f.registry.Remove(nodeID) {
			f.logger.Info("node disconnected", "node_id", nodeID, "reason", "connection closed")
		}
	}
}

// HandleFrame runs one decoded frame through the front and returns the
// encoded response, or nil when the frame was a notification.
func (f *Front) HandleFrame(ctx context.Context, frame *rpcwire.Frame) []byte {
	if frame == nil || !frame.IsRequest() {
		return encodeError(f.logger, nil, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:frame: expected a request"))
	}

	result, err := f.route(ctx, frame)
	if frame.IsNotification() {
		return nil
	}
	id := frame.RawID()
	if err != nil {
		return encodeError(f.logger, id, rpcwire.AsError(err))
	}
	return encodeResult(f.logger, id, result)
}

func (f *Front) route(ctx context.Context, frame *rpcwire.Frame) (any, error) {
	switch frame.Method() {
	case MethodNodeInvoke:
		ctx, done := f.telemetry.TrackOperation(ctx, "rpc.node.invoke")
		result, err := f.handleInvoke(ctx, frame)
		done(err)
		return result, err
	case MethodNodeHello:
		return f.handleHello(frame)
	case MethodNodeBye:
		return f.handleBye(frame)
	case MethodExecApprovalRequest:
		return f.handleExecApprovalRequest(ctx, frame)
	case MethodExecApprovalResolve:
		return f.handleExecApprovalResolve(ctx, frame)
	case MethodCapApprovalRequest:
		return f.handleCapabilityApprovalRequest(ctx, frame)
	default:
		return nil, rpcwire.NewError(rpcwire.CodeInvalidRequest, "invalid:method: unknown method "+frame.Method())
	}
}

func encodeResult(logger *slog.Logger, id json.RawMessage, result any) []byte {
	out, err := rpcwire.NewResult(id, result)
	if err != nil {
		logger.Error("encoding result response failed", "error", err)
		out, _ = rpcwire.NewErrorResponse(id, rpcwire.NewError(rpcwire.CodeUnavailable, "response encoding failed"))
	}
	return out
}

func encodeError(logger *slog.Logger, id json.RawMessage, werr *rpcwire.Error) []byte {
	out, err := rpcwire.NewErrorResponse(id, werr)
	if err != nil {
		logger.Error("encoding error response failed", "error", err)
		return nil
	}
	return out
}
