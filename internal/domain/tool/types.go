// Package tool defines the contract between the dispatcher and the
// agent-runtime capabilities it gates.
package tool

import "context"

// Tool is one runtime capability the kernel can dispatch. Execute
// receives the gated, frozen argument tree and a progress callback;
// onUpdate may be nil.
type Tool interface {
	Name() string
	Execute(ctx context.Context, callID string, args map[string]any, onUpdate func(any)) (any, error)
}

// Wrapped marks tools that already carry kernel enforcement. The
// dispatcher refuses to gate a wrapped tool a second time, because two
// gating layers hide each other's verdicts.
type Wrapped interface {
	Tool
	KernelWrapped()
}

// IsWrapped reports whether a tool already carries kernel enforcement.
func IsWrapped(t Tool) bool {
	_, ok := t.(Wrapped)
	return ok
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, callID string, args map[string]any, onUpdate func(any)) (any, error)
}

// Name returns the tool name.
func (f Func) Name() string { return f.ToolName }

// Execute calls the wrapped function.
func (f Func) Execute(ctx context.Context, callID string, args map[string]any, onUpdate func(any)) (any, error) {
	return f.Fn(ctx, callID, args, onUpdate)
}
