package policy

import "context"

// ConditionInput is the variable set a rule's denyWhen expression can
// see. It is built from the normalized proposal, never the raw one.
type ConditionInput struct {
	Tool      string
	Args      map[string]any
	Risk      Risk
	Sandboxed bool
	Actor     string
}

// ConditionEvaluator evaluates a denyWhen expression against one
// action. Conditions are restrict-only: a true result denies, a false
// result changes nothing, and callers treat evaluation errors as deny.
type ConditionEvaluator interface {
	EvalCondition(ctx context.Context, expr string, input ConditionInput) (bool, error)
}
