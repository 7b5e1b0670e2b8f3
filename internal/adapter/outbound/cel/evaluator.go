// Package cel evaluates policy rule conditions written in CEL.
// Conditions are restrict-only: a true result denies the action.
package cel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/agentward/agentward/internal/domain/policy"
)

// maxExpressionLength is the maximum allowed length for a condition.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit per evaluation.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout bounds a single evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// maxCachedPrograms bounds the compile cache. Policies carry at most a
// handful of conditions; hitting this bound means expressions are being
// generated, and flushing is the cheap way out.
const maxCachedPrograms = 128

// Compile-time interface verification.
var _ policy.ConditionEvaluator = (*Evaluator)(nil)

// Evaluator compiles and evaluates denyWhen conditions. Compiled
// programs are cached by expression text; the cache is flushed on
// policy change via Clear.
type Evaluator struct {
	env *cel.Env

	mu    sync.Mutex
	cache map[string]cel.Program
}

// NewEvaluator creates an evaluator with the condition environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewConditionEnvironment()
	if err != nil {
		return nil, fmt.Errorf("cel: create condition environment: %w", err)
	}
	return &Evaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// EvalCondition compiles (or fetches) the expression and runs it
// against the input. The result is true only when the expression
// evaluates to boolean true.
func (e *Evaluator) EvalCondition(ctx context.Context, expr string, input policy.ConditionInput) (bool, error) {
	prg, err := e.compileCached(expr)
	if err != nil {
		return false, err
	}

	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(evalCtx, buildActivation(input))
	if err != nil {
		return false, fmt.Errorf("cel: evaluation failed: %w", err)
	}
	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel: expression did not return a boolean, got %T", result.Value())
	}
	return boolResult, nil
}

// ValidateExpression checks that a condition is syntactically valid
// and inside the safety limits. Called when a policy document is
// installed so bad conditions fail loud, not per-action.
func (e *Evaluator) ValidateExpression(expr string) error {
	if expr == "" {
		return errors.New("cel: expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("cel: expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return err
	}
	if _, err := e.compileCached(expr); err != nil {
		return fmt.Errorf("cel: invalid expression: %w", err)
	}
	return nil
}

// Clear flushes the compile cache. Called on policy change.
func (e *Evaluator) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

func (e *Evaluator) compileCached(expr string) (cel.Program, error) {
	e.mu.Lock()
	if prg, ok := e.cache[expr]; ok {
		e.mu.Unlock()
		return prg, nil
	}
	e.mu.Unlock()

	prg, err := e.compile(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.cache) >= maxCachedPrograms {
		e.cache = make(map[string]cel.Program)
	}
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// compile parses and type-checks an expression into a program with
// runtime safety limits applied.
func (e *Evaluator) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel: compilation failed: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("cel: program creation failed: %w", err)
	}
	return prg, nil
}

// validateNesting rejects expressions whose parenthesis, bracket, or
// brace nesting exceeds the depth limit.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("cel: expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}
