package workflow

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionEvaluator evaluates a step condition expression against the
// instance context.
//
// Evaluation must be deterministic, side-effect-free, and yield a
// boolean. The engine treats evaluation errors as false (and logs
// them), so a broken condition skips its step rather than failing the
// instance.
type ConditionEvaluator interface {
	Evaluate(expr string, context map[string]any) (bool, error)
}

// CELEvaluator evaluates conditions using the Common Expression
// Language. CEL is side-effect-free and non-Turing-complete, which is
// exactly the sandbox a user-supplied condition needs; no
// general-purpose interpreter is embedded.
//
// The instance context is exposed as the map variable `ctx`, so
// conditions look like:
//
//	ctx.branch == "needs_work"
//	ctx.score >= 0.8 && ctx.language == "en"
//	has(ctx.approved) && ctx.approved == true
//
// Compiled programs are cached per expression; the cache is shared by
// every instance the engine runs.
type CELEvaluator struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewCELEvaluator builds the CEL environment with the `ctx` variable
// declared as map(string, dyn).
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CELEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Evaluate compiles (or reuses) the expression and runs it against the
// given context. An empty expression is vacuously true.
//
// Returns an error wrapping ErrCondition when the expression does not
// compile, does not produce a boolean, or fails at runtime (for
// example, referencing an absent key without has()).
func (c *CELEvaluator) Evaluate(expr string, context map[string]any) (bool, error) {
	if expr == "" {
		return true, nil
	}

	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}

	if context == nil {
		context = map[string]any{}
	}

	out, _, err := prg.Eval(map[string]any{"ctx": context})
	if err != nil {
		return false, &Error{
			Code:    "CONDITION_EVAL",
			Message: fmt.Sprintf("condition %q: %v", expr, err),
			Err:     ErrCondition,
		}
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, &Error{
			Code:    "CONDITION_NOT_BOOL",
			Message: fmt.Sprintf("condition %q evaluated to %T, want bool", expr, out.Value()),
			Err:     ErrCondition,
		}
	}

	return b, nil
}

// program returns the cached compiled program for expr, compiling on
// first use.
func (c *CELEvaluator) program(expr string) (cel.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prg, ok := c.programs[expr]; ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, &Error{
			Code:    "CONDITION_COMPILE",
			Message: fmt.Sprintf("condition %q: %v", expr, issues.Err()),
			Err:     ErrCondition,
		}
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, &Error{
			Code:    "CONDITION_PROGRAM",
			Message: fmt.Sprintf("condition %q: %v", expr, err),
			Err:     ErrCondition,
		}
	}

	c.programs[expr] = prg
	return prg, nil
}
