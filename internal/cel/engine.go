// Package cel compiles and evaluates the check expressions carried inside
// capability tokens. Checks are boolean CEL programs over the token's facts,
// the verification instant, and the resource under access.
package cel

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Engine compiles check expressions once and caches the programs.
type Engine struct {
	env      *cel.Env
	programs sync.Map // expression -> cel.Program
}

// EvalContext carries the variables available to a check.
type EvalContext struct {
	// Now is the verification instant as unix seconds.
	Now int64
	// Facts are the token's accumulated facts.
	Facts map[string]interface{}
	// Resource describes the resource under access; may be empty.
	Resource map[string]interface{}
}

// NewEngine builds the check environment.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("now", cel.IntType),
		cel.Variable("facts", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
		// Fact values round-trip through JSON, so integer facts may surface
		// as doubles at evaluation time.
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Engine{env: env}, nil
}

// Compile parses and type-checks an expression, caching the program. The
// expression must produce a boolean.
func (e *Engine) Compile(expr string) (cel.Program, error) {
	if prog, ok := e.programs.Load(expr); ok {
		return prog.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("check compilation failed: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("check must produce a boolean, got %v", ast.OutputType())
	}

	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("check program creation failed: %w", err)
	}

	e.programs.Store(expr, prog)
	return prog, nil
}

// Evaluate runs one check expression against the context.
func (e *Engine) Evaluate(expr string, ctx *EvalContext) (bool, error) {
	prog, err := e.Compile(expr)
	if err != nil {
		return false, err
	}

	facts := ctx.Facts
	if facts == nil {
		facts = map[string]interface{}{}
	}
	resource := ctx.Resource
	if resource == nil {
		resource = map[string]interface{}{}
	}

	result, _, err := prog.Eval(map[string]interface{}{
		"now":      ctx.Now,
		"facts":    facts,
		"resource": resource,
	})
	if err != nil {
		return false, fmt.Errorf("check evaluation failed: %w", err)
	}

	val, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("check did not return a boolean")
	}
	return val, nil
}
