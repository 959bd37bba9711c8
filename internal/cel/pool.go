// Package cel evaluates Kaitai Struct expressions (sizes, repeat counts and
// repeat conditions) by translating them to CEL.
package cel

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// ExpressionPool caches compiled CEL programs by source expression.
type ExpressionPool struct {
	mu          sync.RWMutex
	expressions map[string]cel.Program
	env         *cel.Env
}

// NewExpressionPool creates a pool with the standard CEL environment.
func NewExpressionPool() (*ExpressionPool, error) {
	env, err := cel.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ExpressionPool{
		env:         env,
		expressions: make(map[string]cel.Program),
	}, nil
}

// GetExpression returns the compiled program for a Kaitai expression.
func (e *ExpressionPool) GetExpression(exprStr string) (cel.Program, error) {
	e.mu.RLock()
	if program, ok := e.expressions[exprStr]; ok {
		e.mu.RUnlock()
		return program, nil
	}
	e.mu.RUnlock()

	transformed := TransformKaitaiExpression(exprStr)

	envOpts := []cel.EnvOption{}
	for _, varName := range extractVariables(transformed) {
		envOpts = append(envOpts, cel.Variable(varName, cel.DynType))
	}
	extEnv, err := e.env.Extend(envOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to extend environment: %w", err)
	}

	ast, issues := extEnv.Compile(transformed)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression '%s' (as '%s'): %w", exprStr, transformed, issues.Err())
	}
	program, err := extEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for '%s': %w", exprStr, err)
	}

	e.mu.Lock()
	e.expressions[exprStr] = program
	e.mu.Unlock()
	return program, nil
}

// Evaluate compiles (or reuses) and runs a Kaitai expression against vars.
func (e *ExpressionPool) Evaluate(exprStr string, vars map[string]any) (any, error) {
	program, err := e.GetExpression(exprStr)
	if err != nil {
		return nil, err
	}
	if vars == nil {
		vars = map[string]any{}
	}
	val, _, err := program.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("evaluating expression '%s': %w", exprStr, err)
	}
	return adaptCELResult(val), nil
}

// EvaluateInt evaluates an expression that must yield an integer.
func (e *ExpressionPool) EvaluateInt(exprStr string, vars map[string]any) (int64, error) {
	v, err := e.Evaluate(exprStr, vars)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("expression '%s' result %d overflows int64", exprStr, n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("expression '%s' result %v is not a whole number", exprStr, n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expression '%s' result is not a number: %v (type %T)", exprStr, v, v)
	}
}

// EvaluateBool evaluates an expression that must yield a boolean.
func (e *ExpressionPool) EvaluateBool(exprStr string, vars map[string]any) (bool, error) {
	v, err := e.Evaluate(exprStr, vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expression '%s' result is not a boolean: %v (type %T)", exprStr, v, v)
	}
	return b, nil
}

// adaptCELResult converts CEL result values to Go native types
func adaptCELResult(val ref.Val) any {
	switch v := val.(type) {
	case types.Int:
		return int64(v)
	case types.Uint:
		return uint64(v)
	case types.Double:
		return float64(v)
	case types.Bool:
		return bool(v)
	case types.String:
		return string(v)
	case types.Bytes:
		return []byte(v)
	default:
		return val.Value()
	}
}

// ActivationValue converts a parsed value into the form CEL expressions see:
// integers widen to int64 so arithmetic between fields of different widths
// type-checks, nested structures become maps.
func ActivationValue(v any) any {
	switch n := v.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint:
		return widenUint(uint64(n))
	case uint64:
		return widenUint(n)
	case float32:
		return float64(n)
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			out[i] = ActivationValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, item := range n {
			out[k] = ActivationValue(item)
		}
		return out
	default:
		return v
	}
}

func widenUint(n uint64) any {
	if n <= math.MaxInt64 {
		return int64(n)
	}
	return n
}
