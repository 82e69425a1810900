// Package conditions evaluates trigger filter conditions against connector
// payloads. A condition selects a value from the payload and compares it to
// a literal; all conditions of a trigger must hold for the run to start.
//
// The field selector comes in three forms:
//
//	"subject"          plain top-level key
//	".payload.user.id" jq path, compiled with gojq
//	"expr:len(labels)" expression, compiled with expr-lang
//
// Compiled selectors are cached so repeated scheduler ticks do not pay the
// compile cost again.
package conditions

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"

	"github.com/hookline/hookline/pkg/schema"
)

const exprPrefix = "expr:"

// Condition is one filter clause of a trigger's metadata.
type Condition struct {
	Field    string                   `json:"field"`
	Operator schema.ConditionOperator `json:"operator"`
	Value    any                      `json:"value"`
}

// Decode converts the untyped "conditions" entry of a step's metadata fields
// into typed conditions via a JSON round-trip. A nil input yields no
// conditions.
func Decode(v any) ([]Condition, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "conditions are not JSON-encodable").WithCause(err)
	}
	var conds []Condition
	if err := json.Unmarshal(data, &conds); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed conditions").WithCause(err)
	}
	return conds, nil
}

// Evaluator compiles and evaluates conditions with per-selector caching.
// Safe for concurrent use.
type Evaluator struct {
	mu      sync.RWMutex
	jqCache map[string]*gojq.Code
	vmCache map[string]*vm.Program
}

// NewEvaluator creates an evaluator with empty caches.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		jqCache: make(map[string]*gojq.Code),
		vmCache: make(map[string]*vm.Program),
	}
}

// EvaluateAll reports whether every condition holds against the payload.
// An empty condition list always holds.
func (e *Evaluator) EvaluateAll(conds []Condition, payload map[string]any) (bool, error) {
	for _, c := range conds {
		ok, err := e.Evaluate(c, payload)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Evaluate reports whether a single condition holds against the payload.
func (e *Evaluator) Evaluate(c Condition, payload map[string]any) (bool, error) {
	value, err := e.selectValue(c.Field, payload)
	if err != nil {
		return false, err
	}
	return compare(c.Operator, value, c.Value)
}

func (e *Evaluator) selectValue(field string, payload map[string]any) (any, error) {
	switch {
	case strings.HasPrefix(field, exprPrefix):
		return e.evalExpr(strings.TrimPrefix(field, exprPrefix), payload)
	case strings.HasPrefix(field, "."):
		return e.evalJQ(field, payload)
	default:
		return payload[field], nil
	}
}

func (e *Evaluator) evalJQ(path string, payload map[string]any) (any, error) {
	code, err := e.jqProgram(path)
	if err != nil {
		return nil, err
	}
	iter := code.Run(payload)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "evaluate path %q: %v", path, err).WithCause(err)
	}
	return v, nil
}

func (e *Evaluator) jqProgram(path string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.jqCache[path]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse path %q: %v", path, err).WithCause(err)
	}
	code, err = gojq.Compile(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile path %q: %v", path, err).WithCause(err)
	}

	e.mu.Lock()
	e.jqCache[path] = code
	e.mu.Unlock()
	return code, nil
}

func (e *Evaluator) evalExpr(src string, payload map[string]any) (any, error) {
	program, err := e.exprProgram(src)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(program, payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "evaluate expression %q: %v", src, err).WithCause(err)
	}
	return out, nil
}

func (e *Evaluator) exprProgram(src string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.vmCache[src]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile expression %q: %v", src, err).WithCause(err)
	}

	e.mu.Lock()
	e.vmCache[src] = program
	e.mu.Unlock()
	return program, nil
}

func compare(op schema.ConditionOperator, got, want any) (bool, error) {
	switch op {
	case schema.OpEqual:
		return equalValues(got, want), nil
	case schema.OpNotEqual:
		return !equalValues(got, want), nil
	case schema.OpContains:
		return containsValue(got, want), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition operator %q", op)
	}
}

// equalValues compares loosely across JSON number representations: payloads
// decoded from JSON carry float64 while literals may be int.
func equalValues(got, want any) bool {
	if gf, ok := toFloat(got); ok {
		if wf, ok := toFloat(want); ok {
			return gf == wf
		}
	}
	return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want) && (got == nil) == (want == nil)
}

func containsValue(got, want any) bool {
	switch g := got.(type) {
	case string:
		return strings.Contains(g, fmt.Sprintf("%v", want))
	case []any:
		for _, item := range g {
			if equalValues(item, want) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	default:
		return 0, false
	}
}
