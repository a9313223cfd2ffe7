package convert

import (
	"fmt"

	"github.com/Knetic/govaluate"
)

// Expression is a compiled boolean govaluate expression over a row's fields.
// It is safe for concurrent use.
type Expression struct {
	source string
	expr   *govaluate.EvaluableExpression
}

// CompileExpression parses source. Syntax errors are reported here so that
// misconfigured rules fail at startup.
func CompileExpression(source string) (*Expression, error) {
	expr, err := govaluate.NewEvaluableExpression(source)
	if err != nil {
		return nil, fmt.Errorf("invalid expression '%s': %w", source, err)
	}
	return &Expression{source: source, expr: expr}, nil
}

// String returns the expression text.
func (e *Expression) String() string {
	return e.source
}

// Vars returns the variable names the expression refers to.
func (e *Expression) Vars() []string {
	return e.expr.Vars()
}

// Eval evaluates the expression with params and requires a boolean result.
func (e *Expression) Eval(params map[string]interface{}) (bool, error) {
	result, err := e.expr.Evaluate(params)
	if err != nil {
		return false, fmt.Errorf("evaluating '%s': %w", e.source, err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression '%s' returned %T, want bool", e.source, result)
	}
	return b, nil
}
