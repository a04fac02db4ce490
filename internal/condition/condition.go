// Package condition evaluates the small expression language used by
// conditional edges and parameter rules. Expressions are parsed with
// govaluate and then checked against a token whitelist, so only literals,
// parameter names, arithmetic, comparisons and boolean logic are accepted.
package condition

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Knetic/govaluate"
)

var (
	// ErrForbiddenToken is returned when an expression uses a construct
	// outside the supported grammar (functions, regex, ternaries, bit ops).
	ErrForbiddenToken = errors.New("forbidden token in expression")

	// ErrNotBoolean is returned when a condition does not evaluate to a bool
	ErrNotBoolean = errors.New("expression did not evaluate to a boolean")

	// ErrEmpty is returned for blank expressions
	ErrEmpty = errors.New("empty expression")
)

// Error wraps parse and evaluation failures with the offending source.
type Error struct {
	Expr string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("condition %q: %v", e.Expr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var allowedKinds = map[govaluate.TokenKind]bool{
	govaluate.NUMERIC:      true,
	govaluate.BOOLEAN:      true,
	govaluate.STRING:       true,
	govaluate.VARIABLE:     true,
	govaluate.COMPARATOR:   true,
	govaluate.LOGICALOP:    true,
	govaluate.MODIFIER:     true,
	govaluate.PREFIX:       true,
	govaluate.CLAUSE:       true,
	govaluate.CLAUSE_CLOSE: true,
}

var allowedOperators = map[string]bool{
	"==": true, "!=": true, ">": true, ">=": true, "<": true, "<=": true,
	"&&": true, "||": true,
	"+": true, "-": true, "*": true, "/": true, "%": true,
	"!": true,
}

// Expression is a parsed, whitelisted expression.
type Expression struct {
	src  string
	expr *govaluate.EvaluableExpression
	vars []string
}

// Parse compiles src and rejects any token outside the supported grammar.
func Parse(src string) (*Expression, error) {
	if src == "" {
		return nil, &Error{Expr: src, Err: ErrEmpty}
	}

	expr, err := govaluate.NewEvaluableExpression(src)
	if err != nil {
		return nil, &Error{Expr: src, Err: err}
	}

	seen := make(map[string]bool)
	var vars []string
	for _, tok := range expr.Tokens() {
		if !allowedKinds[tok.Kind] {
			return nil, &Error{Expr: src, Err: fmt.Errorf("%w: %s", ErrForbiddenToken, tok.Kind)}
		}
		switch tok.Kind {
		case govaluate.COMPARATOR, govaluate.LOGICALOP, govaluate.MODIFIER, govaluate.PREFIX:
			op, _ := tok.Value.(string)
			if !allowedOperators[op] {
				return nil, &Error{Expr: src, Err: fmt.Errorf("%w: operator %q", ErrForbiddenToken, op)}
			}
		case govaluate.VARIABLE:
			name, _ := tok.Value.(string)
			if !seen[name] {
				seen[name] = true
				vars = append(vars, name)
			}
		}
	}
	sort.Strings(vars)

	return &Expression{src: src, expr: expr, vars: vars}, nil
}

// Check reports whether src is a valid expression.
func Check(src string) error {
	_, err := Parse(src)
	return err
}

// String returns the source text.
func (e *Expression) String() string {
	return e.src
}

// Vars returns the parameter names the expression references, sorted.
func (e *Expression) Vars() []string {
	return append([]string(nil), e.vars...)
}

// Evaluate runs the expression against params. Referenced names missing
// from params evaluate as nil.
func (e *Expression) Evaluate(params map[string]any) (any, error) {
	vars := make(map[string]interface{}, len(e.vars))
	for _, name := range e.vars {
		vars[name] = normalize(params[name])
	}

	out, err := e.expr.Evaluate(vars)
	if err != nil {
		return nil, &Error{Expr: e.src, Err: err}
	}
	return out, nil
}

// Bool evaluates the expression and requires a boolean result.
func (e *Expression) Bool(params map[string]any) (bool, error) {
	out, err := e.Evaluate(params)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, &Error{Expr: e.src, Err: fmt.Errorf("%w: got %T", ErrNotBoolean, out)}
	}
	return b, nil
}

// EvalBool parses and evaluates src in one step.
func EvalBool(src string, params map[string]any) (bool, error) {
	expr, err := Parse(src)
	if err != nil {
		return false, err
	}
	return expr.Bool(params)
}

// govaluate compares numbers as float64 only.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case uint:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return v
	}
}
