// Package policyexpr implements the condition language used by dynamic
// policies and field policies. Conditions compile to a small tagged-variant
// AST evaluated against a flat attribute map, never to executed code, so
// evaluation cost stays bounded and every branch is auditable.
//
// Syntax (one line, case-sensitive attributes):
//
//	actor.department == "finance" and env.hour >= 9
//	actor.roles contains "auditor" or not (resource.kind == "payroll")
//	actor.region in ["eu", "uk"]
package policyexpr

import (
	"fmt"
	"strconv"
	"strings"
)

// Context is the attribute snapshot a condition is evaluated against.
// Values are strings, numbers (float64/int/int64), bools, or []string for
// multi-valued attributes such as actor.roles.
type Context map[string]interface{}

// EvalError reports a condition that failed to evaluate. Callers must treat
// it as deny (fail closed) and must not confuse it with a legitimate false.
type EvalError struct {
	Expr   string
	Reason string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("policy condition %q: %s", e.Expr, e.Reason)
}

// Expr is the tagged-variant AST node.
type Expr interface {
	Eval(ctx Context) (bool, error)
	String() string
}

// Cmp compares an attribute against a literal with one of
// == != < <= > >=.
type Cmp struct {
	Attr string
	Op   string
	Lit  Literal
}

// In tests attribute membership in a literal list.
type In struct {
	Attr string
	List []Literal
}

// Contains tests whether a multi-valued attribute contains a string.
type Contains struct {
	Attr string
	Item string
}

// And, Or, Not are the boolean combinators.
type And struct{ L, R Expr }
type Or struct{ L, R Expr }
type Not struct{ E Expr }

// Literal is either a string or a number.
type Literal struct {
	Str   string
	Num   float64
	IsNum bool
}

func (l Literal) String() string {
	if l.IsNum {
		return strconv.FormatFloat(l.Num, 'g', -1, 64)
	}
	return strconv.Quote(l.Str)
}

func (c *Cmp) String() string { return c.Attr + " " + c.Op + " " + c.Lit.String() }

func (i *In) String() string {
	parts := make([]string, 0, len(i.List))
	for _, l := range i.List {
		parts = append(parts, l.String())
	}
	return i.Attr + " in [" + strings.Join(parts, ", ") + "]"
}

func (c *Contains) String() string { return c.Attr + " contains " + strconv.Quote(c.Item) }
func (a *And) String() string      { return "(" + a.L.String() + " and " + a.R.String() + ")" }
func (o *Or) String() string       { return "(" + o.L.String() + " or " + o.R.String() + ")" }
func (n *Not) String() string      { return "not " + n.E.String() }

func (c *Cmp) Eval(ctx Context) (bool, error) {
	v, ok := ctx[c.Attr]
	if !ok {
		return false, &EvalError{Expr: c.String(), Reason: "unknown attribute " + c.Attr}
	}
	if c.Lit.IsNum {
		n, ok := toNumber(v)
		if !ok {
			return false, &EvalError{Expr: c.String(), Reason: "attribute is not numeric"}
		}
		switch c.Op {
		case "==":
			return n == c.Lit.Num, nil
		case "!=":
			return n != c.Lit.Num, nil
		case "<":
			return n < c.Lit.Num, nil
		case "<=":
			return n <= c.Lit.Num, nil
		case ">":
			return n > c.Lit.Num, nil
		case ">=":
			return n >= c.Lit.Num, nil
		}
		return false, &EvalError{Expr: c.String(), Reason: "unsupported operator " + c.Op}
	}
	s, ok := toString(v)
	if !ok {
		return false, &EvalError{Expr: c.String(), Reason: "attribute is not a string"}
	}
	switch c.Op {
	case "==":
		return s == c.Lit.Str, nil
	case "!=":
		return s != c.Lit.Str, nil
	}
	return false, &EvalError{Expr: c.String(), Reason: "operator " + c.Op + " needs a numeric literal"}
}

func (i *In) Eval(ctx Context) (bool, error) {
	v, ok := ctx[i.Attr]
	if !ok {
		return false, &EvalError{Expr: i.String(), Reason: "unknown attribute " + i.Attr}
	}
	for _, lit := range i.List {
		if lit.IsNum {
			if n, ok := toNumber(v); ok && n == lit.Num {
				return true, nil
			}
			continue
		}
		if s, ok := toString(v); ok && s == lit.Str {
			return true, nil
		}
	}
	return false, nil
}

func (c *Contains) Eval(ctx Context) (bool, error) {
	v, ok := ctx[c.Attr]
	if !ok {
		return false, &EvalError{Expr: c.String(), Reason: "unknown attribute " + c.Attr}
	}
	items, ok := v.([]string)
	if !ok {
		return false, &EvalError{Expr: c.String(), Reason: "attribute is not multi-valued"}
	}
	for _, it := range items {
		if it == c.Item {
			return true, nil
		}
	}
	return false, nil
}

func (a *And) Eval(ctx Context) (bool, error) {
	l, err := a.L.Eval(ctx)
	if err != nil {
		return false, err
	}
	if !l {
		return false, nil
	}
	return a.R.Eval(ctx)
}

func (o *Or) Eval(ctx Context) (bool, error) {
	l, err := o.L.Eval(ctx)
	if err != nil {
		return false, err
	}
	if l {
		return true, nil
	}
	return o.R.Eval(ctx)
}

func (n *Not) Eval(ctx Context) (bool, error) {
	v, err := n.E.Eval(ctx)
	if err != nil {
		return false, err
	}
	return !v, nil
}

func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func toString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
