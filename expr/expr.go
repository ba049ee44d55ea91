// Package expr implements a typed, immutable expression tree with three
// independent backends: in-process evaluation (Eval), rendering as a
// PostgreSQL JSONB predicate (SQL) and rendering as a Legend-Pure-style
// functional expression (Pure). Building a tree never evaluates it; the
// three backends produce observably equivalent results for equivalent
// inputs.
package expr

import (
	"errors"
	"fmt"
)

var (
	ErrDivisionByZero  = errors.New("division by zero")
	ErrUnresolvedField = errors.New("unresolved field")
	ErrTypeMismatch    = errors.New("operand type mismatch")
	ErrUnknownOp       = errors.New("unknown operator")
	ErrUnknownFunc     = errors.New("unknown function")
)

// Op identifies a binary, unary or string operator.
type Op string

const (
	OpAdd Op = "+"
	OpSub Op = "-"
	OpMul Op = "*"
	OpDiv Op = "/"
	OpMod Op = "%"
	OpPow Op = "**"

	OpGt Op = ">"
	OpLt Op = "<"
	OpGe Op = ">="
	OpLe Op = "<="
	OpEq Op = "=="
	OpNe Op = "!="

	OpAnd Op = "and"
	OpOr  Op = "or"

	OpNeg Op = "neg"
	OpAbs Op = "abs"
	OpNot Op = "not"

	OpLength     Op = "length"
	OpUpper      Op = "upper"
	OpLower      Op = "lower"
	OpContains   Op = "contains"
	OpStartsWith Op = "starts_with"
	OpConcat     Op = "concat"
)

// Expr is an immutable expression tree node.
// Trees are pure data: constructors never evaluate anything.
type Expr interface {
	// Eval interprets the tree against a field-name→value context.
	Eval(ctx map[string]any) (any, error)
	// SQL renders the tree as a PostgreSQL expression over a JSONB column.
	SQL(col string) (string, error)
	// Pure renders the tree as a functional expression rooted at a variable.
	Pure(root string) (string, error)

	walk(fn func(Expr))
}

// ConstNode is a constant literal.
type ConstNode struct{ Value any }

// FieldNode references a field of the current object.
type FieldNode struct{ Name string }

// BinNode applies a binary arithmetic, comparison or logical operator.
type BinNode struct {
	Op          Op
	Left, Right Expr
}

// UnaryNode applies neg, abs or not.
type UnaryNode struct {
	Op      Op
	Operand Expr
}

// StrNode applies a string operator. Arg is nil for the unary ones
// (length, upper, lower).
type StrNode struct {
	Op      Op
	Operand Expr
	Arg     Expr
}

// IfNode evaluates Cond, then exactly one of Then or Else.
type IfNode struct{ Cond, Then, Else Expr }

// CoalesceNode returns the first argument that evaluates to non-null.
type CoalesceNode struct{ Exprs []Expr }

// IsNullNode tests whether its operand evaluates to null.
type IsNullNode struct{ Operand Expr }

// CallNode invokes a named function (sqrt, ceil, floor, round, log, exp,
// min, max) over its arguments.
type CallNode struct {
	Name string
	Args []Expr
}

// Constructors. Logical composition always builds tree nodes, never
// eagerly evaluates (the host-language and/or/not are deliberately not
// involved).

func Const(v any) Expr        { return &ConstNode{Value: v} }
func Field(name string) Expr  { return &FieldNode{Name: name} }
func Add(a, b Expr) Expr      { return &BinNode{Op: OpAdd, Left: a, Right: b} }
func Sub(a, b Expr) Expr      { return &BinNode{Op: OpSub, Left: a, Right: b} }
func Mul(a, b Expr) Expr      { return &BinNode{Op: OpMul, Left: a, Right: b} }
func Div(a, b Expr) Expr      { return &BinNode{Op: OpDiv, Left: a, Right: b} }
func Mod(a, b Expr) Expr      { return &BinNode{Op: OpMod, Left: a, Right: b} }
func Pow(a, b Expr) Expr      { return &BinNode{Op: OpPow, Left: a, Right: b} }
func Gt(a, b Expr) Expr       { return &BinNode{Op: OpGt, Left: a, Right: b} }
func Lt(a, b Expr) Expr       { return &BinNode{Op: OpLt, Left: a, Right: b} }
func Ge(a, b Expr) Expr       { return &BinNode{Op: OpGe, Left: a, Right: b} }
func Le(a, b Expr) Expr       { return &BinNode{Op: OpLe, Left: a, Right: b} }
func Eq(a, b Expr) Expr       { return &BinNode{Op: OpEq, Left: a, Right: b} }
func Ne(a, b Expr) Expr       { return &BinNode{Op: OpNe, Left: a, Right: b} }
func And(a, b Expr) Expr      { return &BinNode{Op: OpAnd, Left: a, Right: b} }
func Or(a, b Expr) Expr       { return &BinNode{Op: OpOr, Left: a, Right: b} }
func Neg(a Expr) Expr         { return &UnaryNode{Op: OpNeg, Operand: a} }
func Abs(a Expr) Expr         { return &UnaryNode{Op: OpAbs, Operand: a} }
func Not(a Expr) Expr         { return &UnaryNode{Op: OpNot, Operand: a} }
func If(c, t, e Expr) Expr    { return &IfNode{Cond: c, Then: t, Else: e} }
func Coalesce(e ...Expr) Expr { return &CoalesceNode{Exprs: e} }
func IsNull(a Expr) Expr      { return &IsNullNode{Operand: a} }

func Length(a Expr) Expr { return &StrNode{Op: OpLength, Operand: a} }
func Upper(a Expr) Expr  { return &StrNode{Op: OpUpper, Operand: a} }
func Lower(a Expr) Expr  { return &StrNode{Op: OpLower, Operand: a} }
func Contains(a, sub Expr) Expr {
	return &StrNode{Op: OpContains, Operand: a, Arg: sub}
}
func StartsWith(a, prefix Expr) Expr {
	return &StrNode{Op: OpStartsWith, Operand: a, Arg: prefix}
}
func Concat(a, b Expr) Expr {
	return &StrNode{Op: OpConcat, Operand: a, Arg: b}
}

// Call builds a named function call node. The name is validated at
// evaluation/render time, not at construction.
func Call(name string, args ...Expr) Expr {
	return &CallNode{Name: name, Args: args}
}

func Sqrt(a Expr) Expr    { return Call("sqrt", a) }
func Ceil(a Expr) Expr    { return Call("ceil", a) }
func Floor(a Expr) Expr   { return Call("floor", a) }
func Round(a Expr) Expr   { return Call("round", a) }
func Log(a Expr) Expr     { return Call("log", a) }
func Exp(a Expr) Expr     { return Call("exp", a) }
func Min(e ...Expr) Expr  { return Call("min", e...) }
func Max(e ...Expr) Expr  { return Call("max", e...) }

func (e *ConstNode) walk(fn func(Expr)) { fn(e) }
func (e *FieldNode) walk(fn func(Expr)) { fn(e) }
func (e *BinNode) walk(fn func(Expr)) {
	fn(e)
	e.Left.walk(fn)
	e.Right.walk(fn)
}
func (e *UnaryNode) walk(fn func(Expr)) {
	fn(e)
	e.Operand.walk(fn)
}
func (e *StrNode) walk(fn func(Expr)) {
	fn(e)
	e.Operand.walk(fn)
	if e.Arg != nil {
		e.Arg.walk(fn)
	}
}
func (e *IfNode) walk(fn func(Expr)) {
	fn(e)
	e.Cond.walk(fn)
	e.Then.walk(fn)
	e.Else.walk(fn)
}
func (e *CoalesceNode) walk(fn func(Expr)) {
	fn(e)
	for _, sub := range e.Exprs {
		sub.walk(fn)
	}
}
func (e *IsNullNode) walk(fn func(Expr)) {
	fn(e)
	e.Operand.walk(fn)
}
func (e *CallNode) walk(fn func(Expr)) {
	fn(e)
	for _, a := range e.Args {
		a.walk(fn)
	}
}

// Fields returns the set of field names the expression references.
func Fields(e Expr) map[string]struct{} {
	set := map[string]struct{}{}
	e.walk(func(n Expr) {
		if f, ok := n.(*FieldNode); ok {
			set[f.Name] = struct{}{}
		}
	})
	return set
}

// String renders the Pure form rooted at $row, for diagnostics.
func String(e Expr) string {
	s, err := e.Pure("$row")
	if err != nil {
		return fmt.Sprintf("<invalid expression: %v>", err)
	}
	return s
}
