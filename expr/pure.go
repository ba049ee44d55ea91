package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// The Pure backend renders the tree as a Legend-Pure-style functional
// expression rooted at a variable: field references become $var.field,
// conditionals become if(c, |t, |e), and coalesce chains through
// if(isEmpty(x), |rest, |x).

var pureOps = map[Op]string{
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/", OpMod: "%", OpPow: "^",
	OpGt: ">", OpLt: "<", OpGe: ">=", OpLe: "<=", OpEq: "==", OpNe: "!=",
	OpAnd: "&&", OpOr: "||",
}

var pureFuncs = map[string]string{
	"sqrt": "sqrt", "ceil": "ceiling", "floor": "floor", "round": "round",
	"log": "log", "exp": "exp", "min": "min", "max": "max",
}

func (e *ConstNode) Pure(string) (string, error) {
	switch v := e.Value.(type) {
	case nil:
		return "[]", nil
	case bool:
		if v {
			return "true", nil
		}
		return "false", nil
	case string:
		return "'" + strings.ReplaceAll(v, "'", `\'`) + "'", nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case int, int32, int64:
		return fmt.Sprintf("%d", v), nil
	}
	return "", fmt.Errorf("%w: cannot render %T as Pure literal",
		ErrTypeMismatch, e.Value)
}

func (e *FieldNode) Pure(root string) (string, error) {
	return root + "." + e.Name, nil
}

func (e *BinNode) Pure(root string) (string, error) {
	op, ok := pureOps[e.Op]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownOp, e.Op)
	}
	l, err := e.Left.Pure(root)
	if err != nil {
		return "", err
	}
	r, err := e.Right.Pure(root)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s %s %s)", l, op, r), nil
}

func (e *UnaryNode) Pure(root string) (string, error) {
	s, err := e.Operand.Pure(root)
	if err != nil {
		return "", err
	}
	switch e.Op {
	case OpNeg:
		return "(-" + s + ")", nil
	case OpAbs:
		return "abs(" + s + ")", nil
	case OpNot:
		return "!(" + s + ")", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOp, e.Op)
}

func (e *StrNode) Pure(root string) (string, error) {
	s, err := e.Operand.Pure(root)
	if err != nil {
		return "", err
	}
	switch e.Op {
	case OpLength:
		return "length(" + s + ")", nil
	case OpUpper:
		return "toUpper(" + s + ")", nil
	case OpLower:
		return "toLower(" + s + ")", nil
	}
	arg, err := e.Arg.Pure(root)
	if err != nil {
		return "", err
	}
	switch e.Op {
	case OpContains:
		return fmt.Sprintf("contains(%s, %s)", s, arg), nil
	case OpStartsWith:
		return fmt.Sprintf("startsWith(%s, %s)", s, arg), nil
	case OpConcat:
		return fmt.Sprintf("(%s + %s)", s, arg), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOp, e.Op)
}

func (e *IfNode) Pure(root string) (string, error) {
	c, err := e.Cond.Pure(root)
	if err != nil {
		return "", err
	}
	t, err := e.Then.Pure(root)
	if err != nil {
		return "", err
	}
	f, err := e.Else.Pure(root)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("if(%s, |%s, |%s)", c, t, f), nil
}

func (e *CoalesceNode) Pure(root string) (string, error) {
	switch len(e.Exprs) {
	case 0:
		return "[]", nil
	case 1:
		return e.Exprs[0].Pure(root)
	}
	first, err := e.Exprs[0].Pure(root)
	if err != nil {
		return "", err
	}
	rest, err := (&CoalesceNode{Exprs: e.Exprs[1:]}).Pure(root)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("if(isEmpty(%s), |%s, |%s)", first, rest, first), nil
}

func (e *IsNullNode) Pure(root string) (string, error) {
	s, err := e.Operand.Pure(root)
	if err != nil {
		return "", err
	}
	return "isEmpty(" + s + ")", nil
}

func (e *CallNode) Pure(root string) (string, error) {
	name, ok := pureFuncs[e.Name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFunc, e.Name)
	}
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		s, err := a.Pure(root)
		if err != nil {
			return "", err
		}
		args[i] = s
	}
	return name + "(" + strings.Join(args, ", ") + ")", nil
}
