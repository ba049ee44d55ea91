package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// The SQL backend targets PostgreSQL with field values stored in a JSONB
// column. Field references render as text extraction (col->>'name') and
// get an explicit ::float cast wherever the operator implies a numeric
// context, since ->> always yields text.

var sqlOps = map[Op]string{
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/", OpMod: "%", OpPow: "^",
	OpGt: ">", OpLt: "<", OpGe: ">=", OpLe: "<=", OpEq: "=", OpNe: "!=",
	OpAnd: "AND", OpOr: "OR",
}

var sqlFuncs = map[string]string{
	"sqrt": "SQRT", "ceil": "CEIL", "floor": "FLOOR", "round": "ROUND",
	"log": "LN", "exp": "EXP", "min": "LEAST", "max": "GREATEST",
}

func (e *ConstNode) SQL(string) (string, error) {
	switch v := e.Value.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if v {
			return "TRUE", nil
		}
		return "FALSE", nil
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'", nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case int, int32, int64:
		return fmt.Sprintf("%d", v), nil
	}
	return "", fmt.Errorf("%w: cannot render %T as SQL literal",
		ErrTypeMismatch, e.Value)
}

func (e *FieldNode) SQL(col string) (string, error) {
	return fmt.Sprintf("(%s->>'%s')", col, e.Name), nil
}

// numericSQL renders an operand in a numeric context, casting JSONB text
// extraction to float.
func numericSQL(e Expr, col string) (string, error) {
	if f, ok := e.(*FieldNode); ok {
		return fmt.Sprintf("(%s->>'%s')::float", col, f.Name), nil
	}
	return e.SQL(col)
}

func (e *BinNode) SQL(col string) (string, error) {
	op, ok := sqlOps[e.Op]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownOp, e.Op)
	}
	var l, r string
	var err error
	switch e.Op {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow, OpGt, OpLt, OpGe, OpLe:
		if l, err = numericSQL(e.Left, col); err != nil {
			return "", err
		}
		if r, err = numericSQL(e.Right, col); err != nil {
			return "", err
		}
	default:
		if l, err = e.Left.SQL(col); err != nil {
			return "", err
		}
		if r, err = e.Right.SQL(col); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("(%s %s %s)", l, op, r), nil
}

func (e *UnaryNode) SQL(col string) (string, error) {
	switch e.Op {
	case OpNeg:
		s, err := numericSQL(e.Operand, col)
		if err != nil {
			return "", err
		}
		return "(-" + s + ")", nil
	case OpAbs:
		s, err := numericSQL(e.Operand, col)
		if err != nil {
			return "", err
		}
		return "ABS(" + s + ")", nil
	case OpNot:
		s, err := e.Operand.SQL(col)
		if err != nil {
			return "", err
		}
		return "NOT (" + s + ")", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOp, e.Op)
}

func (e *StrNode) SQL(col string) (string, error) {
	s, err := e.Operand.SQL(col)
	if err != nil {
		return "", err
	}
	switch e.Op {
	case OpLength:
		return "LENGTH(" + s + ")", nil
	case OpUpper:
		return "UPPER(" + s + ")", nil
	case OpLower:
		return "LOWER(" + s + ")", nil
	}
	arg, err := e.Arg.SQL(col)
	if err != nil {
		return "", err
	}
	switch e.Op {
	case OpContains:
		return fmt.Sprintf("(%s LIKE '%%' || %s || '%%')", s, arg), nil
	case OpStartsWith:
		return fmt.Sprintf("(%s LIKE %s || '%%')", s, arg), nil
	case OpConcat:
		return fmt.Sprintf("(%s || %s)", s, arg), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOp, e.Op)
}

func (e *IfNode) SQL(col string) (string, error) {
	c, err := e.Cond.SQL(col)
	if err != nil {
		return "", err
	}
	t, err := e.Then.SQL(col)
	if err != nil {
		return "", err
	}
	f, err := e.Else.SQL(col)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("CASE WHEN %s THEN %s ELSE %s END", c, t, f), nil
}

func (e *CoalesceNode) SQL(col string) (string, error) {
	parts := make([]string, len(e.Exprs))
	for i, sub := range e.Exprs {
		s, err := sub.SQL(col)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return "COALESCE(" + strings.Join(parts, ", ") + ")", nil
}

func (e *IsNullNode) SQL(col string) (string, error) {
	s, err := e.Operand.SQL(col)
	if err != nil {
		return "", err
	}
	return "(" + s + " IS NULL)", nil
}

func (e *CallNode) SQL(col string) (string, error) {
	name, ok := sqlFuncs[e.Name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFunc, e.Name)
	}
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		s, err := numericSQL(a, col)
		if err != nil {
			return "", err
		}
		args[i] = s
	}
	return name + "(" + strings.Join(args, ", ") + ")", nil
}
