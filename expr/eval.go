package expr

import (
	"fmt"
	"math"
	"strings"
)

// number is the evaluator's numeric representation. Integers stay integers
// until an operation forces promotion to float.
type number struct {
	i       int64
	f       float64
	isFloat bool
}

func (n number) float() float64 {
	if n.isFloat {
		return n.f
	}
	return float64(n.i)
}

func toNumber(v any) (number, bool) {
	switch x := v.(type) {
	case int:
		return number{i: int64(x)}, true
	case int32:
		return number{i: int64(x)}, true
	case int64:
		return number{i: x}, true
	case float32:
		return number{f: float64(x), isFloat: true}, true
	case float64:
		return number{f: x, isFloat: true}, true
	}
	return number{}, false
}

func (n number) value() any {
	if n.isFloat {
		return n.f
	}
	return n.i
}

func (e *ConstNode) Eval(map[string]any) (any, error) {
	// Normalize to the evaluator's canonical numeric types.
	if n, ok := toNumber(e.Value); ok {
		return n.value(), nil
	}
	return e.Value, nil
}

func (e *FieldNode) Eval(ctx map[string]any) (any, error) {
	v, ok := ctx[e.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnresolvedField, e.Name)
	}
	if n, ok := toNumber(v); ok {
		return n.value(), nil
	}
	return v, nil
}

func (e *BinNode) Eval(ctx map[string]any) (any, error) {
	l, err := e.Left.Eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := e.Right.Eval(ctx)
	if err != nil {
		return nil, err
	}

	switch e.Op {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow:
		ln, lok := toNumber(l)
		rn, rok := toNumber(r)
		if !lok || !rok {
			return nil, fmt.Errorf("%w: %s requires numeric operands, got %T and %T",
				ErrTypeMismatch, e.Op, l, r)
		}
		return evalArith(e.Op, ln, rn)

	case OpGt, OpLt, OpGe, OpLe:
		return evalOrdered(e.Op, l, r)

	case OpEq:
		return evalEqual(l, r)
	case OpNe:
		eq, err := evalEqual(l, r)
		if err != nil {
			return nil, err
		}
		return !eq.(bool), nil

	case OpAnd, OpOr:
		lb, lok := l.(bool)
		rb, rok := r.(bool)
		if !lok || !rok {
			return nil, fmt.Errorf("%w: %s requires boolean operands, got %T and %T",
				ErrTypeMismatch, e.Op, l, r)
		}
		if e.Op == OpAnd {
			return lb && rb, nil
		}
		return lb || rb, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOp, e.Op)
}

func evalArith(op Op, l, r number) (any, error) {
	switch op {
	case OpAdd:
		if !l.isFloat && !r.isFloat {
			return l.i + r.i, nil
		}
		return l.float() + r.float(), nil
	case OpSub:
		if !l.isFloat && !r.isFloat {
			return l.i - r.i, nil
		}
		return l.float() - r.float(), nil
	case OpMul:
		if !l.isFloat && !r.isFloat {
			return l.i * r.i, nil
		}
		return l.float() * r.float(), nil
	case OpDiv:
		// Division always promotes to float, like SQL float casts and Pure.
		if r.float() == 0 {
			return nil, ErrDivisionByZero
		}
		return l.float() / r.float(), nil
	case OpMod:
		if r.float() == 0 {
			return nil, ErrDivisionByZero
		}
		if !l.isFloat && !r.isFloat {
			return l.i % r.i, nil
		}
		return math.Mod(l.float(), r.float()), nil
	case OpPow:
		return math.Pow(l.float(), r.float()), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOp, op)
}

func evalOrdered(op Op, l, r any) (any, error) {
	if ln, ok := toNumber(l); ok {
		rn, ok := toNumber(r)
		if !ok {
			return nil, fmt.Errorf("%w: cannot compare %T with %T",
				ErrTypeMismatch, l, r)
		}
		lf, rf := ln.float(), rn.float()
		switch op {
		case OpGt:
			return lf > rf, nil
		case OpLt:
			return lf < rf, nil
		case OpGe:
			return lf >= rf, nil
		case OpLe:
			return lf <= rf, nil
		}
	}
	if ls, ok := l.(string); ok {
		rs, ok := r.(string)
		if !ok {
			return nil, fmt.Errorf("%w: cannot compare %T with %T",
				ErrTypeMismatch, l, r)
		}
		switch op {
		case OpGt:
			return ls > rs, nil
		case OpLt:
			return ls < rs, nil
		case OpGe:
			return ls >= rs, nil
		case OpLe:
			return ls <= rs, nil
		}
	}
	return nil, fmt.Errorf("%w: cannot order %T and %T", ErrTypeMismatch, l, r)
}

func evalEqual(l, r any) (any, error) {
	if l == nil || r == nil {
		return l == nil && r == nil, nil
	}
	if ln, ok := toNumber(l); ok {
		if rn, ok := toNumber(r); ok {
			return ln.float() == rn.float(), nil
		}
		return nil, fmt.Errorf("%w: cannot compare %T with %T", ErrTypeMismatch, l, r)
	}
	switch lv := l.(type) {
	case string:
		rv, ok := r.(string)
		if !ok {
			return nil, fmt.Errorf("%w: cannot compare %T with %T", ErrTypeMismatch, l, r)
		}
		return lv == rv, nil
	case bool:
		rv, ok := r.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: cannot compare %T with %T", ErrTypeMismatch, l, r)
		}
		return lv == rv, nil
	}
	return nil, fmt.Errorf("%w: cannot compare %T with %T", ErrTypeMismatch, l, r)
}

func (e *UnaryNode) Eval(ctx map[string]any) (any, error) {
	v, err := e.Operand.Eval(ctx)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case OpNeg:
		n, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("%w: neg requires a numeric operand, got %T",
				ErrTypeMismatch, v)
		}
		if n.isFloat {
			return -n.f, nil
		}
		return -n.i, nil
	case OpAbs:
		n, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("%w: abs requires a numeric operand, got %T",
				ErrTypeMismatch, v)
		}
		if n.isFloat {
			return math.Abs(n.f), nil
		}
		if n.i < 0 {
			return -n.i, nil
		}
		return n.i, nil
	case OpNot:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: not requires a boolean operand, got %T",
				ErrTypeMismatch, v)
		}
		return !b, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOp, e.Op)
}

func (e *StrNode) Eval(ctx map[string]any) (any, error) {
	v, err := e.Operand.Eval(ctx)
	if err != nil {
		return nil, err
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s operates on strings only, got %T",
			ErrTypeMismatch, e.Op, v)
	}
	switch e.Op {
	case OpLength:
		return int64(len(s)), nil
	case OpUpper:
		return strings.ToUpper(s), nil
	case OpLower:
		return strings.ToLower(s), nil
	}

	av, err := e.Arg.Eval(ctx)
	if err != nil {
		return nil, err
	}
	arg, ok := av.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s operates on strings only, got %T",
			ErrTypeMismatch, e.Op, av)
	}
	switch e.Op {
	case OpContains:
		return strings.Contains(s, arg), nil
	case OpStartsWith:
		return strings.HasPrefix(s, arg), nil
	case OpConcat:
		return s + arg, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOp, e.Op)
}

func (e *IfNode) Eval(ctx map[string]any) (any, error) {
	c, err := e.Cond.Eval(ctx)
	if err != nil {
		return nil, err
	}
	b, ok := c.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: if condition must be boolean, got %T",
			ErrTypeMismatch, c)
	}
	// Exactly one branch is evaluated.
	if b {
		return e.Then.Eval(ctx)
	}
	return e.Else.Eval(ctx)
}

func (e *CoalesceNode) Eval(ctx map[string]any) (any, error) {
	for _, sub := range e.Exprs {
		v, err := sub.Eval(ctx)
		if err != nil {
			return nil, err
		}
		if v != nil {
			return v, nil
		}
	}
	return nil, nil
}

func (e *IsNullNode) Eval(ctx map[string]any) (any, error) {
	v, err := e.Operand.Eval(ctx)
	if err != nil {
		return nil, err
	}
	return v == nil, nil
}

func (e *CallNode) Eval(ctx map[string]any) (any, error) {
	args := make([]any, len(e.Args))
	for i, a := range e.Args {
		v, err := a.Eval(ctx)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	unary := func(fn func(float64) float64) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: %s takes one argument, got %d",
				ErrTypeMismatch, e.Name, len(args))
		}
		n, ok := toNumber(args[0])
		if !ok {
			return nil, fmt.Errorf("%w: %s requires a numeric argument, got %T",
				ErrTypeMismatch, e.Name, args[0])
		}
		return fn(n.float()), nil
	}

	switch e.Name {
	case "sqrt":
		return unary(math.Sqrt)
	case "ceil":
		return unary(math.Ceil)
	case "floor":
		return unary(math.Floor)
	case "round":
		return unary(math.Round)
	case "log":
		return unary(math.Log)
	case "exp":
		return unary(math.Exp)
	case "min", "max":
		if len(args) == 0 {
			return nil, fmt.Errorf("%w: %s requires at least one argument",
				ErrTypeMismatch, e.Name)
		}
		best, ok := toNumber(args[0])
		if !ok {
			return nil, fmt.Errorf("%w: %s requires numeric arguments, got %T",
				ErrTypeMismatch, e.Name, args[0])
		}
		for _, a := range args[1:] {
			n, ok := toNumber(a)
			if !ok {
				return nil, fmt.Errorf("%w: %s requires numeric arguments, got %T",
					ErrTypeMismatch, e.Name, a)
			}
			if (e.Name == "min" && n.float() < best.float()) ||
				(e.Name == "max" && n.float() > best.float()) {
				best = n
			}
		}
		return best.value(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFunc, e.Name)
}
