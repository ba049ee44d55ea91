package expr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Trees serialize to a structured, versioned JSON representation so that
// expressions can be persisted and inspected. Round-tripping reproduces an
// identical tree: integer constants stay integers, floats stay floats.

// FormatVersion is the current serialization format version.
const FormatVersion = 1

var ErrBadFormat = errors.New("bad expression format")

type envelope struct {
	V    int       `json:"v"`
	Expr *jsonNode `json:"expr"`
}

type jsonNode struct {
	Type string `json:"type"`

	Value   any             `json:"value,omitempty"`
	Name    string          `json:"name,omitempty"`
	Op      Op              `json:"op,omitempty"`
	Left    *jsonNode       `json:"left,omitempty"`
	Right   *jsonNode       `json:"right,omitempty"`
	Operand *jsonNode       `json:"operand,omitempty"`
	Arg     *jsonNode       `json:"arg,omitempty"`
	Cond    *jsonNode       `json:"condition,omitempty"`
	Then    *jsonNode       `json:"then,omitempty"`
	Else    *jsonNode       `json:"else,omitempty"`
	Exprs   []*jsonNode     `json:"exprs,omitempty"`
	Args    []*jsonNode     `json:"args,omitempty"`
}

// Marshal serializes e inside a versioned envelope.
func Marshal(e Expr) ([]byte, error) {
	n, err := encode(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{V: FormatVersion, Expr: n})
}

// Unmarshal restores an expression tree from data produced by Marshal.
func Unmarshal(data []byte) (Expr, error) {
	var env struct {
		V    int             `json:"v"`
		Expr json.RawMessage `json:"expr"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	if env.V != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadFormat, env.V)
	}
	if env.Expr == nil {
		return nil, fmt.Errorf("%w: missing expr", ErrBadFormat)
	}
	return decode(env.Expr)
}

func encode(e Expr) (*jsonNode, error) {
	switch n := e.(type) {
	case *ConstNode:
		return &jsonNode{Type: "Const", Value: n.Value}, nil
	case *FieldNode:
		return &jsonNode{Type: "Field", Name: n.Name}, nil
	case *BinNode:
		l, err := encode(n.Left)
		if err != nil {
			return nil, err
		}
		r, err := encode(n.Right)
		if err != nil {
			return nil, err
		}
		return &jsonNode{Type: "BinOp", Op: n.Op, Left: l, Right: r}, nil
	case *UnaryNode:
		o, err := encode(n.Operand)
		if err != nil {
			return nil, err
		}
		return &jsonNode{Type: "UnaryOp", Op: n.Op, Operand: o}, nil
	case *StrNode:
		o, err := encode(n.Operand)
		if err != nil {
			return nil, err
		}
		jn := &jsonNode{Type: "StrOp", Op: n.Op, Operand: o}
		if n.Arg != nil {
			a, err := encode(n.Arg)
			if err != nil {
				return nil, err
			}
			jn.Arg = a
		}
		return jn, nil
	case *IfNode:
		c, err := encode(n.Cond)
		if err != nil {
			return nil, err
		}
		t, err := encode(n.Then)
		if err != nil {
			return nil, err
		}
		f, err := encode(n.Else)
		if err != nil {
			return nil, err
		}
		return &jsonNode{Type: "If", Cond: c, Then: t, Else: f}, nil
	case *CoalesceNode:
		exprs := make([]*jsonNode, len(n.Exprs))
		for i, sub := range n.Exprs {
			jn, err := encode(sub)
			if err != nil {
				return nil, err
			}
			exprs[i] = jn
		}
		return &jsonNode{Type: "Coalesce", Exprs: exprs}, nil
	case *IsNullNode:
		o, err := encode(n.Operand)
		if err != nil {
			return nil, err
		}
		return &jsonNode{Type: "IsNull", Operand: o}, nil
	case *CallNode:
		args := make([]*jsonNode, len(n.Args))
		for i, a := range n.Args {
			jn, err := encode(a)
			if err != nil {
				return nil, err
			}
			args[i] = jn
		}
		return &jsonNode{Type: "Func", Name: n.Name, Args: args}, nil
	}
	return nil, fmt.Errorf("%w: unknown node %T", ErrBadFormat, e)
}

func decode(raw json.RawMessage) (Expr, error) {
	var n jsonNode
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}

	sub := func(field string, m json.RawMessage) (Expr, error) {
		if m == nil {
			return nil, fmt.Errorf("%w: %s node missing %s", ErrBadFormat, n.Type, field)
		}
		return decode(m)
	}

	// Re-extract child payloads as raw messages to preserve numeric types.
	var shell struct {
		Value   json.RawMessage   `json:"value"`
		Left    json.RawMessage   `json:"left"`
		Right   json.RawMessage   `json:"right"`
		Operand json.RawMessage   `json:"operand"`
		Arg     json.RawMessage   `json:"arg"`
		Cond    json.RawMessage   `json:"condition"`
		Then    json.RawMessage   `json:"then"`
		Else    json.RawMessage   `json:"else"`
		Exprs   []json.RawMessage `json:"exprs"`
		Args    []json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(raw, &shell); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}

	switch n.Type {
	case "Const":
		v, err := decodeValue(shell.Value)
		if err != nil {
			return nil, err
		}
		return &ConstNode{Value: v}, nil
	case "Field":
		if n.Name == "" {
			return nil, fmt.Errorf("%w: Field node missing name", ErrBadFormat)
		}
		return &FieldNode{Name: n.Name}, nil
	case "BinOp":
		l, err := sub("left", shell.Left)
		if err != nil {
			return nil, err
		}
		r, err := sub("right", shell.Right)
		if err != nil {
			return nil, err
		}
		return &BinNode{Op: n.Op, Left: l, Right: r}, nil
	case "UnaryOp":
		o, err := sub("operand", shell.Operand)
		if err != nil {
			return nil, err
		}
		return &UnaryNode{Op: n.Op, Operand: o}, nil
	case "StrOp":
		o, err := sub("operand", shell.Operand)
		if err != nil {
			return nil, err
		}
		node := &StrNode{Op: n.Op, Operand: o}
		if shell.Arg != nil {
			a, err := decode(shell.Arg)
			if err != nil {
				return nil, err
			}
			node.Arg = a
		}
		return node, nil
	case "If":
		c, err := sub("condition", shell.Cond)
		if err != nil {
			return nil, err
		}
		t, err := sub("then", shell.Then)
		if err != nil {
			return nil, err
		}
		f, err := sub("else", shell.Else)
		if err != nil {
			return nil, err
		}
		return &IfNode{Cond: c, Then: t, Else: f}, nil
	case "Coalesce":
		exprs := make([]Expr, len(shell.Exprs))
		for i, m := range shell.Exprs {
			e, err := decode(m)
			if err != nil {
				return nil, err
			}
			exprs[i] = e
		}
		return &CoalesceNode{Exprs: exprs}, nil
	case "IsNull":
		o, err := sub("operand", shell.Operand)
		if err != nil {
			return nil, err
		}
		return &IsNullNode{Operand: o}, nil
	case "Func":
		args := make([]Expr, len(shell.Args))
		for i, m := range shell.Args {
			a, err := decode(m)
			if err != nil {
				return nil, err
			}
			args[i] = a
		}
		return &CallNode{Name: n.Name, Args: args}, nil
	}
	return nil, fmt.Errorf("%w: unknown node type %q", ErrBadFormat, n.Type)
}

func decodeValue(raw json.RawMessage) (any, error) {
	if raw == nil {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	if num, ok := v.(json.Number); ok {
		if i, err := num.Int64(); err == nil {
			return i, nil
		}
		f, err := num.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrBadFormat, num)
		}
		return f, nil
	}
	return v, nil
}
