package expr_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/provenant/provenant/expr"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

// pnl is the canonical computed-measure example used throughout.
func pnl() expr.Expr {
	return expr.Mul(
		expr.Sub(expr.Field("current_price"), expr.Field("avg_cost")),
		expr.Field("quantity"))
}

func TestEval(t *testing.T) {
	ctx := map[string]any{
		"current_price": 236.5,
		"avg_cost":      220.0,
		"quantity":      int64(100),
		"symbol":        "AAPL",
		"side":          "BUY",
		"notes":         nil,
	}

	for _, tt := range []struct {
		name string
		e    expr.Expr
		want any
	}{
		{"pnl", pnl(), 1650.0},
		{"int arithmetic stays int",
			expr.Add(expr.Const(int64(2)), expr.Const(int64(3))), int64(5)},
		{"mixed arithmetic promotes to float",
			expr.Add(expr.Const(int64(2)), expr.Const(0.5)), 2.5},
		{"division always promotes",
			expr.Div(expr.Const(int64(5)), expr.Const(int64(2))), 2.5},
		{"modulo", expr.Mod(expr.Const(int64(7)), expr.Const(int64(3))), int64(1)},
		{"power", expr.Pow(expr.Const(int64(2)), expr.Const(int64(10))), 1024.0},
		{"comparison", expr.Gt(expr.Field("quantity"), expr.Const(50)), true},
		{"numeric equality across types",
			expr.Eq(expr.Const(int64(3)), expr.Const(3.0)), true},
		{"string comparison", expr.Lt(expr.Const("a"), expr.Const("b")), true},
		{"logic", expr.And(
			expr.Gt(expr.Field("quantity"), expr.Const(0)),
			expr.Eq(expr.Field("side"), expr.Const("BUY"))), true},
		{"not", expr.Not(expr.Const(false)), true},
		{"neg", expr.Neg(expr.Field("quantity")), int64(-100)},
		{"abs", expr.Abs(expr.Const(-1.5)), 1.5},
		{"string ops", expr.StartsWith(
			expr.Lower(expr.Field("symbol")), expr.Const("aa")), true},
		{"length", expr.Length(expr.Field("symbol")), int64(4)},
		{"concat", expr.Concat(expr.Field("symbol"), expr.Const("!")), "AAPL!"},
		{"contains", expr.Contains(expr.Field("symbol"), expr.Const("AP")), true},
		{"if", expr.If(
			expr.Ge(expr.Field("quantity"), expr.Const(100)),
			expr.Const("large"), expr.Const("small")), "large"},
		{"coalesce skips nulls", expr.Coalesce(
			expr.Field("notes"), expr.Const("n/a")), "n/a"},
		{"is null", expr.IsNull(expr.Field("notes")), true},
		{"is null on value", expr.IsNull(expr.Field("symbol")), false},
		{"sqrt", expr.Sqrt(expr.Const(9.0)), 3.0},
		{"round", expr.Round(expr.Const(2.5)), 3.0},
		{"min keeps int", expr.Min(
			expr.Const(int64(3)), expr.Const(int64(1)), expr.Const(int64(2))),
			int64(1)},
		{"max", expr.Max(expr.Field("quantity"), expr.Const(int64(50))), int64(100)},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.e.Eval(ctx)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestEvalErrors(t *testing.T) {
	ctx := map[string]any{"quantity": int64(1), "symbol": "AAPL"}

	_, err := expr.Div(expr.Const(1), expr.Const(0)).Eval(ctx)
	require.ErrorIs(t, err, expr.ErrDivisionByZero)

	_, err = expr.Mod(expr.Const(1), expr.Const(0)).Eval(ctx)
	require.ErrorIs(t, err, expr.ErrDivisionByZero)

	_, err = expr.Field("missing").Eval(ctx)
	require.ErrorIs(t, err, expr.ErrUnresolvedField)

	_, err = expr.Add(expr.Field("symbol"), expr.Const(1)).Eval(ctx)
	require.ErrorIs(t, err, expr.ErrTypeMismatch)

	_, err = expr.And(expr.Const(1), expr.Const(true)).Eval(ctx)
	require.ErrorIs(t, err, expr.ErrTypeMismatch)

	_, err = expr.Call("median", expr.Const(1)).Eval(ctx)
	require.ErrorIs(t, err, expr.ErrUnknownFunc)
}

func TestEvalIfSingleBranch(t *testing.T) {
	// The untaken branch must never evaluate: the else branch divides
	// by zero and the condition is true.
	e := expr.If(
		expr.Const(true),
		expr.Const(int64(1)),
		expr.Div(expr.Const(1), expr.Const(0)))
	got, err := e.Eval(nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), got)
}

func TestFields(t *testing.T) {
	fields := expr.Fields(pnl())
	require.Equal(t, map[string]struct{}{
		"current_price": {},
		"avg_cost":      {},
		"quantity":      {},
	}, fields)

	require.Empty(t, expr.Fields(expr.Const(1)))
}

func TestJSONRoundTrip(t *testing.T) {
	ctx := map[string]any{
		"current_price": 236.5,
		"avg_cost":      220.0,
		"quantity":      int64(100),
		"symbol":        "AAPL",
		"notes":         nil,
	}

	for _, e := range []expr.Expr{
		pnl(),
		expr.If(
			expr.Gt(expr.Field("quantity"), expr.Const(50)),
			expr.Const("large"), expr.Const("small")),
		expr.Coalesce(expr.Field("notes"), expr.Const("n/a")),
		expr.Not(expr.IsNull(expr.Field("notes"))),
		expr.StartsWith(expr.Upper(expr.Field("symbol")), expr.Const("A")),
		expr.Round(expr.Div(expr.Field("current_price"), expr.Const(int64(10)))),
	} {
		data, err := expr.Marshal(e)
		require.NoError(t, err)
		decoded, err := expr.Unmarshal(data)
		require.NoError(t, err)

		// The decoded tree is observably equivalent to the original
		// under all three backends.
		wantSQL, err := e.SQL("payload")
		require.NoError(t, err)
		gotSQL, err := decoded.SQL("payload")
		require.NoError(t, err)
		require.Equal(t, wantSQL, gotSQL)

		wantPure, err := e.Pure("$row")
		require.NoError(t, err)
		gotPure, err := decoded.Pure("$row")
		require.NoError(t, err)
		require.Equal(t, wantPure, gotPure)

		want, wantErr := e.Eval(ctx)
		got, gotErr := decoded.Eval(ctx)
		require.Equal(t, wantErr, gotErr)
		require.Equal(t, want, got)
	}
}

func TestRenderGolden(t *testing.T) {
	exprs := []struct {
		name string
		e    expr.Expr
	}{
		{"pnl", pnl()},
		{"guard", expr.And(
			expr.Gt(expr.Field("quantity"), expr.Const(int64(0))),
			expr.Eq(expr.Field("side"), expr.Const("BUY")))},
		{"conditional", expr.If(
			expr.Ge(expr.Field("strength"), expr.Const(0.5)),
			expr.Const("LONG"), expr.Const("SHORT"))},
		{"coalesce", expr.Coalesce(expr.Field("notes"), expr.Const("n/a"))},
		{"rounding", expr.Round(
			expr.Div(expr.Field("pnl"), expr.Const(int64(100))))},
		{"prefix_match", expr.StartsWith(
			expr.Upper(expr.Field("symbol")), expr.Const("A"))},
		{"not_null", expr.Not(expr.IsNull(expr.Field("notes")))},
		{"spread", expr.Max(expr.Field("bid"), expr.Field("ask"))},
	}

	var b bytes.Buffer
	for _, x := range exprs {
		sql, err := x.e.SQL("payload")
		require.NoError(t, err)
		pure, err := x.e.Pure("$row")
		require.NoError(t, err)
		fmt.Fprintf(&b, "-- %s\nSQL:  %s\nPure: %s\n\n", x.name, sql, pure)
	}

	g := goldie.New(t)
	g.Assert(t, "renders", b.Bytes())
}
