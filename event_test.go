package provenant_test

import (
	"testing"

	"github.com/provenant/provenant"
	"github.com/provenant/provenant/catalog"
	"github.com/provenant/provenant/registry"

	"github.com/stretchr/testify/require"
)

func TestMustRegisterTypeIn(t *testing.T) {
	codec := provenant.NewTypeCodec(catalog.New())
	provenant.MustRegisterTypeIn[*Position](codec, "trading.Position")

	columns, err := codec.Columns("trading.Position")
	require.NoError(t, err)
	require.Equal(t,
		[]string{"symbol", "quantity", "avg_cost", "current_price"},
		columns)

	_, err = codec.Columns("trading.Unknown")
	require.ErrorIs(t, err, provenant.ErrNotRegistered)
}

func TestMustRegisterTypeInPanics(t *testing.T) {
	type UnknownColumn struct {
		provenant.Meta

		Frobnication float64 `json:"frobnication"`
	}
	type MissingTag struct {
		provenant.Meta

		Symbol string
	}
	type KindMismatch struct {
		provenant.Meta

		Quantity string `json:"quantity"` // quantity is an int column.
	}

	codec := provenant.NewTypeCodec(catalog.New())
	provenant.MustRegisterTypeIn[*Position](codec, "trading.Position")

	// Every field must name a governed column.
	require.Panics(t, func() {
		provenant.MustRegisterTypeIn[*UnknownColumn](codec, "x.UnknownColumn")
	})
	require.Panics(t, func() {
		provenant.MustRegisterTypeIn[*MissingTag](codec, "x.MissingTag")
	})
	require.Panics(t, func() {
		provenant.MustRegisterTypeIn[*KindMismatch](codec, "x.KindMismatch")
	})
	require.Panics(t, func() { // Duplicate name.
		provenant.MustRegisterTypeIn[*Position](codec, "trading.Position")
	})
	require.Panics(t, func() { // Empty name.
		provenant.MustRegisterTypeIn[*Position](codec, "")
	})
	require.Panics(t, func() { // Surrounding whitespace.
		provenant.MustRegisterTypeIn[*Position](codec, " trading.Position")
	})
}

func TestRegistrationClosedAtRuntime(t *testing.T) {
	s, _ := newTestStore(t)
	require.Panics(t, func() {
		provenant.MustRegisterTypeIn[*Order](s.Codec(), "x.LateOrder")
	})
}

func TestPrefixedColumns(t *testing.T) {
	// trader_name and limit_price resolve through allowed prefixes of
	// the base columns name and price.
	codec := provenant.NewTypeCodec(catalog.New())
	require.NotPanics(t, func() {
		provenant.MustRegisterTypeIn[*Order](codec, "trading.Order")
	})

	type BadPrefix struct {
		provenant.Meta

		Price float64 `json:"wholesale_price"`
	}
	require.Panics(t, func() {
		provenant.MustRegisterTypeIn[*BadPrefix](codec, "x.BadPrefix")
	})
}

func TestDecimalColumnResolution(t *testing.T) {
	// float64 fields satisfy decimal columns.
	r := registry.New()
	r.MustDefine(registry.ColumnDef{
		Name: "settlement_amount", Kind: registry.KindDecimal,
		Description: "Exact settlement amount",
		Role:        registry.RoleMeasure,
		Unit:        "USD",
	})

	type Settlement struct {
		provenant.Meta

		Amount float64 `json:"settlement_amount"`
	}
	codec := provenant.NewTypeCodec(r)
	require.NotPanics(t, func() {
		provenant.MustRegisterTypeIn[*Settlement](codec, "x.Settlement")
	})
}

func TestCodecValues(t *testing.T) {
	codec := provenant.NewTypeCodec(catalog.New())
	provenant.MustRegisterTypeIn[*Position](codec, "trading.Position")

	values, err := codec.Values(&Position{
		Symbol: "AAPL", Quantity: 100, AvgCost: 220.0, CurrentPrice: 230.0,
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"symbol":        "AAPL",
		"quantity":      int64(100),
		"avg_cost":      220.0,
		"current_price": 230.0,
	}, values)
}

func TestCodecSetValue(t *testing.T) {
	codec := provenant.NewTypeCodec(catalog.New())
	provenant.MustRegisterTypeIn[*Position](codec, "trading.Position")

	p := &Position{Symbol: "AAPL"}
	require.NoError(t, codec.SetValue(p, "current_price", 231.5))
	require.Equal(t, 231.5, p.CurrentPrice)

	// Numeric values convert to the field's Go type.
	require.NoError(t, codec.SetValue(p, "quantity", float64(50)))
	require.Equal(t, int64(50), p.Quantity)

	require.Error(t, codec.SetValue(p, "symbol", nil)) // Not nullable.
	require.Error(t, codec.SetValue(p, "quantity", "many"))
	require.Error(t, codec.SetValue(p, "no_such_column", 1))
}

func TestCodecJSONRoundTrip(t *testing.T) {
	codec := provenant.NewTypeCodec(catalog.New())
	provenant.MustRegisterTypeIn[*Position](codec, "trading.Position")

	in := &Position{
		Symbol: "AAPL", Quantity: 100, AvgCost: 220.0, CurrentPrice: 230.0,
	}
	payload, err := codec.EncodeJSON(in)
	require.NoError(t, err)

	out, err := codec.DecodeJSON("trading.Position", []byte(payload))
	require.NoError(t, err)
	require.Equal(t, in.Symbol, out.(*Position).Symbol)
	require.Equal(t, in.Quantity, out.(*Position).Quantity)
	require.Equal(t, in.CurrentPrice, out.(*Position).CurrentPrice)

	_, err = codec.DecodeJSON("trading.Unknown", []byte(payload))
	require.ErrorIs(t, err, provenant.ErrNotRegistered)
}
