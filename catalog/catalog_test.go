package catalog_test

import (
	"testing"

	"github.com/provenant/provenant/catalog"
	"github.com/provenant/provenant/registry"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	r := catalog.New()

	// Spot-check one column per category.
	for name, kind := range map[string]registry.Kind{
		"name":          registry.KindString,
		"symbol":        registry.KindString,
		"side":          registry.KindString,
		"quantity":      registry.KindInt,
		"price":         registry.KindFloat,
		"avg_cost":      registry.KindFloat,
		"current_price": registry.KindFloat,
		"strength":      registry.KindFloat,
		"tags":          registry.KindStringList,
	} {
		def, err := r.Get(name)
		require.NoError(t, err, name)
		require.Equal(t, kind, def.Kind, name)
		require.NotEmpty(t, def.Description, name)
	}
}

func TestMeasuresCarryUnits(t *testing.T) {
	for name, def := range catalog.New().Columns() {
		if def.Role == registry.RoleMeasure {
			require.NotEmpty(t, def.Unit, "measure %q has no unit", name)
		}
	}
}

func TestConstraints(t *testing.T) {
	r := catalog.New()

	require.Empty(t, r.ValidateValues(map[string]any{
		"symbol": "BRK.B",
		"side":   "SELL",
	}))
	require.NotEmpty(t, r.ValidateValues(map[string]any{"symbol": "brk.b"}))
	require.NotEmpty(t, r.ValidateValues(map[string]any{"side": "HOLD"}))
	require.NotEmpty(t, r.ValidateValues(map[string]any{"strength": 1.5}))
}

func TestPrefixes(t *testing.T) {
	r := catalog.New()

	for _, field := range []string{
		"trader_name", "client_name", "limit_price", "stop_price",
		"realized_pnl", "unrealized_pnl",
	} {
		_, _, err := r.Resolve(field)
		require.NoError(t, err, field)
	}
	_, _, err := r.Resolve("wholesale_price")
	require.Error(t, err)
}

func TestSensitiveColumnsAreMarked(t *testing.T) {
	def, err := catalog.New().Get("name")
	require.NoError(t, err)
	require.Equal(t, "pii", def.Sensitivity)
}
