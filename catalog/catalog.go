// Package catalog provides a ready-made column catalog for trading and
// finance entities. Call Bootstrap once at startup to populate a registry,
// or New for a registry that already carries the full catalog.
package catalog

import "github.com/provenant/provenant/registry"

// New returns a registry populated with the full default catalog.
func New() *registry.Registry {
	r := registry.New()
	Bootstrap(r)
	return r
}

// Bootstrap defines the general, trading and finance columns in r.
// Panics if any column is already defined, so call it exactly once
// per registry at bootstrap.
func Bootstrap(r *registry.Registry) {
	general(r)
	trading(r)
	finance(r)
}

func general(r *registry.Registry) {
	r.MustDefine(registry.ColumnDef{
		Name: "name", Kind: registry.KindString,
		Description:  "Entity or person name",
		SemanticType: "person_name",
		Role:         registry.RoleDimension,
		Synonyms:     []string{"person", "individual"},
		Sensitivity:  "pii",
		AllowedPrefixes: []string{
			"trader", "salesperson", "client", "approver", "model",
		},
	})
	r.MustDefine(registry.ColumnDef{
		Name: "label", Kind: registry.KindString,
		Description:  "Short descriptive label",
		SemanticType: "label",
		Role:         registry.RoleDimension,
		Synonyms:     []string{"tag", "descriptor"},
	})
	r.MustDefine(registry.ColumnDef{
		Name: "status", Kind: registry.KindString,
		Description:  "Current status label",
		SemanticType: "label",
		Role:         registry.RoleDimension,
		DisplayName:  "Status",
	})
	r.MustDefine(registry.ColumnDef{
		Name: "notes", Kind: registry.KindString,
		Description:  "Free text notes or comments",
		SemanticType: "free_text",
		Role:         registry.RoleAttribute,
		Nullable:     true,
	})
	r.MustDefine(registry.ColumnDef{
		Name: "tags", Kind: registry.KindStringList,
		Description:  "Classification tags",
		SemanticType: "label",
		Role:         registry.RoleAttribute,
		Nullable:     true,
	})
	r.MustDefine(registry.ColumnDef{
		Name: "amount", Kind: registry.KindFloat,
		Description:  "Monetary amount",
		SemanticType: "currency_amount",
		Role:         registry.RoleMeasure,
		Unit:         "USD",
		DisplayName:  "Amount",
	})
	r.MustDefine(registry.ColumnDef{
		Name: "weight", Kind: registry.KindFloat,
		Description:  "Weight measurement",
		SemanticType: "count",
		Role:         registry.RoleMeasure,
		Unit:         "units",
		DisplayName:  "Weight",
	})
}

func trading(r *registry.Registry) {
	r.MustDefine(registry.ColumnDef{
		Name: "symbol", Kind: registry.KindString,
		Description:  "Financial instrument ticker symbol",
		SemanticType: "identifier",
		Role:         registry.RoleDimension,
		Synonyms:     []string{"ticker", "instrument", "security"},
		SampleValues: []string{"AAPL", "GOOGL", "MSFT", "TSLA"},
		MaxLength:    12,
		Pattern:      `^[A-Z0-9./]+$`,
		Sensitivity:  "public",
		DisplayName:  "Symbol",
		Category:     "trading",
	})
	r.MustDefine(registry.ColumnDef{
		Name: "side", Kind: registry.KindString,
		Description:  "Trade direction",
		SemanticType: "label",
		Role:         registry.RoleDimension,
		Enum:         []string{"BUY", "SELL"},
		DisplayName:  "Side",
		Category:     "trading",
	})
	r.MustDefine(registry.ColumnDef{
		Name: "direction", Kind: registry.KindString,
		Description:  "Signal direction",
		SemanticType: "label",
		Role:         registry.RoleDimension,
		Enum:         []string{"LONG", "SHORT"},
		DisplayName:  "Direction",
		Category:     "signals",
	})
	r.MustDefine(registry.ColumnDef{
		Name: "order_type", Kind: registry.KindString,
		Description:  "Order execution type",
		SemanticType: "label",
		Role:         registry.RoleDimension,
		Enum:         []string{"LIMIT", "MARKET", "STOP"},
		DisplayName:  "Order Type",
		Category:     "trading",
	})
	r.MustDefine(registry.ColumnDef{
		Name: "option_type", Kind: registry.KindString,
		Description:  "Option contract type",
		SemanticType: "label",
		Role:         registry.RoleDimension,
		Enum:         []string{"CALL", "PUT"},
		DisplayName:  "Option Type",
		Category:     "trading",
	})
	r.MustDefine(registry.ColumnDef{
		Name: "timestamp", Kind: registry.KindString,
		Description:  "Event timestamp as recorded by the source system",
		SemanticType: "timestamp",
		Role:         registry.RoleAttribute,
		Nullable:     true,
		Category:     "trading",
	})
	r.MustDefine(registry.ColumnDef{
		Name: "price", Kind: registry.KindFloat,
		Description:  "Execution or quote price per unit",
		SemanticType: "currency_amount",
		Role:         registry.RoleMeasure,
		Unit:         "USD",
		MinValue:     registry.Float(0),
		Aggregation:  "last",
		DisplayName:  "Price",
		Category:     "trading",
		AllowedPrefixes: []string{
			"limit", "stop", "fill", "open", "close",
		},
	})
	r.MustDefine(registry.ColumnDef{
		Name: "quantity", Kind: registry.KindInt,
		Description:  "Number of units traded or ordered",
		SemanticType: "count",
		Role:         registry.RoleMeasure,
		Unit:         "shares",
		Aggregation:  "sum",
		DisplayName:  "Quantity",
		Category:     "trading",
	})
	r.MustDefine(registry.ColumnDef{
		Name: "pnl", Kind: registry.KindFloat,
		Description:  "Profit and loss",
		SemanticType: "currency_amount",
		Role:         registry.RoleMeasure,
		Unit:         "USD",
		Aggregation:  "sum",
		DisplayName:  "PnL",
		Category:     "trading",
		AllowedPrefixes: []string{
			"realized", "unrealized", "daily",
		},
	})
	r.MustDefine(registry.ColumnDef{
		Name: "strength", Kind: registry.KindFloat,
		Description:  "Signal strength between 0 and 1",
		SemanticType: "score",
		Role:         registry.RoleMeasure,
		Unit:         "ratio",
		MinValue:     registry.Float(0),
		MaxValue:     registry.Float(1),
		Category:     "signals",
	})
}

func finance(r *registry.Registry) {
	measure := func(name, description, unit string) registry.ColumnDef {
		return registry.ColumnDef{
			Name: name, Kind: registry.KindFloat,
			Description: description,
			Role:        registry.RoleMeasure,
			Unit:        unit,
			Category:    "finance",
		}
	}
	r.MustDefine(measure("bid", "Best bid price", "USD"))
	r.MustDefine(measure("ask", "Best ask price", "USD"))
	r.MustDefine(measure("last", "Last traded price", "USD"))
	r.MustDefine(registry.ColumnDef{
		Name: "volume", Kind: registry.KindInt,
		Description: "Traded volume",
		Role:        registry.RoleMeasure,
		Unit:        "shares",
		Aggregation: "sum",
		Category:    "finance",
	})
	r.MustDefine(measure("rate", "Generic rate", "ratio"))
	r.MustDefine(measure("avg_cost", "Average cost basis per unit", "USD"))
	r.MustDefine(measure("current_price", "Current market price", "USD"))
	r.MustDefine(measure("underlying_price", "Underlying instrument price", "USD"))
	r.MustDefine(measure("strike", "Option strike price", "USD"))
	r.MustDefine(measure("time_to_expiry", "Time to option expiry", "years"))
	r.MustDefine(measure("volatility", "Annualized volatility", "ratio"))
	r.MustDefine(measure("risk_free_rate", "Risk free interest rate", "ratio"))
	r.MustDefine(measure("notional", "Notional value", "USD"))
	r.MustDefine(registry.ColumnDef{
		Name: "isin", Kind: registry.KindString,
		Description: "International securities identification number",
		Role:        registry.RoleDimension,
		Pattern:     `^[A-Z]{2}[A-Z0-9]{9}[0-9]$`,
		MaxLength:   12,
		Category:    "finance",
	})
	r.MustDefine(registry.ColumnDef{
		Name: "pair", Kind: registry.KindString,
		Description: "Currency pair",
		Role:        registry.RoleDimension,
		Pattern:     `^[A-Z]{3}/[A-Z]{3}$`,
		Category:    "finance",
	})
}
