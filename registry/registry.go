// Package registry implements the enforced schema catalog.
// Every column that may ever appear on a persistable type must be defined
// here before the type is registered. Validation happens at type
// registration, not at write time, so schema errors surface before any
// data reaches storage.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Err is the sentinel all registry failures wrap.
// Use errors.Is(err, registry.Err) to detect them.
var Err = errors.New("registry error")

// Kind is the declared value type of a column.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindTime
	KindDecimal
	KindStringList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindDecimal:
		return "decimal"
	case KindStringList:
		return "stringlist"
	}
	return "invalid"
}

// Role classifies a column for analytics purposes.
type Role string

const (
	RoleDimension Role = "dimension"
	RoleMeasure   Role = "measure"
	RoleAttribute Role = "attribute"
)

// ColumnDef is the canonical definition of a single column in the catalog.
type ColumnDef struct {
	// Core type.
	Name     string
	Kind     Kind
	Nullable bool
	Default  any

	// Constraints.
	Enum      []string
	MinValue  *float64
	MaxValue  *float64
	MaxLength int
	Pattern   string

	// Semantic metadata.
	Description  string
	Synonyms     []string
	SampleValues []string
	SemanticType string

	// Analytics.
	Role        Role
	Aggregation string // sum, avg, last, min, max, count, weighted_avg
	Unit        string // required for measures

	// Display.
	DisplayName string
	Format      string
	Category    string

	// Governance.
	Sensitivity string // public, internal, confidential, pii
	Deprecated  bool
	Tags        []string

	// AllowedPrefixes permit composite field names like "trader_name"
	// to reuse this column's contract under the prefix "trader".
	AllowedPrefixes []string

	pattern *regexp.Regexp
}

// Registry is the process-wide schema catalog. Build it once at bootstrap
// via Define calls, then pass it by reference to every component that needs
// schema resolution. Defined columns are immutable.
type Registry struct {
	lock    sync.RWMutex
	columns map[string]*ColumnDef
	types   map[string][]string // type name → field names, in registration order
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		columns: map[string]*ColumnDef{},
		types:   map[string][]string{},
	}
}

// Define registers def in the catalog.
// Fails if the column is already defined, if role or description is missing,
// if role is unknown, if a measure lacks a unit, or if the pattern constraint
// doesn't compile.
func (r *Registry) Define(def ColumnDef) (*ColumnDef, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.columns[def.Name]; ok {
		return nil, fmt.Errorf("%w: column %q is already defined", Err, def.Name)
	}
	if def.Kind == KindInvalid {
		return nil, fmt.Errorf("%w: column %q: kind is required", Err, def.Name)
	}
	switch def.Role {
	case RoleDimension, RoleMeasure, RoleAttribute:
	case "":
		return nil, fmt.Errorf(
			"%w: column %q: role is required (dimension, measure, or attribute)",
			Err, def.Name)
	default:
		return nil, fmt.Errorf(
			"%w: column %q: unknown role %q", Err, def.Name, def.Role)
	}
	if def.Description == "" {
		return nil, fmt.Errorf("%w: column %q: description is required", Err, def.Name)
	}
	if def.Role == RoleMeasure && def.Unit == "" {
		return nil, fmt.Errorf(
			"%w: column %q: measures require a unit (e.g. USD, shares, bps)",
			Err, def.Name)
	}
	if def.Pattern != "" {
		p, err := regexp.Compile(def.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q: bad pattern: %v", Err, def.Name, err)
		}
		def.pattern = p
	}

	d := def
	r.columns[def.Name] = &d
	return &d, nil
}

// MustDefine is like Define but panics on failure.
// Intended for bootstrap-time catalog construction.
func (r *Registry) MustDefine(def ColumnDef) *ColumnDef {
	d, err := r.Define(def)
	if err != nil {
		panic(err)
	}
	return d
}

// Get returns a column definition by exact name.
func (r *Registry) Get(name string) (*ColumnDef, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	def, ok := r.columns[name]
	if !ok {
		return nil, fmt.Errorf("%w: column %q is not defined", Err, name)
	}
	return def, nil
}

// Has reports whether a column is defined under exactly name.
func (r *Registry) Has(name string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, ok := r.columns[name]
	return ok
}

// Resolve maps a field name to its column definition.
// Resolution order: exact match first, then a prefix split at every
// underscore position, matching {prefix}_{base} where base is a defined
// column listing prefix among its allowed prefixes.
// The returned prefix is empty for direct matches.
func (r *Registry) Resolve(fieldName string) (def *ColumnDef, prefix string, err error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.resolveLocked(fieldName)
}

func (r *Registry) resolveLocked(fieldName string) (*ColumnDef, string, error) {
	if def, ok := r.columns[fieldName]; ok {
		return def, "", nil
	}
	parts := strings.Split(fieldName, "_")
	for i := 1; i < len(parts); i++ {
		prefix := strings.Join(parts[:i], "_")
		base := strings.Join(parts[i:], "_")
		def, ok := r.columns[base]
		if !ok {
			continue
		}
		for _, p := range def.AllowedPrefixes {
			if p == prefix {
				return def, prefix, nil
			}
		}
	}
	return nil, "", fmt.Errorf(
		"%w: column %q is not defined and does not match any "+
			"base column with an allowed prefix", Err, fieldName)
}

// IsPrefixed reports whether fieldName resolves through a prefix.
func (r *Registry) IsPrefixed(fieldName string) bool {
	_, prefix, err := r.Resolve(fieldName)
	return err == nil && prefix != ""
}

// PrefixedColumns lists every allowed prefixed variant of a base column.
func (r *Registry) PrefixedColumns(baseName string) ([]string, error) {
	def, err := r.Get(baseName)
	if err != nil {
		return nil, err
	}
	variants := make([]string, 0, len(def.AllowedPrefixes))
	for _, p := range def.AllowedPrefixes {
		variants = append(variants, p+"_"+baseName)
	}
	return variants, nil
}

// Columns returns a copy of all defined columns keyed by name.
func (r *Registry) Columns() map[string]*ColumnDef {
	r.lock.RLock()
	defer r.lock.RUnlock()
	m := make(map[string]*ColumnDef, len(r.columns))
	for k, v := range r.columns {
		m[k] = v
	}
	return m
}

// FieldDef describes one declared field of a persistable type.
type FieldDef struct {
	Name string
	Kind Kind
}

// ValidateFields is the type-registration-time gate: every declared field
// must resolve to a column and its declared kind must match the column's
// kind exactly. On success the type and its field set are recorded for
// introspection. Registering the same type name twice is an error.
func (r *Registry) ValidateFields(typeName string, fields []FieldDef) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.types[typeName]; ok {
		return fmt.Errorf("%w: type %q is already registered", Err, typeName)
	}
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		def, _, err := r.resolveLocked(f.Name)
		if err != nil {
			return fmt.Errorf("%w: %s.%s: column %q is not defined in the column registry",
				Err, typeName, f.Name, f.Name)
		}
		if f.Kind != def.Kind {
			return fmt.Errorf("%w: %s.%s: declared kind %s does not match "+
				"registry kind %s for column %q",
				Err, typeName, f.Name, f.Kind, def.Kind, def.Name)
		}
		names = append(names, f.Name)
	}
	r.types[typeName] = names
	return nil
}

// ValidateValues re-applies every constraint (nullability, enum, range,
// length, pattern) to live field values, independent of the
// registration-time shape check. Returns the full list of violations,
// empty when values is valid.
func (r *Registry) ValidateValues(values map[string]any) []error {
	r.lock.RLock()
	defer r.lock.RUnlock()

	var errs []error
	for name, value := range values {
		def, _, err := r.resolveLocked(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if value == nil {
			if !def.Nullable {
				errs = append(errs, fmt.Errorf(
					"%w: %s: null not allowed (column is not nullable)", Err, name))
			}
			continue
		}

		if len(def.Enum) > 0 {
			if s, ok := value.(string); ok && !contains(def.Enum, s) {
				errs = append(errs, fmt.Errorf(
					"%w: %s: value %q not in allowed values %v", Err, name, s, def.Enum))
			}
		}
		if n, ok := asFloat(value); ok {
			if def.MinValue != nil && n < *def.MinValue {
				errs = append(errs, fmt.Errorf(
					"%w: %s: value %v < min %v", Err, name, n, *def.MinValue))
			}
			if def.MaxValue != nil && n > *def.MaxValue {
				errs = append(errs, fmt.Errorf(
					"%w: %s: value %v > max %v", Err, name, n, *def.MaxValue))
			}
		}
		if s, ok := value.(string); ok {
			if def.MaxLength > 0 && len(s) > def.MaxLength {
				errs = append(errs, fmt.Errorf(
					"%w: %s: length %d > max length %d", Err, name, len(s), def.MaxLength))
			}
			// Empty strings are exempt from pattern checks.
			if def.pattern != nil && s != "" && !def.pattern.MatchString(s) {
				errs = append(errs, fmt.Errorf(
					"%w: %s: value %q does not match pattern %q",
					Err, name, s, def.Pattern))
			}
		}
	}
	return errs
}

// Types returns the names of all registered persistable types.
func (r *Registry) Types() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	names := make([]string, 0, len(r.types))
	for t := range r.types {
		names = append(names, t)
	}
	return names
}

// ColumnsFor returns the resolved column definitions for every field of a
// registered type, in field declaration order. Nil if the type is unknown.
func (r *Registry) ColumnsFor(typeName string) []*ColumnDef {
	r.lock.RLock()
	defer r.lock.RUnlock()
	fields, ok := r.types[typeName]
	if !ok {
		return nil
	}
	defs := make([]*ColumnDef, 0, len(fields))
	for _, f := range fields {
		def, _, err := r.resolveLocked(f)
		if err != nil {
			continue // Unreachable for validated types.
		}
		defs = append(defs, def)
	}
	return defs
}

// TypesWith returns all registered type names that use the given column,
// either directly or through a prefixed variant.
func (r *Registry) TypesWith(columnName string) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	var result []string
	for typeName, fields := range r.types {
		for _, f := range fields {
			def, _, err := r.resolveLocked(f)
			if err == nil && def.Name == columnName {
				result = append(result, typeName)
				break
			}
		}
	}
	return result
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Float is a convenience for constraint bounds.
func Float(v float64) *float64 { return &v }
