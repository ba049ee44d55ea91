package provenant

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/provenant/provenant/registry"
)

type noimpl struct{}

// Storable is any persistable domain record type.
// A storable type embeds Meta and registers itself in a TypeCodec:
//
//	type Order struct {
//		provenant.Meta
//
//		Symbol   string  `json:"symbol"`
//		Quantity int64   `json:"quantity"`
//		Price    float64 `json:"limit_price"`
//	}
//
//	provenant.MustRegisterTypeIn[*Order](codec, "trading.Order")
//
// Every exported field must carry a json tag naming a registered column.
// Registration fails immediately when a field doesn't resolve in the
// column registry or its Go type doesn't match the column's kind,
// so schema errors surface before any data is persisted.
type Storable interface {
	// This prevents anything but Meta embedders implementing this interface.
	noimpl() noimpl

	meta() *Meta

	// EntityID returns the stable identity assigned at first write.
	EntityID() string

	// TypeName returns the registered type name.
	TypeName() string

	// Version returns the per-entity version this object was read at.
	Version() int64

	// EventType returns the type of the event this object was read from.
	EventType() string

	// TxTime returns the system time the event was recorded at.
	TxTime() time.Time

	// ValidFrom returns the start of the business-effective interval.
	ValidFrom() time.Time

	// ValidTo returns the end of the business-effective interval,
	// nil for open-ended.
	ValidTo() *time.Time

	// Owner returns the identity of the first writer. Never changes.
	Owner() string

	// UpdatedBy returns the identity that produced this event.
	UpdatedBy() string

	// State returns the current lifecycle state name,
	// empty if the type has no state machine.
	State() string
}

// Meta must be embedded by every type that implements Storable.
// It carries the bi-temporal metadata of the event the object was
// reconstructed from. All of it is assigned by the store, never by callers.
type Meta struct {
	entityID  string
	typeName  string
	version   int64
	eventType string
	txTime    time.Time
	validFrom time.Time
	validTo   *time.Time
	owner     string
	updatedBy string
	state     string
}

func (m *Meta) meta() *Meta    { return m }
func (m *Meta) noimpl() noimpl { return noimpl{} }

func (m *Meta) EntityID() string     { return m.entityID }
func (m *Meta) TypeName() string     { return m.typeName }
func (m *Meta) Version() int64       { return m.version }
func (m *Meta) EventType() string    { return m.eventType }
func (m *Meta) TxTime() time.Time    { return m.txTime }
func (m *Meta) ValidFrom() time.Time { return m.validFrom }
func (m *Meta) ValidTo() *time.Time  { return m.validTo }
func (m *Meta) Owner() string        { return m.owner }
func (m *Meta) UpdatedBy() string    { return m.updatedBy }
func (m *Meta) State() string        { return m.state }

var metaType = reflect.TypeOf(Meta{})

type fieldInfo struct {
	column string
	index  int
	kind   registry.Kind
}

// TypeCodec maps registered storable Go types to their type names and
// handles payload marshaling. Field sets are reflected once at
// registration and validated against the column registry.
type TypeCodec struct {
	registry     *registry.Registry
	typeByName   map[string]reflect.Type
	nameByType   map[reflect.Type]string
	fieldsByName map[string][]fieldInfo

	inUse bool // Set to true by the Store once this codec is in use.
}

// NewTypeCodec creates a new codec validating against reg.
func NewTypeCodec(reg *registry.Registry) *TypeCodec {
	return &TypeCodec{
		registry:     reg,
		typeByName:   map[string]reflect.Type{},
		nameByType:   map[reflect.Type]string{},
		fieldsByName: map[string][]fieldInfo{},
	}
}

// Registry returns the column registry the codec validates against.
func (c *TypeCodec) Registry() *registry.Registry { return c.registry }

// MustRegisterTypeIn registers a storable type under name in codec.
// It panics when the name is taken, when a field carries no json tag,
// doesn't resolve to a registered column or mismatches the column's kind.
// Register during startup, registration at store runtime panics.
func MustRegisterTypeIn[T Storable](codec *TypeCodec, name string) {
	if codec.inUse {
		panic("attempting to register storable type at store runtime")
	}
	switch {
	case name == "":
		panic("empty type name")
	case unicode.IsSpace(rune(name[0])):
		panic("type name starts with space characters")
	case unicode.IsSpace(rune(name[len(name)-1])):
		panic("type name ends with space characters")
	}
	if _, ok := codec.typeByName[name]; ok {
		panic(fmt.Sprintf("storable type already registered: %q", name))
	}

	var zero T
	t := reflect.TypeOf(zero)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		panic(fmt.Sprintf("storable type %q is not a struct", name))
	}

	fields, err := codec.reflectFields(t)
	if err != nil {
		panic(fmt.Sprintf("registering %q: %v", name, err))
	}
	defs := make([]registry.FieldDef, len(fields))
	for i, f := range fields {
		defs[i] = registry.FieldDef{Name: f.column, Kind: f.kind}
	}
	if err := codec.registry.ValidateFields(name, defs); err != nil {
		panic(fmt.Sprintf("registering %q: %v", name, err))
	}

	codec.typeByName[name] = t
	codec.nameByType[t] = name
	codec.fieldsByName[name] = fields
}

func (c *TypeCodec) reflectFields(t reflect.Type) ([]fieldInfo, error) {
	var fields []fieldInfo
	for i := range t.NumField() {
		f := t.Field(i)
		if f.Anonymous && f.Type == metaType {
			continue
		}
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		column, _, _ := strings.Cut(tag, ",")
		if column == "" {
			return nil, fmt.Errorf("field %s has no json tag naming its column", f.Name)
		}
		kind, err := c.columnKind(column, f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		fields = append(fields, fieldInfo{column: column, index: i, kind: kind})
	}
	return fields, nil
}

// columnKind maps a Go field type to a registry kind. Pointer types
// declare the same kind as their element, marking the field nullable.
// Decimal columns are declared by float64 fields.
func (c *TypeCodec) columnKind(column string, t reflect.Type) (registry.Kind, error) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch {
	case t == reflect.TypeOf(time.Time{}):
		return registry.KindTime, nil
	case t.Kind() == reflect.String:
		return registry.KindString, nil
	case t.Kind() == reflect.Bool:
		return registry.KindBool, nil
	case t.Kind() == reflect.Int || t.Kind() == reflect.Int32 ||
		t.Kind() == reflect.Int64:
		return registry.KindInt, nil
	case t.Kind() == reflect.Float32 || t.Kind() == reflect.Float64:
		if def, _, err := c.registry.Resolve(column); err == nil &&
			def.Kind == registry.KindDecimal {
			return registry.KindDecimal, nil
		}
		return registry.KindFloat, nil
	case t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.String:
		return registry.KindStringList, nil
	}
	return registry.KindInvalid, fmt.Errorf("unsupported Go type %s", t)
}

func (c *TypeCodec) typeName(s Storable) (string, error) {
	t := reflect.TypeOf(s)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	name, ok := c.nameByType[t]
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrNotRegistered, s)
	}
	return name, nil
}

func (c *TypeCodec) create(name string) Storable {
	t, ok := c.typeByName[name]
	if !ok {
		return nil
	}
	s := reflect.New(t).Interface().(Storable)
	s.meta().typeName = name
	return s
}

// Values returns the object's live column-name to value mapping, used for
// constraint validation, guard evaluation and reactive tracking.
// Nil pointer fields map to nil.
func (c *TypeCodec) Values(s Storable) (map[string]any, error) {
	name, err := c.typeName(s)
	if err != nil {
		return nil, err
	}
	v := reflect.ValueOf(s)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	fields := c.fieldsByName[name]
	values := make(map[string]any, len(fields))
	for _, f := range fields {
		fv := v.Field(f.index)
		if fv.Kind() == reflect.Ptr {
			if fv.IsNil() {
				values[f.column] = nil
				continue
			}
			fv = fv.Elem()
		}
		values[f.column] = fv.Interface()
	}
	return values, nil
}

// SetValue assigns a column's live value on the object, converting
// numeric values to the field's Go type.
func (c *TypeCodec) SetValue(s Storable, column string, value any) error {
	name, err := c.typeName(s)
	if err != nil {
		return err
	}
	v := reflect.ValueOf(s)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	for _, f := range c.fieldsByName[name] {
		if f.column != column {
			continue
		}
		fv := v.Field(f.index)
		if value == nil {
			if fv.Kind() != reflect.Ptr {
				return fmt.Errorf("column %q is not nullable", column)
			}
			fv.SetZero()
			return nil
		}
		if fv.Kind() == reflect.Ptr {
			p := reflect.New(fv.Type().Elem())
			fv.Set(p)
			fv = p.Elem()
		}
		rv := reflect.ValueOf(value)
		if !rv.Type().ConvertibleTo(fv.Type()) {
			return fmt.Errorf("value of type %T is not assignable to column %q",
				value, column)
		}
		fv.Set(rv.Convert(fv.Type()))
		return nil
	}
	return fmt.Errorf("type %q has no column %q", name, column)
}

// Columns returns the column names of a registered type, in declaration
// order.
func (c *TypeCodec) Columns(name string) ([]string, error) {
	fields, ok := c.fieldsByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.column
	}
	return columns, nil
}

func (c *TypeCodec) EncodeJSON(s Storable) (string, error) {
	var b strings.Builder
	d := json.NewEncoder(&b)
	if err := d.Encode(s); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (c *TypeCodec) DecodeJSON(name string, payload []byte) (Storable, error) {
	s := c.create(name)
	if s == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	if err := json.Unmarshal(payload, s); err != nil {
		return nil, err
	}
	return s, nil
}
