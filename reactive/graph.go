// Package reactive provides a single-threaded reactive computation graph.
// Nodes hold independently settable field slots, computed values bind
// expressions to those slots and groups aggregate one field across many
// nodes. Invalidation is fine-grained and fully synchronous: after Update
// returns, every dependent value is already consistent.
//
// A Graph instance must not be mutated concurrently.
package reactive

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/provenant/provenant/expr"
)

var (
	ErrUnknownNode     = errors.New("unknown node")
	ErrUnknownField    = errors.New("unknown field")
	ErrUnknownComputed = errors.New("unknown computed")
	ErrUnknownGroup    = errors.New("unknown group")
	ErrNameTaken       = errors.New("name already taken")
)

// NodeID is a stable reference to a tracked node.
type NodeID string

// EffectFn runs after a node computed value settled on a new value.
type EffectFn func(node NodeID, name string, value any)

// GroupEffectFn runs after a group value settled on a new value.
type GroupEffectFn func(group string, value any)

// Aggregator folds the member values of a group into one value.
type Aggregator func(values []any) any

// View is the read-only graph access handed to multi-node functions.
type View interface {
	Nodes() []NodeID
	Field(node NodeID, field string) any
}

// MultiFn computes an arbitrary cross-node value.
type MultiFn func(v View) (any, error)

type computed struct {
	expr  expr.Expr
	deps  map[string]struct{}
	value any
	err   error
	valid bool
}

type node struct {
	fields    map[string]any
	computeds map[string]*computed
	effects   map[string]EffectFn
}

type group struct {
	members map[NodeID]struct{}
	order   []NodeID
	field   string
	agg     Aggregator
	value   any
	valid   bool
	effects map[string]GroupEffectFn
}

type multi struct {
	fn    MultiFn
	value any
	err   error
	valid bool
}

// Graph is a reactive computation graph.
type Graph struct {
	nodes  map[NodeID]*node
	groups map[string]*group
	multis map[string]*multi
}

func New() *Graph {
	return &Graph{
		nodes:  map[NodeID]*node{},
		groups: map[string]*group{},
		multis: map[string]*multi{},
	}
}

// Track creates a node with one settable slot per field, seeded from the
// given values, and returns its stable reference.
func (g *Graph) Track(fields map[string]any) NodeID {
	id := NodeID(uuid.NewString())
	slots := make(map[string]any, len(fields))
	for k, v := range fields {
		slots[k] = v
	}
	g.nodes[id] = &node{
		fields:    slots,
		computeds: map[string]*computed{},
		effects:   map[string]EffectFn{},
	}
	return id
}

// Untrack removes a node and its membership in every group.
func (g *Graph) Untrack(id NodeID) {
	delete(g.nodes, id)
	for name, grp := range g.groups {
		if _, ok := grp.members[id]; ok {
			delete(grp.members, id)
			grp.order = removeID(grp.order, id)
			g.recomputeGroup(name, grp)
		}
	}
	g.invalidateMultis()
}

// Computed binds an expression to a node under name. The dependency set
// is derived from the expression's field references; the value is lazy
// and re-evaluated only when a dependency slot changes.
func (g *Graph) Computed(id NodeID, name string, e expr.Expr) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if _, ok := n.computeds[name]; ok {
		return fmt.Errorf("%w: computed %q", ErrNameTaken, name)
	}
	n.computeds[name] = &computed{expr: e, deps: expr.Fields(e)}
	return nil
}

// Effect registers a callback under name running after any of the node's
// computed values settled on a recompute.
func (g *Graph) Effect(id NodeID, name string, fn EffectFn) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	n.effects[name] = fn
	return nil
}

// RemoveEffect removes a node effect. Unknown names are a no-op.
func (g *Graph) RemoveEffect(id NodeID, name string) {
	if n, ok := g.nodes[id]; ok {
		delete(n.effects, name)
	}
}

// Update sets one slot and synchronously recomputes every dependent
// computed, group and multi value before returning.
func (g *Graph) Update(id NodeID, field string, value any) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if _, ok := n.fields[field]; !ok {
		return fmt.Errorf("%w: %q on node %s", ErrUnknownField, field, id)
	}
	n.fields[field] = value
	g.propagate(id, n, map[string]struct{}{field: {}})
	return nil
}

// BatchUpdate sets several slots at once and fires each dependent
// computation exactly once.
func (g *Graph) BatchUpdate(id NodeID, values map[string]any) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	changed := make(map[string]struct{}, len(values))
	for field, value := range values {
		if _, ok := n.fields[field]; !ok {
			return fmt.Errorf("%w: %q on node %s", ErrUnknownField, field, id)
		}
		n.fields[field] = value
		changed[field] = struct{}{}
	}
	g.propagate(id, n, changed)
	return nil
}

func (g *Graph) propagate(id NodeID, n *node, changed map[string]struct{}) {
	for name, c := range n.computeds {
		if !dependsOnAny(c.deps, changed) {
			continue
		}
		c.valid = false
		g.evaluate(n, c)
		if c.err == nil {
			for _, fn := range n.effects {
				fn(id, name, c.value)
			}
		}
	}
	for name, grp := range g.groups {
		if _, member := grp.members[id]; !member {
			continue
		}
		if _, ok := changed[grp.field]; !ok {
			continue
		}
		g.recomputeGroup(name, grp)
	}
	g.invalidateMultis()
}

func dependsOnAny(deps, changed map[string]struct{}) bool {
	for f := range changed {
		if _, ok := deps[f]; ok {
			return true
		}
	}
	return false
}

func (g *Graph) evaluate(n *node, c *computed) {
	if c.valid {
		return
	}
	c.value, c.err = c.expr.Eval(n.fields)
	c.valid = true
}

// Get returns a node's computed value, evaluating it lazily if no
// dependency changed since the last evaluation.
func (g *Graph) Get(id NodeID, name string) (any, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	c, ok := n.computeds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownComputed, name)
	}
	g.evaluate(n, c)
	return c.value, c.err
}

// GetField returns a node's current slot value.
func (g *Graph) GetField(id NodeID, field string) (any, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	v, ok := n.fields[field]
	if !ok {
		return nil, fmt.Errorf("%w: %q on node %s", ErrUnknownField, field, id)
	}
	return v, nil
}

// Fields returns a copy of a node's current slot values.
func (g *Graph) Fields(id NodeID) (map[string]any, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	m := make(map[string]any, len(n.fields))
	for k, v := range n.fields {
		m[k] = v
	}
	return m, nil
}

// GroupComputed creates a named group aggregating field across members.
// The group recomputes whenever any member's field changes and when
// membership changes.
func (g *Graph) GroupComputed(
	name string, members []NodeID, field string, agg Aggregator,
) error {
	if _, ok := g.groups[name]; ok {
		return fmt.Errorf("%w: group %q", ErrNameTaken, name)
	}
	grp := &group{
		members: map[NodeID]struct{}{},
		field:   field,
		agg:     agg,
		effects: map[string]GroupEffectFn{},
	}
	for _, id := range members {
		if _, ok := g.nodes[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownNode, id)
		}
		if _, ok := grp.members[id]; ok {
			continue
		}
		grp.members[id] = struct{}{}
		grp.order = append(grp.order, id)
	}
	g.groups[name] = grp
	g.recomputeGroup(name, grp)
	return nil
}

// AddToGroup adds a node to a group and triggers one recompute.
func (g *Graph) AddToGroup(name string, id NodeID) error {
	grp, ok := g.groups[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, name)
	}
	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if _, ok := grp.members[id]; ok {
		return nil
	}
	grp.members[id] = struct{}{}
	grp.order = append(grp.order, id)
	g.recomputeGroup(name, grp)
	return nil
}

// RemoveFromGroup removes a node from a group and triggers one recompute.
func (g *Graph) RemoveFromGroup(name string, id NodeID) error {
	grp, ok := g.groups[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, name)
	}
	if _, ok := grp.members[id]; !ok {
		return nil
	}
	delete(grp.members, id)
	grp.order = removeID(grp.order, id)
	g.recomputeGroup(name, grp)
	return nil
}

func (g *Graph) recomputeGroup(name string, grp *group) {
	values := make([]any, 0, len(grp.order))
	for _, id := range grp.order {
		if n, ok := g.nodes[id]; ok {
			values = append(values, n.fields[grp.field])
		}
	}
	grp.value = grp.agg(values)
	grp.valid = true
	for _, fn := range grp.effects {
		fn(name, grp.value)
	}
}

// GroupValue returns the group's current aggregate.
func (g *Graph) GroupValue(name string) (any, error) {
	grp, ok := g.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, name)
	}
	return grp.value, nil
}

// GroupEffect registers a callback running after every recompute of the
// group.
func (g *Graph) GroupEffect(name, effectName string, fn GroupEffectFn) error {
	grp, ok := g.groups[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, name)
	}
	grp.effects[effectName] = fn
	return nil
}

// RemoveGroupEffect removes a group effect. Unknown names are a no-op.
func (g *Graph) RemoveGroupEffect(name, effectName string) {
	if grp, ok := g.groups[name]; ok {
		delete(grp.effects, effectName)
	}
}

// MultiComputed registers an arbitrary cross-node function under name.
// It recomputes lazily after any slot change in the graph.
func (g *Graph) MultiComputed(name string, fn MultiFn) error {
	if _, ok := g.multis[name]; ok {
		return fmt.Errorf("%w: multi %q", ErrNameTaken, name)
	}
	g.multis[name] = &multi{fn: fn}
	return nil
}

// MultiValue returns the current value of a multi-node computed.
func (g *Graph) MultiValue(name string) (any, error) {
	m, ok := g.multis[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownComputed, name)
	}
	if !m.valid {
		m.value, m.err = m.fn(graphView{g})
		m.valid = true
	}
	return m.value, m.err
}

func (g *Graph) invalidateMultis() {
	for _, m := range g.multis {
		m.valid = false
	}
}

type graphView struct{ g *Graph }

func (v graphView) Nodes() []NodeID {
	ids := make([]NodeID, 0, len(v.g.nodes))
	for id := range v.g.nodes {
		ids = append(ids, id)
	}
	return ids
}

func (v graphView) Field(node NodeID, field string) any {
	if n, ok := v.g.nodes[node]; ok {
		return n.fields[field]
	}
	return nil
}

func removeID(ids []NodeID, id NodeID) []NodeID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Sum adds all numeric member values, skipping nils.
func Sum(values []any) any {
	var sum float64
	for _, v := range values {
		if f, ok := asFloat(v); ok {
			sum += f
		}
	}
	return sum
}

// Avg averages all numeric member values, 0 for an empty group.
func Avg(values []any) any {
	var sum float64
	var n int
	for _, v := range values {
		if f, ok := asFloat(v); ok {
			sum += f
			n++
		}
	}
	if n == 0 {
		return float64(0)
	}
	return sum / float64(n)
}

// Min returns the smallest numeric member value, nil for an empty group.
func Min(values []any) any {
	var best float64
	found := false
	for _, v := range values {
		if f, ok := asFloat(v); ok && (!found || f < best) {
			best, found = f, true
		}
	}
	if !found {
		return nil
	}
	return best
}

// Max returns the largest numeric member value, nil for an empty group.
func Max(values []any) any {
	var best float64
	found := false
	for _, v := range values {
		if f, ok := asFloat(v); ok && (!found || f > best) {
			best, found = f, true
		}
	}
	if !found {
		return nil
	}
	return best
}

// Count counts non-nil member values.
func Count(values []any) any {
	var n int64
	for _, v := range values {
		if v != nil {
			n++
		}
	}
	return n
}

func asFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
