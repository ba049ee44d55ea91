package provenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/provenant/provenant/db"
	"github.com/provenant/provenant/expr"
	"github.com/provenant/provenant/workflow"
)

// Hook is a post-commit (Tier-2) transition side effect. A failing or
// panicking hook is logged and never rolls back the committed transition.
type Hook func(ctx context.Context, obj Storable, from, to string) error

// Action is an atomic (Tier-1) transition side effect running inside the
// same transaction as the STATE_CHANGE event insert. An error aborts the
// transaction, state change and action apply together or not at all.
type Action func(ctx context.Context, tx db.TxRW, obj Storable, from, to string) error

// WorkflowSpec describes the durable (Tier-3) process a transition kicks
// off after commit. A failure to start is logged, the committed state
// change stands.
type WorkflowSpec func(obj Storable, from, to string) (
	name string, fn workflow.Fn, args map[string]any)

// Transition is one directed edge of a state machine.
type Transition struct {
	From, To string

	// Guard gates the edge, evaluated against the object's current field
	// values. Nil permits unconditionally.
	Guard expr.Expr

	// AllowedBy restricts who may take this edge. Empty falls back to
	// requiring write permission on the entity.
	AllowedBy []string

	Action        Action
	OnExit        Hook
	OnEnter       Hook
	StartWorkflow WorkflowSpec
}

// Machine is a declarative lifecycle definition for one storable type.
// States are opaque names, terminal states are simply states without
// outgoing edges.
type Machine struct {
	Initial     string
	Transitions []Transition
}

func (m *Machine) check() error {
	if m.Initial == "" {
		return errors.New("no initial state")
	}
	seen := map[[2]string]struct{}{}
	for i, t := range m.Transitions {
		if t.From == "" || t.To == "" {
			return fmt.Errorf("transition %d has empty states", i)
		}
		key := [2]string{t.From, t.To}
		if _, ok := seen[key]; ok {
			return fmt.Errorf("duplicate transition %s -> %s", t.From, t.To)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func (m *Machine) find(from, to string) *Transition {
	for i := range m.Transitions {
		t := &m.Transitions[i]
		if t.From == from && t.To == to {
			return t
		}
	}
	return nil
}

type stateChangeMeta struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Transition drives obj through its type's state machine to toState,
// appending a STATE_CHANGE event on success:
//
//  1. No edge (obj.State(), toState): ErrInvalidTransition.
//  2. The edge restricts AllowedBy and caller isn't listed:
//     ErrTransitionNotPermitted. Without AllowedBy the caller needs
//     write permission instead.
//  3. The guard evaluates false against the object's current field
//     values: GuardError.
//  4. The Tier-1 action runs inside the event insert transaction, its
//     error aborts both.
//  5. Post commit, OnExit and OnEnter run in that order, recovered and
//     logged on failure.
//  6. Post commit, StartWorkflow hands off to the workflow engine.
//
// The same optimistic version check as Update applies.
func (s *Store) Transition(
	ctx context.Context, caller string, obj Storable, toState string,
) error {
	typeName, err := s.codec.typeName(obj)
	if err != nil {
		return err
	}
	m, ok := s.machines[typeName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoStateMachine, typeName)
	}
	if obj.Version() < 1 {
		return ErrNoReadVersion
	}

	from := obj.State()
	t := m.find(from, toState)
	if t == nil {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, toState)
	}

	if len(t.AllowedBy) > 0 {
		if !s.isAdmin(caller) && !contains(t.AllowedBy, caller) {
			return fmt.Errorf("%w: %s -> %s by %q",
				ErrTransitionNotPermitted, from, toState, caller)
		}
	}

	values, err := s.codec.Values(obj)
	if err != nil {
		return err
	}
	if t.Guard != nil {
		pass, err := t.Guard.Eval(values)
		if err != nil {
			return fmt.Errorf("evaluating guard of %s -> %s: %w", from, toState, err)
		}
		if ok, isBool := pass.(bool); !isBool || !ok {
			return &GuardError{From: from, To: toState, Guard: t.Guard}
		}
	}

	payload, err := s.codec.EncodeJSON(obj)
	if err != nil {
		return fmt.Errorf("marshaling payload json: %w", err)
	}
	meta, err := json.Marshal(stateChangeMeta{From: from, To: toState})
	if err != nil {
		return fmt.Errorf("marshaling state change meta: %w", err)
	}

	admin := s.isAdmin(caller)
	var row db.Row
	err = s.db.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		// The edge's permission list is the authority for transitions, so
		// the latest row is read unfiltered here.
		latest, err := tx.LatestEvent(ctx, caller, true, obj.EntityID())
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		// Without an explicit permission list the edge falls back to the
		// store's write grants.
		if len(t.AllowedBy) == 0 && !admin && !canWrite(caller, latest) {
			return ErrAccessDenied
		}
		if latest.State != from {
			// The object's in-memory state lags behind the log.
			return ErrVersionConflict
		}

		row, err = tx.AppendEvent(ctx, obj.Version(), db.Row{
			EntityID:  obj.EntityID(),
			TypeName:  latest.TypeName,
			EventType: db.EventStateChange,
			Owner:     latest.Owner,
			UpdatedBy: caller,
			Readers:   latest.Readers,
			Writers:   latest.Writers,
			Payload:   payload,
			State:     toState,
			Meta:      string(meta),
		})
		if err != nil {
			if errors.Is(err, db.ErrVersionMismatch) {
				return ErrVersionConflict
			}
			return fmt.Errorf("appending STATE_CHANGE event: %w", err)
		}

		if t.Action != nil {
			if err := t.Action(ctx, tx, obj, from, toState); err != nil {
				return fmt.Errorf("transition action %s -> %s: %w",
					from, toState, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.hydrate(obj, row)
	s.emit(row)

	s.runHook(ctx, "on_exit", t.OnExit, obj, from, toState)
	s.runHook(ctx, "on_enter", t.OnEnter, obj, from, toState)

	if t.StartWorkflow != nil {
		s.startWorkflow(ctx, t, obj, from, toState)
	}
	return nil
}

func (s *Store) runHook(
	ctx context.Context, name string, h Hook, obj Storable, from, to string,
) {
	if h == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("recovered panicking transition hook",
				slog.String("hook", name),
				slog.String("entity.id", obj.EntityID()),
				slog.Any("panic", p))
		}
	}()
	if err := h(ctx, obj, from, to); err != nil {
		s.log.Error("transition hook failed",
			slog.String("hook", name),
			slog.String("entity.id", obj.EntityID()),
			slog.String("from", from),
			slog.String("to", to),
			slog.Any("err", err))
	}
}

func (s *Store) startWorkflow(
	ctx context.Context, t *Transition, obj Storable, from, to string,
) {
	name, fn, args := t.StartWorkflow(obj, from, to)
	if s.workflow == nil {
		s.log.Error("transition declares a workflow but no engine is configured",
			slog.String("workflow", name),
			slog.String("entity.id", obj.EntityID()))
		return
	}
	h, err := s.workflow.Start(ctx, name, fn, args)
	if err != nil {
		s.log.Error("starting transition workflow",
			slog.String("workflow", name),
			slog.String("entity.id", obj.EntityID()),
			slog.Any("err", err))
		return
	}
	s.log.Info("started transition workflow",
		slog.String("workflow", name),
		slog.String("workflow.id", h.ID()),
		slog.String("entity.id", obj.EntityID()),
		slog.String("from", from),
		slog.String("to", to))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
