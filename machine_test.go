package provenant_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/provenant/provenant"
	"github.com/provenant/provenant/db"
	"github.com/provenant/provenant/expr"
	"github.com/provenant/provenant/workflow"
	"github.com/provenant/provenant/workflow/inproc"

	"github.com/stretchr/testify/require"
)

func orderMachine(edges ...provenant.Transition) *provenant.Machine {
	m := &provenant.Machine{
		Initial: "PENDING",
		Transitions: []provenant.Transition{
			{From: "PENDING", To: "FILLED"},
			{From: "PENDING", To: "CANCELLED", AllowedBy: []string{"risk_manager"}},
		},
	}
	m.Transitions = append(m.Transitions, edges...)
	return m
}

func testOrder() *Order {
	return &Order{
		Symbol: "AAPL", Side: "BUY", Quantity: 100,
		Price: 230.0, Trader: "alice",
	}
}

func newMachineStore(
	t *testing.T, m *provenant.Machine, opts ...provenant.Option,
) *provenant.Store {
	t.Helper()
	s, _ := newTestStore(t, opts...)
	s.MustRegisterMachine("trading.Order", m)
	return s
}

func TestTransition(t *testing.T) {
	s := newMachineStore(t, orderMachine())
	ctx := t.Context()

	o := testOrder()
	id, err := s.Write(ctx, "alice", o)
	require.NoError(t, err)
	require.Equal(t, "PENDING", o.State()) // Machine's initial state.

	require.NoError(t, s.Transition(ctx, "alice", o, "FILLED"))
	require.Equal(t, "FILLED", o.State())
	require.Equal(t, int64(2), o.Version())
	require.Equal(t, db.EventStateChange, o.EventType())

	read, err := s.Read(ctx, "alice", id)
	require.NoError(t, err)
	require.Equal(t, "FILLED", read.State())

	// FILLED is terminal, no outgoing edges.
	err = s.Transition(ctx, "alice", o, "CANCELLED")
	require.ErrorIs(t, err, provenant.ErrInvalidTransition)
}

func TestTransitionNoMachine(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	p := testPosition()
	_, err := s.Write(ctx, "alice", p)
	require.NoError(t, err)
	require.Empty(t, p.State()) // No machine, no state.

	err = s.Transition(ctx, "alice", p, "FILLED")
	require.ErrorIs(t, err, provenant.ErrNoStateMachine)
}

func TestTransitionAllowedBy(t *testing.T) {
	s := newMachineStore(t, orderMachine(), provenant.WithAdmins("root"))
	ctx := t.Context()

	o := testOrder()
	_, err := s.Write(ctx, "alice", o)
	require.NoError(t, err)

	// The owner isn't on the edge's permission list.
	err = s.Transition(ctx, "alice", o, "CANCELLED")
	require.ErrorIs(t, err, provenant.ErrTransitionNotPermitted)

	// A listed identity may take the edge without any read grant.
	require.NoError(t, s.Transition(ctx, "risk_manager", o, "CANCELLED"))
	require.Equal(t, "CANCELLED", o.State())

	history, err := s.History(ctx, "alice", o.EntityID())
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, db.EventStateChange, history[1].EventType())
	require.Equal(t, "risk_manager", history[1].UpdatedBy())
}

func TestTransitionAdminBypassesAllowedBy(t *testing.T) {
	s := newMachineStore(t, orderMachine(), provenant.WithAdmins("root"))
	ctx := t.Context()

	o := testOrder()
	_, err := s.Write(ctx, "alice", o)
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, "root", o, "CANCELLED"))
}

func TestTransitionFallsBackToWriteGrants(t *testing.T) {
	s := newMachineStore(t, orderMachine())
	ctx := t.Context()

	o := testOrder()
	id, err := s.Write(ctx, "alice", o)
	require.NoError(t, err)

	// The FILLED edge carries no permission list, write grants decide.
	err = s.Transition(ctx, "bob", o, "FILLED")
	require.ErrorIs(t, err, provenant.ErrAccessDenied)

	require.NoError(t, s.ShareWrite(ctx, "alice", id, "bob"))
	require.NoError(t, s.Transition(ctx, "bob", o, "FILLED"))
}

func TestTransitionGuard(t *testing.T) {
	m := &provenant.Machine{
		Initial: "PENDING",
		Transitions: []provenant.Transition{{
			From: "PENDING", To: "FILLED",
			Guard: expr.Gt(expr.Field("quantity"), expr.Const(0)),
		}},
	}
	s := newMachineStore(t, m)
	ctx := t.Context()

	o := testOrder()
	o.Quantity = 0
	_, err := s.Write(ctx, "alice", o)
	require.NoError(t, err)

	err = s.Transition(ctx, "alice", o, "FILLED")
	var guardErr *provenant.GuardError
	require.ErrorAs(t, err, &guardErr)
	require.Equal(t, "PENDING", guardErr.From)
	require.Equal(t, "FILLED", guardErr.To)

	// No event was appended for the refused edge.
	history, err := s.History(ctx, "alice", o.EntityID())
	require.NoError(t, err)
	require.Len(t, history, 1)

	o.Quantity = 100
	require.NoError(t, s.Update(ctx, "alice", o, nil))
	require.NoError(t, s.Transition(ctx, "alice", o, "FILLED"))
}

func TestTransitionActionAtomic(t *testing.T) {
	actionErr := errors.New("ledger unavailable")
	var calls int
	m := &provenant.Machine{
		Initial: "PENDING",
		Transitions: []provenant.Transition{{
			From: "PENDING", To: "FILLED",
			Action: func(
				ctx context.Context, tx db.TxRW,
				obj provenant.Storable, from, to string,
			) error {
				calls++
				if calls == 1 {
					return actionErr
				}
				return nil
			},
		}},
	}
	s := newMachineStore(t, m)
	ctx := t.Context()

	o := testOrder()
	_, err := s.Write(ctx, "alice", o)
	require.NoError(t, err)

	// The failing action rolls the STATE_CHANGE event back with it.
	err = s.Transition(ctx, "alice", o, "FILLED")
	require.ErrorIs(t, err, actionErr)
	require.Equal(t, "PENDING", o.State())
	history, err := s.History(ctx, "alice", o.EntityID())
	require.NoError(t, err)
	require.Len(t, history, 1)

	require.NoError(t, s.Transition(ctx, "alice", o, "FILLED"))
	require.Equal(t, 2, calls)
	require.Equal(t, "FILLED", o.State())
}

func TestTransitionHooks(t *testing.T) {
	var order []string
	hook := func(name string, fail bool) provenant.Hook {
		return func(ctx context.Context, obj provenant.Storable, from, to string) error {
			order = append(order, name)
			if fail {
				return errors.New("boom")
			}
			return nil
		}
	}
	m := &provenant.Machine{
		Initial: "PENDING",
		Transitions: []provenant.Transition{{
			From: "PENDING", To: "FILLED",
			OnExit:  hook("exit", true), // Failure must not undo the commit.
			OnEnter: hook("enter", false),
		}},
	}
	s := newMachineStore(t, m)
	ctx := t.Context()

	o := testOrder()
	_, err := s.Write(ctx, "alice", o)
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, "alice", o, "FILLED"))

	require.Equal(t, []string{"exit", "enter"}, order)
	require.Equal(t, "FILLED", o.State()) // Committed despite the exit failure.
}

func TestTransitionHookPanicRecovered(t *testing.T) {
	m := &provenant.Machine{
		Initial: "PENDING",
		Transitions: []provenant.Transition{{
			From: "PENDING", To: "FILLED",
			OnEnter: func(
				ctx context.Context, obj provenant.Storable, from, to string,
			) error {
				panic("hook gone wrong")
			},
		}},
	}
	s := newMachineStore(t, m)
	ctx := t.Context()

	o := testOrder()
	_, err := s.Write(ctx, "alice", o)
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, "alice", o, "FILLED"))
	require.Equal(t, "FILLED", o.State())
}

func TestTransitionStaleVersion(t *testing.T) {
	s := newMachineStore(t, orderMachine())
	ctx := t.Context()

	o := testOrder()
	_, err := s.Write(ctx, "alice", o)
	require.NoError(t, err)

	// Another writer moves the entity on, making our copy stale.
	concurrent, err := s.Read(ctx, "alice", o.EntityID())
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, "alice", concurrent.(*Order), "CANCELLED"))

	err = s.Transition(ctx, "alice", o, "FILLED")
	require.ErrorIs(t, err, provenant.ErrVersionConflict)
}

func TestTransitionStartsWorkflow(t *testing.T) {
	engine := inproc.New(testLog(), 4)

	started := make(chan map[string]any, 1)
	m := &provenant.Machine{
		Initial: "PENDING",
		Transitions: []provenant.Transition{{
			From: "PENDING", To: "FILLED",
			StartWorkflow: func(obj provenant.Storable, from, to string) (
				string, workflow.Fn, map[string]any,
			) {
				args := map[string]any{
					"entity_id": obj.EntityID(),
					"from":      from,
					"to":        to,
				}
				fn := func(
					ctx context.Context, rt workflow.Runtime, args map[string]any,
				) (any, error) {
					started <- args
					return "settled", nil
				}
				return "settlement", fn, args
			},
		}},
	}
	s := newMachineStore(t, m, provenant.WithWorkflowEngine(engine))
	ctx := t.Context()

	o := testOrder()
	id, err := s.Write(ctx, "alice", o)
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, "alice", o, "FILLED"))

	select {
	case args := <-started:
		require.Equal(t, id, args["entity_id"])
		require.Equal(t, "PENDING", args["from"])
		require.Equal(t, "FILLED", args["to"])
	case <-time.After(time.Second):
		t.Fatal("workflow never started")
	}
}

func TestTransitionEmitsStateChange(t *testing.T) {
	s := newMachineStore(t, orderMachine())
	ctx := t.Context()

	var lock sync.Mutex
	var events []provenant.ChangeEvent
	s.Bus().On("trading.Order", func(e provenant.ChangeEvent) {
		lock.Lock()
		defer lock.Unlock()
		events = append(events, e)
	})

	o := testOrder()
	_, err := s.Write(ctx, "alice", o)
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, "alice", o, "FILLED"))

	lock.Lock()
	defer lock.Unlock()
	require.Len(t, events, 2)
	require.Equal(t, db.EventStateChange, events[1].EventType)
	require.Equal(t, "FILLED", events[1].State)
}

func TestMachineCheck(t *testing.T) {
	s, _ := newTestStore(t)
	require.Panics(t, func() {
		s.MustRegisterMachine("trading.Order", &provenant.Machine{})
	})
	require.Panics(t, func() {
		s.MustRegisterMachine("trading.Order", &provenant.Machine{
			Initial: "PENDING",
			Transitions: []provenant.Transition{
				{From: "A", To: "B"},
				{From: "A", To: "B"},
			},
		})
	})
}
