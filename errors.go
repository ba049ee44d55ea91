package provenant

import (
	"errors"
	"fmt"

	"github.com/provenant/provenant/expr"
)

var (
	// ErrVersionConflict is returned when an update, delete or transition
	// lost an optimistic concurrency race. The caller must re-read and
	// retry, the store never retries on its own.
	ErrVersionConflict = errors.New("version conflict")

	// ErrAccessDenied is returned when the caller has no grant on the
	// entity it tries to modify or share.
	ErrAccessDenied = errors.New("access denied")

	// ErrNotFound is returned when no entity visible to the caller matches.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when the type's state machine has no
	// edge between the current and the requested state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrTransitionNotPermitted is returned when the matched edge restricts
	// who may take it and the caller isn't on that list.
	ErrTransitionNotPermitted = errors.New("transition not permitted")

	// ErrNotRegistered is returned when a storable type wasn't registered
	// in the codec.
	ErrNotRegistered = errors.New("storable type not registered")

	// ErrNoReadVersion is returned by update and delete when the object
	// doesn't carry the version it was read at.
	ErrNoReadVersion = errors.New("object carries no read version")

	// ErrNoStateMachine is returned by Transition when the entity's type
	// has no state machine attached.
	ErrNoStateMachine = errors.New("no state machine for type")

	// ErrValidation is returned when live field values violate column
	// constraints.
	ErrValidation = errors.New("validation failed")
)

// GuardError reports a rejected transition guard. It carries the guard
// expression for diagnostics.
type GuardError struct {
	From, To string
	Guard    expr.Expr
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("guard rejected transition %s -> %s: %s",
		e.From, e.To, expr.String(e.Guard))
}
