package provenant

import (
	"context"
	"fmt"

	"github.com/provenant/provenant/workflow"
)

// Dispatcher drives store transitions from inside workflows. Each
// transition runs as a checkpointed step, so a resumed run does not
// re-apply a transition that already committed.
type Dispatcher struct{ store *Store }

func NewDispatcher(s *Store) *Dispatcher { return &Dispatcher{store: s} }

// DurableTransition reads the entity and moves it to toState inside a
// step named after the entity and target state. Version conflicts and
// permission errors surface as the step's recorded error.
func (d *Dispatcher) DurableTransition(
	ctx context.Context, rt workflow.Runtime, caller, entityID, toState string,
) error {
	_, err := rt.Step(ctx, "transition:"+entityID+"->"+toState,
		func(ctx context.Context) (any, error) {
			obj, err := d.store.Read(ctx, caller, entityID)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", entityID, err)
			}
			return nil, d.store.Transition(ctx, caller, obj, toState)
		})
	return err
}
