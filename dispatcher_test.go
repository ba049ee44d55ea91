package provenant_test

import (
	"context"
	"testing"

	"github.com/provenant/provenant"
	"github.com/provenant/provenant/workflow"
	"github.com/provenant/provenant/workflow/inproc"

	"github.com/stretchr/testify/require"
)

func TestDispatcherDurableTransition(t *testing.T) {
	s := newMachineStore(t, orderMachine())
	ctx := t.Context()

	o := testOrder()
	id, err := s.Write(ctx, "alice", o)
	require.NoError(t, err)

	disp := provenant.NewDispatcher(s)
	eng := inproc.New(testLog(), 4)

	_, err = eng.Run(ctx, "fill-order", func(
		ctx context.Context, rt workflow.Runtime, args map[string]any,
	) (any, error) {
		if err := disp.DurableTransition(ctx, rt, "alice", id, "FILLED"); err != nil {
			return nil, err
		}
		// The same step name replays the recorded result, the
		// transition is not applied a second time.
		return nil, disp.DurableTransition(ctx, rt, "alice", id, "FILLED")
	}, nil)
	require.NoError(t, err)

	got, err := s.Read(ctx, "alice", id)
	require.NoError(t, err)
	order, ok := got.(*Order)
	require.True(t, ok)
	require.Equal(t, "FILLED", order.State())
	require.Equal(t, int64(2), order.Version())
}
