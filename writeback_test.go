package provenant_test

import (
	"testing"

	"github.com/provenant/provenant"
	"github.com/provenant/provenant/expr"
	"github.com/provenant/provenant/reactive"

	"github.com/stretchr/testify/require"
)

func TestTrackStorable(t *testing.T) {
	s, _ := newTestStore(t)
	g := reactive.New()

	p := testPosition()
	_, err := s.Write(t.Context(), "alice", p)
	require.NoError(t, err)

	id, err := provenant.TrackStorable(g, s.Codec(), p)
	require.NoError(t, err)

	fields, err := g.Fields(id)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"symbol":        "AAPL",
		"quantity":      int64(100),
		"avg_cost":      220.0,
		"current_price": 230.0,
	}, fields)
}

func TestStoreWriteback(t *testing.T) {
	s, _ := newTestStore(t)
	g := reactive.New()
	ctx := t.Context()

	p := testPosition()
	entityID, err := s.Write(ctx, "alice", p)
	require.NoError(t, err)

	node, err := provenant.TrackStorable(g, s.Codec(), p)
	require.NoError(t, err)
	// avg_cost tracks the computed break-even price including a fee.
	require.NoError(t, g.Computed(node, "break_even",
		expr.Add(expr.Field("avg_cost"), expr.Const(1.0))))
	require.NoError(t, g.Effect(node, "persist",
		provenant.StoreWriteback(s, "alice", entityID, "avg_cost")))

	require.NoError(t, g.Update(node, "avg_cost", 240.0))

	read, err := s.Read(ctx, "alice", entityID)
	require.NoError(t, err)
	require.Equal(t, 241.0, read.(*Position).AvgCost)
	require.Equal(t, int64(2), read.Version())
}

func TestStoreWritebackReadsFresh(t *testing.T) {
	s, _ := newTestStore(t)
	g := reactive.New()
	ctx := t.Context()

	p := testPosition()
	entityID, err := s.Write(ctx, "alice", p)
	require.NoError(t, err)

	node, err := provenant.TrackStorable(g, s.Codec(), p)
	require.NoError(t, err)
	require.NoError(t, g.Computed(node, "price",
		expr.Field("current_price")))

	// An external update lands before the writeback runs. The writeback
	// reads the current version, so the concurrent change is preserved.
	var bumped bool
	effect := provenant.StoreWriteback(s, "alice", entityID, "current_price")
	require.NoError(t, g.Effect(node, "persist",
		func(n reactive.NodeID, name string, value any) {
			if !bumped {
				bumped = true
				stale, err := s.Read(ctx, "alice", entityID)
				require.NoError(t, err)
				stale.(*Position).Quantity = 150
				require.NoError(t, s.Update(ctx, "alice", stale, nil))
			}
			effect(n, name, value)
		}))

	require.NoError(t, g.Update(node, "current_price", 250.0))

	read, err := s.Read(ctx, "alice", entityID)
	require.NoError(t, err)
	require.Equal(t, 250.0, read.(*Position).CurrentPrice)
	require.Equal(t, int64(150), read.(*Position).Quantity)
}
