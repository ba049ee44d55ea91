package provenant

import (
	"context"
	"errors"
	"log/slog"

	"github.com/provenant/provenant/reactive"
)

// TrackStorable seeds a reactive graph node from the object's current
// field values and returns the node reference.
func TrackStorable(
	g *reactive.Graph, codec *TypeCodec, obj Storable,
) (reactive.NodeID, error) {
	values, err := codec.Values(obj)
	if err != nil {
		return "", err
	}
	return g.Track(values), nil
}

// StoreWriteback returns a graph effect that persists recomputed values
// back into the store under the given column, decoupling the graph from
// storage concerns. On a version conflict the write is re-read and
// retried once, further failures are logged and dropped.
func StoreWriteback(
	store *Store, caller, entityID, column string,
) reactive.EffectFn {
	return func(node reactive.NodeID, name string, value any) {
		ctx := context.Background()
		for attempt := 0; attempt < 2; attempt++ {
			obj, err := store.Read(ctx, caller, entityID)
			if err != nil {
				store.log.Error("writeback read failed",
					slog.String("entity.id", entityID),
					slog.Any("err", err))
				return
			}
			if err := store.codec.SetValue(obj, column, value); err != nil {
				store.log.Error("writeback set value failed",
					slog.String("entity.id", entityID),
					slog.String("column", column),
					slog.Any("err", err))
				return
			}
			err = store.Update(ctx, caller, obj, nil)
			if err == nil {
				return
			}
			if errors.Is(err, ErrVersionConflict) {
				continue // Lost the race, re-read and retry once.
			}
			store.log.Error("writeback update failed",
				slog.String("entity.id", entityID),
				slog.Any("err", err))
			return
		}
		store.log.Warn("writeback dropped after repeated version conflicts",
			slog.String("entity.id", entityID),
			slog.String("column", column))
	}
}
