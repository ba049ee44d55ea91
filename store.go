package provenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/provenant/provenant/db"
	"github.com/provenant/provenant/workflow"
)

// Store is the bi-temporal event-sourced object store. Every logical change
// to an entity is appended as a new immutable event row, concurrency is
// optimistic and every operation is parameterized by a pre-authenticated
// caller identity.
// Create an instance using NewStore.
type Store struct {
	log      *slog.Logger
	db       db.DB
	codec    *TypeCodec
	bus      *EventBus
	admins   map[string]struct{}
	machines map[string]*Machine
	workflow workflow.Engine
}

// Option configures a Store.
type Option func(*Store)

// WithAdmins declares identities that bypass read filtering and
// permission checks.
func WithAdmins(identities ...string) Option {
	return func(s *Store) {
		for _, id := range identities {
			s.admins[id] = struct{}{}
		}
	}
}

// WithWorkflowEngine injects the durable workflow collaborator used by
// transitions that declare a StartWorkflow side effect.
func WithWorkflowEngine(e workflow.Engine) Option {
	return func(s *Store) { s.workflow = e }
}

// NewStore creates a new store over database using codec for payload
// marshaling. The codec must not register further types afterwards.
func NewStore(
	log *slog.Logger, database db.DB, codec *TypeCodec, opts ...Option,
) *Store {
	codec.inUse = true
	s := &Store{
		log:      log,
		db:       database,
		codec:    codec,
		bus:      NewEventBus(log),
		admins:   map[string]struct{}{},
		machines: map[string]*Machine{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Bus returns the in-process event bus. It fires synchronously after
// every committed write of this store instance.
func (s *Store) Bus() *EventBus { return s.bus }

// Codec returns the type codec of the store.
func (s *Store) Codec() *TypeCodec { return s.codec }

// MustRegisterMachine attaches a state machine to a storable type.
// Entities of that type are created in the machine's initial state.
// Panics when the type already has a machine or m is invalid.
func (s *Store) MustRegisterMachine(typeName string, m *Machine) {
	if _, ok := s.machines[typeName]; ok {
		panic(fmt.Sprintf("state machine already registered for type %q", typeName))
	}
	if err := m.check(); err != nil {
		panic(fmt.Sprintf("state machine for type %q: %v", typeName, err))
	}
	s.machines[typeName] = m
}

func (s *Store) isAdmin(caller string) bool {
	_, ok := s.admins[caller]
	return ok
}

// validate applies every column constraint to the object's live values.
func (s *Store) validate(obj Storable) (map[string]any, error) {
	values, err := s.codec.Values(obj)
	if err != nil {
		return nil, err
	}
	if errs := s.codec.registry.ValidateValues(values); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrValidation, errors.Join(errs...))
	}
	return values, nil
}

func (s *Store) hydrate(obj Storable, row db.Row) {
	m := obj.meta()
	m.entityID = row.EntityID
	m.typeName = row.TypeName
	m.version = row.Version
	m.eventType = row.EventType
	m.txTime = row.TxTime
	m.validFrom = row.ValidFrom
	m.validTo = row.ValidTo
	m.owner = row.Owner
	m.updatedBy = row.UpdatedBy
	m.state = row.State
}

func (s *Store) decodeRow(row db.Row) (Storable, error) {
	obj, err := s.codec.DecodeJSON(row.TypeName, []byte(row.Payload))
	if err != nil {
		return nil, fmt.Errorf("unmarshaling payload json: %w", err)
	}
	s.hydrate(obj, row)
	return obj, nil
}

func (s *Store) emit(rows ...db.Row) {
	for _, row := range rows {
		s.bus.dispatch(changeEventFromRow(row))
	}
}

// Write validates obj against the column registry, assigns a fresh entity
// identity and appends a CREATED event with version 1 owned by caller.
// If the object's type has a state machine attached the entity starts in
// its initial state. Returns the assigned entity id.
func (s *Store) Write(
	ctx context.Context, caller string, obj Storable,
) (entityID string, err error) {
	row, err := s.buildCreateRow(caller, obj)
	if err != nil {
		return "", err
	}
	err = s.db.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		row, err = tx.AppendEvent(ctx, 0, row)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("appending CREATED event: %w", err)
	}
	s.hydrate(obj, row)
	s.emit(row)
	return row.EntityID, nil
}

// WriteMany writes all objects inside one transaction. Any single failure
// aborts the whole batch. Returns the assigned entity ids in input order.
func (s *Store) WriteMany(
	ctx context.Context, caller string, objs ...Storable,
) (entityIDs []string, err error) {
	rows := make([]db.Row, len(objs))
	for i, obj := range objs {
		rows[i], err = s.buildCreateRow(caller, obj)
		if err != nil {
			return nil, fmt.Errorf("object %d: %w", i, err)
		}
	}
	err = s.db.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		for i := range rows {
			rows[i], err = tx.AppendEvent(ctx, 0, rows[i])
			if err != nil {
				return fmt.Errorf("appending CREATED event %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	entityIDs = make([]string, len(rows))
	for i, row := range rows {
		s.hydrate(objs[i], row)
		entityIDs[i] = row.EntityID
	}
	s.emit(rows...)
	return entityIDs, nil
}

func (s *Store) buildCreateRow(caller string, obj Storable) (db.Row, error) {
	typeName, err := s.codec.typeName(obj)
	if err != nil {
		return db.Row{}, err
	}
	if _, err := s.validate(obj); err != nil {
		return db.Row{}, err
	}
	payload, err := s.codec.EncodeJSON(obj)
	if err != nil {
		return db.Row{}, fmt.Errorf("marshaling payload json: %w", err)
	}
	var state string
	if m, ok := s.machines[typeName]; ok {
		state = m.Initial
	}
	row := db.Row{
		EntityID:  uuid.NewString(),
		TypeName:  typeName,
		EventType: db.EventCreated,
		Owner:     caller,
		UpdatedBy: caller,
		Payload:   payload,
		State:     state,
	}
	if !obj.ValidFrom().IsZero() {
		row.ValidFrom = obj.ValidFrom()
	}
	row.ValidTo = obj.ValidTo()
	return row, nil
}

// Update appends the object's current values as a new event assuming the
// entity version equals the version obj was read at, otherwise returns
// ErrVersionConflict. When validFrom is set and earlier than the latest
// recorded tx time the event is a CORRECTED retroactive fact, otherwise a
// regular UPDATED. Requires write permission.
func (s *Store) Update(
	ctx context.Context, caller string, obj Storable, validFrom *time.Time,
) error {
	return s.appendChange(ctx, caller, obj, validFrom, false)
}

// UpdateMany updates all objects inside one transaction. Any single
// failure, version conflicts included, aborts the whole batch.
func (s *Store) UpdateMany(
	ctx context.Context, caller string, objs ...Storable,
) error {
	admin := s.isAdmin(caller)
	rows := make([]db.Row, len(objs))
	err := s.db.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		for i, obj := range objs {
			row, assumed, err := s.buildChangeRow(ctx, tx, caller, admin, obj, nil, false)
			if err != nil {
				return fmt.Errorf("object %d: %w", i, err)
			}
			rows[i], err = tx.AppendEvent(ctx, assumed, row)
			if err != nil {
				if errors.Is(err, db.ErrVersionMismatch) {
					return fmt.Errorf("object %d: %w", i, ErrVersionConflict)
				}
				return fmt.Errorf("object %d: appending event: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i, row := range rows {
		s.hydrate(objs[i], row)
	}
	s.emit(rows...)
	return nil
}

// Delete appends a DELETED tombstone event under the same concurrency
// check as Update. The entity remains readable through History and AsOf.
func (s *Store) Delete(ctx context.Context, caller string, obj Storable) error {
	return s.appendChange(ctx, caller, obj, nil, true)
}

func (s *Store) appendChange(
	ctx context.Context, caller string, obj Storable,
	validFrom *time.Time, tombstone bool,
) error {
	admin := s.isAdmin(caller)
	var row db.Row
	err := s.db.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		r, assumed, err := s.buildChangeRow(
			ctx, tx, caller, admin, obj, validFrom, tombstone)
		if err != nil {
			return err
		}
		row, err = tx.AppendEvent(ctx, assumed, r)
		if errors.Is(err, db.ErrVersionMismatch) {
			return ErrVersionConflict
		}
		return err
	})
	if err != nil {
		return err
	}
	s.hydrate(obj, row)
	s.emit(row)
	return nil
}

// buildChangeRow reads the entity's latest row inside tx, enforces write
// permission, decides the event type and prepares the row to append.
// Returns the version the append must assume.
func (s *Store) buildChangeRow(
	ctx context.Context, tx db.TxRW, caller string, admin bool,
	obj Storable, validFrom *time.Time, tombstone bool,
) (row db.Row, assumedVersion int64, err error) {
	if obj.Version() < 1 {
		return db.Row{}, 0, ErrNoReadVersion
	}
	if _, err := s.validate(obj); err != nil {
		return db.Row{}, 0, err
	}
	payload, err := s.codec.EncodeJSON(obj)
	if err != nil {
		return db.Row{}, 0, fmt.Errorf("marshaling payload json: %w", err)
	}

	latest, err := tx.LatestEvent(ctx, caller, admin, obj.EntityID())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return db.Row{}, 0, ErrNotFound
		}
		return db.Row{}, 0, fmt.Errorf("reading latest event: %w", err)
	}
	if !admin && !canWrite(caller, latest) {
		return db.Row{}, 0, ErrAccessDenied
	}

	eventType := db.EventUpdated
	switch {
	case tombstone:
		eventType = db.EventDeleted
	case validFrom != nil && validFrom.Before(latest.TxTime):
		eventType = db.EventCorrected
	}

	row = db.Row{
		EntityID:  obj.EntityID(),
		TypeName:  latest.TypeName,
		EventType: eventType,
		Owner:     latest.Owner,
		UpdatedBy: caller,
		Readers:   latest.Readers,
		Writers:   latest.Writers,
		Payload:   payload,
		State:     latest.State,
	}
	if validFrom != nil {
		row.ValidFrom = *validFrom
	}
	row.ValidTo = obj.ValidTo()
	return row, obj.Version(), nil
}

func canWrite(caller string, row db.Row) bool {
	if caller == row.Owner {
		return true
	}
	for _, w := range row.Writers {
		if w == caller {
			return true
		}
	}
	return false
}

// Read returns the latest non-deleted state of an entity visible to
// caller, reconstructed into its registered type with version and state
// metadata attached. Returns ErrNotFound for tombstoned entities.
func (s *Store) Read(
	ctx context.Context, caller string, entityID string,
) (Storable, error) {
	var row db.Row
	err := s.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		var err error
		row, err = tx.LatestEvent(ctx, caller, s.isAdmin(caller), entityID)
		return err
	})
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if row.EventType == db.EventDeleted {
		return nil, ErrNotFound
	}
	return s.decodeRow(row)
}

// History returns every event ever recorded for the entity, oldest first,
// tombstones included.
func (s *Store) History(
	ctx context.Context, caller string, entityID string,
) ([]Storable, error) {
	var rows []db.Row
	err := s.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		var err error
		rows, err = tx.EventsByEntity(ctx, caller, s.isAdmin(caller), entityID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	objs := make([]Storable, len(rows))
	for i, row := range rows {
		if objs[i], err = s.decodeRow(row); err != nil {
			return nil, err
		}
	}
	return objs, nil
}

// AsOf answers bi-temporal reads. txTime filters to what was recorded at
// or before that instant, validTime filters to the fact whose business
// interval contains that instant. Both are independently optional, both
// together answer "what did we know at T about state effective at V".
// Returns ErrNotFound when txTime precedes the entity's first event.
func (s *Store) AsOf(
	ctx context.Context, caller string, entityID string,
	txTime, validTime *time.Time,
) (Storable, error) {
	var row db.Row
	err := s.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		var err error
		row, err = tx.EventAsOf(
			ctx, caller, s.isAdmin(caller), entityID, txTime, validTime)
		return err
	})
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.decodeRow(row)
}

// Query returns up to limit current-state entities of the given type
// matching every equality filter, ordered by entity creation order.
// The returned cursor continues exactly where this page stopped; the
// cursor is live, not a snapshot: entities created after the first page
// appear on later pages when their creation position is past the cursor,
// and a static data set pages with no duplicates or skips.
// A zero cursor starts from the beginning.
func (s *Store) Query(
	ctx context.Context, caller string, typeName string,
	filters map[string]any, limit int, cursor int64,
) (objs []Storable, nextCursor int64, err error) {
	dbFilters := make([]db.Filter, 0, len(filters))
	for f, v := range filters {
		dbFilters = append(dbFilters, db.Filter{Field: f, Value: v})
	}
	var rows []db.Row
	var last int64
	err = s.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		var err error
		rows, last, err = tx.QueryLatest(
			ctx, caller, s.isAdmin(caller), typeName, dbFilters,
			db.Page{Limit: limit, Cursor: cursor})
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	objs = make([]Storable, len(rows))
	for i, row := range rows {
		if objs[i], err = s.decodeRow(row); err != nil {
			return nil, 0, err
		}
	}
	if len(rows) < limit || limit < 1 {
		last = 0 // No more pages.
	}
	return objs, last, nil
}

// Count counts the current non-deleted entities visible to caller,
// restricted to typeName unless it's empty.
func (s *Store) Count(
	ctx context.Context, caller string, typeName string,
) (count int64, err error) {
	err = s.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		count, err = tx.CountLatest(ctx, caller, s.isAdmin(caller), typeName)
		return err
	})
	return count, err
}

// TypeNames lists the distinct storable type names with events visible
// to caller.
func (s *Store) TypeNames(
	ctx context.Context, caller string,
) (names []string, err error) {
	err = s.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		names, err = tx.TypeNames(ctx, caller, s.isAdmin(caller))
		return err
	})
	return names, err
}

// AuditEntry is one line of an entity's audit trail.
type AuditEntry struct {
	Version   int64
	EventType string
	UpdatedBy string
	TxTime    time.Time
}

// Audit returns who changed the entity, how and when, across all history,
// oldest first.
func (s *Store) Audit(
	ctx context.Context, caller string, entityID string,
) ([]AuditEntry, error) {
	var rows []db.Row
	err := s.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		var err error
		rows, err = tx.EventsByEntity(ctx, caller, s.isAdmin(caller), entityID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	trail := make([]AuditEntry, len(rows))
	for i, row := range rows {
		trail[i] = AuditEntry{
			Version:   row.Version,
			EventType: row.EventType,
			UpdatedBy: row.UpdatedBy,
			TxTime:    row.TxTime,
		}
	}
	return trail, nil
}

// ShareRead grants identity read access to every event of the entity.
// Only the owner and admins may share.
func (s *Store) ShareRead(
	ctx context.Context, caller string, entityID, identity string,
) error {
	return s.mutateGrants(ctx, caller, entityID,
		func(ctx context.Context, tx db.TxRW) error {
			return tx.GrantRead(ctx, entityID, identity)
		})
}

// ShareWrite grants identity write access to every event of the entity.
// Only the owner and admins may share.
func (s *Store) ShareWrite(
	ctx context.Context, caller string, entityID, identity string,
) error {
	return s.mutateGrants(ctx, caller, entityID,
		func(ctx context.Context, tx db.TxRW) error {
			return tx.GrantWrite(ctx, entityID, identity)
		})
}

// Unshare removes identity from both the readers and writers of the
// entity. Only the owner and admins may unshare. The owner itself can't
// be removed, ownership is immutable.
func (s *Store) Unshare(
	ctx context.Context, caller string, entityID, identity string,
) error {
	return s.mutateGrants(ctx, caller, entityID,
		func(ctx context.Context, tx db.TxRW) error {
			return tx.Revoke(ctx, entityID, identity)
		})
}

func (s *Store) mutateGrants(
	ctx context.Context, caller string, entityID string,
	fn func(context.Context, db.TxRW) error,
) error {
	admin := s.isAdmin(caller)
	return s.db.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		latest, err := tx.LatestEvent(ctx, caller, admin, entityID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !admin && caller != latest.Owner {
			return ErrAccessDenied
		}
		return fn(ctx, tx)
	})
}

// ListShared returns the identities the entity is shared with,
// read grants and write grants separately.
func (s *Store) ListShared(
	ctx context.Context, caller string, entityID string,
) (readers, writers []string, err error) {
	var row db.Row
	err = s.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		row, err = tx.LatestEvent(ctx, caller, s.isAdmin(caller), entityID)
		return err
	})
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	return row.Readers, row.Writers, nil
}
