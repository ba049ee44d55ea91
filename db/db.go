// Package db defines the database interfaces the object store relies on.
// The store's only requirements of the underlying engine are durable,
// transactional row insertion with a conditional check on the previous
// per-entity version, and row-level filtering on owner/readers/writers.
package db

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrVersionMismatch is returned by Writer.AppendEvent when the assumed
	// version doesn't match the entity's actual latest version.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrNotFound is returned by readers when no visible row matches.
	ErrNotFound = errors.New("not found")
)

// Event types of the append-only log.
const (
	EventCreated     = "CREATED"
	EventUpdated     = "UPDATED"
	EventDeleted     = "DELETED"
	EventStateChange = "STATE_CHANGE"
	EventCorrected   = "CORRECTED"
)

// Row is one persisted event of the bi-temporal log.
type Row struct {
	// Seq is the global append order across all entities,
	// assigned by the database. Checkpoints and replay are keyed on it.
	Seq int64

	EntityID  string
	TypeName  string
	Version   int64
	EventType string

	// TxTime is system time at write, immutable.
	// ValidFrom/ValidTo bound the business-effective interval.
	TxTime    time.Time
	ValidFrom time.Time
	ValidTo   *time.Time

	Owner     string
	UpdatedBy string
	Readers   []string
	Writers   []string

	// Payload contains the serialized field values in JSON format.
	Payload string
	// State is the current lifecycle state name, empty when the entity
	// has no state machine.
	State string
	// Meta carries event-specific JSON metadata, e.g. the from/to states
	// of a STATE_CHANGE.
	Meta string
}

// Filter is an equality predicate on a payload field.
type Filter struct {
	Field string
	Value any
}

// Page bounds a latest-state query. Cursor is the creation seq of the last
// entity of the previous page; zero starts from the beginning.
type Page struct {
	Limit  int
	Cursor int64
}

// Reader provides access-controlled read access to the event log.
// Every method filters rows to those visible to caller (owner, reader or
// writer); admin passes true to bypass the filter.
type Reader interface {
	// LatestEvent returns the latest event of an entity regardless of its
	// event type. Returns ErrNotFound if the entity has no visible rows.
	LatestEvent(ctx context.Context, caller string, admin bool,
		entityID string) (Row, error)

	// EventsByEntity returns every event of an entity, oldest first,
	// tombstones included.
	EventsByEntity(ctx context.Context, caller string, admin bool,
		entityID string) ([]Row, error)

	// EventAsOf returns the latest event with TxTime <= txTime (when set)
	// whose business interval contains validTime (when set).
	EventAsOf(ctx context.Context, caller string, admin bool,
		entityID string, txTime, validTime *time.Time) (Row, error)

	// QueryLatest returns up to page.Limit latest non-deleted rows of the
	// given type matching every filter, ordered by entity creation order,
	// plus the creation seq of the last returned entity for cursoring.
	QueryLatest(ctx context.Context, caller string, admin bool,
		typeName string, filters []Filter, page Page,
	) (rows []Row, lastCursor int64, err error)

	// CountLatest counts latest non-deleted visible entities,
	// optionally restricted to one type (empty counts all).
	CountLatest(ctx context.Context, caller string, admin bool,
		typeName string) (int64, error)

	// TypeNames lists the distinct type names visible to caller.
	TypeNames(ctx context.Context, caller string, admin bool) ([]string, error)

	// EventsAfterSeq returns up to limit events with Seq > afterSeq in
	// ascending seq order, unfiltered. Used by checkpointed subscribers.
	EventsAfterSeq(ctx context.Context, afterSeq int64, limit int) ([]Row, error)

	// MaxSeq returns the highest seq in the log, 0 when empty.
	MaxSeq(ctx context.Context) (int64, error)

	// Checkpoint returns the persisted high-water mark of a subscriber.
	// Returns ErrNotFound for unknown subscribers.
	Checkpoint(ctx context.Context, subscriberID string) (int64, error)
}

// Writer appends to the event log and maintains grants and checkpoints.
type Writer interface {
	// AppendEvent appends row assuming the entity's current latest version
	// equals assumedVersion (0 for a new entity), otherwise returns
	// ErrVersionMismatch. The database assigns Seq and TxTime.
	AppendEvent(ctx context.Context, assumedVersion int64, row Row) (Row, error)

	// GrantRead adds identity to the readers of every event of the entity.
	GrantRead(ctx context.Context, entityID, identity string) error
	// GrantWrite adds identity to the writers of every event of the entity.
	GrantWrite(ctx context.Context, entityID, identity string) error
	// Revoke removes identity from both readers and writers of every event.
	Revoke(ctx context.Context, entityID, identity string) error

	// InitCheckpoint creates the checkpoint row for a subscriber if it
	// doesn't exist yet, starting at seq 0.
	InitCheckpoint(ctx context.Context, subscriberID string) (int64, error)
	// SetCheckpoint persists the subscriber's high-water mark.
	SetCheckpoint(ctx context.Context, subscriberID string, seq int64) error
}

// TxRW is a read-write transaction.
type TxRW interface {
	Reader
	Writer
}

// TxReadOnly is a read-only transaction.
type TxReadOnly interface {
	Reader
}

// Listener is listening for event insertion notifications.
// This interface may be implemented optionally. If not implemented the
// subscription listener relies on polling.
type Listener interface {
	// ListenEventInserted calls onReady once it's listening and
	// onEventInserted every time a new event was appended onto the log.
	ListenEventInserted(
		ctx context.Context,
		onReady func(),
		onEventInserted func(seq int64) error,
	) error
}

type DB interface {
	// TxReadOnly starts a read-only transaction and commits it if fn
	// returns no error. If fn either panics or returns an error the
	// transaction is rolled back.
	TxReadOnly(
		ctx context.Context,
		fn func(ctx context.Context, tx TxReadOnly) error,
	) error

	// TxRW starts a read-write transaction and commits it if fn returns no
	// error. If fn either panics or returns an error the transaction is
	// rolled back.
	TxRW(
		ctx context.Context,
		fn func(ctx context.Context, tx TxRW) error,
	) error
}
