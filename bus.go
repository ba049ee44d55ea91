package provenant

import (
	"log/slog"
	"sync"
	"time"

	"github.com/provenant/provenant/db"
)

// ChangeEvent describes one committed event of the store, delivered to
// in-process bus callbacks and durable listener subscribers.
type ChangeEvent struct {
	Seq       int64
	EntityID  string
	TypeName  string
	Version   int64
	EventType string
	UpdatedBy string
	State     string
	TxTime    time.Time
	Payload   string
}

func changeEventFromRow(row db.Row) ChangeEvent {
	return ChangeEvent{
		Seq:       row.Seq,
		EntityID:  row.EntityID,
		TypeName:  row.TypeName,
		Version:   row.Version,
		EventType: row.EventType,
		UpdatedBy: row.UpdatedBy,
		State:     row.State,
		TxTime:    row.TxTime,
		Payload:   row.Payload,
	}
}

// Callback handles one committed change event.
type Callback func(ChangeEvent)

// SubscriptionID identifies a bus registration for removal.
type SubscriptionID int64

type busSubscription struct {
	id       SubscriptionID
	typeName string // Empty matches every type.
	entityID string // Empty matches every entity.
	fn       Callback
}

// EventBus dispatches committed store writes to in-process callbacks,
// synchronously and in registration order, on the writer's call path.
// Callbacks must be fast or asynchronous themselves, a slow callback
// delays the writer's return. A panicking callback is recovered and
// logged, it never affects the already committed write.
type EventBus struct {
	log    *slog.Logger
	lock   sync.RWMutex
	nextID SubscriptionID
	subs   []busSubscription
}

func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{log: log}
}

// On registers fn for every committed event of the given type.
func (b *EventBus) On(typeName string, fn Callback) SubscriptionID {
	return b.subscribe(busSubscription{typeName: typeName, fn: fn})
}

// OnEntity registers fn for every committed event of one entity.
func (b *EventBus) OnEntity(entityID string, fn Callback) SubscriptionID {
	return b.subscribe(busSubscription{entityID: entityID, fn: fn})
}

// OnAll registers fn for every committed event.
func (b *EventBus) OnAll(fn Callback) SubscriptionID {
	return b.subscribe(busSubscription{fn: fn})
}

func (b *EventBus) subscribe(s busSubscription) SubscriptionID {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.nextID++
	s.id = b.nextID
	b.subs = append(b.subs, s)
	return s.id
}

// Off removes a registration. Removing an unknown id is a no-op.
func (b *EventBus) Off(id SubscriptionID) {
	b.lock.Lock()
	defer b.lock.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *EventBus) dispatch(e ChangeEvent) {
	b.lock.RLock()
	subs := make([]busSubscription, len(b.subs))
	copy(subs, b.subs)
	b.lock.RUnlock()

	for _, s := range subs {
		if s.typeName != "" && s.typeName != e.TypeName {
			continue
		}
		if s.entityID != "" && s.entityID != e.EntityID {
			continue
		}
		b.call(s, e)
	}
}

func (b *EventBus) call(s busSubscription, e ChangeEvent) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error("recovered panicking bus callback",
				slog.Int64("subscription", int64(s.id)),
				slog.String("entity.id", e.EntityID),
				slog.Any("panic", p))
		}
	}()
	s.fn(e)
}
