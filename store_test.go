package provenant_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/provenant/provenant"
	"github.com/provenant/provenant/catalog"
	"github.com/provenant/provenant/db"
	"github.com/provenant/provenant/internal/memdb"

	"github.com/stretchr/testify/require"
)

type Position struct {
	provenant.Meta

	Symbol       string  `json:"symbol"`
	Quantity     int64   `json:"quantity"`
	AvgCost      float64 `json:"avg_cost"`
	CurrentPrice float64 `json:"current_price"`
}

type Order struct {
	provenant.Meta

	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity int64   `json:"quantity"`
	Price    float64 `json:"limit_price"`
	Trader   string  `json:"trader_name"`
}

func newTestCodec(t *testing.T) *provenant.TypeCodec {
	t.Helper()
	codec := provenant.NewTypeCodec(catalog.New())
	provenant.MustRegisterTypeIn[*Position](codec, "trading.Position")
	provenant.MustRegisterTypeIn[*Order](codec, "trading.Order")
	return codec
}

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, opts ...provenant.Option) (*provenant.Store, *memdb.DB) {
	t.Helper()
	database := memdb.New()
	return provenant.NewStore(testLog(), database, newTestCodec(t), opts...), database
}

func testPosition() *Position {
	return &Position{
		Symbol:       "AAPL",
		Quantity:     100,
		AvgCost:      220.0,
		CurrentPrice: 230.0,
	}
}

func TestWriteRead(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	p := testPosition()
	id, err := s.Write(ctx, "alice", p)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, id, p.EntityID())
	require.Equal(t, int64(1), p.Version())
	require.Equal(t, db.EventCreated, p.EventType())
	require.Equal(t, "alice", p.Owner())

	read, err := s.Read(ctx, "alice", id)
	require.NoError(t, err)
	got := read.(*Position)
	require.Equal(t, "AAPL", got.Symbol)
	require.Equal(t, int64(100), got.Quantity)
	require.Equal(t, 230.0, got.CurrentPrice)
	require.Equal(t, int64(1), got.Version())
}

func TestWriteValidation(t *testing.T) {
	s, _ := newTestStore(t)

	p := testPosition()
	p.Symbol = "lowercase" // Violates the symbol pattern.
	_, err := s.Write(t.Context(), "alice", p)
	require.ErrorIs(t, err, provenant.ErrValidation)
}

func TestUpdateVersions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	p := testPosition()
	id, err := s.Write(ctx, "alice", p)
	require.NoError(t, err)

	p.CurrentPrice = 235.0
	require.NoError(t, s.Update(ctx, "alice", p, nil))
	require.Equal(t, int64(2), p.Version())
	require.Equal(t, db.EventUpdated, p.EventType())

	p.CurrentPrice = 240.0
	require.NoError(t, s.Update(ctx, "alice", p, nil))
	require.Equal(t, int64(3), p.Version())

	// Versions increase strictly by 1 with no gaps and
	// len(history) equals the latest read version.
	history, err := s.History(ctx, "alice", id)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, h := range history {
		require.Equal(t, int64(i+1), h.Version())
	}
	read, err := s.Read(ctx, "alice", id)
	require.NoError(t, err)
	require.Equal(t, int64(len(history)), read.Version())
}

func TestUpdateVersionConflict(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	p := testPosition()
	id, err := s.Write(ctx, "alice", p)
	require.NoError(t, err)

	// Two readers of the same version race on the update.
	r1, err := s.Read(ctx, "alice", id)
	require.NoError(t, err)
	r2, err := s.Read(ctx, "alice", id)
	require.NoError(t, err)

	r1.(*Position).CurrentPrice = 231.0
	require.NoError(t, s.Update(ctx, "alice", r1, nil))

	r2.(*Position).CurrentPrice = 232.0
	err = s.Update(ctx, "alice", r2, nil)
	require.ErrorIs(t, err, provenant.ErrVersionConflict)
}

func TestUpdateWithoutReadVersion(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Update(t.Context(), "alice", testPosition(), nil)
	require.ErrorIs(t, err, provenant.ErrNoReadVersion)
}

func TestUpdateBackdatedIsCorrection(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	p := testPosition()
	_, err := s.Write(ctx, "alice", p)
	require.NoError(t, err)

	past := time.Now().Add(-24 * time.Hour)
	p.AvgCost = 219.5
	require.NoError(t, s.Update(ctx, "alice", p, &past))
	require.Equal(t, db.EventCorrected, p.EventType())

	p.AvgCost = 221.0
	require.NoError(t, s.Update(ctx, "alice", p, nil))
	require.Equal(t, db.EventUpdated, p.EventType())
}

func TestDeleteTombstone(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	p := testPosition()
	id, err := s.Write(ctx, "alice", p)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "alice", p))
	require.Equal(t, db.EventDeleted, p.EventType())

	_, err = s.Read(ctx, "alice", id)
	require.ErrorIs(t, err, provenant.ErrNotFound)

	// The entity remains queryable through History.
	history, err := s.History(ctx, "alice", id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, db.EventDeleted, history[1].EventType())
}

func TestAsOf(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	p := testPosition()
	id, err := s.Write(ctx, "alice", p)
	require.NoError(t, err)
	afterCreate := time.Now()

	time.Sleep(10 * time.Millisecond)
	p.CurrentPrice = 235.0
	require.NoError(t, s.Update(ctx, "alice", p, nil))

	// What did we know right after creation?
	read, err := s.AsOf(ctx, "alice", id, &afterCreate, nil)
	require.NoError(t, err)
	require.Equal(t, 230.0, read.(*Position).CurrentPrice)
	require.Equal(t, int64(1), read.Version())

	// Without filters the latest event wins.
	read, err = s.AsOf(ctx, "alice", id, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 235.0, read.(*Position).CurrentPrice)

	// T before the first event.
	before := time.Now().Add(-time.Hour)
	_, err = s.AsOf(ctx, "alice", id, &before, nil)
	require.ErrorIs(t, err, provenant.ErrNotFound)
}

func TestAsOfValidTime(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	p := testPosition()
	id, err := s.Write(ctx, "alice", p)
	require.NoError(t, err)

	// Record a retroactive fact effective since yesterday.
	yesterday := time.Now().Add(-24 * time.Hour)
	p.AvgCost = 219.0
	require.NoError(t, s.Update(ctx, "alice", p, &yesterday))
	require.Equal(t, db.EventCorrected, p.EventType())

	// Effective twelve hours ago only the correction applies.
	halfDay := time.Now().Add(-12 * time.Hour)
	read, err := s.AsOf(ctx, "alice", id, nil, &halfDay)
	require.NoError(t, err)
	require.Equal(t, 219.0, read.(*Position).AvgCost)
}

func TestWriteMany(t *testing.T) {
	s, database := newTestStore(t)
	ctx := t.Context()

	a, b := testPosition(), testPosition()
	b.Symbol = "MSFT"
	ids, err := s.WriteMany(ctx, "alice", a, b)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.NotEqual(t, ids[0], ids[1])
	require.Len(t, database.Rows(), 2)
}

func TestWriteManyAbortsWhole(t *testing.T) {
	s, database := newTestStore(t)

	a, b := testPosition(), testPosition()
	b.Symbol = "bad symbol" // Violates the symbol pattern.
	_, err := s.WriteMany(t.Context(), "alice", a, b)
	require.ErrorIs(t, err, provenant.ErrValidation)
	require.Empty(t, database.Rows()) // No partial application.
}

func TestUpdateManyAbortsWhole(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	a, b := testPosition(), testPosition()
	b.Symbol = "MSFT"
	_, err := s.WriteMany(ctx, "alice", a, b)
	require.NoError(t, err)

	// Invalidate b's read version to fail the second member.
	a.CurrentPrice = 231.0
	b.CurrentPrice = 231.0
	stale, err := s.Read(ctx, "alice", b.EntityID())
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, "alice", stale, nil))

	err = s.UpdateMany(ctx, "alice", a, b)
	require.ErrorIs(t, err, provenant.ErrVersionConflict)

	// The first member wasn't applied either.
	read, err := s.Read(ctx, "alice", a.EntityID())
	require.NoError(t, err)
	require.Equal(t, int64(1), read.Version())
	require.Equal(t, 230.0, read.(*Position).CurrentPrice)
}

func TestAccessControl(t *testing.T) {
	s, _ := newTestStore(t, provenant.WithAdmins("root"))
	ctx := t.Context()

	p := testPosition()
	id, err := s.Write(ctx, "alice", p)
	require.NoError(t, err)

	// Invisible to others.
	_, err = s.Read(ctx, "bob", id)
	require.ErrorIs(t, err, provenant.ErrNotFound)

	// Admins bypass filtering.
	_, err = s.Read(ctx, "root", id)
	require.NoError(t, err)

	// A read grant makes it visible but not writable.
	require.NoError(t, s.ShareRead(ctx, "alice", id, "bob"))
	bobRead, err := s.Read(ctx, "bob", id)
	require.NoError(t, err)
	bobRead.(*Position).CurrentPrice = 250.0
	err = s.Update(ctx, "bob", bobRead, nil)
	require.ErrorIs(t, err, provenant.ErrAccessDenied)

	// A write grant allows updating.
	require.NoError(t, s.ShareWrite(ctx, "alice", id, "bob"))
	bobRead, err = s.Read(ctx, "bob", id)
	require.NoError(t, err)
	bobRead.(*Position).CurrentPrice = 250.0
	require.NoError(t, s.Update(ctx, "bob", bobRead, nil))

	// Unshare cuts bob off entirely.
	require.NoError(t, s.Unshare(ctx, "alice", id, "bob"))
	_, err = s.Read(ctx, "bob", id)
	require.ErrorIs(t, err, provenant.ErrNotFound)
}

func TestShareRequiresOwnership(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	p := testPosition()
	id, err := s.Write(ctx, "alice", p)
	require.NoError(t, err)
	require.NoError(t, s.ShareRead(ctx, "alice", id, "bob"))

	// A reader can't share further.
	err = s.ShareRead(ctx, "bob", id, "carol")
	require.ErrorIs(t, err, provenant.ErrAccessDenied)
}

func TestListShared(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	p := testPosition()
	id, err := s.Write(ctx, "alice", p)
	require.NoError(t, err)
	require.NoError(t, s.ShareRead(ctx, "alice", id, "bob"))
	require.NoError(t, s.ShareWrite(ctx, "alice", id, "carol"))

	readers, writers, err := s.ListShared(ctx, "alice", id)
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, readers)
	require.Equal(t, []string{"carol"}, writers)
}

func TestQueryPagination(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	symbols := []string{"AAPL", "MSFT", "GOOGL", "TSLA", "NVDA"}
	for _, sym := range symbols {
		p := testPosition()
		p.Symbol = sym
		_, err := s.Write(ctx, "alice", p)
		require.NoError(t, err)
	}

	var seen []string
	var cursor int64
	for {
		page, next, err := s.Query(ctx, "alice", "trading.Position", nil, 2, cursor)
		require.NoError(t, err)
		for _, obj := range page {
			seen = append(seen, obj.(*Position).Symbol)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	// Creation order, no duplicates or skips.
	require.Equal(t, symbols, seen)
}

func TestQueryFilters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	for _, sym := range []string{"AAPL", "MSFT", "AAPL"} {
		p := testPosition()
		p.Symbol = sym
		_, err := s.Write(ctx, "alice", p)
		require.NoError(t, err)
	}

	page, _, err := s.Query(ctx, "alice", "trading.Position",
		map[string]any{"symbol": "AAPL"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	for _, obj := range page {
		require.Equal(t, "AAPL", obj.(*Position).Symbol)
	}
}

func TestQueryExcludesDeleted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	p := testPosition()
	_, err := s.Write(ctx, "alice", p)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "alice", p))

	page, _, err := s.Query(ctx, "alice", "trading.Position", nil, 10, 0)
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestCountAndTypeNames(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	_, err := s.Write(ctx, "alice", testPosition())
	require.NoError(t, err)
	_, err = s.Write(ctx, "alice", &Order{
		Symbol: "AAPL", Side: "BUY", Quantity: 10,
		Price: 100, Trader: "alice",
	})
	require.NoError(t, err)

	count, err := s.Count(ctx, "alice", "")
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	count, err = s.Count(ctx, "alice", "trading.Order")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	names, err := s.TypeNames(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"trading.Order", "trading.Position"}, names)

	// Bob sees nothing.
	count, err = s.Count(ctx, "bob", "")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestAudit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	p := testPosition()
	id, err := s.Write(ctx, "alice", p)
	require.NoError(t, err)
	require.NoError(t, s.ShareWrite(ctx, "alice", id, "bob"))

	bobRead, err := s.Read(ctx, "bob", id)
	require.NoError(t, err)
	bobRead.(*Position).CurrentPrice = 231.0
	require.NoError(t, s.Update(ctx, "bob", bobRead, nil))

	trail, err := s.Audit(ctx, "alice", id)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	require.Equal(t, int64(1), trail[0].Version)
	require.Equal(t, db.EventCreated, trail[0].EventType)
	require.Equal(t, "alice", trail[0].UpdatedBy)
	require.Equal(t, int64(2), trail[1].Version)
	require.Equal(t, db.EventUpdated, trail[1].EventType)
	require.Equal(t, "bob", trail[1].UpdatedBy)
	require.False(t, trail[1].TxTime.Before(trail[0].TxTime))
}

func TestBusFiresAfterCommit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	var events []provenant.ChangeEvent
	s.Bus().OnAll(func(e provenant.ChangeEvent) {
		events = append(events, e)
	})

	p := testPosition()
	id, err := s.Write(ctx, "alice", p)
	require.NoError(t, err)
	p.CurrentPrice = 231.0
	require.NoError(t, s.Update(ctx, "alice", p, nil))

	require.Len(t, events, 2)
	require.Equal(t, db.EventCreated, events[0].EventType)
	require.Equal(t, id, events[0].EntityID)
	require.Equal(t, db.EventUpdated, events[1].EventType)
	require.Equal(t, int64(2), events[1].Version)
}
