// Package memdb is an in-memory db.DB for tests. It mirrors the pgx
// adapter's semantics: serializable transactions (a global lock held for
// the transaction's duration), conditional version-checked appends,
// visibility filtering and subscriber checkpoints. Not for production use.
package memdb

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/provenant/provenant/db"
)

type DB struct {
	lock        sync.Mutex
	rows        []db.Row
	checkpoints map[string]int64
}

var _ db.DB = new(DB)

func New() *DB {
	return &DB{checkpoints: map[string]int64{}}
}

// Rows returns a snapshot of all committed rows, for test assertions.
func (d *DB) Rows() []db.Row {
	d.lock.Lock()
	defer d.lock.Unlock()
	rows := make([]db.Row, len(d.rows))
	copy(rows, d.rows)
	return rows
}

type grantOp struct {
	entityID, identity string
	mode               byte // 'r', 'w' or 'x' for revoke
}

// Tx stages changes until commit. The database lock is held for the whole
// transaction, making transactions trivially serializable.
type Tx struct {
	d           *DB
	staged      []db.Row
	grants      []grantOp
	checkpoints map[string]int64
}

var (
	_ db.TxRW       = new(Tx)
	_ db.TxReadOnly = new(Tx)
)

func (d *DB) TxRW(
	ctx context.Context, fn func(context.Context, db.TxRW) error,
) error {
	return d.withTx(ctx, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, tx)
	})
}

func (d *DB) TxReadOnly(
	ctx context.Context, fn func(context.Context, db.TxReadOnly) error,
) error {
	return d.withTx(ctx, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, tx)
	})
}

func (d *DB) withTx(
	ctx context.Context, fn func(context.Context, *Tx) error,
) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	tx := &Tx{d: d, checkpoints: map[string]int64{}}
	if err := fn(ctx, tx); err != nil {
		return err // Staged changes are dropped.
	}
	tx.commit()
	return nil
}

func (t *Tx) commit() {
	t.d.rows = append(t.d.rows, t.staged...)
	for _, g := range t.grants {
		for i := range t.d.rows {
			if t.d.rows[i].EntityID != g.entityID {
				continue
			}
			switch g.mode {
			case 'r':
				t.d.rows[i].Readers = appendUnique(t.d.rows[i].Readers, g.identity)
			case 'w':
				t.d.rows[i].Writers = appendUnique(t.d.rows[i].Writers, g.identity)
			case 'x':
				t.d.rows[i].Readers = remove(t.d.rows[i].Readers, g.identity)
				t.d.rows[i].Writers = remove(t.d.rows[i].Writers, g.identity)
			}
		}
	}
	for id, seq := range t.checkpoints {
		t.d.checkpoints[id] = seq
	}
}

// all returns committed plus staged rows in seq order.
func (t *Tx) all() []db.Row {
	rows := make([]db.Row, 0, len(t.d.rows)+len(t.staged))
	rows = append(rows, t.d.rows...)
	rows = append(rows, t.staged...)
	return rows
}

func visible(r db.Row, caller string, admin bool) bool {
	if admin || r.Owner == caller {
		return true
	}
	for _, id := range r.Readers {
		if id == caller {
			return true
		}
	}
	for _, id := range r.Writers {
		if id == caller {
			return true
		}
	}
	return false
}

func (t *Tx) AppendEvent(
	ctx context.Context, assumedVersion int64, row db.Row,
) (db.Row, error) {
	var current int64
	for _, r := range t.all() {
		if r.EntityID == row.EntityID && r.Version > current {
			current = r.Version
		}
	}
	if current != assumedVersion {
		return db.Row{}, db.ErrVersionMismatch
	}
	row.Seq = int64(len(t.d.rows) + len(t.staged) + 1)
	row.Version = assumedVersion + 1
	row.TxTime = time.Now()
	if row.ValidFrom.IsZero() {
		row.ValidFrom = row.TxTime
	}
	t.staged = append(t.staged, row)
	return row, nil
}

func (t *Tx) LatestEvent(
	ctx context.Context, caller string, admin bool, entityID string,
) (db.Row, error) {
	var latest db.Row
	found := false
	for _, r := range t.all() {
		if r.EntityID != entityID || !visible(r, caller, admin) {
			continue
		}
		if !found || r.Version > latest.Version {
			latest, found = r, true
		}
	}
	if !found {
		return db.Row{}, db.ErrNotFound
	}
	return latest, nil
}

func (t *Tx) EventsByEntity(
	ctx context.Context, caller string, admin bool, entityID string,
) ([]db.Row, error) {
	var rows []db.Row
	for _, r := range t.all() {
		if r.EntityID == entityID && visible(r, caller, admin) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Version < rows[j].Version
	})
	return rows, nil
}

func (t *Tx) EventAsOf(
	ctx context.Context, caller string, admin bool, entityID string,
	txTime, validTime *time.Time,
) (db.Row, error) {
	var latest db.Row
	found := false
	for _, r := range t.all() {
		if r.EntityID != entityID || !visible(r, caller, admin) {
			continue
		}
		if txTime != nil && r.TxTime.After(*txTime) {
			continue
		}
		if validTime != nil {
			if r.ValidFrom.After(*validTime) {
				continue
			}
			if r.ValidTo != nil && !r.ValidTo.After(*validTime) {
				continue
			}
		}
		if !found || r.Version > latest.Version {
			latest, found = r, true
		}
	}
	if !found {
		return db.Row{}, db.ErrNotFound
	}
	return latest, nil
}

type entityState struct {
	latest     db.Row
	createdSeq int64
}

func (t *Tx) latestPerEntity(caller string, admin bool, typeName string) []entityState {
	byEntity := map[string]*entityState{}
	for _, r := range t.all() {
		if typeName != "" && r.TypeName != typeName {
			continue
		}
		if !visible(r, caller, admin) {
			continue
		}
		s, ok := byEntity[r.EntityID]
		if !ok {
			byEntity[r.EntityID] = &entityState{latest: r, createdSeq: r.Seq}
			continue
		}
		if r.Seq < s.createdSeq {
			s.createdSeq = r.Seq
		}
		if r.Version > s.latest.Version {
			s.latest = r
		}
	}
	states := make([]entityState, 0, len(byEntity))
	for _, s := range byEntity {
		states = append(states, *s)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].createdSeq < states[j].createdSeq
	})
	return states
}

func (t *Tx) QueryLatest(
	ctx context.Context, caller string, admin bool,
	typeName string, filters []db.Filter, page db.Page,
) (result []db.Row, lastCursor int64, err error) {
	if page.Limit < 1 {
		page.Limit = 100
	}
	for _, s := range t.latestPerEntity(caller, admin, typeName) {
		if s.latest.EventType == db.EventDeleted {
			continue
		}
		if s.createdSeq <= page.Cursor {
			continue
		}
		ok, err := matches(s.latest.Payload, filters)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			continue
		}
		result = append(result, s.latest)
		lastCursor = s.createdSeq
		if len(result) == page.Limit {
			break
		}
	}
	return result, lastCursor, nil
}

// matches mimics JSONB containment by comparing JSON-normalized values.
func matches(payload string, filters []db.Filter) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}
	var values map[string]any
	if err := json.Unmarshal([]byte(payload), &values); err != nil {
		return false, fmt.Errorf("unmarshaling payload: %w", err)
	}
	for _, f := range filters {
		have, ok := values[f.Field]
		if !ok {
			return false, nil
		}
		wantJSON, err := json.Marshal(f.Value)
		if err != nil {
			return false, err
		}
		var want any
		if err := json.Unmarshal(wantJSON, &want); err != nil {
			return false, err
		}
		if !reflect.DeepEqual(have, want) {
			return false, nil
		}
	}
	return true, nil
}

func (t *Tx) CountLatest(
	ctx context.Context, caller string, admin bool, typeName string,
) (int64, error) {
	var count int64
	for _, s := range t.latestPerEntity(caller, admin, typeName) {
		if s.latest.EventType != db.EventDeleted {
			count++
		}
	}
	return count, nil
}

func (t *Tx) TypeNames(
	ctx context.Context, caller string, admin bool,
) ([]string, error) {
	seen := map[string]struct{}{}
	for _, r := range t.all() {
		if visible(r, caller, admin) {
			seen[r.TypeName] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (t *Tx) EventsAfterSeq(
	ctx context.Context, afterSeq int64, limit int,
) ([]db.Row, error) {
	var rows []db.Row
	for _, r := range t.all() {
		if r.Seq > afterSeq {
			rows = append(rows, r)
			if len(rows) == limit {
				break
			}
		}
	}
	return rows, nil
}

func (t *Tx) MaxSeq(ctx context.Context) (int64, error) {
	return int64(len(t.d.rows) + len(t.staged)), nil
}

func (t *Tx) Checkpoint(
	ctx context.Context, subscriberID string,
) (int64, error) {
	if seq, ok := t.checkpoints[subscriberID]; ok {
		return seq, nil
	}
	seq, ok := t.d.checkpoints[subscriberID]
	if !ok {
		return 0, db.ErrNotFound
	}
	return seq, nil
}

func (t *Tx) InitCheckpoint(
	ctx context.Context, subscriberID string,
) (int64, error) {
	if seq, err := t.Checkpoint(ctx, subscriberID); err == nil {
		return seq, nil
	}
	t.checkpoints[subscriberID] = 0
	return 0, nil
}

func (t *Tx) SetCheckpoint(
	ctx context.Context, subscriberID string, seq int64,
) error {
	t.checkpoints[subscriberID] = seq
	return nil
}

func (t *Tx) GrantRead(ctx context.Context, entityID, identity string) error {
	t.grants = append(t.grants, grantOp{entityID, identity, 'r'})
	return nil
}

func (t *Tx) GrantWrite(ctx context.Context, entityID, identity string) error {
	t.grants = append(t.grants, grantOp{entityID, identity, 'w'})
	return nil
}

func (t *Tx) Revoke(ctx context.Context, entityID, identity string) error {
	t.grants = append(t.grants, grantOp{entityID, identity, 'x'})
	return nil
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
