// Package dbpgx implements the object store's database interface with a
// PostgreSQL over a jackc/pgx/v5 SQL driver based implementation.
package dbpgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/provenant/provenant/backoff"
	"github.com/provenant/provenant/db"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannel is the channel the insert trigger notifies on.
const NotifyChannel = "object_events"

var defaultBackoff backoff.Backoff

func DefaultBackoff() backoff.Backoff { return defaultBackoff }

func init() {
	var err error
	defaultBackoff, err = backoff.New(100*time.Millisecond, 2*time.Second, 2, .1, nil)
	if err != nil {
		panic(fmt.Errorf("init default backoff: %w", err))
	}
}

// DB is a pgx connection pool that implements the store's DB interface.
type DB struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

var (
	_ db.TxRW       = new(Tx)
	_ db.TxReadOnly = new(Tx)
	_ db.DB         = new(DB)
	_ db.Listener   = new(DB)
)

// Open connects to the database using pgx. It will ping and retry until
// either a successful connection is established or ctx is canceled.
func Open(
	ctx context.Context, log *slog.Logger, dsn string, maxConns int32,
	backoffConf backoff.Backoff,
) (*DB, error) {
	if maxConns < 1 {
		maxConns = int32(runtime.NumCPU())
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN: %w", err)
	}
	cfg.MaxConns = maxConns

	var pool *pgxpool.Pool
	for i, dur := range backoff.NewAtomic(backoffConf).Iter() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		time.Sleep(dur) // First is always 0.

		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("connecting database timed out: %w", err)
		}

		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("creating pgx pool with config: %w", err)
		}

		ctxPing, cancel := context.WithTimeout(ctx, 1*time.Second)
		err = p.Ping(ctxPing)
		cancel()
		if err != nil {
			log.Error("pinging database",
				slog.Any("err", err),
				slog.Int("attempt", i))
			p.Close()
			continue
		}

		pool = p
		break
	}

	return &DB{log: log, pool: pool}, nil
}

type Tx struct {
	lock sync.Mutex
	tx   pgx.Tx
}

const rowColumns = `seq, entity_id, type_name, version, event_type,
	tx_time, valid_from, valid_to, owner, updated_by, readers, writers,
	payload, state, meta`

// visibility filters rows to those caller may see. The caller identity is
// always bound as the first statement parameter.
const visibility = `(owner = $1 OR $1 = ANY(readers) OR $1 = ANY(writers))`

func scanRow(s interface{ Scan(...any) error }) (r db.Row, err error) {
	var validTo *time.Time
	var state, meta *string
	err = s.Scan(
		&r.Seq, &r.EntityID, &r.TypeName, &r.Version, &r.EventType,
		&r.TxTime, &r.ValidFrom, &validTo, &r.Owner, &r.UpdatedBy,
		&r.Readers, &r.Writers, &r.Payload, &state, &meta,
	)
	if err != nil {
		return db.Row{}, err
	}
	r.ValidTo = validTo
	if state != nil {
		r.State = *state
	}
	if meta != nil {
		r.Meta = *meta
	}
	return r, nil
}

func (t *Tx) LatestEvent(
	ctx context.Context, caller string, admin bool, entityID string,
) (db.Row, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	q := `SELECT ` + rowColumns + ` FROM object_events
		WHERE entity_id = $2 AND (` + visibility + ` OR $3)
		ORDER BY version DESC
		LIMIT 1`
	r, err := scanRow(t.tx.QueryRow(ctx, q, caller, entityID, admin))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return db.Row{}, db.ErrNotFound
		}
		return db.Row{}, fmt.Errorf("querying latest event: %w", err)
	}
	return r, nil
}

func (t *Tx) EventsByEntity(
	ctx context.Context, caller string, admin bool, entityID string,
) ([]db.Row, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	q := `SELECT ` + rowColumns + ` FROM object_events
		WHERE entity_id = $2 AND (` + visibility + ` OR $3)
		ORDER BY version ASC`
	rows, err := t.tx.Query(ctx, q, caller, entityID, admin)
	if err != nil {
		return nil, fmt.Errorf("querying entity history: %w", err)
	}
	defer rows.Close()

	var result []db.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return result, nil
}

func (t *Tx) EventAsOf(
	ctx context.Context, caller string, admin bool, entityID string,
	txTime, validTime *time.Time,
) (db.Row, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	q := `SELECT ` + rowColumns + ` FROM object_events
		WHERE entity_id = $2 AND (` + visibility + ` OR $3)
		AND ($4::timestamptz IS NULL OR tx_time <= $4)
		AND ($5::timestamptz IS NULL OR
			(valid_from <= $5 AND (valid_to IS NULL OR valid_to > $5)))
		ORDER BY version DESC
		LIMIT 1`
	r, err := scanRow(t.tx.QueryRow(ctx, q, caller, entityID, admin, txTime, validTime))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return db.Row{}, db.ErrNotFound
		}
		return db.Row{}, fmt.Errorf("querying event as of: %w", err)
	}
	return r, nil
}

func (t *Tx) QueryLatest(
	ctx context.Context, caller string, admin bool,
	typeName string, filters []db.Filter, page db.Page,
) (result []db.Row, lastCursor int64, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if page.Limit < 1 {
		page.Limit = 100
	}

	containment := "{}"
	if len(filters) > 0 {
		m := make(map[string]any, len(filters))
		for _, f := range filters {
			m[f.Field] = f.Value
		}
		j, err := json.Marshal(m)
		if err != nil {
			return nil, 0, fmt.Errorf("marshaling filters: %w", err)
		}
		containment = string(j)
	}

	// Latest row per entity, keyset-paginated over the entity's creation
	// seq so a cursor continues exactly where the previous page stopped.
	q := `SELECT ` + rowColumns + `, created_seq FROM (
			SELECT DISTINCT ON (entity_id) ` + rowColumns + `,
				MIN(seq) OVER (PARTITION BY entity_id) AS created_seq
			FROM object_events
			WHERE type_name = $2 AND (` + visibility + ` OR $3)
			ORDER BY entity_id, version DESC
		) sub
		WHERE event_type != 'DELETED'
		AND payload @> $4::jsonb
		AND created_seq > $5
		ORDER BY created_seq ASC
		LIMIT $6`
	rows, err := t.tx.Query(ctx, q,
		caller, typeName, admin, containment, page.Cursor, page.Limit)
	if err != nil {
		return nil, 0, fmt.Errorf("querying latest rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r db.Row
		var validTo *time.Time
		var state, meta *string
		var createdSeq int64
		err := rows.Scan(
			&r.Seq, &r.EntityID, &r.TypeName, &r.Version, &r.EventType,
			&r.TxTime, &r.ValidFrom, &validTo, &r.Owner, &r.UpdatedBy,
			&r.Readers, &r.Writers, &r.Payload, &state, &meta, &createdSeq,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning row: %w", err)
		}
		r.ValidTo = validTo
		if state != nil {
			r.State = *state
		}
		if meta != nil {
			r.Meta = *meta
		}
		result = append(result, r)
		lastCursor = createdSeq
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}
	return result, lastCursor, nil
}

func (t *Tx) CountLatest(
	ctx context.Context, caller string, admin bool, typeName string,
) (count int64, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	q := `SELECT COUNT(*) FROM (
			SELECT DISTINCT ON (entity_id) entity_id, event_type
			FROM object_events
			WHERE ($2 = '' OR type_name = $2) AND (` + visibility + ` OR $3)
			ORDER BY entity_id, version DESC
		) sub
		WHERE event_type != 'DELETED'`
	err = t.tx.QueryRow(ctx, q, caller, typeName, admin).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting latest rows: %w", err)
	}
	return count, nil
}

func (t *Tx) TypeNames(
	ctx context.Context, caller string, admin bool,
) ([]string, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	q := `SELECT DISTINCT type_name FROM object_events
		WHERE ` + visibility + ` OR $2
		ORDER BY type_name`
	rows, err := t.tx.Query(ctx, q, caller, admin)
	if err != nil {
		return nil, fmt.Errorf("querying type names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (t *Tx) EventsAfterSeq(
	ctx context.Context, afterSeq int64, limit int,
) ([]db.Row, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	q := `SELECT ` + rowColumns + ` FROM object_events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2`
	rows, err := t.tx.Query(ctx, q, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events after seq: %w", err)
	}
	defer rows.Close()

	var result []db.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (t *Tx) MaxSeq(ctx context.Context) (seq int64, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	err = t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM object_events`).Scan(&seq)
	return seq, err
}

func (t *Tx) Checkpoint(
	ctx context.Context, subscriberID string,
) (seq int64, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	err = t.tx.QueryRow(ctx, `
		SELECT last_seq FROM subscription_checkpoints WHERE subscriber_id = $1
	`, subscriberID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, db.ErrNotFound
	}
	return seq, err
}

func (t *Tx) InitCheckpoint(
	ctx context.Context, subscriberID string,
) (seq int64, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	_, err = t.tx.Exec(ctx, `
		INSERT INTO subscription_checkpoints (subscriber_id, last_seq)
		VALUES ($1, 0)
		ON CONFLICT (subscriber_id) DO NOTHING
	`, subscriberID)
	if err != nil {
		return 0, fmt.Errorf("creating checkpoint row for %q: %w", subscriberID, err)
	}
	err = t.tx.QueryRow(ctx,
		`SELECT last_seq FROM subscription_checkpoints WHERE subscriber_id = $1`,
		subscriberID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("retrieving checkpoint for %q: %w", subscriberID, err)
	}
	return seq, nil
}

func (t *Tx) SetCheckpoint(
	ctx context.Context, subscriberID string, seq int64,
) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	_, err := t.tx.Exec(ctx, `
		INSERT INTO subscription_checkpoints (subscriber_id, last_seq)
		VALUES ($1, $2)
		ON CONFLICT (subscriber_id) DO UPDATE
			SET last_seq = EXCLUDED.last_seq, updated_at = now()
	`, subscriberID, seq)
	return err
}

func (t *Tx) AppendEvent(
	ctx context.Context, assumedVersion int64, row db.Row,
) (db.Row, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	var validFrom *time.Time
	if !row.ValidFrom.IsZero() {
		validFrom = &row.ValidFrom
	}
	readers := row.Readers
	if readers == nil {
		readers = []string{}
	}
	writers := row.Writers
	if writers == nil {
		writers = []string{}
	}

	// This CTE first reads the entity's current max(version) and only
	// does the INSERT if it matches the assumed version.
	const sql = `
		WITH current AS (
			SELECT COALESCE(MAX(version), 0) AS v
			FROM object_events
			WHERE entity_id = $1
		),
		ins AS (
			INSERT INTO object_events (
				entity_id, type_name, version, event_type,
				valid_from, valid_to, owner, updated_by,
				readers, writers, payload, state, meta
			)
			SELECT $1, $3, $2 + 1, $4,
				COALESCE($5, now()), $6, $7, $8,
				$9, $10, $11::jsonb, NULLIF($12, ''), NULLIF($13, '')::jsonb
			FROM current
			WHERE current.v = $2
			RETURNING seq, version, tx_time, valid_from, valid_to
		)
		SELECT seq, version, tx_time, valid_from, valid_to FROM ins;
	`
	var validTo *time.Time
	err := t.tx.QueryRow(ctx, sql,
		row.EntityID, assumedVersion, row.TypeName, row.EventType,
		validFrom, row.ValidTo, row.Owner, row.UpdatedBy,
		readers, writers, row.Payload, row.State, row.Meta,
	).Scan(&row.Seq, &row.Version, &row.TxTime, &row.ValidFrom, &validTo)
	if err != nil {
		// Both a CTE mismatch and a serialization failure mean somebody
		// else appended concurrently.
		if errors.Is(err, pgx.ErrNoRows) || isSerializationFailure(err) {
			return db.Row{}, db.ErrVersionMismatch
		}
		return db.Row{}, fmt.Errorf("appending event: %w", err)
	}
	row.ValidTo = validTo
	return row, nil
}

func (t *Tx) GrantRead(ctx context.Context, entityID, identity string) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	_, err := t.tx.Exec(ctx, `
		UPDATE object_events
		SET readers = array_append(readers, $1)
		WHERE entity_id = $2 AND NOT ($1 = ANY(readers))
	`, identity, entityID)
	return err
}

func (t *Tx) GrantWrite(ctx context.Context, entityID, identity string) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	_, err := t.tx.Exec(ctx, `
		UPDATE object_events
		SET writers = array_append(writers, $1)
		WHERE entity_id = $2 AND NOT ($1 = ANY(writers))
	`, identity, entityID)
	return err
}

func (t *Tx) Revoke(ctx context.Context, entityID, identity string) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	_, err := t.tx.Exec(ctx, `
		UPDATE object_events
		SET readers = array_remove(readers, $1),
		    writers = array_remove(writers, $1)
		WHERE entity_id = $2
	`, identity, entityID)
	return err
}

func isSerializationFailure(err error) bool {
	pgErr, ok := err.(*pgconn.PgError)
	if !ok {
		return false
	}
	return pgErr.Code == "40001"
}

func (t *Tx) Exec(
	ctx context.Context, sql string, args ...any,
) (pgconn.CommandTag, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.tx.Exec(ctx, sql, args...)
}

// ListenEventInserted acquires a dedicated connection and blocks on
// LISTEN notifications until ctx is canceled or an error occurs.
func (d *DB) ListenEventInserted(
	ctx context.Context, onReady func(), onEventInserted func(seq int64) error,
) error {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection from pool: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, `LISTEN "`+NotifyChannel+`"`); err != nil {
		return fmt.Errorf("executing listen: %w", err)
	}

	onReady()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		seq, err := strconv.ParseInt(n.Payload, 10, 64)
		if err != nil {
			return fmt.Errorf("bad payload in notification on %s: %q",
				NotifyChannel, n.Payload)
		}
		if err := onEventInserted(seq); err != nil {
			return err
		}
	}
}

// TxRW starts a new read-write serializable transaction and executes fn
// inside of it. If fn returns an error the transaction is rolled back,
// otherwise it is committed.
func (d *DB) TxRW(
	ctx context.Context, fn func(context.Context, db.TxRW) error,
) error {
	return d.withTx(ctx, pgx.ReadWrite, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, tx)
	})
}

// TxReadOnly starts a new read-only transaction and executes fn inside of it.
func (d *DB) TxReadOnly(
	ctx context.Context, fn func(context.Context, db.TxReadOnly) error,
) error {
	return d.withTx(ctx, pgx.ReadOnly, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, tx)
	})
}

func (d *DB) withTx(
	ctx context.Context, mode pgx.TxAccessMode, fn func(context.Context, *Tx) error,
) (err error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: mode,
	})
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			if rb := tx.Rollback(ctx); rb != nil {
				d.log.Error("rollback after panic failure",
					slog.Any("panic", p),
					slog.Any("err", rb))
			}
			panic(p)
		}
	}()

	if err := fn(ctx, &Tx{tx: tx}); err != nil {
		if rb := tx.Rollback(ctx); rb != nil {
			return fmt.Errorf("rolling back transaction: %v (original: %w)", rb, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (d *DB) Exec(
	ctx context.Context, sql string, args ...any,
) (pgconn.CommandTag, error) {
	return d.pool.Exec(ctx, sql, args...)
}

func (d *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return d.pool.QueryRow(ctx, sql, args...)
}

func (d *DB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return d.pool.Query(ctx, sql, args...)
}

func (d *DB) Close() {
	d.pool.Close()
}
