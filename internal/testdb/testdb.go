// Package testdb spins up isolated Postgres databases for integration
// tests. It expects a local Postgres reachable under the testdb
// credentials and skips nothing itself, callers gate on availability.
package testdb

import (
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/provenant/provenant/backoff"
	"github.com/provenant/provenant/db/dbpgx"
)

const credentials = "testdb:testdb@localhost:5432"

func dsn(database string) string {
	return fmt.Sprintf("postgres://%s/%s?sslmode=disable",
		credentials, database)
}

// NewDBPGX drops and recreates a database named after the test, applies
// the migrations and opens a dbpgx.DB on it. The connection is closed on
// test cleanup.
func NewDBPGX(t testing.TB, log *slog.Logger) (db *dbpgx.DB, testDSN string) {
	t.Helper()
	ctx := t.Context()

	name := "test_" + strings.ReplaceAll(t.Name(), "/", "_")
	ident := pgx.Identifier{name}.Sanitize()

	admin, err := pgxpool.New(ctx, dsn("postgres"))
	require.NoError(t, err)
	defer admin.Close()
	_, err = admin.Exec(ctx, `DROP DATABASE IF EXISTS `+ident)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, `CREATE DATABASE `+ident)
	require.NoError(t, err)

	testDSN = dsn(name)
	require.NoError(t, dbpgx.Migrate(testDSN))

	bo, err := backoff.New(100*time.Millisecond, 300*time.Millisecond, 2.0, 0, nil)
	require.NoError(t, err)
	db, err = dbpgx.Open(ctx, log, testDSN, 0, bo)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	return db, testDSN
}
