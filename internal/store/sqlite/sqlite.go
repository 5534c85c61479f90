// Package sqlite provides a SQLite-backed implementation of the store.Host
// port. Each object store is a table of (key, JSON value) rows; secondary
// indexes are expression indexes over the JSON value; store and index
// declarations live in catalog tables; the schema version is SQLite's
// user_version header field.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haukened/keepsake/internal/domain"
	"github.com/haukened/keepsake/internal/metrics"
	"github.com/haukened/keepsake/internal/schema"
	"github.com/haukened/keepsake/internal/store"
)

var (
	_ store.Host   = (*Host)(nil)
	_ metrics.Sink = (*Host)(nil)
)

// Host implements store.Host using SQLite (via database/sql). It is safe for
// concurrent use; database/sql manages connection pooling and SQLite's
// locking serializes writers.
type Host struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens the database at dsn and prepares its catalog.
func Open(ctx context.Context, dsn string, log *slog.Logger) (*Host, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	h, err := New(ctx, db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

// Opener returns a store.Opener for dsn.
func Opener(dsn string, log *slog.Logger) store.Opener {
	return func(ctx context.Context) (store.Host, error) {
		h, err := Open(ctx, dsn, log)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// New wraps an open database, creating the catalog and metrics tables if absent.
func New(ctx context.Context, db *sql.DB, log *slog.Logger) (*Host, error) {
	if log == nil {
		log = slog.Default()
	}
	h := &Host{db: db, log: log.With("domain", "sqlite")}
	if err := h.init(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Host) init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS _stores (
name TEXT PRIMARY KEY,
key_path TEXT NOT NULL,
auto_increment INTEGER NOT NULL DEFAULT 0,
next_key INTEGER NOT NULL DEFAULT 1
);`,
		`CREATE TABLE IF NOT EXISTS _indexes (
store TEXT NOT NULL,
name TEXT NOT NULL,
key_path TEXT NOT NULL,
PRIMARY KEY (store, name)
);`,
		`CREATE TABLE IF NOT EXISTS metrics_counters (
name TEXT PRIMARY KEY,
value INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS metrics_summaries (
name TEXT PRIMARY KEY,
count INTEGER NOT NULL,
sum INTEGER NOT NULL,
min INTEGER NOT NULL,
max INTEGER NOT NULL
);`,
	}
	for _, q := range ddl {
		if _, err := h.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the underlying handle for tests and maintenance.
func (h *Host) DB() *sql.DB { return h.db }

// Version reads PRAGMA user_version.
func (h *Host) Version(ctx context.Context) (int, error) {
	return readVersion(ctx, h.db)
}

func readVersion(ctx context.Context, q querier) (int, error) {
	var v int
	if err := q.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// Upgrade runs fn and stamps target in a single SQL transaction, so a failed
// step leaves neither partial DDL nor a bumped version behind.
func (h *Host) Upgrade(ctx context.Context, target int, fn store.UpgradeFunc) (old int, err error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	old, err = readVersion(ctx, tx)
	if err != nil {
		return 0, err
	}
	if old > target {
		return old, fmt.Errorf("%w: on disk %d, expected %d", domain.ErrNewerVersion, old, target)
	}
	if old == target {
		return old, tx.Commit()
	}
	if err = fn(ctx, &upgradeTx{tx: tx}, old); err != nil {
		return old, err
	}
	// PRAGMA does not take bind parameters; target is an int.
	if _, err = tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, target)); err != nil {
		return old, err
	}
	if err = tx.Commit(); err != nil {
		return old, err
	}
	h.log.Info("upgraded", "from", old, "to", target)
	return old, nil
}

// Begin starts a transaction on store. Read-only transactions run directly
// on the pool; every read they make is a single statement.
func (h *Host) Begin(ctx context.Context, name string, mode store.Mode) (store.Tx, error) {
	if mode == store.ReadOnly {
		spec, err := loadSpec(ctx, h.db, name)
		if err != nil {
			return nil, err
		}
		return &storeTx{q: h.db, spec: spec}, nil
	}
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	spec, err := loadSpec(ctx, tx, name)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return &storeTx{q: tx, tx: tx, spec: spec, writable: true}, nil
}

// Layout describes the stores recorded in the catalog.
func (h *Host) Layout(ctx context.Context) (schema.Layout, error) {
	return loadLayout(ctx, h.db)
}

// Close closes the database.
func (h *Host) Close() error {
	if err := h.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
