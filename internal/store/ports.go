// Package store defines the storage host port and the engine built on top of
// it. A Host is a concrete embedded database (SQLite or Badger) exposing
// versioned upgrades and single-store transactions; the Store composes a host
// with the degraded-mode guard and the transaction gateway and is the only
// type callers outside this package use.
package store

import (
	"context"

	"github.com/haukened/keepsake/internal/domain"
	"github.com/haukened/keepsake/internal/schema"
)

// Mode selects a read-only or read-write transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// Cursor is the position of a scan. It is only valid inside the scan callback.
type Cursor interface {
	// Key is the primary key of the current record.
	Key() domain.Key
	// Value is the current record.
	Value() domain.Record
	// Delete removes the current record. The transaction must be read-write.
	Delete() error
}

// Tx is a transaction scoped to one object store.
type Tx interface {
	// Get returns the record stored under key, or false when absent.
	Get(ctx context.Context, key domain.Key) (domain.Record, bool, error)
	// Put inserts or replaces a record and returns its primary key. The key
	// comes from the record unless the store takes external keys, in which
	// case explicit must be set.
	Put(ctx context.Context, rec domain.Record, explicit domain.Key) (domain.Key, error)
	// Add is Put that fails with domain.ErrKeyExists instead of replacing.
	Add(ctx context.Context, rec domain.Record, explicit domain.Key) (domain.Key, error)
	// Delete removes the record under key. Absent keys are not an error.
	Delete(ctx context.Context, key domain.Key) error
	// Clear removes every record in the store.
	Clear(ctx context.Context) error
	// Scan visits records whose index value lies in r, in index order with
	// ties broken by primary key. An empty index name scans by primary key.
	// Returning an error from fn stops the scan and is returned.
	Scan(ctx context.Context, index string, r domain.KeyRange, fn func(Cursor) error) error
	Commit() error
	Rollback() error
}

// UpgradeFunc migrates the schema inside a host's upgrade transaction.
type UpgradeFunc func(ctx context.Context, tx schema.Tx, oldVersion int) error

// Host is an opened embedded database.
type Host interface {
	// Upgrade runs fn atomically when the on-disk version is below target and
	// then records target. It returns the version found on disk, and fails
	// with domain.ErrNewerVersion when that version is above target.
	Upgrade(ctx context.Context, target int, fn UpgradeFunc) (int, error)
	// Version reads the schema version currently recorded on disk.
	Version(ctx context.Context) (int, error)
	// Begin starts a transaction on one store.
	Begin(ctx context.Context, store string, mode Mode) (Tx, error)
	// Layout describes the stores currently present.
	Layout(ctx context.Context) (schema.Layout, error)
	Close() error
}

// Opener opens a Host. Its failure degrades the Store instead of surfacing.
type Opener func(ctx context.Context) (Host, error)
