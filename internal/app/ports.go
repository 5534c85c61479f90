// Package app defines the application layer "ports" (interfaces) the
// persistence-backed features of keepsake depend upon, plus the Service that
// the rendering/UI collaborator drives. It follows a hexagonal (ports &
// adapters) design: this package declares what the core needs, while adapter
// packages (the store engine and its SQLite or Badger hosts, the janitor)
// provide concrete implementations. No I/O, logging, SQL, or key encoding
// concerns belong here.
package app

import (
	"context"
	"time"

	"github.com/haukened/keepsake/internal/domain"
)

// Clock abstracts time to enable deterministic testing of TTL / expiry logic.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// RecordStore is the persistence port. Implementations run every call in its
// own transaction and, when storage is unusable, behave as an always-empty
// store instead of failing.
type RecordStore interface {
	// Get returns the record stored under key and whether it was found.
	Get(ctx context.Context, store string, key domain.Key) (domain.Record, bool, error)

	// Put inserts or replaces rec. key is only given for stores whose key is
	// not embedded in the record; pass the zero Key otherwise.
	Put(ctx context.Context, store string, rec domain.Record, key domain.Key) error

	// Delete removes the record under key; absent keys are not an error.
	Delete(ctx context.Context, store string, key domain.Key) error

	// Clear removes every record from store.
	Clear(ctx context.Context, store string) error

	// ScanByIndex returns the id of every record whose index value lies in r,
	// in index order.
	ScanByIndex(ctx context.Context, store, index string, r domain.KeyRange) ([]domain.Key, error)

	// ReadManyByOwner returns the ids of every record owned by the given
	// threads, grouped in the order the owners were given.
	ReadManyByOwner(ctx context.Context, store string, owners []int64) ([]domain.Key, error)

	// ReadAllIDs returns the id of every record in store.
	ReadAllIDs(ctx context.Context, store string) ([]domain.Key, error)

	// StoreID records a post id owned by thread op, expiring ttl from now.
	StoreID(ctx context.Context, store string, id, op int64, ttl time.Duration) error
}
