package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/haukened/keepsake/internal/app"
	"github.com/haukened/keepsake/internal/domain"
	"github.com/haukened/keepsake/internal/metrics"
	"github.com/haukened/keepsake/internal/schema"
)

// Collector receives operational counters. *metrics.Manager satisfies it.
type Collector interface {
	Inc(name string, delta int64)
	Observe(name string, value int64)
}

type nopCollector struct{}

func (nopCollector) Inc(string, int64)     {}
func (nopCollector) Observe(string, int64) {}

// Store is the CRUD and scan engine. Construct it with Open. While degraded,
// writes are no-ops and reads return empty results of the usual shape.
type Store struct {
	guard    *Guard
	gw       *Gateway
	host     Host
	clock    app.Clock
	pool     *ants.Pool
	metrics  Collector
	log      *slog.Logger
	instance string

	// version is the schema version in use; openedFrom is the version found
	// on disk before the upgrade. Both stay 0 while degraded.
	version    int
	openedFrom int

	watchStop chan struct{}
	watchDone chan struct{}
	closeOnce sync.Once
}

var _ app.RecordStore = (*Store)(nil)

// Degraded reports whether storage failed to open and calls are short-circuited.
func (s *Store) Degraded() bool { return s.guard.Degraded() }

// Cause returns the error that degraded the store, or nil.
func (s *Store) Cause() error { return s.guard.Cause() }

// Instance is the random id logged with every message from this handle.
func (s *Store) Instance() string { return s.instance }

// Version is the schema version of the open database, after any upgrade.
func (s *Store) Version() int { return s.version }

// OpenedFrom is the schema version found on disk before Open upgraded it;
// a fresh database reports 0.
func (s *Store) OpenedFrom() int { return s.openedFrom }

// Layout describes the stores currently present. Degraded stores have none.
func (s *Store) Layout(ctx context.Context) (schema.Layout, error) {
	if s.guard.Degraded() {
		return schema.Layout{}, nil
	}
	if err := s.gw.Err(); err != nil {
		return nil, err
	}
	l, err := s.host.Layout(ctx)
	if err != nil {
		return nil, opFailure(err)
	}
	return l, nil
}

// Metrics exposes the host's metric persistence when it has one.
func (s *Store) Metrics() (metrics.Sink, bool) {
	if s.guard.Degraded() {
		return nil, false
	}
	sink, ok := s.host.(metrics.Sink)
	return sink, ok
}

// Get returns the record under key. Absent keys yield (nil, false, nil).
func (s *Store) Get(ctx context.Context, store string, key domain.Key) (domain.Record, bool, error) {
	if s.guard.Degraded() {
		return domain.Record{}, false, nil
	}
	var (
		rec   domain.Record
		found bool
	)
	err := s.gw.WithTransaction(ctx, store, ReadOnly, func(tx Tx) error {
		var err error
		rec, found, err = tx.Get(ctx, key)
		return err
	})
	if err != nil {
		return nil, false, s.failed(err)
	}
	return rec, found, nil
}

// Put inserts or replaces rec. Records in expiring stores must carry the
// fields their store family requires.
func (s *Store) Put(ctx context.Context, store string, rec domain.Record, key domain.Key) error {
	if s.guard.Degraded() {
		return nil
	}
	if err := validateFor(store, rec); err != nil {
		return s.failed(domain.OperationFailure.Wrap(err))
	}
	err := s.gw.WithTransaction(ctx, store, ReadWrite, func(tx Tx) error {
		_, err := tx.Put(ctx, rec, key)
		return err
	})
	if err != nil {
		return s.failed(err)
	}
	s.metrics.Inc(metrics.CounterRecordsPut, 1)
	return nil
}

// Add inserts rec, failing with domain.ErrKeyExists when the key is taken.
func (s *Store) Add(ctx context.Context, store string, rec domain.Record, key domain.Key) (domain.Key, error) {
	if s.guard.Degraded() {
		return domain.Key{}, nil
	}
	if err := validateFor(store, rec); err != nil {
		return domain.Key{}, s.failed(domain.OperationFailure.Wrap(err))
	}
	var added domain.Key
	err := s.gw.WithTransaction(ctx, store, ReadWrite, func(tx Tx) error {
		var err error
		added, err = tx.Add(ctx, rec, key)
		return err
	})
	if err != nil {
		return domain.Key{}, s.failed(err)
	}
	s.metrics.Inc(metrics.CounterRecordsPut, 1)
	return added, nil
}

// Delete removes the record under key. Deleting an absent key succeeds.
func (s *Store) Delete(ctx context.Context, store string, key domain.Key) error {
	if s.guard.Degraded() {
		return nil
	}
	err := s.gw.WithTransaction(ctx, store, ReadWrite, func(tx Tx) error {
		return tx.Delete(ctx, key)
	})
	if err != nil {
		return s.failed(err)
	}
	s.metrics.Inc(metrics.CounterRecordsDeleted, 1)
	return nil
}

// Clear removes every record from store.
func (s *Store) Clear(ctx context.Context, store string) error {
	if s.guard.Degraded() {
		return nil
	}
	err := s.gw.WithTransaction(ctx, store, ReadWrite, func(tx Tx) error {
		return tx.Clear(ctx)
	})
	if err != nil {
		return s.failed(err)
	}
	s.metrics.Inc(metrics.CounterStoresCleared, 1)
	return nil
}

// ScanByIndex walks index over r and collects the id field of every visited
// record in index order. Records without an id contribute their primary key.
// An empty index name walks the store in primary key order.
func (s *Store) ScanByIndex(ctx context.Context, store, index string, r domain.KeyRange) ([]domain.Key, error) {
	ids := []domain.Key{}
	if s.guard.Degraded() {
		return ids, nil
	}
	if err := r.Validate(); err != nil {
		return nil, s.failed(domain.OperationFailure.Wrap(err))
	}
	err := s.gw.WithTransaction(ctx, store, ReadOnly, func(tx Tx) error {
		return tx.Scan(ctx, index, r, func(c Cursor) error {
			ids = append(ids, recordID(c))
			return nil
		})
	})
	if err != nil {
		return nil, s.failed(err)
	}
	return ids, nil
}

// ReadAllIDs returns the id of every record in store, in primary key order.
func (s *Store) ReadAllIDs(ctx context.Context, store string) ([]domain.Key, error) {
	return s.ScanByIndex(ctx, store, "", domain.KeyRange{})
}

// ReadManyByOwner scans the op index once per owner, concurrently, and
// concatenates the results in owner order. An empty owner list returns
// immediately without touching storage.
func (s *Store) ReadManyByOwner(ctx context.Context, store string, owners []int64) ([]domain.Key, error) {
	if len(owners) == 0 || s.guard.Degraded() {
		return []domain.Key{}, nil
	}
	results := make([][]domain.Key, len(owners))
	errs := make([]error, len(owners))
	var wg sync.WaitGroup
	for i, op := range owners {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[i], errs[i] = s.ScanByIndex(ctx, store, schema.IndexOP, domain.Only(domain.IntKey(op)))
		}
		if err := s.pool.Submit(task); err != nil {
			wg.Done()
			errs[i] = opFailure(err)
		}
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	out := []domain.Key{}
	for _, ids := range results {
		out = append(out, ids...)
	}
	return out, nil
}

// StoreID records post id, owned by thread op, expiring ttl after now.
func (s *Store) StoreID(ctx context.Context, store string, id, op int64, ttl time.Duration) error {
	if s.guard.Degraded() {
		return nil
	}
	rec := domain.ExpiringID{
		ID:      id,
		OP:      op,
		Expires: domain.ExpiresAt(s.clock.Now(), ttl),
	}.Record()
	return s.Put(ctx, store, rec, domain.Key{})
}

// Sweep deletes every record of an expiring store whose expiry is at or
// before now, walking the expires index in one read-write transaction.
func (s *Store) Sweep(ctx context.Context, store string, now time.Time) (int, error) {
	if s.guard.Degraded() {
		return 0, nil
	}
	if fam, ok := schema.Lookup(store); ok && !fam.Expiring() {
		return 0, s.failed(domain.OperationFailure.Wrap(fmt.Errorf("%w: %s has no expires index", domain.ErrUnknownIndex, store)))
	}
	deleted := 0
	err := s.gw.WithTransaction(ctx, store, ReadWrite, func(tx Tx) error {
		upTo := domain.UpperBound(domain.ExpiresKey(now), false)
		return tx.Scan(ctx, schema.IndexExpires, upTo, func(c Cursor) error {
			if err := c.Delete(); err != nil {
				return err
			}
			deleted++
			return nil
		})
	})
	if err != nil {
		return 0, s.failed(err)
	}
	return deleted, nil
}

// Close stops the version watcher and releases the handle. It is safe to
// call more than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.watchStop != nil {
			close(s.watchStop)
			<-s.watchDone
		}
		if s.pool != nil {
			s.pool.Release()
		}
		if s.gw != nil {
			err = s.gw.Close()
		}
	})
	return err
}

func (s *Store) failed(err error) error {
	s.metrics.Inc(metrics.CounterOperationFailures, 1)
	s.log.Debug("operation failed", "error", err)
	return err
}

func validateFor(store string, rec domain.Record) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", domain.ErrInvalidRecord)
	}
	fam, ok := schema.Lookup(store)
	if !ok || !fam.Expiring() {
		return nil
	}
	return domain.ValidateExpiring(rec, fam.RequiresOP())
}

func recordID(c Cursor) domain.Key {
	if k, ok := c.Value().Key(domain.FieldID); ok {
		return k
	}
	return c.Key()
}
