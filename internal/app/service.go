// Package app contains the application orchestration layer for keepsake. It
// wires domain validation with the persistence port without performing any
// I/O itself.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haukened/keepsake/internal/domain"
	"github.com/haukened/keepsake/internal/schema"
)

// ErrWrongStore indicates an operation was aimed at a store of the wrong family.
var ErrWrongStore = errors.New("operation not supported by store")

// Service is the surface the rendering layer drives: markers on posts,
// watched threads and singleton settings, all on top of the injected store.
type Service struct {
	Store      RecordStore
	Clock      Clock
	DefaultTTL time.Duration
	MinTTL     time.Duration
	MaxTTL     time.Duration
}

// ttl resolves a requested ttl; zero selects DefaultTTL.
func (s *Service) ttl(ttl time.Duration) (time.Duration, error) {
	if ttl == 0 {
		ttl = s.DefaultTTL
	}
	if err := domain.ValidateTTL(ttl, s.MinTTL, s.MaxTTL); err != nil {
		return 0, domain.ErrTTLInvalid
	}
	return ttl, nil
}

func requireFamily(store string, want schema.Family) error {
	fam, ok := schema.Lookup(store)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownStore, store)
	}
	if fam != want {
		return fmt.Errorf("%w: %s is %s", ErrWrongStore, store, fam)
	}
	return nil
}

// Remember marks post id, owned by thread op, in one of the expiring-ID
// stores (mine, hidden, seen, seenPost). A zero ttl uses DefaultTTL.
func (s *Service) Remember(ctx context.Context, store string, id, op int64, ttl time.Duration) error {
	if err := requireFamily(store, schema.FamilyExpiringID); err != nil {
		return err
	}
	ttl, err := s.ttl(ttl)
	if err != nil {
		return err
	}
	return s.Store.StoreID(ctx, store, id, op, ttl)
}

// Forget removes a single marker.
func (s *Service) Forget(ctx context.Context, store string, id int64) error {
	if err := requireFamily(store, schema.FamilyExpiringID); err != nil {
		return err
	}
	return s.Store.Delete(ctx, store, domain.IntKey(id))
}

// IDs returns every marked post id in store, in id order.
func (s *Service) IDs(ctx context.Context, store string) ([]int64, error) {
	keys, err := s.Store.ReadAllIDs(ctx, store)
	if err != nil {
		return nil, err
	}
	return intIDs(keys), nil
}

// IDsByOwner returns the marked post ids belonging to the given threads,
// grouped by thread in the order given.
func (s *Service) IDsByOwner(ctx context.Context, store string, threads []int64) ([]int64, error) {
	if err := requireFamily(store, schema.FamilyExpiringID); err != nil {
		return nil, err
	}
	keys, err := s.Store.ReadManyByOwner(ctx, store, threads)
	if err != nil {
		return nil, err
	}
	return intIDs(keys), nil
}

// ExpiringWithin lists the ids in store that will be swept within d from now,
// soonest first.
func (s *Service) ExpiringWithin(ctx context.Context, store string, d time.Duration) ([]int64, error) {
	if fam, ok := schema.Lookup(store); !ok || !fam.Expiring() {
		return nil, fmt.Errorf("%w: %s", ErrWrongStore, store)
	}
	upTo := domain.UpperBound(domain.ExpiresKey(s.Clock.Now().Add(d)), false)
	keys, err := s.Store.ScanByIndex(ctx, store, schema.IndexExpires, upTo)
	if err != nil {
		return nil, err
	}
	return intIDs(keys), nil
}

// WatchThread stores state for a watched thread. The record keeps every
// field of state plus id and expires, which are set here.
func (s *Service) WatchThread(ctx context.Context, thread int64, state domain.Record, ttl time.Duration) (time.Time, error) {
	ttl, err := s.ttl(ttl)
	if err != nil {
		return time.Time{}, err
	}
	expires := domain.ExpiresAt(s.Clock.Now(), ttl)
	rec := state.Clone()
	if rec == nil {
		rec = domain.Record{}
	}
	rec[domain.FieldID] = thread
	rec[domain.FieldExpires] = expires.UnixMilli()
	if err := s.Store.Put(ctx, schema.WatchedThreads, rec, domain.IntKey(thread)); err != nil {
		return time.Time{}, err
	}
	return expires, nil
}

// WatchedThread returns the stored state of a watched thread. Entries past
// their expiry are reported as absent even before the sweeper removes them.
func (s *Service) WatchedThread(ctx context.Context, thread int64) (domain.Record, bool, error) {
	rec, ok, err := s.Store.Get(ctx, schema.WatchedThreads, domain.IntKey(thread))
	if err != nil || !ok {
		return domain.Record{}, false, err
	}
	if e, err := domain.ExpiringIDFromRecord(rec); err == nil && domain.Expired(e.Expires, s.Clock.Now()) {
		return domain.Record{}, false, nil
	}
	return rec, true, nil
}

// Unwatch stops watching thread.
func (s *Service) Unwatch(ctx context.Context, thread int64) error {
	return s.Store.Delete(ctx, schema.WatchedThreads, domain.IntKey(thread))
}

// WatchedThreads returns the id of every watched thread.
func (s *Service) WatchedThreads(ctx context.Context) ([]int64, error) {
	return s.IDs(ctx, schema.WatchedThreads)
}

// Setting returns the singleton stored under name in the main store, for
// example schema.KeyBackground.
func (s *Service) Setting(ctx context.Context, name string) (domain.Record, bool, error) {
	return s.Store.Get(ctx, schema.Main, domain.StringKey(name))
}

// SaveSetting replaces the singleton stored under name.
func (s *Service) SaveSetting(ctx context.Context, name string, value domain.Record) error {
	if name == "" {
		return fmt.Errorf("%w: empty setting name", domain.ErrInvalidKey)
	}
	rec := value.Clone()
	if rec == nil {
		rec = domain.Record{}
	}
	rec[domain.FieldID] = name
	return s.Store.Put(ctx, schema.Main, rec, domain.Key{})
}

// Reset empties store.
func (s *Service) Reset(ctx context.Context, store string) error {
	if _, ok := schema.Lookup(store); !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownStore, store)
	}
	return s.Store.Clear(ctx, store)
}

func intIDs(keys []domain.Key) []int64 {
	out := make([]int64, 0, len(keys))
	for _, k := range keys {
		if n, ok := k.Int(); ok {
			out = append(out, n)
		}
	}
	return out
}
