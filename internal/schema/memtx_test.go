package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/haukened/keepsake/internal/domain"
)

type memStore struct {
	spec StoreSpec
	recs map[domain.Key]domain.Record
	next int64
}

// memTx is an in-memory Tx that records the structural calls made through it.
type memTx struct {
	stores map[string]*memStore
	calls  []string
	// failCreate makes CreateStore fail for the named store.
	failCreate string
}

var errInjected = errors.New("injected failure")

func newMemTx() *memTx {
	return &memTx{stores: map[string]*memStore{}}
}

func (m *memTx) StoreNames(context.Context) ([]string, error) {
	names := make([]string, 0, len(m.stores))
	for n := range m.stores {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memTx) CreateStore(_ context.Context, spec StoreSpec) error {
	m.calls = append(m.calls, "create:"+spec.Name)
	if spec.Name == m.failCreate {
		return errInjected
	}
	if _, ok := m.stores[spec.Name]; ok {
		return fmt.Errorf("%w: %s", domain.ErrStoreExists, spec.Name)
	}
	m.stores[spec.Name] = &memStore{spec: spec, recs: map[domain.Key]domain.Record{}, next: 1}
	return nil
}

func (m *memTx) DeleteStore(_ context.Context, name string) error {
	m.calls = append(m.calls, "delete:"+name)
	if _, ok := m.stores[name]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownStore, name)
	}
	delete(m.stores, name)
	return nil
}

func (m *memTx) CreateIndex(_ context.Context, store string, idx IndexSpec) error {
	m.calls = append(m.calls, "index:"+store+"."+idx.Name)
	s, ok := m.stores[store]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownStore, store)
	}
	if _, ok := s.spec.Index(idx.Name); ok {
		return fmt.Errorf("%w: %s", domain.ErrIndexExists, idx.Name)
	}
	s.spec.Indexes = append(s.spec.Indexes, idx)
	return nil
}

func (m *memTx) Add(_ context.Context, store string, rec domain.Record) error {
	s, ok := m.stores[store]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownStore, store)
	}
	k, gen, err := s.spec.KeyFor(rec, domain.Key{})
	if err != nil {
		return err
	}
	if gen {
		k = domain.IntKey(s.next)
		s.next++
		rec = s.spec.Inject(rec, k)
	}
	if _, ok := s.recs[k]; ok {
		return fmt.Errorf("%w: %s", domain.ErrKeyExists, k)
	}
	s.recs[k] = rec.Clone()
	return nil
}

func (m *memTx) Layout(context.Context) (Layout, error) {
	var l Layout
	for _, s := range m.stores {
		l = append(l, s.spec)
	}
	return l.Normalize(), nil
}
