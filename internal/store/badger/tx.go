package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/haukened/keepsake/internal/domain"
	"github.com/haukened/keepsake/internal/schema"
	"github.com/haukened/keepsake/internal/store"
)

var errReadOnly = errors.New("read-only transaction")

// storeTx implements store.Tx for one store on top of a badger transaction.
// Transactions started by Host.Begin carry the host: when badger reports the
// pending writes too big for one commit they are committed and the work
// continues in a fresh transaction. Upgrade transactions have no host and
// stay atomic.
type storeTx struct {
	txn      *badger.Txn
	host     *Host
	spec     schema.StoreSpec
	ns       string
	writable bool
	done     bool
	purge    bool
}

var _ store.Tx = (*storeTx)(nil)

type row struct {
	key domain.Key
	rec domain.Record
}

func (t *storeTx) get(rk []byte) (domain.Record, bool, error) {
	item, err := t.txn.Get(rk)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec domain.Record
	err = item.Value(func(val []byte) error {
		rec, err = domain.DecodeRecord(val)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// bounded applies op to the transaction, splitting the transaction when it
// is full.
func (t *storeTx) bounded(op func(txn *badger.Txn) error) error {
	err := op(t.txn)
	if !errors.Is(err, badger.ErrTxnTooBig) || t.host == nil {
		return err
	}
	if err := t.txn.Commit(); err != nil {
		return err
	}
	t.txn = t.host.db.NewTransaction(true)
	return op(t.txn)
}

func (t *storeTx) set(k, v []byte) error {
	return t.bounded(func(txn *badger.Txn) error { return txn.Set(k, v) })
}

func (t *storeTx) del(k []byte) error {
	return t.bounded(func(txn *badger.Txn) error { return txn.Delete(k) })
}

func (t *storeTx) Get(_ context.Context, key domain.Key) (domain.Record, bool, error) {
	return t.get(makeRecordKey(t.ns, key))
}

func (t *storeTx) Put(ctx context.Context, rec domain.Record, explicit domain.Key) (domain.Key, error) {
	return t.write(ctx, rec, explicit, true)
}

func (t *storeTx) Add(ctx context.Context, rec domain.Record, explicit domain.Key) (domain.Key, error) {
	return t.write(ctx, rec, explicit, false)
}

func (t *storeTx) write(_ context.Context, rec domain.Record, explicit domain.Key, replace bool) (domain.Key, error) {
	if !t.writable {
		return domain.Key{}, errReadOnly
	}
	key, generate, err := t.spec.KeyFor(rec, explicit)
	if err != nil {
		return domain.Key{}, err
	}
	if generate {
		if key, err = t.nextKey(); err != nil {
			return domain.Key{}, err
		}
		rec = t.spec.Inject(rec, key)
	}
	rk := makeRecordKey(t.ns, key)
	old, found, err := t.get(rk)
	if err != nil {
		return domain.Key{}, err
	}
	if found {
		if !replace {
			return domain.Key{}, fmt.Errorf("%w: %s", domain.ErrKeyExists, key)
		}
		if err := t.unindex(key, old); err != nil {
			return domain.Key{}, err
		}
	}
	b, err := rec.Encode()
	if err != nil {
		return domain.Key{}, err
	}
	if err := t.set(rk, b); err != nil {
		return domain.Key{}, err
	}
	if err := t.index(key, rec); err != nil {
		return domain.Key{}, err
	}
	if t.spec.AutoIncrement && !generate {
		if n, ok := key.Int(); ok && n >= 0 {
			// Explicit integer keys move the generator past them.
			if err := t.bumpSequence(uint64(n) + 1); err != nil {
				return domain.Key{}, err
			}
		}
	}
	return key, nil
}

func (t *storeTx) sequence() (uint64, error) {
	item, err := t.txn.Get(makeSequenceKey(t.spec.Name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	var n uint64
	err = item.Value(func(val []byte) error {
		n, err = decodeUint64(val)
		return err
	})
	return n, err
}

func (t *storeTx) nextKey() (domain.Key, error) {
	n, err := t.sequence()
	if err != nil {
		return domain.Key{}, err
	}
	if err := t.set(makeSequenceKey(t.spec.Name), encodeUint64(n+1)); err != nil {
		return domain.Key{}, err
	}
	return domain.IntKey(int64(n)), nil
}

func (t *storeTx) bumpSequence(next uint64) error {
	n, err := t.sequence()
	if err != nil {
		return err
	}
	if next <= n {
		return nil
	}
	return t.set(makeSequenceKey(t.spec.Name), encodeUint64(next))
}

func (t *storeTx) index(key domain.Key, rec domain.Record) error {
	for _, ix := range t.spec.Indexes {
		if v, ok := ix.ValueOf(rec); ok {
			if err := t.set(makeIndexKey(t.ns, ix.Name, v, key), nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *storeTx) unindex(key domain.Key, rec domain.Record) error {
	for _, ix := range t.spec.Indexes {
		if v, ok := ix.ValueOf(rec); ok {
			if err := t.del(makeIndexKey(t.ns, ix.Name, v, key)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *storeTx) Delete(_ context.Context, key domain.Key) error {
	if !t.writable {
		return errReadOnly
	}
	rk := makeRecordKey(t.ns, key)
	old, found, err := t.get(rk)
	if err != nil || !found {
		return err
	}
	if err := t.unindex(key, old); err != nil {
		return err
	}
	return t.del(rk)
}

// Clear moves the store to a fresh namespace; the old records and index
// entries are purged after commit. The key generator keeps counting.
func (t *storeTx) Clear(context.Context) error {
	if !t.writable {
		return errReadOnly
	}
	meta, err := loadMeta(t.txn, t.spec.Name)
	if err != nil {
		return err
	}
	if meta, err = retire(t.txn, meta); err != nil {
		return err
	}
	t.ns = meta.ns()
	t.purge = true
	return nil
}

// Scan buffers every matching row before calling fn, so fn may delete
// through the cursor while no iterator is open.
func (t *storeTx) Scan(ctx context.Context, index string, r domain.KeyRange, fn func(store.Cursor) error) error {
	var (
		rows []row
		err  error
	)
	if index == "" {
		rows, err = t.collect(makeRecordPrefix(t.ns), &r)
	} else {
		if _, ok := t.spec.Index(index); !ok {
			return fmt.Errorf("%w: %s.%s", domain.ErrUnknownIndex, t.spec.Name, index)
		}
		rows, err = t.collectIndex(index, r)
	}
	if err != nil {
		return err
	}
	for _, rw := range rows {
		if err := fn(&cursor{ctx: ctx, tx: t, row: rw}); err != nil {
			return err
		}
	}
	return nil
}

// within reports whether k lies in r, and whether k is already past r's
// upper end so iteration can stop.
func within(r domain.KeyRange, k domain.Key) (in, past bool) {
	if !r.Lower.IsZero() {
		c := k.Compare(r.Lower)
		if c < 0 || (c == 0 && r.LowerOpen) {
			return false, false
		}
	}
	if !r.Upper.IsZero() {
		c := k.Compare(r.Upper)
		if c > 0 || (c == 0 && r.UpperOpen) {
			return false, true
		}
	}
	return true, false
}

// seekKey is where iteration under prefix starts for r.
func seekKey(prefix []byte, r domain.KeyRange) []byte {
	if r.Lower.IsZero() {
		return prefix
	}
	return appendKey(append([]byte(nil), prefix...), r.Lower)
}

// collect reads records under prefix in key order, restricted to r when set.
func (t *storeTx) collect(prefix []byte, r *domain.KeyRange) ([]row, error) {
	var kr domain.KeyRange
	if r != nil {
		kr = *r
	}
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	iter := t.txn.NewIterator(opts)
	defer iter.Close()
	var rows []row
	for iter.Seek(seekKey(prefix, kr)); iter.Valid(); iter.Next() {
		item := iter.Item()
		key, _, err := decodeKey(item.Key()[len(prefix):])
		if err != nil {
			return nil, err
		}
		in, past := within(kr, key)
		if past {
			break
		}
		if !in {
			continue
		}
		var rec domain.Record
		err = item.Value(func(val []byte) error {
			rec, err = domain.DecodeRecord(val)
			return err
		})
		if err != nil {
			return nil, err
		}
		rows = append(rows, row{key: key, rec: rec})
	}
	return rows, nil
}

// collectIndex reads the records referenced by index entries whose value is
// in r, in (value, primary key) order.
func (t *storeTx) collectIndex(index string, r domain.KeyRange) ([]row, error) {
	prefix := makeIndexPrefix(t.ns, index)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	iter := t.txn.NewIterator(opts)
	defer iter.Close()
	var rows []row
	for iter.Seek(seekKey(prefix, r)); iter.Valid(); iter.Next() {
		v, rest, err := decodeKey(iter.Item().Key()[len(prefix):])
		if err != nil {
			return nil, err
		}
		in, past := within(r, v)
		if past {
			break
		}
		if !in {
			continue
		}
		pk, _, err := decodeKey(rest)
		if err != nil {
			return nil, err
		}
		rec, found, err := t.get(makeRecordKey(t.ns, pk))
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		rows = append(rows, row{key: pk, rec: rec})
	}
	return rows, nil
}

func (t *storeTx) Commit() error {
	if t.done {
		return badger.ErrDiscardedTxn
	}
	t.done = true
	if !t.writable {
		t.txn.Discard()
		return nil
	}
	defer t.txn.Discard()
	if err := t.txn.Commit(); err != nil {
		return err
	}
	if t.purge && t.host != nil {
		t.host.purge()
	}
	return nil
}

func (t *storeTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.txn.Discard()
	return nil
}

type cursor struct {
	ctx context.Context
	tx  *storeTx
	row row
}

func (c *cursor) Key() domain.Key { return c.row.key }

func (c *cursor) Value() domain.Record { return c.row.rec }

func (c *cursor) Delete() error { return c.tx.Delete(c.ctx, c.row.key) }
