// Package badger provides a BadgerDB-backed implementation of the store.Host
// port. Records, index entries, store declarations and the schema version
// share one ordered key space; see keys.go for the layout.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/haukened/keepsake/internal/domain"
	"github.com/haukened/keepsake/internal/metrics"
	"github.com/haukened/keepsake/internal/schema"
	"github.com/haukened/keepsake/internal/store"
)

var (
	_ store.Host   = (*Host)(nil)
	_ metrics.Sink = (*Host)(nil)
)

// Host wraps a BadgerDB instance.
type Host struct {
	db  *badger.DB
	log *slog.Logger
}

// badgerLoggerAdapter adapts slog.Logger to the badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

// Infof logs at debug level; badger reports every compaction and replay at info.
func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

// Open opens a BadgerDB database in dir, creating the directory if it
// doesn't exist. With inMemory set dir is ignored and nothing touches disk.
func Open(dir string, inMemory bool, log *slog.Logger) (*Host, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("domain", "badger")
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		info, err := os.Stat(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, err
			}
			if info, err = os.Stat(dir); err != nil {
				return nil, err
			}
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", dir)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &badgerLoggerAdapter{logger: log}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	h := &Host{db: db, log: log}
	h.purge()
	return h, nil
}

// Opener returns a store.Opener for dir.
func Opener(dir string, inMemory bool, log *slog.Logger) store.Opener {
	return func(ctx context.Context) (store.Host, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h, err := Open(dir, inMemory, log)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// withTx executes fn within a BadgerDB transaction. A write transaction is
// committed when fn succeeds; the transaction is always discarded.
func (h *Host) withTx(fn func(txn *badger.Txn) error, isWrite bool) error {
	txn := h.db.NewTransaction(isWrite)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	if isWrite {
		return txn.Commit()
	}
	return nil
}

func readVersion(txn *badger.Txn) (int, error) {
	item, err := txn.Get([]byte(versionKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		v, err = decodeUint64(val)
		return err
	})
	return int(v), err
}

// Version reads the recorded schema version; a fresh database reports 0.
func (h *Host) Version(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var v int
	err := h.withTx(func(txn *badger.Txn) error {
		var err error
		v, err = readVersion(txn)
		return err
	}, false)
	return v, err
}

// Upgrade runs fn and records target in a single transaction. Badger
// detects a concurrent upgrade as a commit conflict, which fails the call.
func (h *Host) Upgrade(ctx context.Context, target int, fn store.UpgradeFunc) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var old int
	err := h.withTx(func(txn *badger.Txn) error {
		var err error
		if old, err = readVersion(txn); err != nil {
			return err
		}
		if old > target {
			return fmt.Errorf("%w: on disk %d, expected at most %d", domain.ErrNewerVersion, old, target)
		}
		if old == target {
			return nil
		}
		if err := fn(ctx, &upgradeTx{txn: txn}, old); err != nil {
			return err
		}
		return txn.Set([]byte(versionKey), encodeUint64(uint64(target)))
	}, true)
	if err != nil {
		return old, err
	}
	h.purge()
	return old, nil
}

// Begin starts a transaction on store.
func (h *Host) Begin(ctx context.Context, name string, mode store.Mode) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txn := h.db.NewTransaction(mode == store.ReadWrite)
	meta, err := loadMeta(txn, name)
	if err != nil {
		txn.Discard()
		return nil, err
	}
	return &storeTx{
		txn:      txn,
		host:     h,
		spec:     meta.StoreSpec,
		ns:       meta.ns(),
		writable: mode == store.ReadWrite,
	}, nil
}

// Layout describes the stores currently present.
func (h *Host) Layout(ctx context.Context) (schema.Layout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var l schema.Layout
	err := h.withTx(func(txn *badger.Txn) error {
		var err error
		l, err = loadLayout(txn)
		return err
	}, false)
	return l, err
}

// Close closes the BadgerDB database.
func (h *Host) Close() error {
	return h.db.Close()
}

// storeMeta is the stored declaration of a store. Records and index entries
// live in the store's namespace, which moves to a new generation when the
// store is cleared or dropped; the old namespace is purged after commit.
type storeMeta struct {
	schema.StoreSpec
	Gen uint64 `json:"gen"`
}

// ns names the key namespace holding the store's records and index entries.
func (m storeMeta) ns() string {
	return fmt.Sprintf("%s@%d", m.Name, m.Gen)
}

func loadMeta(txn *badger.Txn, name string) (storeMeta, error) {
	var meta storeMeta
	item, err := txn.Get(makeStoreMetaKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return meta, fmt.Errorf("%w: %s", domain.ErrUnknownStore, name)
	}
	if err != nil {
		return meta, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &meta)
	})
	return meta, err
}

func saveMeta(txn *badger.Txn, meta storeMeta) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return txn.Set(makeStoreMetaKey(meta.Name), b)
}

// nextGen advances the namespace generation of store.
func nextGen(txn *badger.Txn, store string) (uint64, error) {
	key := makeGenKey(store)
	var n uint64
	item, err := txn.Get(key)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return 0, err
	default:
		err = item.Value(func(val []byte) error {
			var derr error
			n, derr = decodeUint64(val)
			return derr
		})
		if err != nil {
			return 0, err
		}
	}
	n++
	return n, txn.Set(key, encodeUint64(n))
}

// retire moves meta to a fresh namespace and marks the old one for purging.
// Only the store declaration changes, so the transaction stays small however
// many records the store holds.
func retire(txn *badger.Txn, meta storeMeta) (storeMeta, error) {
	if err := txn.Set(makePurgeKey(meta.ns()), nil); err != nil {
		return meta, err
	}
	gen, err := nextGen(txn, meta.Name)
	if err != nil {
		return meta, err
	}
	meta.Gen = gen
	return meta, saveMeta(txn, meta)
}

func storeNames(txn *badger.Txn) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(storeMetaPrefix)
	iter := txn.NewIterator(opts)
	defer iter.Close()
	var names []string
	for iter.Rewind(); iter.Valid(); iter.Next() {
		names = append(names, string(iter.Item().Key()[len(storeMetaPrefix):]))
	}
	return names, nil
}

func loadLayout(txn *badger.Txn) (schema.Layout, error) {
	names, err := storeNames(txn)
	if err != nil {
		return nil, err
	}
	l := make(schema.Layout, 0, len(names))
	for _, n := range names {
		meta, err := loadMeta(txn, n)
		if err != nil {
			return nil, err
		}
		l = append(l, meta.StoreSpec)
	}
	return l.Normalize(), nil
}

// keysWithPrefix collects every key under prefix. Deletes happen after the
// iterator is closed.
func keysWithPrefix(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	iter := txn.NewIterator(opts)
	defer iter.Close()
	var keys [][]byte
	for iter.Rewind(); iter.Valid(); iter.Next() {
		keys = append(keys, iter.Item().KeyCopy(nil))
	}
	return keys
}

// purge removes the data of every namespace marked for purging. A marker is
// dropped only after its data is gone, so an interrupted purge resumes on the
// next Open.
func (h *Host) purge() {
	var marked []string
	err := h.db.View(func(txn *badger.Txn) error {
		for _, k := range keysWithPrefix(txn, []byte(purgePrefix)) {
			marked = append(marked, string(k[len(purgePrefix):]))
		}
		return nil
	})
	if err != nil {
		h.log.Warn("list purge markers", "error", err)
		return
	}
	for _, ns := range marked {
		if err := h.dropNamespace(ns); err != nil {
			h.log.Warn("purge namespace", "namespace", ns, "error", err)
		}
	}
}

// dropNamespace deletes every record and index entry of ns through a write
// batch, which splits the deletes over as many transactions as needed.
func (h *Host) dropNamespace(ns string) error {
	var keys [][]byte
	err := h.db.View(func(txn *badger.Txn) error {
		keys = keysWithPrefix(txn, makeRecordPrefix(ns))
		keys = append(keys, keysWithPrefix(txn, makeIndexStorePrefix(ns))...)
		return nil
	})
	if err != nil {
		return err
	}
	wb := h.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}
	h.log.Debug("purged namespace", "namespace", ns, "keys", len(keys))
	return h.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(makePurgeKey(ns))
	})
}

func checkName(kind, s string) error {
	if s == "" || strings.IndexByte(s, sep) >= 0 {
		return fmt.Errorf("invalid %s name %q", kind, s)
	}
	return nil
}

// upgradeTx implements schema.Tx on the upgrade transaction.
type upgradeTx struct{ txn *badger.Txn }

var _ schema.Tx = (*upgradeTx)(nil)

func (u *upgradeTx) StoreNames(context.Context) ([]string, error) {
	return storeNames(u.txn)
}

func (u *upgradeTx) CreateStore(ctx context.Context, spec schema.StoreSpec) error {
	if err := checkName("store", spec.Name); err != nil {
		return err
	}
	if _, err := loadMeta(u.txn, spec.Name); err == nil {
		return fmt.Errorf("%w: %s", domain.ErrStoreExists, spec.Name)
	} else if !errors.Is(err, domain.ErrUnknownStore) {
		return err
	}
	gen, err := nextGen(u.txn, spec.Name)
	if err != nil {
		return err
	}
	indexes := spec.Indexes
	spec.Indexes = nil
	if err := saveMeta(u.txn, storeMeta{StoreSpec: spec, Gen: gen}); err != nil {
		return err
	}
	if spec.AutoIncrement {
		if err := u.txn.Set(makeSequenceKey(spec.Name), encodeUint64(1)); err != nil {
			return err
		}
	}
	for _, ix := range indexes {
		if err := u.CreateIndex(ctx, spec.Name, ix); err != nil {
			return err
		}
	}
	return nil
}

// DeleteStore drops the declaration and marks the store's namespace for
// purging once the upgrade commits.
func (u *upgradeTx) DeleteStore(_ context.Context, name string) error {
	meta, err := loadMeta(u.txn, name)
	if err != nil {
		return err
	}
	if err := u.txn.Set(makePurgeKey(meta.ns()), nil); err != nil {
		return err
	}
	if err := u.txn.Delete(makeSequenceKey(name)); err != nil {
		return err
	}
	return u.txn.Delete(makeStoreMetaKey(name))
}

func (u *upgradeTx) CreateIndex(ctx context.Context, name string, ix schema.IndexSpec) error {
	if err := checkName("index", ix.Name); err != nil {
		return err
	}
	meta, err := loadMeta(u.txn, name)
	if err != nil {
		return err
	}
	if _, ok := meta.Index(ix.Name); ok {
		return fmt.Errorf("%w: %s.%s", domain.ErrIndexExists, name, ix.Name)
	}
	meta.Indexes = append(meta.Indexes, ix)
	if err := saveMeta(u.txn, meta); err != nil {
		return err
	}
	st := &storeTx{txn: u.txn, spec: meta.StoreSpec, ns: meta.ns(), writable: true}
	rows, err := st.collect(makeRecordPrefix(st.ns), nil)
	if err != nil {
		return err
	}
	for _, rw := range rows {
		if v, ok := ix.ValueOf(rw.rec); ok {
			if err := u.txn.Set(makeIndexKey(st.ns, ix.Name, v, rw.key), nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (u *upgradeTx) Add(ctx context.Context, name string, rec domain.Record) error {
	meta, err := loadMeta(u.txn, name)
	if err != nil {
		return err
	}
	st := &storeTx{txn: u.txn, spec: meta.StoreSpec, ns: meta.ns(), writable: true}
	_, err = st.write(ctx, rec, domain.Key{}, false)
	return err
}

func (u *upgradeTx) Layout(context.Context) (schema.Layout, error) {
	return loadLayout(u.txn)
}
