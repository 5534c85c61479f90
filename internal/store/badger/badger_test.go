package badger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/keepsake/internal/domain"
	"github.com/haukened/keepsake/internal/metrics"
	"github.com/haukened/keepsake/internal/schema"
	"github.com/haukened/keepsake/internal/store"
)

func openMemory(t *testing.T) *Host {
	t.Helper()
	h, err := Open("", true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func migrateTo(target int) store.UpgradeFunc {
	return func(ctx context.Context, tx schema.Tx, old int) error {
		return schema.Default().Migrate(ctx, tx, old, target)
	}
}

func openMigrated(t *testing.T) *Host {
	t.Helper()
	h := openMemory(t)
	_, err := h.Upgrade(context.Background(), schema.Version, migrateTo(schema.Version))
	require.NoError(t, err)
	return h
}

func begin(t *testing.T, h *Host, name string, mode store.Mode) store.Tx {
	t.Helper()
	tx, err := h.Begin(context.Background(), name, mode)
	require.NoError(t, err)
	return tx
}

func msTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func seedSeen(t *testing.T, h *Host, recs ...domain.ExpiringID) {
	t.Helper()
	ctx := context.Background()
	tx := begin(t, h, schema.Seen, store.ReadWrite)
	for _, r := range recs {
		_, err := tx.Put(ctx, r.Record(), domain.Key{})
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func scanIDs(t *testing.T, h *Host, name, index string, r domain.KeyRange) []int64 {
	t.Helper()
	tx := begin(t, h, name, store.ReadOnly)
	defer tx.Rollback()
	var ids []int64
	err := tx.Scan(context.Background(), index, r, func(c store.Cursor) error {
		n, _ := c.Key().Int()
		ids = append(ids, n)
		return nil
	})
	require.NoError(t, err)
	return ids
}

func TestOpenFileSystem(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "db")
	h, err := Open(dir, false, nil)
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestOpenRejectsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err := Open(file, false, nil)
	assert.ErrorContains(t, err, "not a directory")
}

func TestUpgradeFreshDatabase(t *testing.T) {
	ctx := context.Background()
	h := openMemory(t)
	old, err := h.Upgrade(ctx, schema.Version, migrateTo(schema.Version))
	require.NoError(t, err)
	assert.Equal(t, 0, old)

	v, err := h.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.Version, v)

	l, err := h.Layout(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.Registry().String(), l.String())

	tx := begin(t, h, schema.Main, store.ReadOnly)
	defer tx.Rollback()
	for _, k := range []string{schema.KeyBackground, schema.KeyMascot} {
		rec, ok, err := tx.Get(ctx, domain.StringKey(k))
		require.NoError(t, err)
		require.True(t, ok, k)
		assert.Equal(t, k, rec["id"])
	}
}

func TestUpgradeFromOlderVersion(t *testing.T) {
	ctx := context.Background()
	h := openMemory(t)
	_, err := h.Upgrade(ctx, 8, migrateTo(8))
	require.NoError(t, err)
	old, err := h.Upgrade(ctx, schema.Version, migrateTo(schema.Version))
	require.NoError(t, err)
	assert.Equal(t, 8, old)
	l, err := h.Layout(ctx)
	require.NoError(t, err)
	assert.True(t, l.Equal(schema.Registry()), l.String())
}

func TestUpgradeRejectsNewerVersion(t *testing.T) {
	h := openMigrated(t)
	_, err := h.Upgrade(context.Background(), schema.Version-1, migrateTo(schema.Version-1))
	assert.ErrorIs(t, err, domain.ErrNewerVersion)
}

func TestUpgradeFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := openMemory(t)
	boom := errors.New("boom")
	_, err := h.Upgrade(ctx, schema.Version, func(ctx context.Context, tx schema.Tx, old int) error {
		if err := tx.CreateStore(ctx, schema.StoreSpec{Name: "scratch", KeyPath: "id"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	v, err := h.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, v)
	l, err := h.Layout(ctx)
	require.NoError(t, err)
	assert.Empty(t, l)
}

func TestPutGetDeleteClear(t *testing.T) {
	ctx := context.Background()
	h := openMigrated(t)
	rec := domain.ExpiringID{ID: 7, OP: 3, Expires: msTime(1000)}.Record()

	tx := begin(t, h, schema.Mine, store.ReadWrite)
	key, err := tx.Put(ctx, rec, domain.Key{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	n, _ := key.Int()
	assert.Equal(t, int64(7), n)

	tx = begin(t, h, schema.Mine, store.ReadOnly)
	got, ok, err := tx.Get(ctx, domain.IntKey(7))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), got[domain.FieldOP])
	require.NoError(t, tx.Commit())

	tx = begin(t, h, schema.Mine, store.ReadWrite)
	require.NoError(t, tx.Delete(ctx, domain.IntKey(7)))
	require.NoError(t, tx.Delete(ctx, domain.IntKey(7)))
	require.NoError(t, tx.Commit())
	assert.Empty(t, scanIDs(t, h, schema.Mine, schema.IndexOP, domain.Only(domain.IntKey(3))))

	seedSeen(t, h,
		domain.ExpiringID{ID: 1, OP: 1, Expires: msTime(10)},
		domain.ExpiringID{ID: 2, OP: 1, Expires: msTime(20)},
	)
	tx = begin(t, h, schema.Seen, store.ReadWrite)
	require.NoError(t, tx.Clear(ctx))
	require.NoError(t, tx.Commit())
	assert.Empty(t, scanIDs(t, h, schema.Seen, "", domain.KeyRange{}))
	assert.Empty(t, scanIDs(t, h, schema.Seen, schema.IndexExpires, domain.KeyRange{}))
}

func TestPutReplacesIndexEntries(t *testing.T) {
	h := openMigrated(t)
	seedSeen(t, h, domain.ExpiringID{ID: 4, OP: 1, Expires: msTime(10)})
	seedSeen(t, h, domain.ExpiringID{ID: 4, OP: 2, Expires: msTime(20)})

	assert.Empty(t, scanIDs(t, h, schema.Seen, schema.IndexOP, domain.Only(domain.IntKey(1))))
	assert.Equal(t, []int64{4}, scanIDs(t, h, schema.Seen, schema.IndexOP, domain.Only(domain.IntKey(2))))
	assert.Equal(t, []int64{4}, scanIDs(t, h, schema.Seen, schema.IndexExpires, domain.KeyRange{}))
}

func TestAddRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	h := openMigrated(t)
	seedSeen(t, h, domain.ExpiringID{ID: 1, OP: 1, Expires: msTime(10)})
	tx := begin(t, h, schema.Seen, store.ReadWrite)
	defer tx.Rollback()
	_, err := tx.Add(ctx, domain.ExpiringID{ID: 1, OP: 9, Expires: msTime(10)}.Record(), domain.Key{})
	assert.ErrorIs(t, err, domain.ErrKeyExists)
}

func TestExternalKeys(t *testing.T) {
	ctx := context.Background()
	h := openMigrated(t)
	rec := domain.Record{domain.FieldExpires: int64(50)}

	tx := begin(t, h, schema.WatchedThreads, store.ReadWrite)
	_, err := tx.Put(ctx, rec, domain.Key{})
	assert.ErrorIs(t, err, domain.ErrMissingKey)
	_, err = tx.Put(ctx, rec, domain.IntKey(12))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, []int64{12}, scanIDs(t, h, schema.WatchedThreads, schema.IndexExpires, domain.UpperBound(domain.IntKey(50), false)))
}

func TestAutoIncrementStore(t *testing.T) {
	ctx := context.Background()
	h := openMemory(t)
	_, err := h.Upgrade(ctx, 1, func(ctx context.Context, tx schema.Tx, _ int) error {
		return tx.CreateStore(ctx, schema.StoreSpec{
			Name:          "legacy",
			AutoIncrement: true,
			Indexes:       []schema.IndexSpec{{Name: "op", KeyPath: "op"}},
		})
	})
	require.NoError(t, err)

	tx := begin(t, h, "legacy", store.ReadWrite)
	k1, err := tx.Put(ctx, domain.Record{"op": int64(1)}, domain.Key{})
	require.NoError(t, err)
	_, err = tx.Put(ctx, domain.Record{"op": int64(1)}, domain.IntKey(10))
	require.NoError(t, err)
	k3, err := tx.Put(ctx, domain.Record{"op": int64(2)}, domain.Key{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	n1, _ := k1.Int()
	n3, _ := k3.Int()
	assert.Equal(t, int64(1), n1)
	assert.Equal(t, int64(11), n3)
	assert.Equal(t, []int64{1, 10}, scanIDs(t, h, "legacy", "op", domain.Only(domain.IntKey(1))))
}

func TestScanIndexOrder(t *testing.T) {
	h := openMigrated(t)
	seedSeen(t, h,
		domain.ExpiringID{ID: 5, OP: 2, Expires: msTime(300)},
		domain.ExpiringID{ID: 1, OP: 1, Expires: msTime(200)},
		domain.ExpiringID{ID: 9, OP: 1, Expires: msTime(100)},
		domain.ExpiringID{ID: 3, OP: 1, Expires: msTime(200)},
	)
	assert.Equal(t, []int64{1, 3, 9}, scanIDs(t, h, schema.Seen, schema.IndexOP, domain.Only(domain.IntKey(1))))
	assert.Equal(t, []int64{9, 1, 3, 5}, scanIDs(t, h, schema.Seen, schema.IndexExpires, domain.KeyRange{}))
	assert.Equal(t, []int64{9, 1, 3}, scanIDs(t, h, schema.Seen, schema.IndexExpires, domain.UpperBound(domain.IntKey(200), false)))
	assert.Equal(t, []int64{9}, scanIDs(t, h, schema.Seen, schema.IndexExpires, domain.UpperBound(domain.IntKey(200), true)))
	assert.Equal(t, []int64{5}, scanIDs(t, h, schema.Seen, schema.IndexExpires, domain.LowerBound(domain.IntKey(200), true)))
	assert.Equal(t, []int64{5, 9}, scanIDs(t, h, schema.Seen, "", domain.LowerBound(domain.IntKey(3), true)))
}

func TestScanUnknownIndex(t *testing.T) {
	h := openMigrated(t)
	tx := begin(t, h, schema.Seen, store.ReadOnly)
	defer tx.Rollback()
	err := tx.Scan(context.Background(), "nope", domain.KeyRange{}, func(store.Cursor) error { return nil })
	assert.ErrorIs(t, err, domain.ErrUnknownIndex)
}

func TestScanCursorDelete(t *testing.T) {
	ctx := context.Background()
	h := openMigrated(t)
	seedSeen(t, h,
		domain.ExpiringID{ID: 1, OP: 1, Expires: msTime(100)},
		domain.ExpiringID{ID: 2, OP: 1, Expires: msTime(200)},
		domain.ExpiringID{ID: 3, OP: 1, Expires: msTime(300)},
	)
	tx := begin(t, h, schema.Seen, store.ReadWrite)
	err := tx.Scan(ctx, schema.IndexExpires, domain.UpperBound(domain.IntKey(200), false), func(c store.Cursor) error {
		return c.Delete()
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, []int64{3}, scanIDs(t, h, schema.Seen, schema.IndexOP, domain.KeyRange{}))
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	ctx := context.Background()
	h := openMigrated(t)
	tx := begin(t, h, schema.Seen, store.ReadOnly)
	defer tx.Rollback()
	_, err := tx.Put(ctx, domain.ExpiringID{ID: 1, OP: 1, Expires: msTime(1)}.Record(), domain.Key{})
	assert.Error(t, err)
	assert.Error(t, tx.Delete(ctx, domain.IntKey(1)))
	assert.Error(t, tx.Clear(ctx))
}

func TestBeginUnknownStore(t *testing.T) {
	h := openMigrated(t)
	_, err := h.Begin(context.Background(), "missing", store.ReadOnly)
	assert.ErrorIs(t, err, domain.ErrUnknownStore)
}

func TestCreateIndexBackfills(t *testing.T) {
	ctx := context.Background()
	h := openMemory(t)
	_, err := h.Upgrade(ctx, 8, migrateTo(8))
	require.NoError(t, err)
	tx := begin(t, h, schema.Mine, store.ReadWrite)
	_, err = tx.Put(ctx, domain.Record{domain.FieldID: int64(77), domain.FieldOP: int64(1), domain.FieldExpires: int64(5)}, domain.Key{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	_, err = h.Upgrade(ctx, 9, migrateTo(9))
	require.NoError(t, err)
	tx = begin(t, h, schema.Mine, store.ReadOnly)
	defer tx.Rollback()
	var values []domain.Record
	err = tx.Scan(ctx, schema.IndexID, domain.Only(domain.IntKey(77)), func(c store.Cursor) error {
		values = append(values, c.Value())
		return nil
	})
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, int64(77), values[0][domain.FieldID])
}

func TestMetricsSink(t *testing.T) {
	ctx := context.Background()
	h := openMigrated(t)
	require.NoError(t, h.FlushMetrics(ctx,
		map[string]int64{metrics.CounterRecordsPut: 2},
		map[string]metrics.Summary{metrics.SummaryJanitorDeletedPerPass: {Count: 1, Sum: 4, Min: 4, Max: 4}},
	))
	require.NoError(t, h.FlushMetrics(ctx,
		map[string]int64{metrics.CounterRecordsPut: 3},
		map[string]metrics.Summary{metrics.SummaryJanitorDeletedPerPass: {Count: 1, Sum: 1, Min: 1, Max: 1}},
	))
	counters, summaries, err := h.LoadMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), counters[metrics.CounterRecordsPut])
	assert.Equal(t, metrics.Summary{Count: 2, Sum: 5, Min: 1, Max: 4}, summaries[metrics.SummaryJanitorDeletedPerPass])
}

// bulkRecords exceeds what badger accepts in a single transaction.
const bulkRecords = 70000

func fillStore(t *testing.T, h *Host, name string, n int, expires time.Time) {
	t.Helper()
	ctx := context.Background()
	tx := begin(t, h, name, store.ReadWrite)
	for i := 1; i <= n; i++ {
		rec := domain.ExpiringID{ID: int64(i), OP: int64(i%50 + 1), Expires: expires}.Record()
		_, err := tx.Put(ctx, rec, domain.Key{})
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func namespaceOf(t *testing.T, h *Host, name string) string {
	t.Helper()
	var ns string
	require.NoError(t, h.db.View(func(txn *badger.Txn) error {
		meta, err := loadMeta(txn, name)
		ns = meta.ns()
		return err
	}))
	return ns
}

func countKeys(t *testing.T, h *Host, prefix []byte) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.View(func(txn *badger.Txn) error {
		n = len(keysWithPrefix(txn, prefix))
		return nil
	}))
	return n
}

func TestClearLargeStore(t *testing.T) {
	if testing.Short() {
		t.Skip("bulk test")
	}
	ctx := context.Background()
	h := openMigrated(t)
	fillStore(t, h, schema.SeenPost, bulkRecords, msTime(1000))
	old := namespaceOf(t, h, schema.SeenPost)
	require.Equal(t, bulkRecords, countKeys(t, h, makeRecordPrefix(old)))

	tx := begin(t, h, schema.SeenPost, store.ReadWrite)
	require.NoError(t, tx.Clear(ctx))
	require.NoError(t, tx.Commit())

	assert.Empty(t, scanIDs(t, h, schema.SeenPost, "", domain.KeyRange{}))
	assert.NotEqual(t, old, namespaceOf(t, h, schema.SeenPost))
	assert.Zero(t, countKeys(t, h, makeRecordPrefix(old)))
	assert.Zero(t, countKeys(t, h, makeIndexStorePrefix(old)))
	assert.Zero(t, countKeys(t, h, []byte(purgePrefix)))

	// the cleared store keeps working
	rec := domain.ExpiringID{ID: 5, OP: 1, Expires: msTime(2000)}.Record()
	tx = begin(t, h, schema.SeenPost, store.ReadWrite)
	_, err := tx.Put(ctx, rec, domain.Key{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, []int64{5}, scanIDs(t, h, schema.SeenPost, schema.IndexOP, domain.KeyRange{}))
}

func TestClearThenPutInOneTransaction(t *testing.T) {
	ctx := context.Background()
	h := openMigrated(t)
	seedSeen(t, h, domain.ExpiringID{ID: 1, OP: 1, Expires: msTime(10)})
	tx := begin(t, h, schema.Seen, store.ReadWrite)
	require.NoError(t, tx.Clear(ctx))
	_, err := tx.Put(ctx, domain.ExpiringID{ID: 2, OP: 1, Expires: msTime(20)}.Record(), domain.Key{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, []int64{2}, scanIDs(t, h, schema.Seen, schema.IndexExpires, domain.KeyRange{}))
}

func TestSweepLargeStore(t *testing.T) {
	if testing.Short() {
		t.Skip("bulk test")
	}
	ctx := context.Background()
	h := openMigrated(t)
	fillStore(t, h, schema.SeenPost, bulkRecords, msTime(1000))
	tx := begin(t, h, schema.SeenPost, store.ReadWrite)
	_, err := tx.Put(ctx, domain.ExpiringID{ID: bulkRecords + 1, OP: 1, Expires: msTime(5000)}.Record(), domain.Key{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	deleted := 0
	tx = begin(t, h, schema.SeenPost, store.ReadWrite)
	err = tx.Scan(ctx, schema.IndexExpires, domain.UpperBound(domain.ExpiresKey(msTime(2000)), false), func(c store.Cursor) error {
		deleted++
		return c.Delete()
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, bulkRecords, deleted)
	assert.Equal(t, []int64{bulkRecords + 1}, scanIDs(t, h, schema.SeenPost, "", domain.KeyRange{}))
	assert.Equal(t, []int64{bulkRecords + 1}, scanIDs(t, h, schema.SeenPost, schema.IndexExpires, domain.KeyRange{}))
}

func TestRecreateLargeLegacyStore(t *testing.T) {
	if testing.Short() {
		t.Skip("bulk test")
	}
	ctx := context.Background()
	h := openMemory(t)
	_, err := h.Upgrade(ctx, 9, migrateTo(9))
	require.NoError(t, err)
	fillStore(t, h, schema.Mine, bulkRecords, msTime(1000))
	old := namespaceOf(t, h, schema.Mine)

	_, err = h.Upgrade(ctx, schema.Version, migrateTo(schema.Version))
	require.NoError(t, err)
	v, err := h.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.Version, v)
	assert.Empty(t, scanIDs(t, h, schema.Mine, "", domain.KeyRange{}))
	assert.Zero(t, countKeys(t, h, makeRecordPrefix(old)))
	assert.Zero(t, countKeys(t, h, []byte(purgePrefix)))
}

func TestOpenResumesPurge(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	h, err := Open(dir, false, nil)
	require.NoError(t, err)
	_, err = h.Upgrade(ctx, schema.Version, migrateTo(schema.Version))
	require.NoError(t, err)
	seedSeen(t, h, domain.ExpiringID{ID: 1, OP: 1, Expires: msTime(10)})
	ns := namespaceOf(t, h, schema.Seen)
	// an abandoned namespace whose purge never ran
	require.NoError(t, h.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(makeRecordKey("orphan@1", domain.IntKey(1)), []byte(`{}`)); err != nil {
			return err
		}
		return txn.Set(makePurgeKey("orphan@1"), nil)
	}))
	require.NoError(t, h.Close())

	h, err = Open(dir, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	assert.Zero(t, countKeys(t, h, makeRecordPrefix("orphan@1")))
	assert.Zero(t, countKeys(t, h, []byte(purgePrefix)))
	assert.Equal(t, 1, countKeys(t, h, makeRecordPrefix(ns)))
}
