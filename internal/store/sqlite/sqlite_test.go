package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/haukened/keepsake/internal/domain"
	"github.com/haukened/keepsake/internal/metrics"
	"github.com/haukened/keepsake/internal/schema"
	"github.com/haukened/keepsake/internal/store"
)

// openTestHost opens a transient SQLite database file in a temp dir with WAL enabled.
func openTestHost(t *testing.T) *Host {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	h, err := Open(context.Background(), dsn, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func migrateTo(target int) store.UpgradeFunc {
	return func(ctx context.Context, tx schema.Tx, old int) error {
		return schema.Default().Migrate(ctx, tx, old, target)
	}
}

// openMigrated returns a host upgraded to the current schema version.
func openMigrated(t *testing.T) *Host {
	t.Helper()
	h := openTestHost(t)
	if _, err := h.Upgrade(context.Background(), schema.Version, migrateTo(schema.Version)); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	return h
}

func begin(t *testing.T, h *Host, name string, mode store.Mode) store.Tx {
	t.Helper()
	tx, err := h.Begin(context.Background(), name, mode)
	if err != nil {
		t.Fatalf("begin %s: %v", name, err)
	}
	return tx
}

func TestUpgradeFreshDatabase(t *testing.T) {
	ctx := context.Background()
	h := openTestHost(t)
	old, err := h.Upgrade(ctx, schema.Version, migrateTo(schema.Version))
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if old != 0 {
		t.Fatalf("expected old version 0 got %d", old)
	}
	v, err := h.Version(ctx)
	if err != nil || v != schema.Version {
		t.Fatalf("version = %d, %v", v, err)
	}
	l, err := h.Layout(ctx)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	if !l.Equal(schema.Registry()) {
		t.Fatalf("layout mismatch:\n%s\nwant:\n%s", l, schema.Registry())
	}
	tx := begin(t, h, schema.Main, store.ReadOnly)
	defer tx.Rollback()
	for _, k := range []string{schema.KeyBackground, schema.KeyMascot} {
		rec, ok, err := tx.Get(ctx, domain.StringKey(k))
		if err != nil || !ok {
			t.Fatalf("seed %s missing: %v", k, err)
		}
		if rec["id"] != k {
			t.Fatalf("seed %s has id %v", k, rec["id"])
		}
	}
}

func TestUpgradeTwiceYieldsSameLayout(t *testing.T) {
	ctx := context.Background()
	h := openMigrated(t)
	first, err := h.Layout(ctx)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	if _, err := h.DB().ExecContext(ctx, `PRAGMA user_version = 0`); err != nil {
		t.Fatalf("reset version: %v", err)
	}
	if _, err := h.Upgrade(ctx, schema.Version, migrateTo(schema.Version)); err != nil {
		t.Fatalf("second upgrade: %v", err)
	}
	second, err := h.Layout(ctx)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	if first.String() != second.String() {
		t.Fatalf("layouts differ:\n%s\nvs\n%s", first, second)
	}
}

func TestUpgradeFromOlderVersion(t *testing.T) {
	ctx := context.Background()
	h := openTestHost(t)
	if _, err := h.Upgrade(ctx, 8, migrateTo(8)); err != nil {
		t.Fatalf("upgrade to 8: %v", err)
	}
	old, err := h.Upgrade(ctx, schema.Version, migrateTo(schema.Version))
	if err != nil {
		t.Fatalf("upgrade to current: %v", err)
	}
	if old != 8 {
		t.Fatalf("expected old 8 got %d", old)
	}
	l, _ := h.Layout(ctx)
	if !l.Equal(schema.Registry()) {
		t.Fatalf("layout mismatch:\n%s", l)
	}
}

func TestUpgradeAtTargetSkipsMigration(t *testing.T) {
	h := openMigrated(t)
	called := false
	_, err := h.Upgrade(context.Background(), schema.Version, func(context.Context, schema.Tx, int) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if called {
		t.Fatalf("migration must not run at target version")
	}
}

func TestUpgradeRejectsNewerVersion(t *testing.T) {
	ctx := context.Background()
	h := openTestHost(t)
	if _, err := h.DB().ExecContext(ctx, `PRAGMA user_version = 11`); err != nil {
		t.Fatalf("set version: %v", err)
	}
	_, err := h.Upgrade(ctx, schema.Version, migrateTo(schema.Version))
	if !errors.Is(err, domain.ErrNewerVersion) {
		t.Fatalf("expected ErrNewerVersion got %v", err)
	}
}

func TestUpgradeFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := openTestHost(t)
	boom := errors.New("boom")
	_, err := h.Upgrade(ctx, schema.Version, func(ctx context.Context, tx schema.Tx, _ int) error {
		if err := tx.CreateStore(ctx, schema.StoreSpec{Name: "partial", KeyPath: "id"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom got %v", err)
	}
	v, _ := h.Version(ctx)
	if v != 0 {
		t.Fatalf("version must stay 0, got %d", v)
	}
	l, _ := h.Layout(ctx)
	if len(l) != 0 {
		t.Fatalf("partial schema visible:\n%s", l)
	}
}

func TestPutGetDeleteClear(t *testing.T) {
	ctx := context.Background()
	h := openMigrated(t)

	tx := begin(t, h, schema.Hidden, store.ReadWrite)
	rec := domain.ExpiringID{ID: 7, OP: 1}.Record()
	key, err := tx.Put(ctx, rec, domain.Key{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if key != domain.IntKey(7) {
		t.Fatalf("expected key 7 got %v", key)
	}
	if _, err := tx.Put(ctx, domain.ExpiringID{ID: 8, OP: 1}.Record(), domain.Key{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	ro := begin(t, h, schema.Hidden, store.ReadOnly)
	got, ok, err := ro.Get(ctx, domain.IntKey(7))
	if err != nil || !ok {
		t.Fatalf("get: %v %v", ok, err)
	}
	if got["op"] != int64(1) {
		t.Fatalf("unexpected record %v", got)
	}
	if _, ok, _ := ro.Get(ctx, domain.IntKey(99)); ok {
		t.Fatalf("absent key reported present")
	}
	if err := ro.Delete(ctx, domain.IntKey(7)); err == nil {
		t.Fatalf("read-only transaction accepted a delete")
	}
	_ = ro.Rollback()

	rw := begin(t, h, schema.Hidden, store.ReadWrite)
	if err := rw.Delete(ctx, domain.IntKey(7)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := rw.Delete(ctx, domain.IntKey(7)); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
	if err := rw.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := rw.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	ro = begin(t, h, schema.Hidden, store.ReadOnly)
	n := 0
	if err := ro.Scan(ctx, "", domain.KeyRange{}, func(store.Cursor) error { n++; return nil }); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty store after clear, got %d", n)
	}
}

func TestPutReplaces(t *testing.T) {
	ctx := context.Background()
	h := openMigrated(t)
	tx := begin(t, h, schema.Main, store.ReadWrite)
	if _, err := tx.Put(ctx, domain.Record{"id": "mascot", "src": "a.png"}, domain.Key{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := tx.Put(ctx, domain.Record{"id": "mascot", "src": "b.png"}, domain.Key{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, _, err := tx.Get(ctx, domain.StringKey("mascot"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got["src"] != "b.png" {
		t.Fatalf("expected last write to win, got %v", got)
	}
	_ = tx.Commit()
}

func TestAddRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	h := openMigrated(t)
	tx := begin(t, h, schema.Main, store.ReadWrite)
	defer tx.Rollback()
	_, err := tx.Add(ctx, domain.Record{"id": schema.KeyMascot}, domain.Key{})
	if !errors.Is(err, domain.ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists got %v", err)
	}
}

func TestExternalKeys(t *testing.T) {
	ctx := context.Background()
	h := openMigrated(t)
	tx := begin(t, h, schema.WatchedThreads, store.ReadWrite)
	defer tx.Rollback()
	if _, err := tx.Put(ctx, domain.Record{"id": int64(3), "expires": int64(10)}, domain.Key{}); !errors.Is(err, domain.ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey without explicit key, got %v", err)
	}
	key, err := tx.Put(ctx, domain.Record{"id": int64(3), "expires": int64(10)}, domain.IntKey(3))
	if err != nil || key != domain.IntKey(3) {
		t.Fatalf("put: %v %v", key, err)
	}
}

func TestAutoIncrementStore(t *testing.T) {
	ctx := context.Background()
	h := openTestHost(t)
	_, err := h.Upgrade(ctx, 1, func(ctx context.Context, tx schema.Tx, _ int) error {
		return tx.CreateStore(ctx, schema.StoreSpec{Name: "log", AutoIncrement: true})
	})
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	tx := begin(t, h, "log", store.ReadWrite)
	defer tx.Rollback()
	k1, err := tx.Put(ctx, domain.Record{"msg": "a"}, domain.Key{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := tx.Put(ctx, domain.Record{"msg": "b"}, domain.IntKey(10)); err != nil {
		t.Fatalf("put explicit: %v", err)
	}
	k3, err := tx.Put(ctx, domain.Record{"msg": "c"}, domain.Key{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if k1 != domain.IntKey(1) || k3 != domain.IntKey(11) {
		t.Fatalf("unexpected generated keys %v %v", k1, k3)
	}
}

func seedSeen(t *testing.T, h *Host, recs ...domain.ExpiringID) {
	t.Helper()
	tx := begin(t, h, schema.Seen, store.ReadWrite)
	for _, r := range recs {
		if _, err := tx.Put(context.Background(), r.Record(), domain.Key{}); err != nil {
			t.Fatalf("put %d: %v", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func msTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
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
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	return ids
}

func TestScanIndexOrder(t *testing.T) {
	h := openMigrated(t)
	seedSeen(t, h,
		domain.ExpiringID{ID: 5, OP: 2, Expires: msTime(300)},
		domain.ExpiringID{ID: 1, OP: 1, Expires: msTime(200)},
		domain.ExpiringID{ID: 9, OP: 1, Expires: msTime(100)},
		domain.ExpiringID{ID: 3, OP: 1, Expires: msTime(200)},
	)

	if got := scanIDs(t, h, schema.Seen, schema.IndexOP, domain.Only(domain.IntKey(1))); !equalIDs(got, []int64{1, 3, 9}) {
		t.Fatalf("op scan = %v", got)
	}
	if got := scanIDs(t, h, schema.Seen, schema.IndexExpires, domain.KeyRange{}); !equalIDs(got, []int64{9, 1, 3, 5}) {
		t.Fatalf("expires scan = %v", got)
	}
	if got := scanIDs(t, h, schema.Seen, schema.IndexExpires, domain.UpperBound(domain.IntKey(200), false)); !equalIDs(got, []int64{9, 1, 3}) {
		t.Fatalf("closed upper bound = %v", got)
	}
	if got := scanIDs(t, h, schema.Seen, schema.IndexExpires, domain.UpperBound(domain.IntKey(200), true)); !equalIDs(got, []int64{9}) {
		t.Fatalf("open upper bound = %v", got)
	}
	if got := scanIDs(t, h, schema.Seen, "", domain.LowerBound(domain.IntKey(3), true)); !equalIDs(got, []int64{5, 9}) {
		t.Fatalf("primary key scan = %v", got)
	}
}

func TestScanUnknownIndex(t *testing.T) {
	h := openMigrated(t)
	tx := begin(t, h, schema.WatchedThreads, store.ReadOnly)
	defer tx.Rollback()
	err := tx.Scan(context.Background(), schema.IndexOP, domain.KeyRange{}, func(store.Cursor) error { return nil })
	if !errors.Is(err, domain.ErrUnknownIndex) {
		t.Fatalf("expected ErrUnknownIndex got %v", err)
	}
}

func TestScanSkipsNonKeyValues(t *testing.T) {
	ctx := context.Background()
	h := openMigrated(t)
	tx := begin(t, h, schema.Seen, store.ReadWrite)
	recs := []domain.Record{
		{"id": int64(1), "op": int64(4), "expires": int64(1)},
		{"id": int64(2), "op": 1.5, "expires": int64(1)},
		{"id": int64(3), "op": true, "expires": int64(1)},
		{"id": int64(4), "expires": int64(1)},
	}
	for _, r := range recs {
		if _, err := tx.Put(ctx, r, domain.Key{}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := scanIDs(t, h, schema.Seen, schema.IndexOP, domain.KeyRange{}); !equalIDs(got, []int64{1}) {
		t.Fatalf("op scan = %v", got)
	}
}

func TestCursorDelete(t *testing.T) {
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
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := scanIDs(t, h, schema.Seen, "", domain.KeyRange{}); !equalIDs(got, []int64{3}) {
		t.Fatalf("remaining = %v", got)
	}
}

func TestBeginUnknownStore(t *testing.T) {
	h := openMigrated(t)
	if _, err := h.Begin(context.Background(), "posts", store.ReadOnly); !errors.Is(err, domain.ErrUnknownStore) {
		t.Fatalf("expected ErrUnknownStore got %v", err)
	}
}

func TestCreateStoreRejectsBadNames(t *testing.T) {
	h := openTestHost(t)
	_, err := h.Upgrade(context.Background(), 1, func(ctx context.Context, tx schema.Tx, _ int) error {
		return tx.CreateStore(ctx, schema.StoreSpec{Name: `x"; DROP TABLE _stores; --`})
	})
	if err == nil {
		t.Fatalf("expected invalid name error")
	}
}

func TestMetricsSink(t *testing.T) {
	ctx := context.Background()
	h := openTestHost(t)
	flush := func() {
		err := h.FlushMetrics(ctx,
			map[string]int64{metrics.CounterRecordsPut: 2},
			map[string]metrics.Summary{metrics.SummaryJanitorDeletedPerPass: {Count: 1, Sum: 4, Min: 4, Max: 4}},
		)
		if err != nil {
			t.Fatalf("flush: %v", err)
		}
	}
	flush()
	flush()
	c, s, err := h.LoadMetrics(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c[metrics.CounterRecordsPut] != 4 {
		t.Fatalf("counter = %d", c[metrics.CounterRecordsPut])
	}
	if got := s[metrics.SummaryJanitorDeletedPerPass]; got != (metrics.Summary{Count: 2, Sum: 8, Min: 4, Max: 4}) {
		t.Fatalf("summary = %+v", got)
	}
}
