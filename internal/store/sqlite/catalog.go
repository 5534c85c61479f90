package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/haukened/keepsake/internal/domain"
	"github.com/haukened/keepsake/internal/schema"
)

// Store, index and key path names are interpolated into DDL, so only plain
// identifiers are accepted.
var identRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

func checkIdent(kind, s string) error {
	if !identRe.MatchString(s) {
		return fmt.Errorf("invalid %s name %q", kind, s)
	}
	return nil
}

func tableName(store string) string { return `"store_` + store + `"` }

func indexName(store, index string) string { return `"idx_` + store + `_` + index + `"` }

// valueExpr is the SQL expression extracting a key path from the JSON value.
// Index DDL and scan queries must render it identically for the planner to
// use the expression index.
func valueExpr(keyPath string) string { return `json_extract(v, '$.` + keyPath + `')` }

func typeExpr(keyPath string) string { return `json_type(v, '$.` + keyPath + `')` }

func loadSpec(ctx context.Context, q querier, name string) (schema.StoreSpec, error) {
	spec := schema.StoreSpec{Name: name}
	var auto int
	err := q.QueryRowContext(ctx, `SELECT key_path, auto_increment FROM _stores WHERE name=?`, name).
		Scan(&spec.KeyPath, &auto)
	if errors.Is(err, sql.ErrNoRows) {
		return spec, fmt.Errorf("%w: %s", domain.ErrUnknownStore, name)
	}
	if err != nil {
		return spec, err
	}
	spec.AutoIncrement = auto == 1
	rows, err := q.QueryContext(ctx, `SELECT name, key_path FROM _indexes WHERE store=? ORDER BY name`, name)
	if err != nil {
		return spec, err
	}
	defer rows.Close()
	for rows.Next() {
		var ix schema.IndexSpec
		if err := rows.Scan(&ix.Name, &ix.KeyPath); err != nil {
			return spec, err
		}
		spec.Indexes = append(spec.Indexes, ix)
	}
	return spec, rows.Err()
}

func storeNames(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM _stores ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func loadLayout(ctx context.Context, q querier) (schema.Layout, error) {
	names, err := storeNames(ctx, q)
	if err != nil {
		return nil, err
	}
	l := make(schema.Layout, 0, len(names))
	for _, n := range names {
		spec, err := loadSpec(ctx, q, n)
		if err != nil {
			return nil, err
		}
		l = append(l, spec)
	}
	return l.Normalize(), nil
}

// upgradeTx implements schema.Tx inside the upgrade transaction.
type upgradeTx struct{ tx *sql.Tx }

var _ schema.Tx = (*upgradeTx)(nil)

func (u *upgradeTx) StoreNames(ctx context.Context) ([]string, error) {
	return storeNames(ctx, u.tx)
}

func (u *upgradeTx) exists(ctx context.Context, name string) (bool, error) {
	var n int
	err := u.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM _stores WHERE name=?`, name).Scan(&n)
	return n > 0, err
}

func (u *upgradeTx) CreateStore(ctx context.Context, spec schema.StoreSpec) error {
	if err := checkIdent("store", spec.Name); err != nil {
		return err
	}
	if spec.KeyPath != "" {
		if err := checkIdent("key path", spec.KeyPath); err != nil {
			return err
		}
	}
	ok, err := u.exists(ctx, spec.Name)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s", domain.ErrStoreExists, spec.Name)
	}
	auto := 0
	if spec.AutoIncrement {
		auto = 1
	}
	if _, err := u.tx.ExecContext(ctx, `INSERT INTO _stores (name, key_path, auto_increment) VALUES (?,?,?)`, spec.Name, spec.KeyPath, auto); err != nil {
		return err
	}
	// k has no declared type so integer and text keys keep their storage
	// class, and SQLite orders every integer before every text value.
	ddl := `CREATE TABLE ` + tableName(spec.Name) + ` (
k PRIMARY KEY NOT NULL,
v TEXT NOT NULL
)`
	if _, err := u.tx.ExecContext(ctx, ddl); err != nil {
		return err
	}
	for _, ix := range spec.Indexes {
		if err := u.CreateIndex(ctx, spec.Name, ix); err != nil {
			return err
		}
	}
	return nil
}

func (u *upgradeTx) DeleteStore(ctx context.Context, name string) error {
	if err := checkIdent("store", name); err != nil {
		return err
	}
	ok, err := u.exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownStore, name)
	}
	stmts := []struct {
		q    string
		args []any
	}{
		{q: `DROP TABLE IF EXISTS ` + tableName(name)},
		{q: `DELETE FROM _indexes WHERE store=?`, args: []any{name}},
		{q: `DELETE FROM _stores WHERE name=?`, args: []any{name}},
	}
	for _, s := range stmts {
		if _, err := u.tx.ExecContext(ctx, s.q, s.args...); err != nil {
			return err
		}
	}
	return nil
}

func (u *upgradeTx) CreateIndex(ctx context.Context, store string, ix schema.IndexSpec) error {
	if err := checkIdent("index", ix.Name); err != nil {
		return err
	}
	if err := checkIdent("key path", ix.KeyPath); err != nil {
		return err
	}
	ok, err := u.exists(ctx, store)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownStore, store)
	}
	var n int
	if err := u.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM _indexes WHERE store=? AND name=?`, store, ix.Name).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %s.%s", domain.ErrIndexExists, store, ix.Name)
	}
	if _, err := u.tx.ExecContext(ctx, `INSERT INTO _indexes (store, name, key_path) VALUES (?,?,?)`, store, ix.Name, ix.KeyPath); err != nil {
		return err
	}
	ddl := `CREATE INDEX ` + indexName(store, ix.Name) + ` ON ` + tableName(store) +
		` (` + valueExpr(ix.KeyPath) + `, k)`
	_, err = u.tx.ExecContext(ctx, ddl)
	return err
}

func (u *upgradeTx) Add(ctx context.Context, store string, rec domain.Record) error {
	spec, err := loadSpec(ctx, u.tx, store)
	if err != nil {
		return err
	}
	st := &storeTx{q: u.tx, spec: spec, writable: true}
	_, err = st.write(ctx, rec, domain.Key{}, false)
	return err
}

func (u *upgradeTx) Layout(ctx context.Context) (schema.Layout, error) {
	return loadLayout(ctx, u.tx)
}
