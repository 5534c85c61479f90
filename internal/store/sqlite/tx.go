package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/haukened/keepsake/internal/domain"
	"github.com/haukened/keepsake/internal/schema"
	"github.com/haukened/keepsake/internal/store"
)

var errReadOnly = errors.New("read-only transaction")

// storeTx implements store.Tx for one store. tx is nil for read-only
// transactions, which query the pool directly.
type storeTx struct {
	q        querier
	tx       *sql.Tx
	spec     schema.StoreSpec
	writable bool
	done     bool
}

var _ store.Tx = (*storeTx)(nil)

func (t *storeTx) Get(ctx context.Context, key domain.Key) (domain.Record, bool, error) {
	var v []byte
	err := t.q.QueryRowContext(ctx, `SELECT v FROM `+tableName(t.spec.Name)+` WHERE k=?`, key.Value()).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rec, err := domain.DecodeRecord(v)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (t *storeTx) Put(ctx context.Context, rec domain.Record, explicit domain.Key) (domain.Key, error) {
	return t.write(ctx, rec, explicit, true)
}

func (t *storeTx) Add(ctx context.Context, rec domain.Record, explicit domain.Key) (domain.Key, error) {
	return t.write(ctx, rec, explicit, false)
}

func (t *storeTx) write(ctx context.Context, rec domain.Record, explicit domain.Key, replace bool) (domain.Key, error) {
	if !t.writable {
		return domain.Key{}, errReadOnly
	}
	key, generate, err := t.spec.KeyFor(rec, explicit)
	if err != nil {
		return domain.Key{}, err
	}
	if generate {
		if key, err = t.nextKey(ctx); err != nil {
			return domain.Key{}, err
		}
		rec = t.spec.Inject(rec, key)
	}
	b, err := rec.Encode()
	if err != nil {
		return domain.Key{}, err
	}
	q := `INSERT INTO ` + tableName(t.spec.Name) + ` (k, v) VALUES (?, ?)`
	if replace {
		q += ` ON CONFLICT(k) DO UPDATE SET v = excluded.v`
	}
	if _, err := t.q.ExecContext(ctx, q, key.Value(), string(b)); err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
			return domain.Key{}, fmt.Errorf("%w: %s", domain.ErrKeyExists, key)
		}
		return domain.Key{}, err
	}
	if t.spec.AutoIncrement && !generate {
		if n, ok := key.Int(); ok {
			// Explicit integer keys move the generator past them.
			if _, err := t.q.ExecContext(ctx, `UPDATE _stores SET next_key = MAX(next_key, ?) WHERE name=?`, n+1, t.spec.Name); err != nil {
				return domain.Key{}, err
			}
		}
	}
	return key, nil
}

func (t *storeTx) nextKey(ctx context.Context) (domain.Key, error) {
	var n int64
	err := t.q.QueryRowContext(ctx, `UPDATE _stores SET next_key = next_key + 1 WHERE name=? RETURNING next_key - 1`, t.spec.Name).Scan(&n)
	if err != nil {
		return domain.Key{}, err
	}
	return domain.IntKey(n), nil
}

func (t *storeTx) Delete(ctx context.Context, key domain.Key) error {
	if !t.writable {
		return errReadOnly
	}
	_, err := t.q.ExecContext(ctx, `DELETE FROM `+tableName(t.spec.Name)+` WHERE k=?`, key.Value())
	return err
}

func (t *storeTx) Clear(ctx context.Context) error {
	if !t.writable {
		return errReadOnly
	}
	_, err := t.q.ExecContext(ctx, `DELETE FROM `+tableName(t.spec.Name))
	return err
}

type row struct {
	key domain.Key
	rec domain.Record
}

// Scan buffers every matching row before calling fn, so fn may delete
// through the cursor without holding an open statement.
func (t *storeTx) Scan(ctx context.Context, index string, r domain.KeyRange, fn func(store.Cursor) error) error {
	q, args, err := t.scanQuery(index, r)
	if err != nil {
		return err
	}
	rows, err := t.q.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	var buf []row
	for rows.Next() {
		var (
			k any
			v []byte
		)
		if err = rows.Scan(&k, &v); err != nil {
			if cErr := rows.Close(); cErr != nil {
				return fmt.Errorf("scan error: %v; close error: %w", err, cErr)
			}
			return err
		}
		key, err := scanKey(k)
		if err != nil {
			_ = rows.Close()
			return err
		}
		rec, err := domain.DecodeRecord(v)
		if err != nil {
			_ = rows.Close()
			return err
		}
		buf = append(buf, row{key: key, rec: rec})
	}
	if cErr := rows.Close(); cErr != nil {
		return cErr
	}
	if err = rows.Err(); err != nil {
		return err
	}
	for _, rw := range buf {
		if err := fn(&cursor{ctx: ctx, tx: t, row: rw}); err != nil {
			return err
		}
	}
	return nil
}

func (t *storeTx) scanQuery(index string, r domain.KeyRange) (string, []any, error) {
	expr := "k"
	var where []string
	if index != "" {
		ix, ok := t.spec.Index(index)
		if !ok {
			return "", nil, fmt.Errorf("%w: %s.%s", domain.ErrUnknownIndex, t.spec.Name, index)
		}
		expr = valueExpr(ix.KeyPath)
		// Only integer and text values are keys; records holding anything
		// else at the key path are not part of the index.
		where = append(where, typeExpr(ix.KeyPath)+` IN ('integer', 'text')`)
	}
	var args []any
	if !r.Lower.IsZero() {
		op := ">="
		if r.LowerOpen {
			op = ">"
		}
		where = append(where, expr+" "+op+" ?")
		args = append(args, r.Lower.Value())
	}
	if !r.Upper.IsZero() {
		op := "<="
		if r.UpperOpen {
			op = "<"
		}
		where = append(where, expr+" "+op+" ?")
		args = append(args, r.Upper.Value())
	}
	q := `SELECT k, v FROM ` + tableName(t.spec.Name)
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	if expr == "k" {
		q += ` ORDER BY k`
	} else {
		q += ` ORDER BY ` + expr + `, k`
	}
	return q, args, nil
}

func scanKey(v any) (domain.Key, error) {
	switch k := v.(type) {
	case int64:
		return domain.IntKey(k), nil
	case string:
		return domain.StringKey(k), nil
	case []byte:
		return domain.StringKey(string(k)), nil
	default:
		return domain.Key{}, fmt.Errorf("%w: stored key of type %T", domain.ErrInvalidKey, v)
	}
}

func (t *storeTx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	if t.tx == nil {
		return nil
	}
	return t.tx.Commit()
}

func (t *storeTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.tx == nil {
		return nil
	}
	return t.tx.Rollback()
}

type cursor struct {
	ctx context.Context
	tx  *storeTx
	row row
}

func (c *cursor) Key() domain.Key { return c.row.key }

func (c *cursor) Value() domain.Record { return c.row.rec }

func (c *cursor) Delete() error { return c.tx.Delete(c.ctx, c.row.key) }
