package badger

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/haukened/keepsake/internal/metrics"
)

// FlushMetrics adds counter deltas and merges summaries in one transaction.
func (h *Host) FlushMetrics(ctx context.Context, counters map[string]int64, summaries map[string]metrics.Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.withTx(func(txn *badger.Txn) error {
		for name, delta := range counters {
			key := []byte(counterPrefix + name)
			cur, err := readCounter(txn, key)
			if err != nil {
				return err
			}
			if err := txn.Set(key, encodeUint64(uint64(cur+delta))); err != nil {
				return err
			}
		}
		for name, agg := range summaries {
			key := []byte(summaryPrefix + name)
			cur, err := readSummary(txn, key)
			if err != nil {
				return err
			}
			cur.Merge(agg)
			b, err := json.Marshal(cur)
			if err != nil {
				return err
			}
			if err := txn.Set(key, b); err != nil {
				return err
			}
		}
		return nil
	}, true)
}

// LoadMetrics reads every persisted counter and summary.
func (h *Host) LoadMetrics(ctx context.Context) (map[string]int64, map[string]metrics.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	counters := make(map[string]int64)
	summaries := make(map[string]metrics.Summary)
	err := h.withTx(func(txn *badger.Txn) error {
		for _, k := range keysWithPrefix(txn, []byte(counterPrefix)) {
			v, err := readCounter(txn, k)
			if err != nil {
				return err
			}
			counters[string(k[len(counterPrefix):])] = v
		}
		for _, k := range keysWithPrefix(txn, []byte(summaryPrefix)) {
			s, err := readSummary(txn, k)
			if err != nil {
				return err
			}
			summaries[string(k[len(summaryPrefix):])] = s
		}
		return nil
	}, false)
	if err != nil {
		return nil, nil, err
	}
	return counters, summaries, nil
}

func readCounter(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n uint64
	err = item.Value(func(val []byte) error {
		n, err = decodeUint64(val)
		return err
	})
	return int64(n), err
}

func readSummary(txn *badger.Txn, key []byte) (metrics.Summary, error) {
	var s metrics.Summary
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &s)
	})
	return s, err
}
