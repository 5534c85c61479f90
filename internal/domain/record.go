// Package domain record.go contains the stored value types and their JSON form.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Field names shared by every expiring store.
const (
	FieldID      = "id"
	FieldOP      = "op"
	FieldExpires = "expires"
)

// Record is one stored value: a free-form JSON object. Decoded numbers are
// int64 when integral and float64 otherwise, so a Record read back from a
// store compares equal to the one written.
type Record map[string]any

// Key extracts the field at path as a Key.
func (r Record) Key(path string) (Key, bool) {
	v, ok := r[path]
	if !ok {
		return Key{}, false
	}
	k, err := KeyOf(v)
	if err != nil {
		return Key{}, false
	}
	return k, true
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// Encode serialises r into its on-disk JSON form.
func (r Record) Encode() ([]byte, error) {
	if r == nil {
		return nil, ErrInvalidRecord
	}
	b, err := json.Marshal(map[string]any(r))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return b, nil
}

// DecodeRecord parses the on-disk JSON form of a record.
func DecodeRecord(b []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if raw == nil {
		return nil, ErrInvalidRecord
	}
	for k, v := range raw {
		raw[k] = normalize(v)
	}
	return Record(raw), nil
}

// ParseRecord decodes a JSON object supplied by a caller (e.g. the CLI).
func ParseRecord(s string) (Record, error) {
	return DecodeRecord([]byte(strings.TrimSpace(s)))
}

func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = normalize(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalize(e)
		}
		return x
	default:
		return v
	}
}

// ExpiringID is the record shape held by every expiring store: a post or
// thread id, the thread that owns it and an absolute expiry.
type ExpiringID struct {
	ID      int64
	OP      int64
	Expires time.Time
}

// Record converts e into its stored form. Expiry is kept as Unix milliseconds.
func (e ExpiringID) Record() Record {
	return Record{
		FieldID:      e.ID,
		FieldOP:      e.OP,
		FieldExpires: e.Expires.UnixMilli(),
	}
}

// ExpiringIDFromRecord converts a stored record back into an ExpiringID.
// A missing op decodes as zero, which is valid for thread-level stores.
func ExpiringIDFromRecord(r Record) (ExpiringID, error) {
	id, ok := r.Key(FieldID)
	if !ok || !id.IsInt() {
		return ExpiringID{}, fmt.Errorf("%w: id", ErrInvalidRecord)
	}
	exp, ok := r.Key(FieldExpires)
	if !ok || !exp.IsInt() {
		return ExpiringID{}, fmt.Errorf("%w: expires", ErrInvalidRecord)
	}
	out := ExpiringID{}
	out.ID, _ = id.Int()
	ms, _ := exp.Int()
	out.Expires = time.UnixMilli(ms).UTC()
	if op, ok := r.Key(FieldOP); ok {
		out.OP, _ = op.Int()
	}
	return out, nil
}

// ExpiresKey returns the index key for an absolute expiry instant.
func ExpiresKey(t time.Time) Key { return IntKey(t.UnixMilli()) }
