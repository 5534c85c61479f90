// Package domain key.go contains the key and key range types used to address
// records and walk secondary indexes.
package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type keyKind uint8

const (
	kindNone keyKind = iota
	kindInt
	kindString
)

// Key identifies a record within a store, or a position within an index.
// Only integer and string keys exist. Every integer key sorts before every
// string key; integers compare numerically and strings bytewise.
type Key struct {
	kind keyKind
	n    int64
	s    string
}

// IntKey returns an integer Key.
func IntKey(n int64) Key { return Key{kind: kindInt, n: n} }

// StringKey returns a string Key.
func StringKey(s string) Key { return Key{kind: kindString, s: s} }

// KeyOf converts a decoded record value into a Key. Integral numbers and
// strings are valid keys; everything else returns ErrInvalidKey.
func KeyOf(v any) (Key, error) {
	switch x := v.(type) {
	case Key:
		if x.IsZero() {
			return Key{}, ErrInvalidKey
		}
		return x, nil
	case int:
		return IntKey(int64(x)), nil
	case int32:
		return IntKey(int64(x)), nil
	case int64:
		return IntKey(x), nil
	case uint32:
		return IntKey(int64(x)), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || x >= math.MaxInt64 || x < math.MinInt64 {
			return Key{}, ErrInvalidKey
		}
		return IntKey(int64(x)), nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return Key{}, ErrInvalidKey
		}
		return IntKey(n), nil
	case string:
		return StringKey(x), nil
	default:
		return Key{}, ErrInvalidKey
	}
}

// ParseKey interprets s as an integer key when it is a base-10 integer and as
// a string key otherwise. Used by command-line callers.
func ParseKey(s string) Key {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return IntKey(n)
	}
	return StringKey(s)
}

// IsZero reports whether k is the zero Key, which addresses nothing.
func (k Key) IsZero() bool { return k.kind == kindNone }

// IsInt reports whether k is an integer key.
func (k Key) IsInt() bool { return k.kind == kindInt }

// IsString reports whether k is a string key.
func (k Key) IsString() bool { return k.kind == kindString }

// Int returns the integer value of k.
func (k Key) Int() (int64, bool) { return k.n, k.kind == kindInt }

// Str returns the string value of k.
func (k Key) Str() (string, bool) { return k.s, k.kind == kindString }

// Value returns k as a plain Go value (int64 or string), suitable for
// embedding into a Record.
func (k Key) Value() any {
	switch k.kind {
	case kindInt:
		return k.n
	case kindString:
		return k.s
	default:
		return nil
	}
}

// String implements fmt.Stringer.
func (k Key) String() string {
	switch k.kind {
	case kindInt:
		return strconv.FormatInt(k.n, 10)
	case kindString:
		return strconv.Quote(k.s)
	default:
		return "<none>"
	}
}

// Compare returns -1, 0 or +1 depending on whether k sorts before, equal to
// or after o.
func (k Key) Compare(o Key) int {
	if k.kind != o.kind {
		if k.kind < o.kind {
			return -1
		}
		return 1
	}
	switch k.kind {
	case kindInt:
		switch {
		case k.n < o.n:
			return -1
		case k.n > o.n:
			return 1
		}
		return 0
	case kindString:
		return strings.Compare(k.s, o.s)
	}
	return 0
}

// MarshalJSON encodes the key as a JSON number or string.
func (k Key) MarshalJSON() ([]byte, error) {
	if k.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(k.Value())
}

// UnmarshalJSON decodes a JSON number or string into the key.
func (k *Key) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if v == nil {
		*k = Key{}
		return nil
	}
	parsed, err := KeyOf(v)
	if err != nil {
		return fmt.Errorf("decode key %s: %w", b, err)
	}
	*k = parsed
	return nil
}

// KeyRange constrains an index walk. The zero value matches every key.
type KeyRange struct {
	Lower     Key
	Upper     Key
	LowerOpen bool
	UpperOpen bool
}

// Only returns a range matching exactly k.
func Only(k Key) KeyRange { return KeyRange{Lower: k, Upper: k} }

// LowerBound returns a range of keys >= k, or > k when open is set.
func LowerBound(k Key, open bool) KeyRange { return KeyRange{Lower: k, LowerOpen: open} }

// UpperBound returns a range of keys <= k, or < k when open is set.
func UpperBound(k Key, open bool) KeyRange { return KeyRange{Upper: k, UpperOpen: open} }

// Bound returns a range between lo and hi.
func Bound(lo, hi Key, loOpen, hiOpen bool) KeyRange {
	return KeyRange{Lower: lo, Upper: hi, LowerOpen: loOpen, UpperOpen: hiOpen}
}

// IsEquality reports whether the range matches a single key.
func (r KeyRange) IsEquality() bool {
	return !r.Lower.IsZero() && !r.LowerOpen && !r.UpperOpen && r.Lower.Compare(r.Upper) == 0
}

// Contains reports whether k falls inside the range.
func (r KeyRange) Contains(k Key) bool {
	if !r.Lower.IsZero() {
		c := k.Compare(r.Lower)
		if c < 0 || (c == 0 && r.LowerOpen) {
			return false
		}
	}
	if !r.Upper.IsZero() {
		c := k.Compare(r.Upper)
		if c > 0 || (c == 0 && r.UpperOpen) {
			return false
		}
	}
	return true
}

// Validate rejects ranges whose lower bound sits above the upper bound.
func (r KeyRange) Validate() error {
	if r.Lower.IsZero() || r.Upper.IsZero() {
		return nil
	}
	c := r.Lower.Compare(r.Upper)
	if c > 0 || (c == 0 && (r.LowerOpen || r.UpperOpen)) {
		return ErrInvalidRange
	}
	return nil
}
