// Package schema declares the object stores the database holds and the
// ordered chain of migration steps that builds them. Nothing here performs
// I/O directly: steps act through the Tx port, which each storage host
// implements inside its own atomic upgrade transaction.
package schema

import (
	"fmt"
	"slices"
	"strings"

	"github.com/haukened/keepsake/internal/domain"
)

// Store names.
const (
	Mine           = "mine"           // posts created by this client
	Hidden         = "hidden"         // posts hidden by the client
	Seen           = "seen"           // replies to the user's posts already seen
	SeenPost       = "seenPost"       // posts the user has viewed or scrolled past
	WatchedThreads = "watchedThreads" // threads currently watched
	Main           = "main"           // singleton configuration objects
)

// Index names. Each index is keyed by the record field of the same name.
const (
	IndexOP      = domain.FieldOP
	IndexExpires = domain.FieldExpires
	IndexID      = domain.FieldID
)

// Seeded singleton keys present in Main after initialization.
const (
	KeyBackground = "background"
	KeyMascot     = "mascot"
)

// ExpiringIDStores hold {id, op, expires} records and carry op and expires indexes.
var ExpiringIDStores = []string{Mine, Hidden, Seen, SeenPost}

// ExpiringOnlyStores hold thread-level records and carry only an expires index.
var ExpiringOnlyStores = []string{WatchedThreads}

// Family categorises a store by its record shape and index set.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyExpiringID
	FamilyExpiringOnly
	FamilySingleton
)

func (f Family) String() string {
	switch f {
	case FamilyExpiringID:
		return "expiring-id"
	case FamilyExpiringOnly:
		return "expiring-only"
	case FamilySingleton:
		return "singleton"
	default:
		return "unknown"
	}
}

// Expiring reports whether records of this family are swept once expired.
func (f Family) Expiring() bool { return f == FamilyExpiringID || f == FamilyExpiringOnly }

// RequiresOP reports whether records of this family must carry an owning thread id.
func (f Family) RequiresOP() bool { return f == FamilyExpiringID }

// Lookup returns the family of a registered store.
func Lookup(name string) (Family, bool) {
	switch {
	case slices.Contains(ExpiringIDStores, name):
		return FamilyExpiringID, true
	case slices.Contains(ExpiringOnlyStores, name):
		return FamilyExpiringOnly, true
	case name == Main:
		return FamilySingleton, true
	}
	return FamilyUnknown, false
}

// Expiring returns every store the sweeper visits, in a stable order.
func Expiring() []string {
	return append(slices.Clone(ExpiringIDStores), ExpiringOnlyStores...)
}

// IndexSpec declares a secondary index over one record field.
type IndexSpec struct {
	Name    string `json:"name"`
	KeyPath string `json:"keyPath"`
}

// ValueOf extracts the index key of rec. Records without a valid key at the
// index's path are not part of the index.
func (ix IndexSpec) ValueOf(rec domain.Record) (domain.Key, bool) {
	return rec.Key(ix.KeyPath)
}

// StoreSpec declares an object store: its primary key and its indexes.
// KeyPath names the record field holding the key; an empty KeyPath means keys
// are supplied by the caller. AutoIncrement lets the store generate integer
// keys when none is given.
type StoreSpec struct {
	Name          string      `json:"name"`
	KeyPath       string      `json:"keyPath,omitempty"`
	AutoIncrement bool        `json:"autoIncrement,omitempty"`
	Indexes       []IndexSpec `json:"indexes,omitempty"`
}

// Index returns the named index.
func (s StoreSpec) Index(name string) (IndexSpec, bool) {
	for _, ix := range s.Indexes {
		if ix.Name == name {
			return ix, true
		}
	}
	return IndexSpec{}, false
}

// KeyFor resolves the primary key for rec. When generate is true the caller
// must allocate a key from the store's generator and pass it to Inject.
// Stores with in-line keys accept an explicit key only when it matches the
// one held by the record.
func (s StoreSpec) KeyFor(rec domain.Record, explicit domain.Key) (key domain.Key, generate bool, err error) {
	if s.KeyPath != "" {
		k, ok := rec.Key(s.KeyPath)
		if !explicit.IsZero() {
			if !ok || k.Compare(explicit) != 0 {
				return domain.Key{}, false, fmt.Errorf("%w: store %q uses in-line keys and %s does not match the record", domain.ErrInvalidKey, s.Name, explicit)
			}
			return k, false, nil
		}
		if ok {
			return k, false, nil
		}
		if _, present := rec[s.KeyPath]; present {
			return domain.Key{}, false, fmt.Errorf("%w: %s", domain.ErrInvalidKey, s.KeyPath)
		}
		if s.AutoIncrement {
			return domain.Key{}, true, nil
		}
		return domain.Key{}, false, fmt.Errorf("%w: %s.%s", domain.ErrMissingKey, s.Name, s.KeyPath)
	}
	if !explicit.IsZero() {
		return explicit, false, nil
	}
	if s.AutoIncrement {
		return domain.Key{}, true, nil
	}
	return domain.Key{}, false, fmt.Errorf("%w: store %q needs an explicit key", domain.ErrMissingKey, s.Name)
}

// Inject writes a generated key into rec when the store uses in-line keys.
// It returns a copy; rec itself is left untouched.
func (s StoreSpec) Inject(rec domain.Record, k domain.Key) domain.Record {
	if s.KeyPath == "" {
		return rec
	}
	out := rec.Clone()
	out[s.KeyPath] = k.Value()
	return out
}

func expiringIDSpec(name, keyPath string, autoIncrement bool) StoreSpec {
	return StoreSpec{
		Name:          name,
		KeyPath:       keyPath,
		AutoIncrement: autoIncrement,
		Indexes: []IndexSpec{
			{Name: IndexExpires, KeyPath: domain.FieldExpires},
			{Name: IndexOP, KeyPath: domain.FieldOP},
		},
	}
}

func expiringOnlySpec(name string) StoreSpec {
	return StoreSpec{
		Name:    name,
		Indexes: []IndexSpec{{Name: IndexExpires, KeyPath: domain.FieldExpires}},
	}
}

func mainSpec() StoreSpec {
	return StoreSpec{Name: Main, KeyPath: domain.FieldID}
}

// Registry returns the layout the current schema version defines.
func Registry() Layout {
	var l Layout
	for _, name := range ExpiringIDStores {
		l = append(l, expiringIDSpec(name, domain.FieldID, false))
	}
	for _, name := range ExpiringOnlyStores {
		l = append(l, expiringOnlySpec(name))
	}
	l = append(l, mainSpec())
	return l.Normalize()
}

// Layout is the full set of stores in a database.
type Layout []StoreSpec

// Normalize returns a copy sorted by store name, with each store's indexes
// sorted by index name.
func (l Layout) Normalize() Layout {
	out := make(Layout, len(l))
	for i, s := range l {
		s.Indexes = slices.Clone(s.Indexes)
		slices.SortFunc(s.Indexes, func(a, b IndexSpec) int { return strings.Compare(a.Name, b.Name) })
		out[i] = s
	}
	slices.SortFunc(out, func(a, b StoreSpec) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Store returns the named store.
func (l Layout) Store(name string) (StoreSpec, bool) {
	for _, s := range l {
		if s.Name == name {
			return s, true
		}
	}
	return StoreSpec{}, false
}

// Names returns the store names in layout order.
func (l Layout) Names() []string {
	names := make([]string, len(l))
	for i, s := range l {
		names[i] = s.Name
	}
	return names
}

// String renders the normalized layout, one line per store and index.
func (l Layout) String() string {
	var b strings.Builder
	for _, s := range l.Normalize() {
		keyPath := s.KeyPath
		if keyPath == "" {
			keyPath = "-"
		}
		fmt.Fprintf(&b, "store %s key=%s auto=%t\n", s.Name, keyPath, s.AutoIncrement)
		for _, ix := range s.Indexes {
			fmt.Fprintf(&b, "  index %s on %s\n", ix.Name, ix.KeyPath)
		}
	}
	return b.String()
}

// Equal reports whether two layouts declare the same stores and indexes.
func (l Layout) Equal(o Layout) bool { return l.String() == o.String() }
