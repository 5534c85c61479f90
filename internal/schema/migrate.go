package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/haukened/keepsake/internal/domain"
)

// Tx is the structural view of the database a host grants for the duration of
// one upgrade. Everything done through it commits or rolls back together.
type Tx interface {
	// StoreNames lists the stores currently present.
	StoreNames(ctx context.Context) ([]string, error)
	// CreateStore creates a store and its indexes. It fails with
	// domain.ErrStoreExists when the name is taken.
	CreateStore(ctx context.Context, spec StoreSpec) error
	// DeleteStore drops a store, its indexes and all its records. It fails
	// with domain.ErrUnknownStore when the store is absent.
	DeleteStore(ctx context.Context, name string) error
	// CreateIndex adds an index to an existing store, indexing the records it
	// already holds. It fails with domain.ErrIndexExists when taken.
	CreateIndex(ctx context.Context, store string, idx IndexSpec) error
	// Add inserts a record, failing with domain.ErrKeyExists when its key is taken.
	Add(ctx context.Context, store string, rec domain.Record) error
	// Layout describes the stores currently present.
	Layout(ctx context.Context) (Layout, error)
}

// Action is one structural transformation.
type Action interface {
	Apply(ctx context.Context, tx Tx) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, tx Tx) error

// Apply calls f.
func (f ActionFunc) Apply(ctx context.Context, tx Tx) error { return f(ctx, tx) }

// Step upgrades the database to Version. A step runs when
// oldVersion < Version <= newVersion.
type Step struct {
	Version     int
	Description string
	Action      Action
}

// Migrator applies an ordered list of steps.
type Migrator struct {
	Steps  []*Step
	Logger *slog.Logger
}

// New returns a Migrator over steps, which must be in ascending version order.
func New(steps ...*Step) *Migrator {
	return &Migrator{Steps: steps}
}

// Validate checks that versions are positive and strictly ascending and that
// every step has an action.
func (m *Migrator) Validate() error {
	if len(m.Steps) == 0 {
		return errors.New("migrator has no steps")
	}
	sorted := sort.SliceIsSorted(m.Steps, func(i, j int) bool {
		return m.Steps[i].Version < m.Steps[j].Version
	})
	if !sorted {
		return errors.New("steps have incorrect order")
	}
	for i, s := range m.Steps {
		if s.Version <= 0 {
			return fmt.Errorf("step %d has non-positive version %d", i, s.Version)
		}
		if i > 0 && m.Steps[i-1].Version == s.Version {
			return fmt.Errorf("duplicate step version %d", s.Version)
		}
		if s.Action == nil {
			return fmt.Errorf("step %d has no action", s.Version)
		}
	}
	return nil
}

// Target returns the version reached once every step has run.
func (m *Migrator) Target() int {
	if len(m.Steps) == 0 {
		return 0
	}
	return m.Steps[len(m.Steps)-1].Version
}

// Pending returns the steps that move a database from oldVersion to newVersion.
func (m *Migrator) Pending(oldVersion, newVersion int) []*Step {
	var out []*Step
	for _, s := range m.Steps {
		if oldVersion < s.Version && s.Version <= newVersion {
			out = append(out, s)
		}
	}
	return out
}

// Migrate runs every pending step in ascending order. The first failing step
// aborts the run; the host then rolls the whole upgrade back.
func (m *Migrator) Migrate(ctx context.Context, tx Tx, oldVersion, newVersion int) error {
	if err := m.Validate(); err != nil {
		return domain.MigrationFailure.Wrap(err)
	}
	if newVersion < oldVersion {
		return domain.MigrationFailure.Wrap(fmt.Errorf("%w: on disk %d, target %d", domain.ErrNewerVersion, oldVersion, newVersion))
	}
	log := m.logger().With("domain", "migrate")
	for _, step := range m.Pending(oldVersion, newVersion) {
		if err := ctx.Err(); err != nil {
			return domain.MigrationFailure.Wrap(err)
		}
		log.Info("apply step", "version", step.Version, "description", step.Description)
		if err := step.Action.Apply(ctx, tx); err != nil {
			return domain.MigrationFailure.Wrap(fmt.Errorf("step %d (%s): %w", step.Version, step.Description, err))
		}
	}
	log.Debug("schema up to date", "from", oldVersion, "to", newVersion)
	return nil
}

func (m *Migrator) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
