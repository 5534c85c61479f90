package schema

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/haukened/keepsake/internal/domain"
)

// Version is the schema version the current code creates.
const Version = 10

// Default returns the full migration chain, from an empty database to Version.
func Default() *Migrator {
	return New(
		&Step{
			Version:     4,
			Description: "reset all stores and seed main",
			Action: Sequence(
				DropAll(),
				CreateStores(legacySpecs()...),
				CreateStores(mainSpec()),
				Seed(Main, KeyBackground, KeyMascot),
			),
		},
		&Step{
			Version:     5,
			Description: "seed mascot",
			Action:      Seed(Main, KeyMascot),
		},
		&Step{
			Version:     6,
			Description: "create seenPost if absent",
			Action:      CreateIfAbsent(expiringIDSpec(SeenPost, "", true)),
		},
		&Step{
			Version:     7,
			Description: "recreate expiring id stores",
			Action:      Recreate(legacySpecs()...),
		},
		&Step{
			Version:     8,
			Description: "create watchedThreads",
			Action:      CreateIfAbsent(expiringOnlySpec(WatchedThreads)),
		},
		&Step{
			Version:     9,
			Description: "index mine by id",
			Action:      AddIndex(Mine, IndexSpec{Name: IndexID, KeyPath: domain.FieldID}),
		},
		&Step{
			Version:     10,
			Description: "key expiring id stores by post id",
			Action:      Recreate(currentSpecs()...),
		},
	)
}

// legacySpecs are the expiring-ID stores as versions 4 through 9 declare
// them: generated keys, op and expires indexes.
func legacySpecs() []StoreSpec {
	specs := make([]StoreSpec, 0, len(ExpiringIDStores))
	for _, name := range ExpiringIDStores {
		specs = append(specs, expiringIDSpec(name, "", true))
	}
	return specs
}

func currentSpecs() []StoreSpec {
	specs := make([]StoreSpec, 0, len(ExpiringIDStores))
	for _, name := range ExpiringIDStores {
		specs = append(specs, expiringIDSpec(name, domain.FieldID, false))
	}
	return specs
}

// Sequence runs actions in order, stopping at the first error.
func Sequence(actions ...Action) Action {
	return ActionFunc(func(ctx context.Context, tx Tx) error {
		for _, a := range actions {
			if err := a.Apply(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	})
}

// DropAll deletes every existing store.
func DropAll() Action {
	return ActionFunc(func(ctx context.Context, tx Tx) error {
		names, err := tx.StoreNames(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.DeleteStore(ctx, name); err != nil {
				return fmt.Errorf("drop %s: %w", name, err)
			}
		}
		return nil
	})
}

// CreateStores creates each store, failing if any already exists.
func CreateStores(specs ...StoreSpec) Action {
	return ActionFunc(func(ctx context.Context, tx Tx) error {
		for _, s := range specs {
			if err := tx.CreateStore(ctx, s); err != nil {
				return fmt.Errorf("create %s: %w", s.Name, err)
			}
		}
		return nil
	})
}

// CreateIfAbsent creates a store unless one of that name already exists.
func CreateIfAbsent(spec StoreSpec) Action {
	return ActionFunc(func(ctx context.Context, tx Tx) error {
		names, err := tx.StoreNames(ctx)
		if err != nil {
			return err
		}
		if slices.Contains(names, spec.Name) {
			return nil
		}
		if err := tx.CreateStore(ctx, spec); err != nil {
			return fmt.Errorf("create %s: %w", spec.Name, err)
		}
		return nil
	})
}

// Recreate drops each store if present and creates it afresh from its spec.
// Records held by the old store are discarded.
func Recreate(specs ...StoreSpec) Action {
	return ActionFunc(func(ctx context.Context, tx Tx) error {
		names, err := tx.StoreNames(ctx)
		if err != nil {
			return err
		}
		for _, s := range specs {
			if slices.Contains(names, s.Name) {
				if err := tx.DeleteStore(ctx, s.Name); err != nil {
					return fmt.Errorf("drop %s: %w", s.Name, err)
				}
			}
			if err := tx.CreateStore(ctx, s); err != nil {
				return fmt.Errorf("create %s: %w", s.Name, err)
			}
		}
		return nil
	})
}

// AddIndex adds an index to a store unless the store already carries it.
func AddIndex(store string, idx IndexSpec) Action {
	return ActionFunc(func(ctx context.Context, tx Tx) error {
		err := tx.CreateIndex(ctx, store, idx)
		if errors.Is(err, domain.ErrIndexExists) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("index %s.%s: %w", store, idx.Name, err)
		}
		return nil
	})
}

// Seed inserts an empty singleton for each key not yet present.
func Seed(store string, keys ...string) Action {
	return ActionFunc(func(ctx context.Context, tx Tx) error {
		for _, k := range keys {
			err := tx.Add(ctx, store, domain.Record{domain.FieldID: k})
			if errors.Is(err, domain.ErrKeyExists) {
				continue
			}
			if err != nil {
				return fmt.Errorf("seed %s.%s: %w", store, k, err)
			}
		}
		return nil
	})
}
