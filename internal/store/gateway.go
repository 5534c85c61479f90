package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/haukened/keepsake/internal/domain"
	"github.com/haukened/keepsake/internal/schema"
)

// Gateway runs each operation in its own single-store transaction.
type Gateway struct {
	host       Host
	closed     atomic.Bool
	superseded atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

// NewGateway wraps an opened host.
func NewGateway(host Host) *Gateway {
	return &Gateway{host: host}
}

// WithTransaction begins a transaction on store, runs fn, and commits when fn
// succeeds. Any failure rolls back and is returned as an OperationFailure.
// Once closed every call fails with Err.
func (g *Gateway) WithTransaction(ctx context.Context, store string, mode Mode, fn func(Tx) error) error {
	if err := g.Err(); err != nil {
		return err
	}
	if _, ok := schema.Lookup(store); !ok {
		return domain.OperationFailure.Wrap(fmt.Errorf("%w: %s", domain.ErrUnknownStore, store))
	}
	tx, err := g.host.Begin(ctx, store, mode)
	if err != nil {
		return opFailure(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return opFailure(err)
	}
	if err := tx.Commit(); err != nil {
		return opFailure(err)
	}
	return nil
}

// Close closes the host once. Later transactions fail with an
// OperationFailure wrapping domain.ErrClosed.
func (g *Gateway) Close() error { return g.close(false) }

// Supersede closes the host because another instance moved the schema past
// ours. Later transactions fail with a VersionConflict.
func (g *Gateway) Supersede() error { return g.close(true) }

func (g *Gateway) close(superseded bool) error {
	g.closeOnce.Do(func() {
		g.superseded.Store(superseded)
		g.closed.Store(true)
		g.closeErr = g.host.Close()
	})
	return g.closeErr
}

// Closed reports whether the host has been closed.
func (g *Gateway) Closed() bool { return g.closed.Load() }

// Err is nil while the gateway is open and afterwards the error every
// transaction fails with.
func (g *Gateway) Err() error {
	if !g.closed.Load() {
		return nil
	}
	if g.superseded.Load() {
		return domain.VersionConflict.Wrap(domain.ErrClosed)
	}
	return domain.OperationFailure.Wrap(domain.ErrClosed)
}

func opFailure(err error) error {
	if domain.OperationFailure.Has(err) || domain.VersionConflict.Has(err) {
		return err
	}
	return domain.OperationFailure.Wrap(err)
}
