package store

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Guard tracks whether storage is usable. It starts live and can only move
// to degraded, never back.
type Guard struct {
	degraded atomic.Bool
	once     sync.Once
	cause    error
	log      *slog.Logger
}

// NewGuard returns a live Guard.
func NewGuard(log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{log: log.With("domain", "guard")}
}

// Degrade switches the guard to degraded mode. Only the first call records
// its cause and logs; later calls are ignored.
func (g *Guard) Degrade(cause error) {
	g.once.Do(func() {
		g.cause = cause
		g.degraded.Store(true)
		g.log.Error("storage unavailable, all further database access will be ignored", "error", cause)
	})
}

// Degraded reports whether storage access is being short-circuited.
func (g *Guard) Degraded() bool { return g.degraded.Load() }

// Cause returns the error that degraded the guard, or nil while live.
func (g *Guard) Cause() error {
	if !g.Degraded() {
		return nil
	}
	return g.cause
}
