package store

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/haukened/keepsake/internal/app"
	"github.com/haukened/keepsake/internal/domain"
	"github.com/haukened/keepsake/internal/schema"
)

// Options configures Open. Zero values select defaults.
type Options struct {
	Migrator *schema.Migrator // defaults to schema.Default()
	Clock    app.Clock        // defaults to app.SystemClock
	Logger   *slog.Logger     // defaults to slog.Default()
	Metrics  Collector        // optional

	// ScanWorkers bounds concurrent per-owner scans. Defaults to NumCPU/2, min 1.
	ScanWorkers int

	// VersionPoll is how often the on-disk version is checked for upgrades
	// made by another instance. Zero disables the watcher.
	VersionPoll time.Duration

	// OnVersionChange runs once after a newer on-disk version closed the
	// handle. The host environment is expected to restart the process.
	OnVersionChange func()
}

// Open opens the database through open and brings its schema up to the
// migrator's target version. Open never fails: when the host cannot be
// opened or upgraded the returned Store is degraded and every later call
// short-circuits. ctx also bounds the lifetime of the version watcher.
func Open(ctx context.Context, open Opener, opts Options) *Store {
	if opts.Migrator == nil {
		opts.Migrator = schema.Default()
	}
	if opts.Clock == nil {
		opts.Clock = app.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopCollector{}
	}
	if opts.ScanWorkers < 1 {
		opts.ScanWorkers = max(runtime.NumCPU()/2, 1)
	}

	instance := uuid.NewString()
	log := opts.Logger.With("domain", "store", "instance", instance)
	s := &Store{
		guard:    NewGuard(opts.Logger.With("instance", instance)),
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		log:      log,
		instance: instance,
	}

	host, err := open(ctx)
	if err != nil {
		s.guard.Degrade(domain.OpenFailure.Wrap(err))
		return s
	}

	target := opts.Migrator.Target()
	old, err := host.Upgrade(ctx, target, func(ctx context.Context, tx schema.Tx, oldVersion int) error {
		return opts.Migrator.Migrate(ctx, tx, oldVersion, target)
	})
	if err != nil {
		_ = host.Close()
		switch {
		case errors.Is(err, domain.ErrNewerVersion):
			s.guard.Degrade(domain.VersionConflict.Wrap(err))
		case domain.MigrationFailure.Has(err):
			s.guard.Degrade(err)
		default:
			s.guard.Degrade(domain.OpenFailure.Wrap(err))
		}
		return s
	}

	pool, err := ants.NewPool(opts.ScanWorkers)
	if err != nil {
		_ = host.Close()
		s.guard.Degrade(domain.OpenFailure.Wrap(err))
		return s
	}

	s.host = host
	s.gw = NewGateway(host)
	s.pool = pool
	s.version = target
	s.openedFrom = old
	if old < target {
		log.Info("schema upgraded", "from", old, "to", target)
	}
	log.Info("database open", "version", target)

	if opts.VersionPoll > 0 {
		s.watchStop = make(chan struct{})
		s.watchDone = make(chan struct{})
		go s.watchVersion(ctx, target, opts.VersionPoll, opts.OnVersionChange)
	}
	return s
}

// watchVersion polls the on-disk version. When another instance has moved it
// past target the handle is closed at once and onChange is invoked.
func (s *Store) watchVersion(ctx context.Context, target int, every time.Duration, onChange func()) {
	log := s.log.With("action", "version_watch")
	ticker := time.NewTicker(every)
	changed := false
	defer func() {
		ticker.Stop()
		close(s.watchDone)
		if changed && onChange != nil {
			onChange()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.watchStop:
			return
		case <-ticker.C:
			v, err := s.host.Version(ctx)
			if err != nil {
				log.Warn("read version", "error", err)
				continue
			}
			if v <= target {
				continue
			}
			log.Warn("database upgraded by another instance, closing", "disk", v, "expected", target)
			if err := s.gw.Supersede(); err != nil {
				log.Error("close", "error", err)
			}
			changed = true
			return
		}
	}
}
