// Package main provides the keepsake binary: a command-line front end to the
// embedded record store. Every command loads configuration (defaults, then
// KEEPSAKE_* environment variables, then flags), opens the database, runs
// one operation and closes it again. The run command instead keeps the
// database open, runs the expiry sweeper and restarts the process when
// another instance upgrades the schema.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/haukened/keepsake/internal/app"
	"github.com/haukened/keepsake/internal/config"
	"github.com/haukened/keepsake/internal/domain"
	"github.com/haukened/keepsake/internal/janitor"
	"github.com/haukened/keepsake/internal/metrics"
	"github.com/haukened/keepsake/internal/schema"
	"github.com/haukened/keepsake/internal/store"
	"github.com/haukened/keepsake/internal/store/badger"
	"github.com/haukened/keepsake/internal/store/sqlite"
)

func main() {
	r := &runner{restart: reexec}
	if err := r.app(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		slog.Error("keepsake", "err", err)
		os.Exit(1)
	}
}

// runner carries state from the Before hook to the command actions.
type runner struct {
	cfg *config.Config
	out io.Writer

	// restart replaces the process after a schema version change.
	restart func() error
}

// globalFlags map onto config keys; unset flags leave lower layers alone.
var globalFlags = map[string]string{
	"engine":     "engine",
	"data-dir":   "data_dir",
	"name":       "name",
	"log-level":  "log_level",
	"log-format": "log_format",
}

func (r *runner) app(stdout, stderr io.Writer) *cli.App {
	r.out = stdout
	storeArg := "<store>"
	return &cli.App{
		Name:      "keepsake",
		Usage:     "Inspect and maintain a keepsake database",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "engine", Aliases: []string{"e"}, Usage: "Storage engine (sqlite, badger)"},
			&cli.StringFlag{Name: "data-dir", Aliases: []string{"d"}, Usage: "Directory holding the database"},
			&cli.StringFlag{Name: "name", Usage: "Database name"},
			&cli.BoolFlag{Name: "in-memory", Usage: "Keep the database in memory only"},
			&cli.StringFlag{Name: "log-level", Aliases: []string{"l"}, Usage: "Set logging level (debug, info, warn, error)"},
			&cli.StringFlag{Name: "log-format", Usage: "Log format (text, json)"},
		},
		Before: r.before,
		Commands: []*cli.Command{
			{
				Name:   "info",
				Usage:  "Show schema version, degraded state and store layout",
				Action: r.info,
			},
			{
				Name:      "get",
				Usage:     "Print the record stored under a key",
				ArgsUsage: storeArg + " <key>",
				Action:    r.get,
			},
			{
				Name:      "put",
				Usage:     "Insert or replace a JSON record",
				ArgsUsage: storeArg + " <json>",
				Action:    r.put,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Aliases: []string{"k"}, Usage: "Key for stores without an in-line key"},
					&cli.BoolFlag{Name: "add", Usage: "Fail instead of replacing an existing record"},
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete the record under a key",
				ArgsUsage: storeArg + " <key>",
				Action:    r.delete,
			},
			{
				Name:      "clear",
				Usage:     "Delete every record of a store",
				ArgsUsage: storeArg,
				Action:    r.clear,
			},
			{
				Name:      "scan",
				Usage:     "List record ids by walking an index over a key range",
				ArgsUsage: storeArg,
				Action:    r.scan,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "index", Aliases: []string{"i"}, Usage: "Index to walk; empty walks the primary key"},
					&cli.StringFlag{Name: "only", Usage: "Match exactly this value"},
					&cli.StringFlag{Name: "lower", Usage: "Lower bound"},
					&cli.StringFlag{Name: "upper", Usage: "Upper bound"},
					&cli.BoolFlag{Name: "lower-open", Usage: "Exclude the lower bound"},
					&cli.BoolFlag{Name: "upper-open", Usage: "Exclude the upper bound"},
				},
			},
			{
				Name:      "owners",
				Usage:     "List the ids owned by the given threads, in thread order",
				ArgsUsage: storeArg + " <op>...",
				Action:    r.owners,
			},
			{
				Name:      "ids",
				Usage:     "List every id in a store",
				ArgsUsage: storeArg,
				Action:    r.ids,
			},
			{
				Name:      "mark",
				Usage:     "Record a post id owned by a thread in an expiring store",
				ArgsUsage: storeArg + " <id> <op>",
				Action:    r.mark,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "ttl", Usage: "Time to live, e.g. 12h or 7d (default from config)"},
				},
			},
			{
				Name:      "watch",
				Usage:     "Watch a thread",
				ArgsUsage: "<thread>",
				Action:    r.watch,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "ttl", Usage: "Time to live, e.g. 12h or 7d (default from config)"},
					&cli.StringFlag{Name: "state", Usage: "JSON object stored with the thread", Value: "{}"},
				},
			},
			{
				Name:   "sweep",
				Usage:  "Delete expired records now",
				Action: r.sweep,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "store", Aliases: []string{"s"}, Usage: "Store to sweep (repeatable); default all expiring stores"},
				},
			},
			{
				Name:   "metrics",
				Usage:  "Print persisted metrics as JSON",
				Action: r.showMetrics,
			},
			{
				Name:   "run",
				Usage:  "Keep the database open and sweep expired records in the background",
				Action: r.run,
			},
		},
	}
}

func (r *runner) before(c *cli.Context) error {
	overrides := map[string]any{}
	for flag, key := range globalFlags {
		if c.IsSet(flag) {
			overrides[key] = c.String(flag)
		}
	}
	if c.IsSet("in-memory") {
		overrides["in_memory"] = c.Bool("in-memory")
	}
	cfg, err := config.LoadWith(overrides)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if err := setupLogger(c.App.ErrWriter, cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	r.cfg = cfg
	return nil
}

func setupLogger(w io.Writer, levelStr, format string) error {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("invalid log format %q: must be one of text, json", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// session is one open database with its metrics manager.
type session struct {
	store   *store.Store
	metrics *metrics.Manager
	svc     *app.Service
}

func (r *runner) open(ctx context.Context, onVersionChange func()) *session {
	cfg := r.cfg
	log := slog.Default()
	mgr := metrics.New(nil, metrics.Config{FlushInterval: cfg.MetricsFlushInterval, Logger: log})
	st := store.Open(ctx, newOpener(cfg, log), store.Options{
		Logger:          log,
		Metrics:         mgr,
		ScanWorkers:     cfg.ScanWorkers,
		VersionPoll:     cfg.VersionPollInterval,
		OnVersionChange: onVersionChange,
	})
	if sink, ok := st.Metrics(); ok {
		mgr.Attach(sink)
	}
	mgr.Start(ctx)
	return &session{
		store:   st,
		metrics: mgr,
		svc: &app.Service{
			Store:      st,
			Clock:      app.SystemClock{},
			DefaultTTL: cfg.DefaultTTL,
			MinTTL:     cfg.MinTTL,
			MaxTTL:     cfg.MaxTTL,
		},
	}
}

// Close flushes metrics while the database is still open, then closes it.
func (s *session) Close() error {
	return errors.Join(s.metrics.Stop(context.Background()), s.store.Close())
}

// with opens a session for a one-shot command.
func (r *runner) with(c *cli.Context, fn func(ctx context.Context, s *session) error) error {
	s := r.open(c.Context, nil)
	err := fn(c.Context, s)
	if cerr := s.Close(); cerr != nil {
		slog.Warn("close", "err", cerr)
	}
	return err
}

func newOpener(cfg *config.Config, log *slog.Logger) store.Opener {
	if cfg.Engine == config.EngineBadger {
		return badger.Opener(cfg.BadgerDir(), cfg.InMemory, log)
	}
	open := sqlite.Opener(cfg.SQLiteDSN(), log)
	if cfg.InMemory {
		return open
	}
	return func(ctx context.Context) (store.Host, error) {
		if err := ensureDataDir(cfg.DataDir); err != nil {
			return nil, err
		}
		return open(ctx)
	}
}

func ensureDataDir(dir string) error {
	st, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("stat data directory: %w", err)
	case !st.IsDir():
		return fmt.Errorf("data path %s is not a directory", dir)
	}
	return nil
}

func reexec() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	slog.Info("restarting after schema upgrade", "exe", exe)
	return syscall.Exec(exe, os.Args, os.Environ())
}

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() < n {
		return fmt.Errorf("usage: %s %s %s", c.App.Name, c.Command.Name, c.Command.ArgsUsage)
	}
	return nil
}

func (r *runner) writeJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (r *runner) writeKeys(keys []domain.Key) error {
	for _, k := range keys {
		if _, err := fmt.Fprintln(r.out, k.String()); err != nil {
			return err
		}
	}
	return nil
}

type infoReport struct {
	Engine     string        `json:"engine"`
	Instance   string        `json:"instance"`
	Version    int           `json:"version"`
	OpenedFrom int           `json:"openedFrom"`
	Target     int           `json:"target"`
	Degraded   bool          `json:"degraded"`
	Cause      string        `json:"cause,omitempty"`
	Stores     schema.Layout `json:"stores"`
}

func (r *runner) info(c *cli.Context) error {
	return r.with(c, func(ctx context.Context, s *session) error {
		rep := infoReport{
			Engine:     r.cfg.Engine,
			Instance:   s.store.Instance(),
			Version:    s.store.Version(),
			OpenedFrom: s.store.OpenedFrom(),
			Target:     schema.Version,
			Degraded:   s.store.Degraded(),
		}
		if cause := s.store.Cause(); cause != nil {
			rep.Cause = cause.Error()
		}
		layout, err := s.store.Layout(ctx)
		if err != nil {
			return err
		}
		rep.Stores = layout
		return r.writeJSON(rep)
	})
}

func (r *runner) get(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	name, key := c.Args().Get(0), domain.ParseKey(c.Args().Get(1))
	return r.with(c, func(ctx context.Context, s *session) error {
		rec, ok, err := s.store.Get(ctx, name, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: no record under %s", name, key)
		}
		return r.writeJSON(rec)
	})
}

func (r *runner) put(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	name := c.Args().Get(0)
	rec, err := domain.ParseRecord(c.Args().Get(1))
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	var key domain.Key
	if c.IsSet("key") {
		key = domain.ParseKey(c.String("key"))
	}
	return r.with(c, func(ctx context.Context, s *session) error {
		if !c.Bool("add") {
			return s.store.Put(ctx, name, rec, key)
		}
		added, err := s.store.Add(ctx, name, rec, key)
		if err != nil {
			return err
		}
		return r.writeKeys([]domain.Key{added})
	})
}

func (r *runner) delete(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	name, key := c.Args().Get(0), domain.ParseKey(c.Args().Get(1))
	return r.with(c, func(ctx context.Context, s *session) error {
		return s.store.Delete(ctx, name, key)
	})
}

func (r *runner) clear(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return r.with(c, func(ctx context.Context, s *session) error {
		return s.svc.Reset(ctx, c.Args().Get(0))
	})
}

// scanRange builds the key range described by the scan flags.
func scanRange(c *cli.Context) domain.KeyRange {
	if c.IsSet("only") {
		return domain.Only(domain.ParseKey(c.String("only")))
	}
	var lo, hi domain.Key
	if c.IsSet("lower") {
		lo = domain.ParseKey(c.String("lower"))
	}
	if c.IsSet("upper") {
		hi = domain.ParseKey(c.String("upper"))
	}
	return domain.Bound(lo, hi, c.Bool("lower-open"), c.Bool("upper-open"))
}

func (r *runner) scan(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return r.with(c, func(ctx context.Context, s *session) error {
		keys, err := s.store.ScanByIndex(ctx, c.Args().Get(0), c.String("index"), scanRange(c))
		if err != nil {
			return err
		}
		return r.writeKeys(keys)
	})
}

func parseInts(args []string) ([]int64, error) {
	out := make([]int64, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an integer", domain.ErrInvalidKey, a)
		}
		out = append(out, n)
	}
	return out, nil
}

func (r *runner) owners(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	ops, err := parseInts(c.Args().Tail())
	if err != nil {
		return err
	}
	return r.with(c, func(ctx context.Context, s *session) error {
		keys, err := s.store.ReadManyByOwner(ctx, c.Args().First(), ops)
		if err != nil {
			return err
		}
		return r.writeKeys(keys)
	})
}

func (r *runner) ids(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return r.with(c, func(ctx context.Context, s *session) error {
		keys, err := s.store.ReadAllIDs(ctx, c.Args().First())
		if err != nil {
			return err
		}
		return r.writeKeys(keys)
	})
}

// ttlFlag returns the --ttl value, or zero for the configured default.
func ttlFlag(c *cli.Context) (time.Duration, error) {
	if !c.IsSet("ttl") {
		return 0, nil
	}
	d, err := domain.ParseTTL(c.String("ttl"))
	if err != nil {
		return 0, fmt.Errorf("ttl: %w", err)
	}
	return d, nil
}

func (r *runner) mark(c *cli.Context) error {
	if err := requireArgs(c, 3); err != nil {
		return err
	}
	nums, err := parseInts(c.Args().Slice()[1:3])
	if err != nil {
		return err
	}
	ttl, err := ttlFlag(c)
	if err != nil {
		return err
	}
	return r.with(c, func(ctx context.Context, s *session) error {
		return s.svc.Remember(ctx, c.Args().First(), nums[0], nums[1], ttl)
	})
}

func (r *runner) watch(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	thread, err := parseInts(c.Args().Slice()[:1])
	if err != nil {
		return err
	}
	state, err := domain.ParseRecord(c.String("state"))
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	ttl, err := ttlFlag(c)
	if err != nil {
		return err
	}
	return r.with(c, func(ctx context.Context, s *session) error {
		expires, err := s.svc.WatchThread(ctx, thread[0], state, ttl)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(r.out, "watching %d until %s\n", thread[0], expires.Format(time.RFC3339))
		return err
	})
}

func (r *runner) sweep(c *cli.Context) error {
	return r.with(c, func(ctx context.Context, s *session) error {
		j := janitor.New(s.store, janitor.Config{
			Stores:  c.StringSlice("store"),
			Metrics: s.metrics,
			Logger:  slog.Default(),
		})
		n := j.RunPass(ctx)
		if mv := j.MetricsSnapshot(); mv.Failures > 0 {
			return fmt.Errorf("sweep: %d store(s) failed, %d records deleted", mv.Failures, n)
		}
		_, err := fmt.Fprintf(r.out, "deleted %d\n", n)
		return err
	})
}

func (r *runner) showMetrics(c *cli.Context) error {
	return r.with(c, func(ctx context.Context, s *session) error {
		rep, err := metrics.Collect(ctx, s.metrics)
		if err != nil {
			return err
		}
		return rep.WriteJSON(r.out)
	})
}

func (r *runner) run(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var changed atomic.Bool
	s := r.open(ctx, func() {
		changed.Store(true)
		stop()
	})
	j := janitor.New(s.store, janitor.Config{
		Delay:    r.cfg.SweepDelay,
		Interval: r.cfg.SweepInterval,
		Metrics:  s.metrics,
		Logger:   slog.Default(),
	})
	j.Start(ctx)
	slog.Info("keepsake running", "engine", r.cfg.Engine, "degraded", s.store.Degraded(), "pid", os.Getpid())

	<-ctx.Done()
	j.Stop()
	if err := s.Close(); err != nil {
		slog.Warn("close", "err", err)
	}
	if changed.Load() {
		return r.restart()
	}
	return nil
}
