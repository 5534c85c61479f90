// Package janitor implements background deletion of expired records.
// It operates independently from the store engine to keep lifecycle concerns
// (delayed start, periodic passes) isolated from the request path.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/haukened/keepsake/internal/metrics"
	"github.com/haukened/keepsake/internal/schema"
)

// Sweeper is the store operation the Janitor requires. Sweep deletes every
// record of store whose expiry is <= now and returns the number removed.
type Sweeper interface {
	Sweep(ctx context.Context, store string, now time.Time) (int, error)
}

// Collector receives sweep metrics. *metrics.Manager satisfies it.
type Collector interface {
	Inc(name string, delta int64)
	Observe(name string, value int64)
}

// Config holds tunables for the Janitor.
type Config struct {
	Delay    time.Duration // wait before the first pass
	Interval time.Duration // time between later passes; zero runs a single pass
	Stores   []string      // defaults to every expiring store
	Workers  int           // concurrent store sweeps; defaults to len(Stores)
	Clock    func() time.Time
	Metrics  Collector    // optional
	Logger   *slog.Logger // optional logger (defaults to slog.Default())
}

// Metrics accumulates counters (in-memory) for operational insight.
type Metrics struct {
	mu                 sync.Mutex
	Passes             uint64
	Deleted            uint64
	Failures           uint64
	PassLastDurationMS int64
}

// MetricsView is a read-only snapshot safe to copy.
type MetricsView struct {
	Passes             uint64
	Deleted            uint64
	Failures           uint64
	PassLastDurationMS int64
}

func (m *Metrics) addDeleted(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.Deleted += uint64(n)
	m.mu.Unlock()
}

func (m *Metrics) addFailure() {
	m.mu.Lock()
	m.Failures++
	m.mu.Unlock()
}

func (m *Metrics) recordPass(d time.Duration) {
	m.mu.Lock()
	m.Passes++
	m.PassLastDurationMS = d.Milliseconds()
	m.mu.Unlock()
}

// Janitor encapsulates the background sweep loop.
type Janitor struct {
	store   Sweeper
	cfg     Config
	metrics *Metrics

	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

// New constructs but does not start a Janitor.
func New(store Sweeper, cfg Config) *Janitor {
	if len(cfg.Stores) == 0 {
		cfg.Stores = schema.Expiring()
	}
	if cfg.Workers < 1 {
		cfg.Workers = len(cfg.Stores)
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopCollector{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Janitor{
		store:   store,
		cfg:     cfg,
		metrics: &Metrics{},
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

type nopCollector struct{}

func (nopCollector) Inc(string, int64)     {}
func (nopCollector) Observe(string, int64) {}

// Start launches the janitor loop in a new goroutine.
func (j *Janitor) Start(ctx context.Context) {
	if j.started {
		return
	}
	j.started = true
	go j.loop(ctx)
}

// Stop signals the loop to exit and waits for completion. A pass in
// progress finishes its current stores first.
func (j *Janitor) Stop() {
	j.once.Do(func() { close(j.stopCh) })
	if j.started {
		<-j.doneCh
	}
}

// Done is closed when the loop exits, including after a single pass.
func (j *Janitor) Done() <-chan struct{} { return j.doneCh }

// MetricsSnapshot returns a copy of current metrics.
func (j *Janitor) MetricsSnapshot() MetricsView {
	j.metrics.mu.Lock()
	defer j.metrics.mu.Unlock()
	return MetricsView{
		Passes:             j.metrics.Passes,
		Deleted:            j.metrics.Deleted,
		Failures:           j.metrics.Failures,
		PassLastDurationMS: j.metrics.PassLastDurationMS,
	}
}

func (j *Janitor) loop(ctx context.Context) {
	log := j.cfg.Logger.With("domain", "janitor")
	defer close(j.doneCh)

	timer := time.NewTimer(j.cfg.Delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("janitor stop", "reason", "context_cancel")
			return
		case <-j.stopCh:
			log.Info("janitor stop", "reason", "stop_signal")
			return
		case <-timer.C:
			j.RunPass(ctx)
			if j.cfg.Interval <= 0 {
				log.Debug("janitor stop", "reason", "single_pass")
				return
			}
			timer.Reset(j.cfg.Interval)
		}
	}
}

// RunPass sweeps every configured store once and returns the total number
// of records deleted. A failing store is logged and does not stop the others.
func (j *Janitor) RunPass(ctx context.Context) int {
	start := time.Now()
	log := j.cfg.Logger.With("domain", "janitor", "action", "pass")
	now := j.cfg.Clock()

	pool, err := ants.NewPool(j.cfg.Workers)
	if err != nil {
		log.Error("worker pool", "error", err)
		return 0
	}
	defer pool.Release()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for _, name := range j.cfg.Stores {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			n, err := j.store.Sweep(ctx, name, now)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Error("sweep", "store", name, "error", err)
				}
				j.metrics.addFailure()
				return
			}
			if n > 0 {
				log.Debug("swept", "store", name, "deleted", n)
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			j.metrics.addFailure()
			log.Error("submit", "store", name, "error", err)
		}
	}
	wg.Wait()

	j.metrics.addDeleted(total)
	j.metrics.recordPass(time.Since(start))
	j.cfg.Metrics.Inc(metrics.CounterExpiredDeleted, int64(total))
	j.cfg.Metrics.Observe(metrics.SummaryJanitorDeletedPerPass, int64(total))
	log.Info("pass complete", "deleted", total, "stores", len(j.cfg.Stores), "ms", time.Since(start).Milliseconds())
	return total
}
