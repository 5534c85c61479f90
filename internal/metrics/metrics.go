// Package metrics provides a lightweight persistent metrics manager.
// It batches in-memory counter and summary observations and periodically
// flushes them into the same embedded database that holds the records, via
// the Sink port each storage host implements. Only monotonic counters and
// simple (count,sum,min,max) summaries are supported.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Counter names.
const (
	CounterRecordsPut        = "records_put_total"
	CounterRecordsDeleted    = "records_deleted_total"
	CounterStoresCleared     = "stores_cleared_total"
	CounterOperationFailures = "operation_failures_total"
	CounterExpiredDeleted    = "records_expired_deleted_total"
)

// Summary names.
const (
	SummaryJanitorDeletedPerPass = "janitor_deleted_per_pass"
)

// Summary aggregates observations of one named value.
type Summary struct {
	Count int64 `json:"count"`
	Sum   int64 `json:"sum"`
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
}

func (s *Summary) observe(v int64) {
	if s.Count == 0 {
		*s = Summary{Count: 1, Sum: v, Min: v, Max: v}
		return
	}
	s.Count++
	s.Sum += v
	s.Min = min(s.Min, v)
	s.Max = max(s.Max, v)
}

// Merge folds o into s.
func (s *Summary) Merge(o Summary) {
	if o.Count == 0 {
		return
	}
	if s.Count == 0 {
		*s = o
		return
	}
	s.Count += o.Count
	s.Sum += o.Sum
	s.Min = min(s.Min, o.Min)
	s.Max = max(s.Max, o.Max)
}

// Sink persists metric deltas. FlushMetrics adds counters to the stored
// values and merges summaries; it must apply all of them or none.
type Sink interface {
	FlushMetrics(ctx context.Context, counters map[string]int64, summaries map[string]Summary) error
	LoadMetrics(ctx context.Context) (map[string]int64, map[string]Summary, error)
}

// Config controls flush cadence and logging.
type Config struct {
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Manager aggregates metric events and flushes them.
type Manager struct {
	cfg     Config
	sink    Sink
	events  chan event
	stop    chan struct{}
	done    chan struct{}
	started bool

	// sink and in-memory deltas (protected by mu)
	mu        sync.Mutex
	counters  map[string]int64
	summaries map[string]*Summary
}

type eventKind int

const (
	eventInc eventKind = iota + 1
	eventObserve
)

type event struct {
	kind eventKind
	name string
	v    int64
}

// New creates a Manager. A nil sink keeps every delta in memory, which is
// how metrics behave while storage is degraded. Call Start to begin
// background flushing.
func New(sink Sink, cfg Config) *Manager {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		sink:      sink,
		events:    make(chan event, 1024),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		counters:  make(map[string]int64),
		summaries: make(map[string]*Summary),
	}
}

// Attach sets the sink once storage is open. Deltas gathered before that are
// written by the next flush.
func (m *Manager) Attach(sink Sink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// Start launches the background flush loop.
func (m *Manager) Start(ctx context.Context) {
	if m.started {
		return
	}
	m.started = true
	go m.loop(ctx)
}

// Stop signals the flush loop to exit, applies any queued events and
// performs a final flush.
func (m *Manager) Stop(ctx context.Context) error {
	if m.started {
		close(m.stop)
		<-m.done
		m.started = false
	}
	m.drain()
	return m.flush(ctx)
}

// Inc increments a counter by delta (>=1).
func (m *Manager) Inc(name string, delta int64) {
	if delta <= 0 {
		return
	}
	select {
	case m.events <- event{kind: eventInc, name: name, v: delta}:
	default:
		// channel full; best-effort drop
	}
}

// Observe records a summary observation.
func (m *Manager) Observe(name string, value int64) {
	select {
	case m.events <- event{kind: eventObserve, name: name, v: value}:
	default:
	}
}

func (m *Manager) loop(ctx context.Context) {
	log := m.cfg.Logger.With("domain", "metrics")
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer func() {
		ticker.Stop()
		close(m.done)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("metrics stop", "reason", "context_cancel")
			return
		case <-m.stop:
			log.Debug("metrics stop", "reason", "stop_signal")
			return
		case ev := <-m.events:
			m.apply(ev)
		case <-ticker.C:
			if err := m.flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("flush", "error", err)
			}
		}
	}
}

// drain applies queued events without blocking.
func (m *Manager) drain() {
	for {
		select {
		case ev := <-m.events:
			m.apply(ev)
		default:
			return
		}
	}
}

func (m *Manager) apply(ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.kind {
	case eventInc:
		m.counters[ev.name] += ev.v
	case eventObserve:
		agg := m.summaries[ev.name]
		if agg == nil {
			agg = &Summary{}
			m.summaries[ev.name] = agg
		}
		agg.observe(ev.v)
	}
}

// Snapshot returns persisted values with the in-memory deltas layered on top.
func (m *Manager) Snapshot(ctx context.Context) (map[string]int64, map[string]Summary, error) {
	counters := make(map[string]int64)
	summaries := make(map[string]Summary)
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		pc, ps, err := sink.LoadMetrics(ctx)
		if err != nil {
			return nil, nil, err
		}
		for n, v := range pc {
			counters[n] = v
		}
		for n, v := range ps {
			summaries[n] = v
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for n, v := range m.counters {
		counters[n] += v
	}
	for n, agg := range m.summaries {
		cur := summaries[n]
		cur.Merge(*agg)
		summaries[n] = cur
	}
	return counters, summaries, nil
}

// flush hands in-memory deltas to the sink and resets them. Deltas are kept
// when there is no sink or the sink fails.
func (m *Manager) flush(ctx context.Context) error {
	m.mu.Lock()
	sink := m.sink
	if sink == nil || (len(m.counters) == 0 && len(m.summaries) == 0) {
		m.mu.Unlock()
		return nil
	}
	cCopy := m.counters
	sCopy := make(map[string]Summary, len(m.summaries))
	for k, v := range m.summaries {
		sCopy[k] = *v
	}
	m.counters = make(map[string]int64)
	m.summaries = make(map[string]*Summary)
	m.mu.Unlock()

	if err := sink.FlushMetrics(ctx, cCopy, sCopy); err != nil {
		m.restore(cCopy, sCopy)
		return err
	}
	return nil
}

func (m *Manager) restore(counters map[string]int64, summaries map[string]Summary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n, v := range counters {
		m.counters[n] += v
	}
	for n, s := range summaries {
		agg := m.summaries[n]
		if agg == nil {
			agg = &Summary{}
			m.summaries[n] = agg
		}
		agg.Merge(s)
	}
}
