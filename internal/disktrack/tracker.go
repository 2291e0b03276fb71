// Package disktrack tracks block I/O through a kernel tracing session.
// Issue events enter a pending table keyed by {device, sector}; the
// matching completion computes the request latency and feeds throughput
// and latency accumulators read out once per second.
package disktrack

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benchpulse/benchpulse/internal/telemetry"
	"github.com/benchpulse/benchpulse/internal/tracefs"
)

const (
	defaultInstance  = "benchpulse-disk"
	defaultInterval  = time.Second
	aggregatorJoin   = 2 * time.Second
	minWindowSeconds = 0.1

	// pendingMaxAge bounds the pending table. The original engine never
	// reaped orphaned entries (issue seen, completion lost), accepting
	// unbounded growth under pathological event loss; here entries older
	// than this are evicted during aggregation and counted, so the
	// deviation stays visible.
	pendingMaxAge = 30.0 // seconds on the trace clock
)

var sessionEvents = []string{
	"block/block_rq_issue",
	"block/block_rq_complete",
}

// Config describes the tracker.
type Config struct {
	TracefsRoot string
	Instance    string
	Interval    time.Duration
	Logger      *slog.Logger
}

// Snapshot is the tracker's provider cache content.
type Snapshot struct {
	UpdatedAt time.Time
	Disk      telemetry.DiskMetrics
}

type lifecycle int

const (
	lifecycleIdle lifecycle = iota
	lifecycleRunning
	lifecycleStopped
)

// traceSession is the slice of tracefs.Session the tracker drives.
type traceSession interface {
	Start() error
	Stop() error
	Err() error
	LinesParsed() uint64
	AbandonedThreads() uint64
}

// Tracker owns one kernel tracing session correlating block I/O.
type Tracker struct {
	cfg     Config
	logger  *slog.Logger
	session traceSession

	// Hot-path accumulators, exchanged to zero each window.
	readOps    atomic.Uint64
	writeOps   atomic.Uint64
	readBytes  atomic.Uint64
	writeBytes atomic.Uint64

	latencySumNs  atomic.Uint64
	latencyCount  atomic.Uint64
	readLatSumNs  atomic.Uint64
	readLatCount  atomic.Uint64
	writeLatSumNs atomic.Uint64
	writeLatCount atomic.Uint64
	maxLatencyNs  atomic.Uint64

	// lastEventTS holds the newest trace-clock timestamp seen, as
	// float64 bits. Eviction ages pending entries against it so wall
	// clock and trace clock never mix.
	lastEventTS atomic.Uint64

	evictedTotal atomic.Uint64

	// pending is written only from the session reader thread; the
	// aggregator takes the same mutex once per second for eviction and
	// size reporting, so contention is negligible.
	pendingMu sync.Mutex
	pending   map[requestKey]issueInfo

	mu        sync.Mutex
	state     lifecycle
	cache     Snapshot
	hasCache  bool
	windowEnd time.Time

	// degradedLogged suppresses repeat warnings while the session
	// reader stays dead. Touched only from the aggregator goroutine.
	degradedLogged bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds an idle tracker.
func New(cfg Config) (*Tracker, error) {
	if cfg.Instance == "" {
		cfg.Instance = defaultInstance
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		cfg:     cfg,
		logger:  logger.With("component", "disk_tracker"),
		pending: make(map[requestKey]issueInfo, 256),
	}

	session, err := tracefs.NewSession(tracefs.Config{
		Root:     cfg.TracefsRoot,
		Instance: cfg.Instance,
		Events:   sessionEvents,
		Logger:   logger,
	}, t.handleEvent)
	if err != nil {
		return nil, fmt.Errorf("disktrack: %w", err)
	}
	t.session = session
	return t, nil
}

// Start opens the kernel tracing session and begins aggregating. On
// failure the tracker stays idle and retryable.
func (t *Tracker) Start() error {
	t.mu.Lock()
	if t.state == lifecycleRunning {
		t.mu.Unlock()
		return fmt.Errorf("disktrack: already running")
	}
	t.mu.Unlock()

	if err := t.session.Start(); err != nil {
		return fmt.Errorf("disktrack: %w", err)
	}

	t.pendingMu.Lock()
	t.pending = make(map[requestKey]issueInfo, 256)
	t.pendingMu.Unlock()

	t.mu.Lock()
	t.state = lifecycleRunning
	t.cache = Snapshot{}
	t.hasCache = false
	t.windowEnd = time.Now()
	t.degradedLogged = false
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	stop, done := t.stopCh, t.doneCh
	t.mu.Unlock()

	go t.aggregateLoop(stop, done)
	return nil
}

// Stop terminates aggregation and the tracing session. Idempotent.
func (t *Tracker) Stop() error {
	t.mu.Lock()
	if t.state != lifecycleRunning {
		t.mu.Unlock()
		return nil
	}
	t.state = lifecycleStopped
	stop, done := t.stopCh, t.doneCh
	t.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-time.After(aggregatorJoin):
		t.logger.Warn("aggregator did not stop in time")
	}

	return t.session.Stop()
}

// Latest returns a copy of the provider cache.
func (t *Tracker) Latest() (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache, t.hasCache
}

// AbandonedThreads reports reader threads left behind on stop timeouts.
func (t *Tracker) AbandonedThreads() uint64 {
	return t.session.AbandonedThreads()
}

// EventsProcessed reports parsed event lines delivered to the tracker.
func (t *Tracker) EventsProcessed() uint64 {
	return t.session.LinesParsed()
}

// EvictedPending reports orphaned pending entries removed by age.
func (t *Tracker) EvictedPending() uint64 {
	return t.evictedTotal.Load()
}

// PendingSize reports the current pending table size.
func (t *Tracker) PendingSize() int {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pending)
}

// handleEvent runs on the session reader thread.
func (t *Tracker) handleEvent(event tracefs.Event) {
	t.lastEventTS.Store(math.Float64bits(event.Timestamp))

	switch event.Name {
	case "block_rq_issue":
		issue, ok := parseIssue(event.Timestamp, event.Raw)
		if !ok {
			return
		}
		t.pendingMu.Lock()
		t.pending[issue.key] = issue
		t.pendingMu.Unlock()

	case "block_rq_complete":
		complete, ok := parseComplete(event.Timestamp, event.Raw)
		if !ok {
			return
		}
		t.pendingMu.Lock()
		issue, found := t.pending[complete.key]
		if found {
			delete(t.pending, complete.key)
		}
		t.pendingMu.Unlock()
		if !found {
			// Completion without an observed start: the session began
			// mid-flight. Nothing to attribute.
			return
		}
		t.recordCompletion(issue, complete)
	}
}

func (t *Tracker) recordCompletion(issue issueInfo, complete completeInfo) {
	latency := complete.completedAt - issue.issuedAt
	if latency < 0 {
		return
	}
	latencyNs := uint64(latency * 1e9)

	t.latencySumNs.Add(latencyNs)
	t.latencyCount.Add(1)
	updateMax(&t.maxLatencyNs, latencyNs)

	if issue.write {
		t.writeOps.Add(1)
		t.writeBytes.Add(issue.bytes)
		t.writeLatSumNs.Add(latencyNs)
		t.writeLatCount.Add(1)
	} else {
		t.readOps.Add(1)
		t.readBytes.Add(issue.bytes)
		t.readLatSumNs.Add(latencyNs)
		t.readLatCount.Add(1)
	}
}

func updateMax(target *atomic.Uint64, value uint64) {
	for {
		current := target.Load()
		if value <= current {
			return
		}
		if target.CompareAndSwap(current, value) {
			return
		}
	}
}

func (t *Tracker) aggregateLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			t.aggregateOnce(now)
		}
	}
}

// aggregateOnce closes the window: counters are exchanged to zero and
// divided by elapsed wall time, the pending table is aged, and the
// provider cache is replaced.
func (t *Tracker) aggregateOnce(now time.Time) {
	t.mu.Lock()
	elapsed := now.Sub(t.windowEnd).Seconds()
	if elapsed < minWindowSeconds {
		t.mu.Unlock()
		return
	}
	t.windowEnd = now
	t.mu.Unlock()

	readOps := t.readOps.Swap(0)
	writeOps := t.writeOps.Swap(0)
	readBytes := t.readBytes.Swap(0)
	writeBytes := t.writeBytes.Swap(0)
	latSum := t.latencySumNs.Swap(0)
	latCount := t.latencyCount.Swap(0)
	readLatSum := t.readLatSumNs.Swap(0)
	readLatCount := t.readLatCount.Swap(0)
	writeLatSum := t.writeLatSumNs.Swap(0)
	writeLatCount := t.writeLatCount.Swap(0)
	maxLat := t.maxLatencyNs.Swap(0)

	pendingSize := t.evictOrphans()

	snapshot := Snapshot{UpdatedAt: now}
	if sessionErr := t.session.Err(); sessionErr == nil {
		snapshot.Disk.ReadOpsPerSec = telemetry.Float(float64(readOps) / elapsed)
		snapshot.Disk.WriteOpsPerSec = telemetry.Float(float64(writeOps) / elapsed)
		snapshot.Disk.ReadBytesPerSec = telemetry.Float(float64(readBytes) / elapsed)
		snapshot.Disk.WriteBytesPerSec = telemetry.Float(float64(writeBytes) / elapsed)
		snapshot.Disk.PendingOps = telemetry.Uint(uint64(pendingSize))

		if latCount > 0 {
			snapshot.Disk.AvgLatencyMs = telemetry.Float(float64(latSum) / float64(latCount) / 1e6)
			snapshot.Disk.MaxLatencyMs = telemetry.Float(float64(maxLat) / 1e6)
		}
		if readLatCount > 0 {
			snapshot.Disk.ReadLatencyAvgMs = telemetry.Float(float64(readLatSum) / float64(readLatCount) / 1e6)
		}
		if writeLatCount > 0 {
			snapshot.Disk.WriteLatencyAvgMs = telemetry.Float(float64(writeLatSum) / float64(writeLatCount) / 1e6)
		}
	} else {
		// A dead reader sees no issue or completion events, so every
		// rate would be a false zero. The disk section stays unset and
		// flattens to sentinels instead.
		if !t.degradedLogged {
			t.degradedLogged = true
			t.logger.Warn("tracing session reader gone, omitting disk metrics", "err", sessionErr)
		}
	}

	t.mu.Lock()
	t.cache = snapshot
	t.hasCache = true
	t.mu.Unlock()
}

// evictOrphans removes pending entries whose completion was never seen,
// aged against the newest trace-clock timestamp. Returns the table size
// after eviction.
func (t *Tracker) evictOrphans() int {
	newest := math.Float64frombits(t.lastEventTS.Load())

	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()

	if newest == 0 {
		return len(t.pending)
	}

	evicted := uint64(0)
	for key, issue := range t.pending {
		if newest-issue.issuedAt > pendingMaxAge {
			delete(t.pending, key)
			evicted++
		}
	}
	if evicted > 0 {
		t.evictedTotal.Add(evicted)
		t.logger.Debug("evicted orphaned pending requests", "count", evicted)
	}
	return len(t.pending)
}
