// Package cputrack tracks CPU scheduler activity through a kernel
// tracing session: context switches (split voluntary/involuntary),
// hardware interrupts, and softirq dispatches (the DPC analog). The
// event hot path touches only lock-free atomic counters; a 1 Hz
// aggregation step converts them into rates.
package cputrack

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benchpulse/benchpulse/internal/telemetry"
	"github.com/benchpulse/benchpulse/internal/tracefs"
)

const (
	defaultInstance  = "benchpulse-cpu"
	defaultInterval  = time.Second
	aggregatorJoin   = 2 * time.Second
	minWindowSeconds = 0.1
)

var sessionEvents = []string{
	"sched/sched_switch",
	"irq/irq_handler_entry",
	"irq/softirq_entry",
}

// Config describes the tracker.
type Config struct {
	TracefsRoot string
	ProcRoot    string
	Instance    string
	Interval    time.Duration
	Logger      *slog.Logger
}

// Snapshot is the tracker's provider cache content: the most recent
// aggregation window's rates plus coarse utilization and memory
// occupancy read from procfs during the same window.
type Snapshot struct {
	UpdatedAt time.Time
	CPU       telemetry.CPUMetrics
	Memory    telemetry.MemoryMetrics
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

// Tracker owns one kernel tracing session and its aggregation loop.
type Tracker struct {
	cfg     Config
	logger  *slog.Logger
	session traceSession

	// Hot-path counters. Incremented from the session reader thread,
	// exchanged to zero by the aggregator so every event lands in
	// exactly one window.
	voluntary   atomic.Uint64
	involuntary atomic.Uint64
	interrupts  atomic.Uint64
	softirqs    atomic.Uint64

	mu        sync.Mutex
	state     lifecycle
	cache     Snapshot
	hasCache  bool
	windowEnd time.Time

	procPrev cpuTimes
	procOK   bool

	// degradedLogged suppresses repeat warnings while the session
	// reader stays dead. Touched only from the aggregator goroutine.
	degradedLogged bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds an idle tracker. Start opens the tracing session.
func New(cfg Config) (*Tracker, error) {
	if cfg.Instance == "" {
		cfg.Instance = defaultInstance
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = "/proc"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		cfg:    cfg,
		logger: logger.With("component", "cpu_tracker"),
	}

	session, err := tracefs.NewSession(tracefs.Config{
		Root:     cfg.TracefsRoot,
		Instance: cfg.Instance,
		Events:   sessionEvents,
		Logger:   logger,
	}, t.handleEvent)
	if err != nil {
		return nil, fmt.Errorf("cputrack: %w", err)
	}
	t.session = session
	return t, nil
}

// Start opens the kernel tracing session and begins aggregating. On
// failure the tracker stays idle and Start may be called again.
func (t *Tracker) Start() error {
	t.mu.Lock()
	if t.state == lifecycleRunning {
		t.mu.Unlock()
		return fmt.Errorf("cputrack: already running")
	}
	t.mu.Unlock()

	if err := t.session.Start(); err != nil {
		return fmt.Errorf("cputrack: %w", err)
	}

	t.mu.Lock()
	t.state = lifecycleRunning
	t.cache = Snapshot{}
	t.hasCache = false
	t.windowEnd = time.Now()
	t.procOK = false
	t.degradedLogged = false
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	stop, done := t.stopCh, t.doneCh
	t.mu.Unlock()

	go t.aggregateLoop(stop, done)
	return nil
}

// Stop terminates the aggregation loop and the tracing session. Bounded
// and idempotent: a second call observes the Stopped state and returns.
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

// Latest returns a copy of the provider cache. ok is false until the
// first aggregation window completes.
func (t *Tracker) Latest() (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache, t.hasCache
}

// AbandonedThreads reports reader threads the session left behind on
// stop timeouts.
func (t *Tracker) AbandonedThreads() uint64 {
	return t.session.AbandonedThreads()
}

// EventsProcessed reports parsed event lines delivered to the tracker.
func (t *Tracker) EventsProcessed() uint64 {
	return t.session.LinesParsed()
}

// handleEvent runs on the session reader thread. Counter increments
// only: no locks, no allocation, no logging.
func (t *Tracker) handleEvent(event tracefs.Event) {
	switch event.Name {
	case "sched_switch":
		// A task still runnable when switched out was preempted; a
		// task that blocked switched out voluntarily.
		if strings.HasPrefix(event.Fields["prev_state"], "R") {
			t.involuntary.Add(1)
		} else {
			t.voluntary.Add(1)
		}
	case "irq_handler_entry":
		t.interrupts.Add(1)
	case "softirq_entry":
		t.softirqs.Add(1)
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

// aggregateOnce closes the current window: each counter is atomically
// exchanged to zero and divided by the elapsed wall-clock time, so each
// event is counted in exactly one window.
func (t *Tracker) aggregateOnce(now time.Time) {
	t.mu.Lock()
	elapsed := now.Sub(t.windowEnd).Seconds()
	if elapsed < minWindowSeconds {
		t.mu.Unlock()
		return
	}
	t.windowEnd = now
	t.mu.Unlock()

	voluntary := float64(t.voluntary.Swap(0)) / elapsed
	involuntary := float64(t.involuntary.Swap(0)) / elapsed
	interrupts := float64(t.interrupts.Swap(0)) / elapsed
	softirqs := float64(t.softirqs.Swap(0)) / elapsed

	snapshot := Snapshot{UpdatedAt: now}
	if sessionErr := t.session.Err(); sessionErr == nil {
		snapshot.CPU.VoluntaryContextSwitchesPerSec = telemetry.Float(voluntary)
		snapshot.CPU.InvoluntaryContextSwitchesPerSec = telemetry.Float(involuntary)
		snapshot.CPU.ContextSwitchesPerSec = telemetry.Float(voluntary + involuntary)
		snapshot.CPU.InterruptsPerSec = telemetry.Float(interrupts)
		snapshot.CPU.DpcsPerSec = telemetry.Float(softirqs)
	} else {
		// A dead reader means the counters stopped advancing. Zero
		// rates would read as an idle system; the event-derived fields
		// stay unset and flatten to sentinels instead.
		if !t.degradedLogged {
			t.degradedLogged = true
			t.logger.Warn("tracing session reader gone, omitting event rates", "err", sessionErr)
		}
	}

	t.readProcStat(&snapshot)
	t.readMemInfo(&snapshot)

	t.mu.Lock()
	t.cache = snapshot
	t.hasCache = true
	t.mu.Unlock()
}

func (t *Tracker) readProcStat(snapshot *Snapshot) {
	current, cores, err := readCPUTimes(t.cfg.ProcRoot)
	if err != nil {
		t.logger.Debug("failed to read cpu times", "err", err)
		t.procOK = false
		return
	}
	if cores > 0 {
		snapshot.CPU.CoreCount = telemetry.Int(cores)
	}

	if t.procOK {
		delta := current.sub(t.procPrev)
		if total := delta.total(); total > 0 {
			snapshot.CPU.UsagePct = telemetry.Float(100 * (1 - float64(delta.idleAll())/float64(total)))
			snapshot.CPU.UserPct = telemetry.Float(100 * float64(delta.user+delta.nice) / float64(total))
			snapshot.CPU.SystemPct = telemetry.Float(100 * float64(delta.system+delta.irq+delta.softirq) / float64(total))
		}
	}
	t.procPrev = current
	t.procOK = true
}

func (t *Tracker) readMemInfo(snapshot *Snapshot) {
	info, err := readMemInfo(t.cfg.ProcRoot)
	if err != nil {
		t.logger.Debug("failed to read meminfo", "err", err)
		return
	}
	snapshot.Memory.TotalBytes = telemetry.Uint(info.totalBytes)
	snapshot.Memory.AvailableBytes = telemetry.Uint(info.availableBytes)
	if info.totalBytes >= info.availableBytes {
		snapshot.Memory.UsedBytes = telemetry.Uint(info.totalBytes - info.availableBytes)
	}
}
