package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benchpulse/benchpulse/internal/cputrack"
	"github.com/benchpulse/benchpulse/internal/disktrack"
	"github.com/benchpulse/benchpulse/internal/frametime"
	"github.com/benchpulse/benchpulse/internal/gputrack"
	"github.com/benchpulse/benchpulse/internal/histogram"
	"github.com/benchpulse/benchpulse/internal/sysinfo"
	"github.com/benchpulse/benchpulse/internal/telemetry"
)

const (
	defaultTickInterval = time.Second
	defaultBatchSize    = 5
)

// FrameSource supplies upstream frame-timing data.
type FrameSource interface {
	Latest() (frametime.Stats, time.Time, bool)
	DrainFrameTimes() []float64
}

// CPUSource supplies the CPU tracker's latest cache.
type CPUSource interface {
	Latest() (cputrack.Snapshot, bool)
}

// DiskSource supplies the disk tracker's latest cache.
type DiskSource interface {
	Latest() (disktrack.Snapshot, bool)
}

// GPUSource supplies the GPU collector's latest cache.
type GPUSource interface {
	Latest() (gputrack.Snapshot, bool)
}

// LiveSink receives every sample once per tick regardless of phase,
// plus discrete phase-change notifications.
type LiveSink interface {
	PublishSample(sample telemetry.Sample)
	PublishPhaseChange(from, to Phase)
}

// ResultSink receives the Running-phase sample sequence in batches, run
// metadata once per run, and a final summary exactly once.
type ResultSink interface {
	WriteRunInfo(info sysinfo.RunInfo) error
	WriteBatch(records []telemetry.Record) error
	Finalize(summary Summary) error
}

// Summary closes a run: counts plus the cumulative frame-time
// percentiles. Percentile fields are -1 when no frames were recorded.
type Summary struct {
	Samples         int     `json:"samples" cbor:"samples"`
	FramesCounted   uint64  `json:"frames_counted" cbor:"frames_counted"`
	FramesUnderflow uint64  `json:"frames_underflow" cbor:"frames_underflow"`
	FramesOverflow  uint64  `json:"frames_overflow" cbor:"frames_overflow"`
	FrameTimeP50Ms  float64 `json:"frame_time_p50_ms" cbor:"frame_time_p50_ms"`
	FrameTimeP95Ms  float64 `json:"frame_time_p95_ms" cbor:"frame_time_p95_ms"`
	FrameTimeP99Ms  float64 `json:"frame_time_p99_ms" cbor:"frame_time_p99_ms"`
	OnePercentLowMs float64 `json:"one_percent_low_ms" cbor:"one_percent_low_ms"`
}

// Config describes the orchestrator's collaborators.
type Config struct {
	TickInterval time.Duration
	BatchSize    int

	Detector PhaseDetector
	Frame    FrameSource
	CPU      CPUSource
	Disk     DiskSource
	GPU      GPUSource

	Live    LiveSink
	Results ResultSink

	RunInfo sysinfo.RunInfo
	Logger  *slog.Logger
}

type runState int

const (
	runIdle runState = iota
	runActive
	runFinalized
)

// Orchestrator drives the per-second assembly loop. All mutable state
// is touched only from the Run goroutine (or directly in tests); the
// mutex guards the retained sequence for ResultCount readers.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	phase Phase
	run   runState
	hist  *histogram.FrameTimeHistogram

	mu       sync.Mutex
	retained []telemetry.Record
	flushed  int
}

// New validates the collaborator set and returns an idle orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Detector == nil {
		return nil, fmt.Errorf("session: phase detector is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		cfg:    cfg,
		logger: logger.With("component", "session"),
		phase:  PhaseOff,
		hist:   histogram.New(),
	}, nil
}

// Run ticks until ctx is cancelled. A run still active at cancellation
// is finalized before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if o.run == runActive {
				o.finalize()
			}
			return ctx.Err()
		case now := <-ticker.C:
			o.tickOnce(now)
		}
	}
}

// Phase returns the phase observed on the most recent tick.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// RetainedCount reports the length of the retained Running sequence.
func (o *Orchestrator) RetainedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.retained)
}

// tickOnce performs one assembly cycle.
func (o *Orchestrator) tickOnce(now time.Time) {
	observed := o.cfg.Detector.Phase()
	if observed == PhaseRunning && o.cfg.Detector.EndDetected() {
		// End of workload detected before the phase advanced; the
		// orchestrator treats it as the Cooldown transition.
		observed = PhaseCooldown
	}
	if observed != o.phase {
		o.transition(o.phase, observed)
	}

	sample := o.assemble(now)

	if o.phase == PhaseRunning {
		o.accumulate(&sample)
	} else if o.cfg.Frame != nil {
		// Frame times reported outside Running belong to no run.
		// Discarding them every tick keeps the backlog bounded and
		// keeps warmup and cooldown frames out of any histogram.
		o.cfg.Frame.DrainFrameTimes()
	}

	if o.cfg.Live != nil {
		o.cfg.Live.PublishSample(sample)
	}
}

// transition applies a phase change: notify the live sink, open a run
// on entry into Running, close it exactly once on entry into Cooldown.
func (o *Orchestrator) transition(from, to Phase) {
	o.logger.Info("phase change", "from", from.String(), "to", to.String())

	switch to {
	case PhaseRunning:
		if o.run != runActive {
			o.openRun()
		}
	case PhaseCooldown, PhaseOff:
		if o.run == runActive {
			o.finalize()
		}
	}

	o.mu.Lock()
	o.phase = to
	o.mu.Unlock()

	if o.cfg.Live != nil {
		o.cfg.Live.PublishPhaseChange(from, to)
	}
}

func (o *Orchestrator) openRun() {
	o.hist.Reset()
	if o.cfg.Frame != nil {
		// A run starts with an empty backlog: frames that arrived
		// between the last tick and the transition are still warmup.
		o.cfg.Frame.DrainFrameTimes()
	}

	o.mu.Lock()
	o.retained = nil
	o.flushed = 0
	o.run = runActive
	o.mu.Unlock()

	if o.cfg.Results != nil {
		if err := o.cfg.Results.WriteRunInfo(o.cfg.RunInfo); err != nil {
			o.logger.Error("failed to write run metadata", "err", err)
		}
	}
	o.logger.Info("run opened")
}

// finalize flushes the unbatched tail and hands the summary to the
// result sink. Guarded by the run lifecycle state so a detector-driven
// Cooldown and an external shutdown cannot both finalize.
func (o *Orchestrator) finalize() {
	o.mu.Lock()
	if o.run != runActive {
		o.mu.Unlock()
		return
	}
	o.run = runFinalized
	samples := len(o.retained)
	o.mu.Unlock()

	o.flush(true)

	summary := Summary{
		Samples:         samples,
		FramesCounted:   o.hist.Total(),
		FramesUnderflow: o.hist.Underflow(),
		FramesOverflow:  o.hist.Overflow(),
		FrameTimeP50Ms:  percentileOr(o.hist, 50),
		FrameTimeP95Ms:  percentileOr(o.hist, 95),
		FrameTimeP99Ms:  percentileOr(o.hist, 99),
		OnePercentLowMs: tailOr(o.hist, 1),
	}

	if o.cfg.Results != nil {
		if err := o.cfg.Results.Finalize(summary); err != nil {
			o.logger.Error("failed to finalize run", "err", err)
		}
	}
	o.logger.Info("run finalized",
		"samples", summary.Samples,
		"frames", summary.FramesCounted)
}

// assemble merges every provider's latest cache into one sample.
// Provider sections are disjoint, so merge order does not matter; a
// field populated by one source is never overwritten by another.
func (o *Orchestrator) assemble(now time.Time) telemetry.Sample {
	sample := telemetry.Sample{Timestamp: now}

	if o.cfg.Frame != nil {
		if stats, at, ok := o.cfg.Frame.Latest(); ok {
			frameSample(&sample, stats, at)
		}
	}
	if o.cfg.CPU != nil {
		if snapshot, ok := o.cfg.CPU.Latest(); ok {
			donor := telemetry.Sample{CPU: snapshot.CPU, Memory: snapshot.Memory}
			donor.Providers.CPU = snapshot.UpdatedAt
			sample.Merge(&donor)
		}
	}
	if o.cfg.Disk != nil {
		if snapshot, ok := o.cfg.Disk.Latest(); ok {
			donor := telemetry.Sample{Disk: snapshot.Disk}
			donor.Providers.Disk = snapshot.UpdatedAt
			sample.Merge(&donor)
		}
	}
	if o.cfg.GPU != nil {
		if snapshot, ok := o.cfg.GPU.Latest(); ok {
			donor := telemetry.Sample{GPU: snapshot.GPU}
			donor.Providers.GPU = snapshot.UpdatedAt
			sample.Merge(&donor)
		}
	}

	return sample
}

func frameSample(sample *telemetry.Sample, stats frametime.Stats, at time.Time) {
	sample.Frame.ProcessID = telemetry.Int(stats.ProcessID)
	sample.Frame.FPS = telemetry.Float(stats.FPS)
	sample.Frame.FrameTimeAvgMs = telemetry.Float(stats.FrameTimeAvgMs)
	sample.Frame.FrameTimeMinMs = telemetry.Float(stats.FrameTimeMinMs)
	sample.Frame.FrameTimeMaxMs = telemetry.Float(stats.FrameTimeMaxMs)
	sample.Frame.PresentLatencyMs = telemetry.Float(stats.PresentLatencyMs)
	sample.Frame.FramesPresented = telemetry.Uint(stats.FramesPresented)
	sample.Providers.Frame = at
}

// accumulate runs the Running-phase work for one tick: feed drained
// frame times to the histogram, stamp cumulative percentiles onto the
// sample, append it to the retained sequence and flush full batches.
func (o *Orchestrator) accumulate(sample *telemetry.Sample) {
	if o.cfg.Frame != nil {
		for _, ms := range o.cfg.Frame.DrainFrameTimes() {
			o.hist.Add(ms)
		}
	}

	if o.hist.Total() > 0 {
		if v, ok := o.hist.Percentile(50); ok {
			sample.Frame.FrameTimeP50Ms = telemetry.Float(v)
		}
		if v, ok := o.hist.Percentile(95); ok {
			sample.Frame.FrameTimeP95Ms = telemetry.Float(v)
		}
		if v, ok := o.hist.Percentile(99); ok {
			sample.Frame.FrameTimeP99Ms = telemetry.Float(v)
		}
		if v, ok := o.hist.TailAverage(1); ok {
			sample.Frame.FrameTimeOnePercentLowMs = telemetry.Float(v)
		}
	}

	o.mu.Lock()
	o.retained = append(o.retained, sample.Record())
	pending := len(o.retained) - o.flushed
	o.mu.Unlock()

	if pending >= o.cfg.BatchSize {
		o.flush(false)
	}
}

// flush hands unwritten records to the result sink. When final is
// false only full batches are sent; the final flush is unconditional.
func (o *Orchestrator) flush(final bool) {
	if o.cfg.Results == nil {
		return
	}

	for {
		o.mu.Lock()
		pending := len(o.retained) - o.flushed
		if pending == 0 || (!final && pending < o.cfg.BatchSize) {
			o.mu.Unlock()
			return
		}
		count := pending
		if count > o.cfg.BatchSize {
			count = o.cfg.BatchSize
		}
		batch := o.retained[o.flushed : o.flushed+count]
		o.flushed += count
		o.mu.Unlock()

		if err := o.cfg.Results.WriteBatch(batch); err != nil {
			o.logger.Error("failed to write sample batch", "count", len(batch), "err", err)
		}
	}
}

func percentileOr(h *histogram.FrameTimeHistogram, p float64) float64 {
	if v, ok := h.Percentile(p); ok {
		return v
	}
	return -1
}

func tailOr(h *histogram.FrameTimeHistogram, percent float64) float64 {
	if v, ok := h.TailAverage(percent); ok {
		return v
	}
	return -1
}
