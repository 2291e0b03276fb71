package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benchpulse/benchpulse/internal/cputrack"
	"github.com/benchpulse/benchpulse/internal/frametime"
	"github.com/benchpulse/benchpulse/internal/sysinfo"
	"github.com/benchpulse/benchpulse/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFrame struct {
	mu      sync.Mutex
	stats   frametime.Stats
	at      time.Time
	has     bool
	backlog []float64
}

func (f *fakeFrame) Latest() (frametime.Stats, time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, f.at, f.has
}

func (f *fakeFrame) DrainFrameTimes() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	drained := f.backlog
	f.backlog = nil
	return drained
}

func (f *fakeFrame) push(stats frametime.Stats, times ...float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = stats
	f.at = time.Now()
	f.has = true
	f.backlog = append(f.backlog, times...)
}

type fakeCPU struct {
	snapshot cputrack.Snapshot
	has      bool
}

func (f *fakeCPU) Latest() (cputrack.Snapshot, bool) {
	return f.snapshot, f.has
}

type phaseChange struct {
	from, to Phase
}

type fakeLive struct {
	mu      sync.Mutex
	samples []telemetry.Sample
	changes []phaseChange
}

func (f *fakeLive) PublishSample(sample telemetry.Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, sample)
}

func (f *fakeLive) PublishPhaseChange(from, to Phase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, phaseChange{from: from, to: to})
}

func (f *fakeLive) sampleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}

func (f *fakeLive) lastSample(t *testing.T) telemetry.Sample {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.samples) == 0 {
		t.Fatal("no samples published")
	}
	return f.samples[len(f.samples)-1]
}

type fakeResults struct {
	mu        sync.Mutex
	runInfos  []sysinfo.RunInfo
	batches   [][]telemetry.Record
	summaries []Summary
}

func (f *fakeResults) WriteRunInfo(info sysinfo.RunInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runInfos = append(f.runInfos, info)
	return nil
}

func (f *fakeResults) WriteBatch(records []telemetry.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]telemetry.Record, len(records))
	copy(batch, records)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeResults) Finalize(summary Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, summary)
	return nil
}

func (f *fakeResults) persistedSamples() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, batch := range f.batches {
		total += len(batch)
	}
	return total
}

func (f *fakeResults) finalizeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.summaries)
}

func newTestOrchestrator(t *testing.T, detector PhaseDetector, frame FrameSource, live *fakeLive, results *fakeResults) *Orchestrator {
	t.Helper()
	orchestrator, err := New(Config{
		Detector:  detector,
		Frame:     frame,
		Live:      live,
		Results:   results,
		BatchSize: 5,
		RunInfo:   sysinfo.RunInfo{Hostname: "bench-rig"},
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return orchestrator
}

func TestRunLifecyclePersistsOnlyRunningSamples(t *testing.T) {
	t.Parallel()

	detector := NewManualDetector()
	frame := &fakeFrame{}
	live := &fakeLive{}
	results := &fakeResults{}
	orchestrator := newTestOrchestrator(t, detector, frame, live, results)

	now := time.Now()
	tick := func() {
		now = now.Add(time.Second)
		orchestrator.tickOnce(now)
	}

	detector.SetPhase(PhaseWaiting)
	tick()
	tick()
	if orchestrator.RetainedCount() != 0 {
		t.Fatalf("Waiting ticks retained %d samples", orchestrator.RetainedCount())
	}

	detector.SetPhase(PhaseRunning)
	for i := 0; i < 10; i++ {
		frame.push(frametime.Stats{FPS: 60, FrameTimeAvgMs: 16.6}, 16.6)
		tick()
	}
	if orchestrator.RetainedCount() != 10 {
		t.Fatalf("retained %d samples, want 10", orchestrator.RetainedCount())
	}

	detector.SetPhase(PhaseCooldown)
	tick()

	if got := results.persistedSamples(); got != 10 {
		t.Fatalf("persisted %d samples, want 10", got)
	}
	if results.finalizeCount() != 1 {
		t.Fatalf("finalize ran %d times, want 1", results.finalizeCount())
	}
	if len(results.runInfos) != 1 || results.runInfos[0].Hostname != "bench-rig" {
		t.Fatalf("run metadata = %+v", results.runInfos)
	}
	// Cooldown ticks keep feeding the live sink but retain nothing.
	tick()
	if orchestrator.RetainedCount() != 10 {
		t.Fatal("retained sequence changed after Cooldown")
	}
	if live.sampleCount() != 14 {
		t.Fatalf("live sink got %d samples, want 14", live.sampleCount())
	}

	wantChanges := []phaseChange{
		{PhaseOff, PhaseWaiting},
		{PhaseWaiting, PhaseRunning},
		{PhaseRunning, PhaseCooldown},
	}
	live.mu.Lock()
	defer live.mu.Unlock()
	if len(live.changes) != len(wantChanges) {
		t.Fatalf("phase changes = %v", live.changes)
	}
	for i, want := range wantChanges {
		if live.changes[i] != want {
			t.Fatalf("phase change %d = %v, want %v", i, live.changes[i], want)
		}
	}
}

func TestEndDetectedForcesCooldown(t *testing.T) {
	t.Parallel()

	detector := NewManualDetector()
	frame := &fakeFrame{}
	results := &fakeResults{}
	orchestrator := newTestOrchestrator(t, detector, frame, &fakeLive{}, results)

	now := time.Now()
	detector.SetPhase(PhaseRunning)
	orchestrator.tickOnce(now)
	if orchestrator.Phase() != PhaseRunning {
		t.Fatalf("phase = %v", orchestrator.Phase())
	}

	detector.SignalEnd()
	orchestrator.tickOnce(now.Add(time.Second))
	if orchestrator.Phase() != PhaseCooldown {
		t.Fatalf("phase after end signal = %v, want cooldown", orchestrator.Phase())
	}
	if results.finalizeCount() != 1 {
		t.Fatalf("finalize ran %d times, want 1", results.finalizeCount())
	}

	// Detector still reports Running plus the end flag; nothing new
	// happens on later ticks.
	orchestrator.tickOnce(now.Add(2 * time.Second))
	if results.finalizeCount() != 1 {
		t.Fatal("finalize ran again")
	}
}

func TestCumulativePercentilesStampedWhileRunning(t *testing.T) {
	t.Parallel()

	detector := NewManualDetector()
	frame := &fakeFrame{}
	live := &fakeLive{}
	orchestrator := newTestOrchestrator(t, detector, frame, live, &fakeResults{})

	now := time.Now()
	detector.SetPhase(PhaseWaiting)
	frame.push(frametime.Stats{FPS: 60}, 16.6, 16.6)
	orchestrator.tickOnce(now)
	if sample := live.lastSample(t); sample.Frame.FrameTimeP50Ms != nil {
		t.Fatal("percentiles must not accumulate outside Running")
	}

	detector.SetPhase(PhaseRunning)
	orchestrator.tickOnce(now.Add(time.Second))
	frame.push(frametime.Stats{FPS: 60}, 16.6, 16.6, 16.6, 33.3)
	orchestrator.tickOnce(now.Add(2 * time.Second))

	sample := live.lastSample(t)
	if sample.Frame.FrameTimeP50Ms == nil || sample.Frame.FrameTimeP99Ms == nil {
		t.Fatal("cumulative percentiles missing during Running")
	}
	if *sample.Frame.FrameTimeP50Ms != 16.75 {
		t.Fatalf("p50 = %v, want 16.75", *sample.Frame.FrameTimeP50Ms)
	}
}

func TestSummaryReflectsHistogram(t *testing.T) {
	t.Parallel()

	detector := NewManualDetector()
	frame := &fakeFrame{}
	results := &fakeResults{}
	orchestrator := newTestOrchestrator(t, detector, frame, &fakeLive{}, results)

	now := time.Now()
	detector.SetPhase(PhaseRunning)
	orchestrator.tickOnce(now)
	frame.push(frametime.Stats{FPS: 60}, 16.6, 16.6, 16.6, 0.2, 500)
	orchestrator.tickOnce(now.Add(time.Second))
	detector.SetPhase(PhaseCooldown)
	orchestrator.tickOnce(now.Add(2 * time.Second))

	if results.finalizeCount() != 1 {
		t.Fatalf("finalize count = %d", results.finalizeCount())
	}
	summary := results.summaries[0]
	if summary.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", summary.Samples)
	}
	if summary.FramesCounted != 5 || summary.FramesUnderflow != 1 || summary.FramesOverflow != 1 {
		t.Fatalf("frame counts = %d/%d/%d", summary.FramesCounted, summary.FramesUnderflow, summary.FramesOverflow)
	}
	if summary.FrameTimeP50Ms != 16.75 {
		t.Fatalf("p50 = %v, want 16.75", summary.FrameTimeP50Ms)
	}
}

func TestWarmupFramesStayOutOfRunHistogram(t *testing.T) {
	t.Parallel()

	detector := NewManualDetector()
	frame := &fakeFrame{}
	results := &fakeResults{}
	orchestrator := newTestOrchestrator(t, detector, frame, &fakeLive{}, results)

	now := time.Now()
	tick := func() {
		now = now.Add(time.Second)
		orchestrator.tickOnce(now)
	}

	// A long warmup keeps reporting slow frames while the run has not
	// started yet.
	detector.SetPhase(PhaseWaiting)
	warmup := make([]float64, 100)
	for i := range warmup {
		warmup[i] = 100
	}
	frame.push(frametime.Stats{FPS: 10}, warmup...)
	tick()

	// More warmup frames land between the last Waiting tick and the
	// transition into Running.
	frame.push(frametime.Stats{FPS: 10}, 100, 100)
	detector.SetPhase(PhaseRunning)
	tick()

	frame.push(frametime.Stats{FPS: 100}, 10)
	tick()

	if got := orchestrator.hist.Total(); got != 1 {
		t.Fatalf("histogram counted %d frames, want only the Running one", got)
	}

	detector.SetPhase(PhaseCooldown)
	tick()
	summary := results.summaries[0]
	if summary.FramesCounted != 1 {
		t.Fatalf("FramesCounted = %d, want 1", summary.FramesCounted)
	}
	if summary.FrameTimeP50Ms > 50 {
		t.Fatalf("p50 = %v, warmup frames leaked into the run", summary.FrameTimeP50Ms)
	}

	// Cooldown frames must not carry over into a second run either.
	frame.push(frametime.Stats{FPS: 10}, 100, 100, 100)
	tick()
	detector.SetPhase(PhaseRunning)
	tick()
	if got := orchestrator.hist.Total(); got != 0 {
		t.Fatalf("new run starts with %d frames, want 0", got)
	}
}

func TestProviderSectionsMergeDisjoint(t *testing.T) {
	t.Parallel()

	detector := NewManualDetector()
	cpu := &fakeCPU{has: true}
	cpu.snapshot.UpdatedAt = time.Now()
	cpu.snapshot.CPU.ContextSwitchesPerSec = telemetry.Float(1234)
	cpu.snapshot.Memory.TotalBytes = telemetry.Uint(32 << 30)

	live := &fakeLive{}
	orchestrator, err := New(Config{
		Detector: detector,
		CPU:      cpu,
		Live:     live,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	orchestrator.tickOnce(time.Now())

	sample := live.lastSample(t)
	if sample.CPU.ContextSwitchesPerSec == nil || *sample.CPU.ContextSwitchesPerSec != 1234 {
		t.Fatalf("CPU section missing: %+v", sample.CPU)
	}
	if sample.Memory.TotalBytes == nil {
		t.Fatal("memory section missing")
	}
	if sample.GPU.UtilizationPct != nil || sample.Disk.ReadOpsPerSec != nil {
		t.Fatal("absent providers must leave their sections unset")
	}
	if sample.Providers.CPU.IsZero() {
		t.Fatal("provider timestamp missing")
	}
}

func TestRunLoopFinalizesOnCancel(t *testing.T) {
	t.Parallel()

	detector := NewManualDetector()
	frame := &fakeFrame{}
	results := &fakeResults{}
	orchestrator, err := New(Config{
		TickInterval: 10 * time.Millisecond,
		Detector:     detector,
		Frame:        frame,
		Live:         &fakeLive{},
		Results:      results,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	detector.SetPhase(PhaseRunning)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orchestrator.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && orchestrator.RetainedCount() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if orchestrator.RetainedCount() < 3 {
		t.Fatal("run loop did not retain samples")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if results.finalizeCount() != 1 {
		t.Fatalf("finalize count after cancel = %d, want 1", results.finalizeCount())
	}
	if got := results.persistedSamples(); got != orchestrator.RetainedCount() {
		t.Fatalf("persisted %d of %d retained samples", got, orchestrator.RetainedCount())
	}
}
