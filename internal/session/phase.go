// Package session coordinates the telemetry providers into one ordered,
// phase-aware stream. The orchestrator ticks once per second, merges
// every provider's latest cache into a single sample, and routes it to
// the live and result sinks according to the current benchmark phase.
package session

import "sync"

// Phase is the current stage of a benchmark run.
type Phase int

const (
	PhaseOff Phase = iota
	PhaseWaiting
	PhaseRunning
	PhaseCooldown
)

func (p Phase) String() string {
	switch p {
	case PhaseOff:
		return "off"
	case PhaseWaiting:
		return "waiting"
	case PhaseRunning:
		return "running"
	case PhaseCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// PhaseDetector supplies the current phase. The orchestrator polls it
// once per tick and never implements detection logic itself.
type PhaseDetector interface {
	// Phase returns the detector's current view of the run.
	Phase() Phase
	// EndDetected reports that the benchmarked workload has finished
	// even if the phase has not advanced yet. Once true it stays true
	// until the next run.
	EndDetected() bool
}

// ManualDetector is a PhaseDetector driven by explicit calls, used by
// the HTTP control surface and in tests.
type ManualDetector struct {
	mu    sync.Mutex
	phase Phase
	ended bool
}

// NewManualDetector starts in the Off phase.
func NewManualDetector() *ManualDetector {
	return &ManualDetector{}
}

// SetPhase moves the detector to the given phase. Entering Off or
// Waiting clears a previous end signal.
func (d *ManualDetector) SetPhase(phase Phase) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.phase = phase
	if phase == PhaseOff || phase == PhaseWaiting {
		d.ended = false
	}
}

// SignalEnd marks the workload as finished.
func (d *ManualDetector) SignalEnd() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ended = true
}

func (d *ManualDetector) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

func (d *ManualDetector) EndDetected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ended
}
