// Package frametime receives frame-timing statistics pushed by the
// upstream capture session. The engine never produces these values; it
// caches the latest push and hands raw frame times to the percentile
// pipeline once per window.
package frametime

import (
	"sync"
	"time"
)

// DefaultStaleAfter bounds how old a pushed Stats may be before it is
// no longer merged into samples.
const DefaultStaleAfter = 2 * time.Second

// Stats is one upstream frame-timing report. The JSON form is the
// ingest wire format used by the capture agent.
type Stats struct {
	ProcessID        int     `json:"process_id"`
	FPS              float64 `json:"fps"`
	FrameTimeAvgMs   float64 `json:"frame_time_avg_ms"`
	FrameTimeMinMs   float64 `json:"frame_time_min_ms"`
	FrameTimeMaxMs   float64 `json:"frame_time_max_ms"`
	PresentLatencyMs float64 `json:"present_latency_ms"`
	FramesPresented  uint64  `json:"frames_presented"`

	// FrameTimesMs carries the individual frame times observed since
	// the previous push, for percentile accumulation.
	FrameTimesMs []float64 `json:"frame_times_ms"`
}

// Cache holds the latest upstream report plus the undrained frame-time
// backlog.
type Cache struct {
	staleAfter time.Duration
	now        func() time.Time

	mu      sync.Mutex
	stats   Stats
	at      time.Time
	has     bool
	pending []float64
}

// NewCache builds an empty cache. staleAfter <= 0 selects the default.
func NewCache(staleAfter time.Duration) *Cache {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Cache{
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Push stores a new upstream report and queues its raw frame times.
func (c *Cache) Push(stats Stats) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats = stats
	c.stats.FrameTimesMs = nil
	c.at = now
	c.has = true
	c.pending = append(c.pending, stats.FrameTimesMs...)
}

// Latest returns the newest report and its arrival time. ok is false
// when nothing was pushed yet or the report has gone stale.
func (c *Cache) Latest() (Stats, time.Time, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.has || now.Sub(c.at) > c.staleAfter {
		return Stats{}, time.Time{}, false
	}
	return c.stats, c.at, true
}

// DrainFrameTimes removes and returns the queued raw frame times. The
// backlog survives staleness of the summary stats; a late drain still
// accounts every observed frame exactly once.
func (c *Cache) DrainFrameTimes() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	drained := c.pending
	c.pending = nil
	return drained
}
