package disktrack

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/benchpulse/benchpulse/internal/tracefs"
)

// deadSession stands in for a tracing session whose reader thread died.
type deadSession struct {
	err error
}

func (d *deadSession) Start() error             { return nil }
func (d *deadSession) Stop() error              { return nil }
func (d *deadSession) Err() error               { return d.err }
func (d *deadSession) LinesParsed() uint64      { return 0 }
func (d *deadSession) AbandonedThreads() uint64 { return 0 }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newIdleTracker(t *testing.T) *Tracker {
	t.Helper()
	tracker, err := New(Config{
		TracefsRoot: t.TempDir(),
		Instance:    "bp-disk-test",
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tracker
}

func issueEvent(ts float64, rwbs string, bytes, sector uint64) tracefs.Event {
	return tracefs.Event{
		Name:      "block_rq_issue",
		Timestamp: ts,
		Raw:       fmt.Sprintf("8,0 %s %d () %d + 8 [tester]", rwbs, bytes, sector),
	}
}

func completeEvent(ts float64, rwbs string, sector uint64) tracefs.Event {
	return tracefs.Event{
		Name:      "block_rq_complete",
		Timestamp: ts,
		Raw:       fmt.Sprintf("8,0 %s () %d + 8 [0]", rwbs, sector),
	}
}

func TestIssueCompleteCorrelation(t *testing.T) {
	t.Parallel()

	tracker := newIdleTracker(t)

	// One 4 KiB read taking 2 ms, one 8 KiB write taking 6 ms.
	tracker.handleEvent(issueEvent(100.000, "R", 4096, 1000))
	tracker.handleEvent(completeEvent(100.002, "R", 1000))
	tracker.handleEvent(issueEvent(100.010, "W", 8192, 2000))
	tracker.handleEvent(completeEvent(100.016, "W", 2000))

	now := time.Now()
	tracker.windowEnd = now.Add(-2 * time.Second)
	tracker.aggregateOnce(now)

	snapshot, ok := tracker.Latest()
	if !ok {
		t.Fatal("no cache after aggregation")
	}
	if got := *snapshot.Disk.ReadOpsPerSec; math.Abs(got-0.5) > 0.001 {
		t.Fatalf("ReadOpsPerSec = %v, want 0.5", got)
	}
	if got := *snapshot.Disk.WriteBytesPerSec; math.Abs(got-4096) > 0.001 {
		t.Fatalf("WriteBytesPerSec = %v, want 4096", got)
	}
	if got := *snapshot.Disk.AvgLatencyMs; math.Abs(got-4) > 0.01 {
		t.Fatalf("AvgLatencyMs = %v, want 4", got)
	}
	if got := *snapshot.Disk.MaxLatencyMs; math.Abs(got-6) > 0.01 {
		t.Fatalf("MaxLatencyMs = %v, want 6", got)
	}
	if got := *snapshot.Disk.ReadLatencyAvgMs; math.Abs(got-2) > 0.01 {
		t.Fatalf("ReadLatencyAvgMs = %v, want 2", got)
	}
	if got := *snapshot.Disk.WriteLatencyAvgMs; math.Abs(got-6) > 0.01 {
		t.Fatalf("WriteLatencyAvgMs = %v, want 6", got)
	}
	if tracker.PendingSize() != 0 {
		t.Fatalf("PendingSize = %d, want 0", tracker.PendingSize())
	}
}

func TestCompletionWithoutIssueIsIgnored(t *testing.T) {
	t.Parallel()

	tracker := newIdleTracker(t)
	tracker.handleEvent(completeEvent(50.0, "R", 777))

	now := time.Now()
	tracker.windowEnd = now.Add(-time.Second)
	tracker.aggregateOnce(now)

	snapshot, _ := tracker.Latest()
	if *snapshot.Disk.ReadOpsPerSec != 0 {
		t.Fatalf("ReadOpsPerSec = %v, want 0", *snapshot.Disk.ReadOpsPerSec)
	}
	if snapshot.Disk.AvgLatencyMs != nil {
		t.Fatal("latency should be unset with no completed pairs")
	}
}

func TestOrphanEvictionByAge(t *testing.T) {
	t.Parallel()

	tracker := newIdleTracker(t)

	// Issue whose completion is lost, then 31 s of later traffic.
	tracker.handleEvent(issueEvent(100.0, "R", 4096, 1))
	tracker.handleEvent(issueEvent(131.0, "W", 4096, 2))
	tracker.handleEvent(completeEvent(131.5, "W", 2))

	if tracker.PendingSize() != 1 {
		t.Fatalf("PendingSize before eviction = %d, want 1", tracker.PendingSize())
	}

	now := time.Now()
	tracker.windowEnd = now.Add(-time.Second)
	tracker.aggregateOnce(now)

	if tracker.PendingSize() != 0 {
		t.Fatalf("PendingSize after eviction = %d, want 0", tracker.PendingSize())
	}
	if tracker.EvictedPending() != 1 {
		t.Fatalf("EvictedPending = %d, want 1", tracker.EvictedPending())
	}

	snapshot, _ := tracker.Latest()
	if *snapshot.Disk.PendingOps != 0 {
		t.Fatalf("PendingOps = %d, want 0", *snapshot.Disk.PendingOps)
	}
}

func TestRecentPendingSurvivesEviction(t *testing.T) {
	t.Parallel()

	tracker := newIdleTracker(t)
	tracker.handleEvent(issueEvent(200.0, "R", 4096, 1))
	tracker.handleEvent(issueEvent(205.0, "R", 4096, 2))

	now := time.Now()
	tracker.windowEnd = now.Add(-time.Second)
	tracker.aggregateOnce(now)

	if tracker.PendingSize() != 2 {
		t.Fatalf("PendingSize = %d, want 2", tracker.PendingSize())
	}
	snapshot, _ := tracker.Latest()
	if *snapshot.Disk.PendingOps != 2 {
		t.Fatalf("PendingOps = %d, want 2", *snapshot.Disk.PendingOps)
	}
}

func TestFlushRequestsAreSkipped(t *testing.T) {
	t.Parallel()

	tracker := newIdleTracker(t)
	tracker.handleEvent(tracefs.Event{
		Name:      "block_rq_issue",
		Timestamp: 10,
		Raw:       "8,0 FF 0 () 0 + 0 [kworker]",
	})
	if tracker.PendingSize() != 0 {
		t.Fatalf("flush request entered pending table")
	}
}

func TestDeadReaderOmitsDiskMetrics(t *testing.T) {
	t.Parallel()

	tracker := newIdleTracker(t)
	tracker.session = &deadSession{err: errors.New("read trace_pipe: input/output error")}

	// A pair completed before the reader died must not surface as a
	// window rate either.
	tracker.handleEvent(issueEvent(100.000, "R", 4096, 1000))
	tracker.handleEvent(completeEvent(100.002, "R", 1000))

	now := time.Now()
	tracker.windowEnd = now.Add(-time.Second)
	tracker.aggregateOnce(now)

	snapshot, ok := tracker.Latest()
	if !ok {
		t.Fatal("degraded tracker must still publish snapshots")
	}
	if snapshot.Disk.ReadOpsPerSec != nil ||
		snapshot.Disk.WriteOpsPerSec != nil ||
		snapshot.Disk.ReadBytesPerSec != nil ||
		snapshot.Disk.PendingOps != nil ||
		snapshot.Disk.AvgLatencyMs != nil {
		t.Fatalf("disk metrics set with a dead reader: %+v", snapshot.Disk)
	}
	if snapshot.UpdatedAt.IsZero() {
		t.Fatal("snapshot timestamp missing")
	}
}

func TestDoubleStopIsSafe(t *testing.T) {
	t.Parallel()

	tracker := newIdleTracker(t)
	if err := tracker.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := tracker.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestParseIssuePayload(t *testing.T) {
	t.Parallel()

	issue, ok := parseIssue(1.5, "259,0 WS 131072 () 41943040 + 256 [fio]")
	if !ok {
		t.Fatal("payload did not parse")
	}
	if !issue.write {
		t.Fatal("WS should classify as write")
	}
	if issue.bytes != 131072 {
		t.Fatalf("bytes = %d", issue.bytes)
	}
	if issue.key != (requestKey{major: 259, minor: 0, sector: 41943040}) {
		t.Fatalf("key = %+v", issue.key)
	}
}
