package tracefs

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestParseSchedSwitchLine(t *testing.T) {
	t.Parallel()

	line := `          <idle>-0     [002] d..3. 12345.678901: sched_switch: prev_comm=swapper/2 prev_pid=0 prev_prio=120 prev_state=R ==> next_comm=game next_pid=4242 next_prio=110`
	event, ok := parseLine(line)
	if !ok {
		t.Fatal("line did not parse")
	}
	if event.Name != "sched_switch" {
		t.Fatalf("Name = %q", event.Name)
	}
	if event.CPU != 2 {
		t.Fatalf("CPU = %d", event.CPU)
	}
	if event.Timestamp != 12345.678901 {
		t.Fatalf("Timestamp = %v", event.Timestamp)
	}
	if event.Fields["prev_state"] != "R" {
		t.Fatalf("prev_state = %q", event.Fields["prev_state"])
	}
	if event.Fields["next_pid"] != "4242" {
		t.Fatalf("next_pid = %q", event.Fields["next_pid"])
	}
}

func TestParseBlockLineKeepsRawPayload(t *testing.T) {
	t.Parallel()

	line := `     kworker/2:1-123   [002] d..1. 100.000100: block_rq_issue: 8,0 W 4096 () 18874368 + 8 [kworker/2:1]`
	event, ok := parseLine(line)
	if !ok {
		t.Fatal("line did not parse")
	}
	if event.Name != "block_rq_issue" {
		t.Fatalf("Name = %q", event.Name)
	}
	if event.Raw != "8,0 W 4096 () 18874368 + 8 [kworker/2:1]" {
		t.Fatalf("Raw = %q", event.Raw)
	}
}

func TestParseRejectsNonEventLines(t *testing.T) {
	t.Parallel()

	for _, line := range []string{
		"",
		"# tracer: nop",
		"CPU:2 [LOST 170 EVENTS]",
		"random garbage",
	} {
		if _, ok := parseLine(line); ok {
			t.Errorf("line %q should not parse", line)
		}
	}
}

func TestParseIrqLineWithProcessName(t *testing.T) {
	t.Parallel()

	line := `   some-task-1-999   [000] d.h1. 55.100000: irq_handler_entry: irq=27 name=nvme0q1`
	event, ok := parseLine(line)
	if !ok {
		t.Fatal("line did not parse")
	}
	if event.Fields["irq"] != "27" {
		t.Fatalf("irq = %q", event.Fields["irq"])
	}
}

// fakeTracefs builds a tracefs-shaped tree where trace_pipe is a regular
// file pre-filled with lines. The reader treats EOF like an empty pipe,
// so sessions run against it exactly as against the real mount.
func fakeTracefs(t *testing.T, instance string, events []string, pipeContent string) string {
	t.Helper()
	root := t.TempDir()
	instanceDir := filepath.Join(root, "instances", instance)
	for _, event := range events {
		eventDir := filepath.Join(instanceDir, "events", filepath.FromSlash(event))
		if err := os.MkdirAll(eventDir, 0o750); err != nil {
			t.Fatalf("create event dir: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(instanceDir, "trace_pipe"), []byte(pipeContent), 0o600); err != nil {
		t.Fatalf("write trace_pipe: %v", err)
	}
	return root
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSessionDeliversEvents(t *testing.T) {
	t.Parallel()

	content := `          <idle>-0     [000] d..3. 1.000000: sched_switch: prev_comm=a prev_pid=1 prev_prio=120 prev_state=S ==> next_comm=b next_pid=2 next_prio=120
          <idle>-0     [001] d..3. 1.000100: sched_switch: prev_comm=b prev_pid=2 prev_prio=120 prev_state=R ==> next_comm=a next_pid=1 next_prio=120
# a header line that must not count
`
	root := fakeTracefs(t, "bp-test", []string{"sched/sched_switch"}, content)

	var mu sync.Mutex
	var events []Event
	session, err := NewSession(Config{
		Root:     root,
		Instance: "bp-test",
		Events:   []string{"sched/sched_switch"},
		Logger:   testLogger(),
	}, func(event Event) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if err := session.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := session.State(); got != StateRunning {
		t.Fatalf("State = %v, want running", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("delivered %d events, want 2", len(events))
	}
	if events[1].Fields["prev_state"] != "R" {
		t.Fatalf("second event prev_state = %q", events[1].Fields["prev_state"])
	}
	if session.ParseErrors() != 1 {
		t.Fatalf("ParseErrors = %d, want 1 (the header line)", session.ParseErrors())
	}
}

func TestSessionStopIsIdempotent(t *testing.T) {
	t.Parallel()

	root := fakeTracefs(t, "bp-stop", []string{"sched/sched_switch"}, "")
	session, err := NewSession(Config{
		Root:     root,
		Instance: "bp-stop",
		Events:   []string{"sched/sched_switch"},
		Logger:   testLogger(),
	}, func(Event) {})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if err := session.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := session.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := session.State(); got != StateStopped {
		t.Fatalf("State = %v, want stopped", got)
	}
	if err := session.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if session.AbandonedThreads() != 0 {
		t.Fatalf("AbandonedThreads = %d, want 0", session.AbandonedThreads())
	}
}

func TestSessionStartFailsWithoutPipe(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	session, err := NewSession(Config{
		Root:     root,
		Instance: "bp-missing",
		Events:   []string{"sched/sched_switch"},
		Logger:   testLogger(),
	}, func(Event) {})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if err := session.Start(); err == nil {
		t.Fatal("Start should fail when trace_pipe is absent")
	}
	// Failure leaves the session idle and retryable.
	if got := session.State(); got != StateIdle {
		t.Fatalf("State = %v, want idle", got)
	}
	if err := session.Stop(); err != nil {
		t.Fatalf("Stop on idle session: %v", err)
	}
}

func TestReaderDeathRecordsError(t *testing.T) {
	t.Parallel()

	root := fakeTracefs(t, "bp-dead", []string{"sched/sched_switch"}, "")
	session, err := NewSession(Config{
		Root:     root,
		Instance: "bp-dead",
		Events:   []string{"sched/sched_switch"},
		Logger:   testLogger(),
	}, func(Event) {})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if err := session.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if session.Err() != nil {
		t.Fatalf("Err after Start = %v, want nil", session.Err())
	}

	// Yank the pipe out from under the reader. The next read fails with
	// a non-retryable error and the thread exits.
	session.mu.Lock()
	pipe := session.pipe
	session.mu.Unlock()
	if err := pipe.Close(); err != nil {
		t.Fatalf("close pipe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && session.Err() == nil {
		time.Sleep(5 * time.Millisecond)
	}
	if session.Err() == nil {
		t.Fatal("reader death left Err nil")
	}

	if err := session.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// A restart gets a fresh reader and a clean error slate.
	if err := os.WriteFile(filepath.Join(root, "instances", "bp-dead", "trace_pipe"), nil, 0o600); err != nil {
		t.Fatalf("recreate trace_pipe: %v", err)
	}
	if err := session.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	t.Cleanup(func() { _ = session.Stop() })
	if session.Err() != nil {
		t.Fatalf("Err after restart = %v, want nil", session.Err())
	}
}

func TestSessionRestartAfterStop(t *testing.T) {
	t.Parallel()

	root := fakeTracefs(t, "bp-restart", []string{"sched/sched_switch"}, "")
	session, err := NewSession(Config{
		Root:     root,
		Instance: "bp-restart",
		Events:   []string{"sched/sched_switch"},
		Logger:   testLogger(),
	}, func(Event) {})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if err := session.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := session.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Stop removes the instance; recreate the pipe as the kernel would.
	if err := os.WriteFile(filepath.Join(root, "instances", "bp-restart", "trace_pipe"), nil, 0o600); err != nil {
		t.Fatalf("recreate trace_pipe: %v", err)
	}
	if err := session.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	t.Cleanup(func() { _ = session.Stop() })
	if got := session.State(); got != StateRunning {
		t.Fatalf("State after restart = %v", got)
	}
}
