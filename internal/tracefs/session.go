// Package tracefs owns kernel tracing sessions. Each session claims a
// private tracefs instance, enables a fixed set of events, and delivers
// parsed events to a handler on a dedicated OS thread.
package tracefs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultRoot is where the kernel mounts tracefs.
const DefaultRoot = "/sys/kernel/tracing"

const (
	// pollInterval bounds shutdown latency: the reader sleeps this long
	// between empty reads while checking whether a stop was requested.
	pollInterval = 20 * time.Millisecond

	readBufferSize = 64 * 1024

	baseJoinTimeout = time.Second
	perCoreJoin     = 50 * time.Millisecond

	readerNice = -10
)

// State is the session lifecycle. Transitions only move forward within
// one Start/Stop cycle; a Stopped session may be started again.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config describes a tracing session.
type Config struct {
	// Root is the tracefs mount point. Injectable for tests.
	Root string
	// Instance names the tracefs instance directory the session claims.
	Instance string
	// Events lists event paths relative to the instance events dir,
	// e.g. "sched/sched_switch".
	Events []string
	Logger *slog.Logger
}

// Session is a single kernel tracing session. All event delivery happens
// on one dedicated reader thread; lifecycle transitions are serialized
// by the session mutex, which makes "already stopped" a state fact
// rather than a flag to check.
type Session struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	mu        sync.Mutex
	state     State
	pipe      *os.File
	stop      chan struct{}
	done      chan struct{}
	readerErr error

	linesParsed atomic.Uint64
	parseErrors atomic.Uint64
	abandoned   atomic.Uint64
}

// NewSession builds a session delivering events to handler. The handler
// is bound at construction so event delivery needs no shared globals.
func NewSession(cfg Config, handler Handler) (*Session, error) {
	if cfg.Instance == "" {
		return nil, fmt.Errorf("tracefs: instance name required")
	}
	if len(cfg.Events) == 0 {
		return nil, fmt.Errorf("tracefs: at least one event required")
	}
	if handler == nil {
		return nil, fmt.Errorf("tracefs: handler required")
	}
	if cfg.Root == "" {
		cfg.Root = DefaultRoot
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "tracefs_session", "instance", cfg.Instance),
	}, nil
}

// Start claims the tracefs instance, enables the configured events, and
// spawns the reader thread. On failure the session stays idle and may be
// retried; missing privilege or an absent tracefs mount surface here.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle, StateStopped:
	default:
		return fmt.Errorf("tracefs: session %s is %s", s.cfg.Instance, s.state)
	}
	s.state = StateStarting

	pipe, err := s.establish()
	if err != nil {
		s.state = StateIdle
		return err
	}

	s.pipe = pipe
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.readerErr = nil
	s.state = StateRunning

	go s.readLoop(pipe, s.stop, s.done)

	s.logger.Info("tracing session started", "events", len(s.cfg.Events))
	return nil
}

func (s *Session) establish() (*os.File, error) {
	instanceDir := s.instanceDir()
	if err := os.MkdirAll(instanceDir, 0o750); err != nil {
		return nil, fmt.Errorf("create tracing instance: %w", err)
	}

	for _, event := range s.cfg.Events {
		enablePath := filepath.Join(instanceDir, "events", filepath.FromSlash(event), "enable")
		if err := writeControl(enablePath, "1"); err != nil {
			s.teardownInstance()
			return nil, fmt.Errorf("enable event %s: %w", event, err)
		}
	}

	// Best effort: discard whatever accumulated before we attached.
	_ = writeControl(filepath.Join(instanceDir, "trace"), "")
	_ = writeControl(filepath.Join(instanceDir, "tracing_on"), "1")

	pipePath := filepath.Join(instanceDir, "trace_pipe")
	fd, err := unix.Open(pipePath, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		s.teardownInstance()
		return nil, fmt.Errorf("open trace_pipe: %w", err)
	}

	return os.NewFile(uintptr(fd), pipePath), nil
}

// Stop disables the session and joins the reader thread within a bounded
// time. If the join times out the thread is abandoned rather than waited
// on forever; the abandonment is counted and logged so the tradeoff
// stays observable. Safe to call repeatedly.
func (s *Session) Stop() error {
	s.mu.Lock()
	switch s.state {
	case StateRunning:
	case StateStopped, StateIdle:
		s.mu.Unlock()
		return nil
	default:
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	pipe := s.pipe
	stop := s.stop
	done := s.done
	s.mu.Unlock()

	close(stop)
	_ = writeControl(filepath.Join(s.instanceDir(), "tracing_on"), "0")
	// Closing the pipe forces any in-flight read to fail immediately.
	if pipe != nil {
		_ = pipe.Close()
	}

	select {
	case <-done:
	case <-time.After(s.joinTimeout()):
		s.abandoned.Add(1)
		s.logger.Warn("reader thread did not stop in time, abandoning",
			"timeout", s.joinTimeout(), "abandoned_total", s.abandoned.Load())
	}

	s.teardownInstance()

	s.mu.Lock()
	s.state = StateStopped
	s.pipe = nil
	s.mu.Unlock()

	s.logger.Info("tracing session stopped",
		"lines_parsed", s.linesParsed.Load(), "parse_errors", s.parseErrors.Load())
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err reports the error that killed the reader thread, nil while the
// reader is healthy. A dead reader stops delivering events, so callers
// deriving rates from them must treat their counters as unavailable
// once Err is non-nil. Restarting the session clears it.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readerErr
}

// AbandonedThreads counts reader threads left behind by join timeouts.
func (s *Session) AbandonedThreads() uint64 {
	return s.abandoned.Load()
}

// LinesParsed counts successfully parsed event lines.
func (s *Session) LinesParsed() uint64 {
	return s.linesParsed.Load()
}

// ParseErrors counts lines that did not match the tracefs format.
func (s *Session) ParseErrors() uint64 {
	return s.parseErrors.Load()
}

// joinTimeout bounds Stop. Scaled to core count, and doubled because the
// session reader thread may be parked inside a kernel read.
func (s *Session) joinTimeout() time.Duration {
	return 2 * (baseJoinTimeout + time.Duration(runtime.NumCPU())*perCoreJoin)
}

func (s *Session) instanceDir() string {
	return filepath.Join(s.cfg.Root, "instances", s.cfg.Instance)
}

func (s *Session) teardownInstance() {
	instanceDir := s.instanceDir()
	for _, event := range s.cfg.Events {
		_ = writeControl(filepath.Join(instanceDir, "events", filepath.FromSlash(event), "enable"), "0")
	}
	// Removing the instance directory releases the kernel buffers.
	_ = os.Remove(instanceDir)
}

// readLoop runs on a dedicated OS thread. It reads trace_pipe in
// non-blocking mode, sleeping in small increments between empty reads so
// shutdown latency is bounded by the poll granularity.
func (s *Session) readLoop(pipe *os.File, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// Event delivery should not lose ground to ordinary goroutines.
	if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), readerNice); err != nil {
		s.logger.Debug("failed to raise reader thread priority", "err", err)
	}

	buf := make([]byte, readBufferSize)
	var pending []byte

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := pipe.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = s.drainLines(pending)
		}
		if err == nil {
			continue
		}

		switch {
		case isRetryable(err):
			select {
			case <-stop:
				return
			case <-time.After(pollInterval):
			}
		default:
			select {
			case <-stop:
			default:
				// The reader dies here while the session stays formally
				// Running; the recorded error is the degradation signal.
				s.mu.Lock()
				s.readerErr = err
				s.mu.Unlock()
				s.logger.Warn("trace_pipe read failed, reader stopped", "err", err)
			}
			return
		}
	}
}

func (s *Session) drainLines(pending []byte) []byte {
	for {
		idx := bytes.IndexByte(pending, '\n')
		if idx < 0 {
			return pending
		}
		line := string(pending[:idx])
		pending = pending[idx+1:]

		if line == "" {
			continue
		}
		event, ok := parseLine(line)
		if !ok {
			s.parseErrors.Add(1)
			continue
		}
		s.linesParsed.Add(1)
		s.handler(event)
	}
}

// isRetryable reports whether a read should be retried after a short
// sleep. EOF shows up on momentarily empty buffers (and on the regular
// files tests substitute for trace_pipe); EAGAIN on non-blocking reads.
func isRetryable(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

func writeControl(path, value string) error {
	return os.WriteFile(path, []byte(value), 0o600)
}
