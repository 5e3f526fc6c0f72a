package gateway

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"
)

// ProcessState is the lifecycle state of a supervised child process.
type ProcessState string

const (
	StateIdle     ProcessState = "idle"
	StateStarting ProcessState = "starting"
	StateRunning  ProcessState = "running"
	StateStopping ProcessState = "stopping"
	StateStopped  ProcessState = "stopped"
	StateFailed   ProcessState = "failed"
)

// StopReason describes why a supervised process stopped.
type StopReason string

const (
	StopManual  StopReason = "manual"
	StopForced  StopReason = "forced"
	StopCrashed StopReason = "crashed"
)

func (r StopReason) String() string { return string(r) }

// ProcessRecord is the supervisor's view of one backend's child process.
type ProcessRecord struct {
	Descriptor   *BackendDescriptor
	State        ProcessState
	PID          int
	Port         int
	StartedAt    time.Time
	StoppedAt    time.Time
	RestartCount int
	LastError    string
}

// Event is a lifecycle notification emitted by the supervisor. The gateway
// drains Events() instead of registering per-listener callbacks, per the
// channel-over-event-emitter design note (spec §9).
type Event struct {
	Name string
	Kind string // "started", "stopped", "failed"
	At   time.Time
	Err  error
}

// childHandle is the supervisor's private record of a live child process.
// The adapter never touches this directly — it always goes through the
// supervisor's Stdio accessor, so a restart can never leave it holding a
// dangling handle (spec §9 "process handle ownership").
type childHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr io.ReadCloser
}

// Supervisor owns child-process lifecycle: spawn, bounded auto-restart,
// graceful stop. It is the "B" component of the gateway (spec §4.B).
type Supervisor struct {
	logger *slog.Logger

	maxRestarts     int
	restartDelay    time.Duration
	startupTimeout  time.Duration
	shutdownTimeout time.Duration

	mu       sync.Mutex
	records  map[string]*ProcessRecord
	children map[string]*childHandle
	epoch    map[string]uint64 // monotonic lifecycle epoch per name, guards stale watchers

	startGroup singleflight.Group

	events chan Event
}

// SupervisorOption configures optional Supervisor behavior.
type SupervisorOption func(*Supervisor)

func WithSupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

func WithMaxRestarts(n int) SupervisorOption {
	return func(s *Supervisor) { s.maxRestarts = n }
}

func WithRestartDelay(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.restartDelay = d }
}

func WithStartupTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.startupTimeout = d }
}

func WithShutdownTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.shutdownTimeout = d }
}

// NewSupervisor constructs a Process Supervisor with sane defaults.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		logger:          slog.Default(),
		maxRestarts:     5,
		restartDelay:    5 * time.Second,
		startupTimeout:  30 * time.Second,
		shutdownTimeout: 10 * time.Second,
		records:         make(map[string]*ProcessRecord),
		children:        make(map[string]*childHandle),
		epoch:           make(map[string]uint64),
		events:          make(chan Event, 256),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events returns the channel of lifecycle events. The gateway is expected
// to drain it continuously (e.g. to forward into logs or metrics).
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("supervisor event channel full, dropping event", "name", ev.Name, "kind", ev.Kind)
	}
}

func (s *Supervisor) recordFor(name string, descriptor *BackendDescriptor) *ProcessRecord {
	r, ok := s.records[name]
	if !ok {
		r = &ProcessRecord{Descriptor: descriptor, State: StateIdle}
		s.records[name] = r
	}
	return r
}

// startupGracePeriod is how long spawnAndTransition waits after a successful
// fork/exec before committing the starting→running transition. A child that
// exits within this window is observed synchronously and reported to the
// StartServer caller as ErrExitedDuringStartup, per spec §7's "startup
// failures propagate to the caller; runtime crashes do not".
const startupGracePeriod = 200 * time.Millisecond

// StartServer spawns descriptor's child process on the given port (0 if the
// backend needs none). It is idempotent: a record already running or
// starting is left untouched. Returns ErrHTTPNotSpawnable for an http
// descriptor and ErrNoCommand when command is empty.
func (s *Supervisor) StartServer(descriptor *BackendDescriptor, port int) error {
	if descriptor.Protocol == ProtocolHTTP {
		return fmt.Errorf("%w: %q", ErrHTTPNotSpawnable, descriptor.Name)
	}
	if descriptor.Command == "" {
		return fmt.Errorf("%w: %q", ErrNoCommand, descriptor.Name)
	}
	if err := validateCommand(descriptor.Command, descriptor.Args); err != nil {
		return fmt.Errorf("backend %q: %w", descriptor.Name, err)
	}

	name := descriptor.Name

	s.mu.Lock()
	record := s.recordFor(name, descriptor)
	if record.State == StateRunning || record.State == StateStarting {
		s.mu.Unlock()
		return nil
	}
	record.State = StateStarting
	record.LastError = ""
	record.StartedAt = time.Now()
	record.Port = port
	s.epoch[name]++
	epoch := s.epoch[name]
	s.mu.Unlock()

	_, err, _ := s.startGroup.Do(name, func() (interface{}, error) {
		return nil, s.spawnAndTransition(name, descriptor, port, epoch)
	})
	return err
}

// spawnAndTransition performs the actual fork/exec and the starting→running
// (or starting→failed) transition, then arms a watcher for the child's exit.
func (s *Supervisor) spawnAndTransition(name string, descriptor *BackendDescriptor, port int, epoch uint64) error {
	start := time.Now()
	spawned := make(chan struct {
		handle *childHandle
		err    error
	}, 1)

	go func() {
		h, err := spawnChild(descriptor, port)
		spawned <- struct {
			handle *childHandle
			err    error
		}{h, err}
	}()

	select {
	case res := <-spawned:
		if res.err != nil {
			s.mu.Lock()
			if s.epoch[name] == epoch {
				r := s.records[name]
				r.State = StateFailed
				r.LastError = res.err.Error()
			}
			s.mu.Unlock()
			RecordStart(name, false, time.Since(start).Seconds())
			s.emit(Event{Name: name, Kind: "failed", At: time.Now(), Err: res.err})
			s.maybeScheduleRestart(name, descriptor, port)
			return res.err
		}

		// Arm the exit watcher now, before the grace window, so a child that
		// exits immediately after Start() is observed here instead of only
		// surfacing later through the (much less precise) crash path. cmd.Wait
		// may only be called once, so this goroutine — not watchChild — owns
		// the call; watchChild receives its result over exited instead.
		exited := make(chan error, 1)
		go func() { exited <- res.handle.cmd.Wait() }()

		select {
		case werr := <-exited:
			s.mu.Lock()
			if s.epoch[name] == epoch {
				r := s.records[name]
				r.State = StateFailed
				r.LastError = fmt.Sprintf("%v: %v", ErrExitedDuringStartup, werr)
				r.StoppedAt = time.Now()
			}
			s.mu.Unlock()
			RecordStop(name, StopCrashed)
			s.emit(Event{Name: name, Kind: "failed", At: time.Now(), Err: werr})
			s.maybeScheduleRestart(name, descriptor, port)
			return fmt.Errorf("%w: %v", ErrExitedDuringStartup, werr)

		case <-time.After(startupGracePeriod):
			s.mu.Lock()
			s.children[name] = res.handle
			r := s.records[name]
			r.State = StateRunning
			r.PID = res.handle.cmd.Process.Pid
			s.mu.Unlock()

			RecordStart(name, true, time.Since(start).Seconds())
			s.emit(Event{Name: name, Kind: "started", At: time.Now()})
			go s.watchChild(name, descriptor, port, res.handle, epoch, exited)
			return nil
		}

	case <-time.After(s.startupTimeout):
		s.mu.Lock()
		if s.epoch[name] == epoch {
			r := s.records[name]
			r.State = StateFailed
			r.LastError = ErrStartupTimeout.Error()
		}
		s.mu.Unlock()
		RecordStart(name, false, time.Since(start).Seconds())
		// The spawn may still complete later; when it does, kill it immediately.
		go func() {
			res := <-spawned
			if res.err == nil {
				res.handle.cmd.Process.Kill()
			}
		}()
		return ErrStartupTimeout
	}
}

// watchChild blocks on exited — the child's exit result, captured by the
// single goroutine that calls cmd.Wait() — and applies the appropriate
// transition depending on the state the record was in when the exit
// arrived. epoch guards against a stale watcher from a prior spawn
// attempt mutating a record that has since moved on to a new attempt.
// By the time watchChild runs, the record has already committed past
// StateStarting (spawnAndTransition's own grace window owns that
// transition), so the only states it can observe here are "stopping"
// (an in-progress StopServer) or "running" (a genuine crash).
func (s *Supervisor) watchChild(name string, descriptor *BackendDescriptor, port int, handle *childHandle, epoch uint64, exited <-chan error) {
	err := <-exited

	s.mu.Lock()
	if s.epoch[name] != epoch {
		s.mu.Unlock()
		return
	}
	r := s.records[name]
	wasStopping := r.State == StateStopping
	r.StoppedAt = time.Now()
	delete(s.children, name)

	if wasStopping {
		r.State = StateStopped
		s.mu.Unlock()
		RecordStop(name, StopManual)
		s.emit(Event{Name: name, Kind: "stopped", At: time.Now()})
		return
	}

	// was running — a crash
	r.State = StateFailed
	if err != nil {
		r.LastError = err.Error()
	} else {
		r.LastError = "child exited"
	}
	s.mu.Unlock()
	RecordStop(name, StopCrashed)
	s.emit(Event{Name: name, Kind: "failed", At: time.Now(), Err: err})
	s.maybeScheduleRestart(name, descriptor, port)
}

// maybeScheduleRestart applies the auto-restart policy: iff descriptor.Restart
// is true and restartCount < maxRestarts, bump restartCount, wait
// restartDelay, then re-enter StartServer. Restart count is never reset by
// a successful run alone — only a manual RestartServer resets it.
func (s *Supervisor) maybeScheduleRestart(name string, descriptor *BackendDescriptor, port int) {
	if !descriptor.Restart {
		return
	}
	s.mu.Lock()
	r := s.records[name]
	if r.RestartCount >= s.maxRestarts {
		s.mu.Unlock()
		return
	}
	r.RestartCount++
	count := r.RestartCount
	s.mu.Unlock()

	s.logger.Info("scheduling auto-restart", "backend", name, "attempt", count, "max", s.maxRestarts, "delay", s.restartDelay)
	RecordRestart(name)
	time.AfterFunc(s.restartDelay, func() {
		if err := s.StartServer(descriptor, port); err != nil {
			s.logger.Error("auto-restart failed", "backend", name, "error", err)
		}
	})
}

// StopServer sends signal (default SIGTERM) to name's child and waits up to
// shutdownTimeout for exit, then force-kills and waits up to 5s more.
// No-op if the record is already stopped/stopping or has no child.
func (s *Supervisor) StopServer(name string, sig os.Signal) error {
	s.mu.Lock()
	r, ok := s.records[name]
	if !ok || r.State == StateStopped || r.State == StateStopping {
		s.mu.Unlock()
		return nil
	}
	h, hasChild := s.children[name]
	if !hasChild {
		s.mu.Unlock()
		return nil
	}
	r.State = StateStopping
	s.epoch[name]++
	epoch := s.epoch[name]
	s.mu.Unlock()

	if sig == nil {
		sig = syscall.SIGTERM
	}
	h.cmd.Process.Signal(sig)

	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-time.After(s.shutdownTimeout):
		h.cmd.Process.Kill()
		select {
		case waitErr = <-done:
		case <-time.After(5 * time.Second):
		}
	}
	_ = waitErr

	s.mu.Lock()
	if s.epoch[name] == epoch {
		r.State = StateStopped
		r.StoppedAt = time.Now()
	}
	delete(s.children, name)
	s.mu.Unlock()

	reason := StopManual
	RecordStop(name, reason)
	s.emit(Event{Name: name, Kind: "stopped", At: time.Now()})
	s.logger.Info("server stopped", "backend", name, "reason", reason)
	return nil
}

// RestartServer stops a live backend (if any), resets its restart count,
// then starts it again on the same port.
func (s *Supervisor) RestartServer(descriptor *BackendDescriptor) error {
	name := descriptor.Name
	s.mu.Lock()
	r, ok := s.records[name]
	var port int
	if ok {
		port = r.Port
	}
	s.mu.Unlock()

	if ok && (r.State == StateRunning || r.State == StateStarting) {
		if err := s.StopServer(name, nil); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if ok {
		r.RestartCount = 0
	}
	s.mu.Unlock()

	return s.StartServer(descriptor, port)
}

// ProcessInfo returns a copy of the current record for name.
func (s *Supervisor) ProcessInfo(name string) (ProcessRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[name]
	if !ok {
		return ProcessRecord{}, false
	}
	return *r, true
}

// AllProcesses returns a snapshot of every tracked record.
func (s *Supervisor) AllProcesses() map[string]ProcessRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ProcessRecord, len(s.records))
	for k, v := range s.records {
		out[k] = *v
	}
	return out
}

// RunningProcesses returns the names of every record in StateRunning.
func (s *Supervisor) RunningProcesses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name, r := range s.records {
		if r.State == StateRunning {
			out = append(out, name)
		}
	}
	return out
}

// FailedProcesses returns the names of every record in StateFailed.
func (s *Supervisor) FailedProcesses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name, r := range s.records {
		if r.State == StateFailed {
			out = append(out, name)
		}
	}
	return out
}

// StopAllServers asks every running record to stop, concurrently, and waits
// for all of them to finish.
func (s *Supervisor) StopAllServers() {
	s.mu.Lock()
	names := make([]string, 0, len(s.records))
	for name, r := range s.records {
		if r.State == StateRunning || r.State == StateStarting {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			if err := s.StopServer(n, nil); err != nil {
				s.logger.Error("stop failed during shutdown", "backend", n, "error", err)
			}
		}(name)
	}
	wg.Wait()
}

// Stdio returns the stdin writer and stdout reader for name's live child,
// for the adapter's exclusive use. Fails with ErrNotRunning if the backend
// has no live child.
func (s *Supervisor) Stdio(name string) (io.Writer, *bufio.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.children[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrNotRunning, name)
	}
	return h.stdin, h.stdout, nil
}

// spawnChild launches descriptor's command with separated stdio pipes. The
// process environment is merged with descriptor.Env; when port is non-zero,
// PORT and MCP_PORT are injected in string form.
func spawnChild(descriptor *BackendDescriptor, port int) (*childHandle, error) {
	cmd := exec.Command(descriptor.Command, descriptor.Args...)

	env := os.Environ()
	for k, v := range descriptor.Env {
		env = append(env, k+"="+v)
	}
	if port != 0 {
		env = append(env, "PORT="+strconv.Itoa(port), "MCP_PORT="+strconv.Itoa(port))
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %q: %w", descriptor.Command, err)
	}

	// Anything on stderr is opaque logging (spec §6); drain it so the pipe
	// never backs up and blocks the child.
	go func() {
		scanner := bufio.NewScanner(stderrPipe)
		for scanner.Scan() {
			slog.Debug("backend stderr", "backend", descriptor.Name, "line", strings.TrimSpace(scanner.Text()))
		}
	}()

	return &childHandle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdoutPipe),
		stderr: stderrPipe,
	}, nil
}
