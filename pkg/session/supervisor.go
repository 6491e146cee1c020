package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/camou/pkg/logging"
	"github.com/entrhq/camou/pkg/profile"
)

var (
	// ErrAlreadyRunning is returned by Start when the profile already has a
	// session.
	ErrAlreadyRunning = errors.New("session already running")

	// ErrSupervisorClosed is returned by Start after ShutdownAll.
	ErrSupervisorClosed = errors.New("supervisor is shut down")
)

// Stop triggers, as reported to the Recorder.
const (
	TriggerStop       = "stop"
	TriggerExit       = "exit"
	TriggerSpawnError = "spawn_error"
	TriggerShutdown   = "shutdown"
)

const (
	defaultKillGrace     = 500 * time.Millisecond
	defaultCloseGrace    = 2 * time.Second
	defaultMaxLineLength = 400
	maxScanTokenSize     = 1024 * 1024
)

// Callbacks is the set of handlers a caller can attach to a session. Every
// handler is optional. Handlers run on supervisor goroutines, never while
// the supervisor lock is held, and must not block.
type Callbacks struct {
	// OnLog receives human-readable progress and diagnostic lines.
	OnLog func(message string)

	// OnStart runs synchronously inside Start, before the host is spawned.
	OnStart func()

	// OnReady runs once, when the host reports the browser is up.
	OnReady func()

	// OnFailed receives the reason of a spawn error or a reported launch
	// failure. The session still ends through OnStop.
	OnFailed func(reason string)

	// OnStop runs exactly once per session, whatever ended it, after the
	// session's last OnLog line.
	OnStop func()
}

// Recorder observes session lifecycle events, e.g. for metrics.
type Recorder interface {
	SessionStarted()
	SessionEnded(trigger string)
	LaunchFailed()
	ActiveSessions(n int)
}

// Supervisor runs at most one host process per profile and turns their
// control channels into lifecycle callbacks.
type Supervisor struct {
	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	spawner    Spawner
	filter     *NoiseFilter
	logger     *logging.Logger
	recorder   Recorder
	dataDir    func(name string) string
	maxLine    int
	killGrace  time.Duration
	closeGrace time.Duration
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithNoiseFilter drops matching diagnostic lines.
func WithNoiseFilter(f *NoiseFilter) Option {
	return func(sv *Supervisor) {
		sv.filter = f
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(sv *Supervisor) {
		sv.logger = logger
	}
}

// WithRecorder reports lifecycle events to r.
func WithRecorder(r Recorder) Option {
	return func(sv *Supervisor) {
		sv.recorder = r
	}
}

// WithDataDir resolves the data directory handed to the host.
func WithDataDir(fn func(name string) string) Option {
	return func(sv *Supervisor) {
		sv.dataDir = fn
	}
}

// WithMaxLineLength sets where diagnostic lines are truncated.
func WithMaxLineLength(n int) Option {
	return func(sv *Supervisor) {
		sv.maxLine = n
	}
}

// WithKillGrace sets how long to wait for a process after killing it.
func WithKillGrace(d time.Duration) Option {
	return func(sv *Supervisor) {
		if d > 0 {
			sv.killGrace = d
		}
	}
}

// WithCloseGrace sets how long a process may outlive its closed output
// before it is terminated.
func WithCloseGrace(d time.Duration) Option {
	return func(sv *Supervisor) {
		if d > 0 {
			sv.closeGrace = d
		}
	}
}

// NewSupervisor creates a Supervisor spawning hosts with spawner.
func NewSupervisor(spawner Spawner, opts ...Option) *Supervisor {
	sv := &Supervisor{
		sessions:   make(map[string]*session),
		spawner:    spawner,
		logger:     logging.Discard("session"),
		recorder:   nopRecorder{},
		maxLine:    defaultMaxLineLength,
		killGrace:  defaultKillGrace,
		closeGrace: defaultCloseGrace,
	}
	for _, opt := range opts {
		opt(sv)
	}
	return sv
}

type session struct {
	id        string
	profile   profile.Profile
	callbacks Callbacks
	startedAt time.Time

	state     atomic.Int32
	ready     atomic.Bool
	failed    atomic.Bool
	cancelled atomic.Bool

	// mu guards the fields set by racing Start and Stop calls
	mu          sync.Mutex
	handle      Handle
	stopping    bool
	stopReason  string
	stopTimeout time.Duration

	stopOnce sync.Once
	drained  chan struct{}
	ended    chan struct{}
}

func (s *session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *session) getState() State {
	return State(s.state.Load())
}

func (s *session) currentHandle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// requestStop records the stop request and returns the handle to terminate,
// nil while the host is still being spawned.
func (s *session) requestStop(reason string, timeout time.Duration) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopping {
		s.stopping = true
		s.stopReason = reason
		s.stopTimeout = timeout
	}
	return s.handle
}

func (s *session) stopRequested() (bool, string, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping, s.stopReason, s.stopTimeout
}

// Start launches a host for p unless one is already active for p.Name.
//
// The check and the registration happen under one lock, so concurrent
// Start calls for the same name spawn a single process. Spawn failures are
// not returned: they are logged through cb.OnLog and end the session
// through cb.OnStop like any other exit.
func (sv *Supervisor) Start(p profile.Profile, cb Callbacks) error {
	sv.mu.Lock()
	if sv.closed {
		sv.mu.Unlock()
		return ErrSupervisorClosed
	}
	if _, exists := sv.sessions[p.Name]; exists {
		sv.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, p.Name)
	}

	s := &session{
		id:        uuid.New().String(),
		profile:   p,
		callbacks: cb,
		startedAt: time.Now(),
		drained:   make(chan struct{}),
		ended:     make(chan struct{}),
	}
	s.setState(StateStarting)
	sv.sessions[p.Name] = s
	active := len(sv.sessions)
	sv.mu.Unlock()

	sv.recorder.ActiveSessions(active)
	sv.invoke(s, "start", cb.OnStart)
	sv.emit(s, fmt.Sprintf("Starting %s (%s)...", p.Name, profile.ParseOSType(string(p.OSType))))
	sv.logger.Infof("starting session %s for %s", s.id, p.Name)

	req := LaunchRequest{Profile: p}
	if sv.dataDir != nil {
		req.DataDir = sv.dataDir(p.Name)
	}

	h, err := sv.spawner.Spawn(context.Background(), req)
	if err != nil {
		sv.logger.Errorf("failed to start host for %s: %v", p.Name, err)
		sv.recorder.LaunchFailed()
		sv.emit(s, fmt.Sprintf("Error starting process: %v", err))
		sv.fail(s, err.Error())
		sv.notifyStopped(s, TriggerSpawnError)
		return nil
	}

	s.mu.Lock()
	s.handle = h
	stopping, reason, timeout := s.stopping, s.stopReason, s.stopTimeout
	s.mu.Unlock()

	if !stopping {
		s.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
	}
	sv.recorder.SessionStarted()
	sv.logger.Infof("session %s for %s running as pid %d", s.id, p.Name, h.PID())

	go sv.monitor(s, h)
	go sv.watchExit(s, h)

	// A stop that arrived while spawning found no handle to terminate
	if stopping {
		if reason == TriggerShutdown {
			_ = h.Kill()
		} else {
			go sv.terminate(s, h, timeout)
		}
	}

	return nil
}

// Stop ends the session for name: SIGTERM, up to timeout for a graceful
// exit, then a kill and a short grace period. It returns false when no
// session is active, and true once termination was requested. It blocks for
// the escalation; completion is signalled by OnStop.
func (sv *Supervisor) Stop(name string, timeout time.Duration) bool {
	sv.mu.Lock()
	s, exists := sv.sessions[name]
	if exists {
		delete(sv.sessions, name)
	}
	active := len(sv.sessions)
	sv.mu.Unlock()

	if !exists {
		return false
	}

	sv.recorder.ActiveSessions(active)
	s.setState(StateStopping)
	sv.logger.Infof("stopping session %s for %s", s.id, name)

	if h := s.requestStop(TriggerStop, timeout); h != nil {
		sv.terminate(s, h, timeout)
		if !exited(h) {
			// The exit watcher will never fire for a process that survived a kill
			sv.notifyStopped(s, TriggerStop)
		}
	}
	return true
}

func (sv *Supervisor) terminate(s *session, h Handle, timeout time.Duration) {
	if exited(h) {
		return
	}

	if err := h.Terminate(); err != nil {
		sv.logger.Warnf("failed to signal %s (pid %d): %v", s.profile.Name, h.PID(), err)
	}

	select {
	case <-h.Done():
		return
	case <-time.After(timeout):
	}

	sv.logger.Warnf("%s did not exit within %s, killing pid %d", s.profile.Name, timeout, h.PID())
	if err := h.Kill(); err != nil {
		sv.logger.Errorf("failed to kill %s (pid %d): %v", s.profile.Name, h.PID(), err)
	}

	select {
	case <-h.Done():
	case <-time.After(sv.killGrace):
		sv.logger.Errorf("%s (pid %d) still alive after kill", s.profile.Name, h.PID())
	}
}

// monitor reads the control channel until the host closes it.
func (sv *Supervisor) monitor(s *session, h Handle) {
	out := h.Output()
	defer out.Close()
	defer sv.recoverPanic(s, "monitor")

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanTokenSize)
	for scanner.Scan() {
		sv.handleLine(s, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		sv.logger.Warnf("reading output of %s: %v", s.profile.Name, err)
		// Keep the pipe drained so the host never blocks on a full buffer
		_, _ = io.Copy(io.Discard, out)
	}
	close(s.drained)

	// Output closed: the host is exiting or has detached its stdout. A
	// normal exit is finished by the exit watcher.
	select {
	case <-h.Done():
		return
	case <-time.After(sv.closeGrace):
		sv.logger.Warnf("%s closed its output but is still running, terminating", s.profile.Name)
		sv.terminate(s, h, sv.killGrace)
	}

	sv.notifyStopped(s, TriggerExit)
}

func (sv *Supervisor) handleLine(s *session, line string) {
	sig := ParseLine(line)

	switch sig.Kind {
	case SignalReady:
		if s.ready.CompareAndSwap(false, true) {
			sv.logger.Infof("browser for %s is ready", s.profile.Name)
			sv.emit(s, "Browser started!")
			sv.invoke(s, "ready", s.callbacks.OnReady)
		}
	case SignalClosed:
		sv.logger.Infof("browser for %s closed", s.profile.Name)
		sv.emit(s, "Browser closed: "+s.profile.Name)
	case SignalCancelled:
		s.cancelled.Store(true)
		sv.logger.Infof("launch of %s cancelled", s.profile.Name)
		sv.emit(s, "Launch cancelled: "+s.profile.Name)
	case SignalFailed:
		sv.logger.Errorf("launch of %s failed: %s", s.profile.Name, sig.Reason)
		sv.recorder.LaunchFailed()
		sv.emit(s, sig.Text)
		sv.fail(s, sig.Reason)
	default:
		if sig.Text == "" || sv.filter.Suppress(sig.Text) {
			return
		}
		sv.logger.Debugf("[%s] %s", s.profile.Name, sig.Text)
		sv.emit(s, Truncate(sig.Text, sv.maxLine))
	}
}

// watchExit blocks until the host exits.
func (sv *Supervisor) watchExit(s *session, h Handle) {
	defer sv.recoverPanic(s, "exit watcher")

	<-h.Done()

	// Let the monitor deliver buffered output before the session ends
	select {
	case <-s.drained:
	case <-time.After(sv.closeGrace):
	}

	code := h.ExitCode()
	stopping, _, _ := s.stopRequested()
	switch {
	case code == ExitOK || stopping:
		sv.logger.Infof("host for %s exited with code %d", s.profile.Name, code)
	case !s.ready.Load() && !s.failed.Load() && !s.cancelled.Load():
		// Died before the browser came up without saying why
		sv.logger.Warnf("host for %s exited with code %d before the browser started", s.profile.Name, code)
		sv.recorder.LaunchFailed()
		sv.fail(s, fmt.Sprintf("host exited with code %d", code))
	default:
		sv.logger.Warnf("host for %s exited with code %d", s.profile.Name, code)
	}

	sv.notifyStopped(s, TriggerExit)
}

// notifyStopped runs the end-of-session side effects exactly once,
// whichever of stop, exit, spawn failure or shutdown gets here first.
func (sv *Supervisor) notifyStopped(s *session, trigger string) {
	s.stopOnce.Do(func() {
		sv.mu.Lock()
		if cur, ok := sv.sessions[s.profile.Name]; ok && cur == s {
			delete(sv.sessions, s.profile.Name)
		}
		active := len(sv.sessions)
		sv.mu.Unlock()

		if stopping, reason, _ := s.stopRequested(); stopping {
			trigger = reason
		}

		s.setState(StateIdle)
		sv.recorder.ActiveSessions(active)
		sv.recorder.SessionEnded(trigger)
		sv.emit(s, "Session ended: "+s.profile.Name)
		sv.invoke(s, "stop", s.callbacks.OnStop)
		sv.logger.Infof("session %s for %s ended (%s)", s.id, s.profile.Name, trigger)

		close(s.ended)
	})
}

// RunningNames returns a sorted snapshot of profiles with an active
// session. Sessions whose process already exited are dropped on the way.
func (sv *Supervisor) RunningNames() []string {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	names := make([]string, 0, len(sv.sessions))
	for name, s := range sv.sessions {
		if sv.reapLocked(name, s) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunningCount returns len(RunningNames()).
func (sv *Supervisor) RunningCount() int {
	return len(sv.RunningNames())
}

// IsRunning reports whether name has an active session.
func (sv *Supervisor) IsRunning(name string) bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	s, exists := sv.sessions[name]
	if !exists {
		return false
	}
	return !sv.reapLocked(name, s)
}

// reapLocked drops s if its process has exited and reports whether it did.
// The exit watcher still runs the stop side effects. Callers hold sv.mu.
func (sv *Supervisor) reapLocked(name string, s *session) bool {
	h := s.currentHandle()
	if h == nil || !exited(h) {
		return false
	}
	delete(sv.sessions, name)
	return true
}

// Sessions returns a snapshot of active sessions ordered by profile name.
func (sv *Supervisor) Sessions() []Info {
	sv.mu.Lock()
	sessions := make([]*session, 0, len(sv.sessions))
	for name, s := range sv.sessions {
		if sv.reapLocked(name, s) {
			continue
		}
		sessions = append(sessions, s)
	}
	sv.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		info := Info{
			ID:        s.id,
			Profile:   s.profile.Name,
			State:     s.getState(),
			Ready:     s.ready.Load(),
			PID:       -1,
			StartedAt: s.startedAt,
		}
		if h := s.currentHandle(); h != nil {
			info.PID = h.PID()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Profile < infos[j].Profile })
	return infos
}

// ShutdownAll kills every session without a graceful wait and refuses new
// ones. It waits up to timeout in total for the stop callbacks to run.
func (sv *Supervisor) ShutdownAll(timeout time.Duration) {
	sv.mu.Lock()
	sv.closed = true
	sessions := make([]*session, 0, len(sv.sessions))
	for name, s := range sv.sessions {
		sessions = append(sessions, s)
		delete(sv.sessions, name)
	}
	sv.mu.Unlock()

	if len(sessions) == 0 {
		return
	}
	sv.recorder.ActiveSessions(0)
	sv.logger.Infof("shutting down %d session(s)", len(sessions))

	for _, s := range sessions {
		s.setState(StateStopping)
		if h := s.requestStop(TriggerShutdown, 0); h != nil {
			if err := h.Kill(); err != nil {
				sv.logger.Warnf("failed to kill %s: %v", s.profile.Name, err)
			}
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, s := range sessions {
		select {
		case <-s.ended:
		case <-deadline.C:
			sv.logger.Warnf("shutdown timed out after %s", timeout)
			return
		}
	}
}

// emit forwards a line to the session's OnLog handler.
func (sv *Supervisor) emit(s *session, message string) {
	if s.callbacks.OnLog == nil {
		return
	}
	defer sv.recoverPanic(s, "log handler")
	s.callbacks.OnLog(message)
}

func (sv *Supervisor) fail(s *session, reason string) {
	s.failed.Store(true)
	if s.callbacks.OnFailed == nil {
		return
	}
	defer sv.recoverPanic(s, "failure handler")
	s.callbacks.OnFailed(reason)
}

func (sv *Supervisor) invoke(s *session, name string, fn func()) {
	if fn == nil {
		return
	}
	defer sv.recoverPanic(s, name+" handler")
	fn()
}

func (sv *Supervisor) recoverPanic(s *session, where string) {
	if r := recover(); r != nil {
		sv.logger.Errorf("panic in %s of %s: %v", where, s.profile.Name, r)
	}
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted()     {}
func (nopRecorder) SessionEnded(string) {}
func (nopRecorder) LaunchFailed()       {}
func (nopRecorder) ActiveSessions(int)  {}
