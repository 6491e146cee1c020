package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/camou/pkg/config"
	"github.com/entrhq/camou/pkg/profile"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeHandle is an in-memory host process.
type fakeHandle struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	done     chan struct{}
	exitOnce sync.Once
	code     atomic.Int32

	exitOnTerminate bool
	terminated      atomic.Int32
	killed          atomic.Int32
}

func newFakeHandle(exitOnTerminate bool) *fakeHandle {
	r, w := io.Pipe()
	h := &fakeHandle{outR: r, outW: w, done: make(chan struct{}), exitOnTerminate: exitOnTerminate}
	h.code.Store(-1)
	return h
}

func (h *fakeHandle) Output() io.ReadCloser { return h.outR }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) ExitCode() int         { return int(h.code.Load()) }
func (h *fakeHandle) PID() int              { return 4242 }

func (h *fakeHandle) Terminate() error {
	h.terminated.Add(1)
	if h.exitOnTerminate {
		go h.exit(ExitOK)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.killed.Add(1)
	go h.exit(-1)
	return nil
}

func (h *fakeHandle) writeLine(line string) {
	_, _ = fmt.Fprintln(h.outW, line)
}

func (h *fakeHandle) exit(code int) {
	h.exitOnce.Do(func() {
		h.code.Store(int32(code))
		h.outW.Close()
		close(h.done)
	})
}

// fakeSpawner hands out fakeHandles and counts spawns.
type fakeSpawner struct {
	mu       sync.Mutex
	calls    int
	requests []LaunchRequest
	handles  []*fakeHandle
	err      error

	exitOnTerminate bool

	// entered and release, when set, hold Spawn until release is closed
	entered chan struct{}
	release chan struct{}
}

func (s *fakeSpawner) Spawn(_ context.Context, req LaunchRequest) (Handle, error) {
	if s.entered != nil {
		close(s.entered)
		<-s.release
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	h := newFakeHandle(s.exitOnTerminate)
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *fakeSpawner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSpawner) handle(i int) *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[i]
}

// observer records callback invocations.
type observer struct {
	mu       sync.Mutex
	logs     []string
	failures []string
	starts   atomic.Int32
	readies  atomic.Int32
	stops    atomic.Int32
}

func (o *observer) callbacks() Callbacks {
	return Callbacks{
		OnLog: func(msg string) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.logs = append(o.logs, msg)
		},
		OnStart:  func() { o.starts.Add(1) },
		OnReady:  func() { o.readies.Add(1) },
		OnStop:   func() { o.stops.Add(1) },
		OnFailed: o.recordFailure,
	}
}

func (o *observer) recordFailure(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, reason)
}

func (o *observer) failureReasons() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.failures...)
}

func (o *observer) lines() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.logs...)
}

func (o *observer) waitStopped(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return o.stops.Load() > 0 }, waitFor, tick)
}

// countingRecorder records lifecycle metrics.
type countingRecorder struct {
	mu       sync.Mutex
	started  int
	failures int
	ended    map[string]int
	active   int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{ended: make(map[string]int)}
}

func (r *countingRecorder) SessionStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *countingRecorder) SessionEnded(trigger string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended[trigger]++
}

func (r *countingRecorder) LaunchFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

func (r *countingRecorder) ActiveSessions(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = n
}

func (r *countingRecorder) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

func (r *countingRecorder) endedCount(trigger string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended[trigger]
}

func testProfile(name string) profile.Profile {
	return profile.Profile{Name: name, OSType: profile.OSWindows}
}

func TestSupervisorLifecycle(t *testing.T) {
	spawner := &fakeSpawner{}
	rec := newCountingRecorder()
	sv := NewSupervisor(spawner,
		WithRecorder(rec),
		WithDataDir(func(name string) string { return "/data/" + name }),
	)
	obs := &observer{}

	require.NoError(t, sv.Start(testProfile("alpha"), obs.callbacks()))
	assert.Equal(t, int32(1), obs.starts.Load())
	assert.True(t, sv.IsRunning("alpha"))
	assert.Equal(t, []string{"alpha"}, sv.RunningNames())
	assert.Equal(t, 1, sv.RunningCount())

	h := spawner.handle(0)
	assert.Equal(t, "/data/alpha", spawner.requests[0].DataDir)

	h.writeLine(MarkerStarted)
	require.Eventually(t, func() bool { return obs.readies.Load() == 1 }, waitFor, tick)

	infos := sv.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "alpha", infos[0].Profile)
	assert.Equal(t, StateRunning, infos[0].State)
	assert.True(t, infos[0].Ready)
	assert.Equal(t, 4242, infos[0].PID)
	assert.NotEmpty(t, infos[0].ID)

	h.writeLine(MarkerClosed)
	h.exit(ExitOK)
	obs.waitStopped(t)

	lines := obs.lines()
	assert.Equal(t, "Starting alpha (windows)...", lines[0])
	assert.Contains(t, lines, "Browser started!")
	assert.Contains(t, lines, "Browser closed: alpha")
	assert.Equal(t, "Session ended: alpha", lines[len(lines)-1])

	assert.False(t, sv.IsRunning("alpha"))
	assert.Empty(t, sv.RunningNames())
	assert.Equal(t, 1, rec.endedCount(TriggerExit))
}

func TestSupervisorStartDuplicate(t *testing.T) {
	spawner := &fakeSpawner{}
	sv := NewSupervisor(spawner)

	require.NoError(t, sv.Start(testProfile("alpha"), Callbacks{}))
	err := sv.Start(testProfile("alpha"), Callbacks{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, spawner.callCount())

	spawner.handle(0).exit(ExitOK)
}

func TestSupervisorConcurrentStart(t *testing.T) {
	spawner := &fakeSpawner{}
	sv := NewSupervisor(spawner)

	const callers = 20
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := sv.Start(testProfile("alpha"), Callbacks{})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrAlreadyRunning):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(callers-1), rejected.Load())
	assert.Equal(t, 1, spawner.callCount())

	spawner.handle(0).exit(ExitOK)
}

func TestSupervisorSpawnError(t *testing.T) {
	spawner := &fakeSpawner{err: errors.New("executable not found")}
	rec := newCountingRecorder()
	sv := NewSupervisor(spawner, WithRecorder(rec))
	obs := &observer{}

	require.NoError(t, sv.Start(testProfile("alpha"), obs.callbacks()))

	assert.Equal(t, int32(1), obs.starts.Load())
	assert.Equal(t, int32(1), obs.stops.Load())
	assert.Contains(t, obs.lines(), "Error starting process: executable not found")
	assert.Equal(t, []string{"executable not found"}, obs.failureReasons())
	assert.False(t, sv.IsRunning("alpha"))
	assert.Equal(t, 1, rec.endedCount(TriggerSpawnError))
	assert.Equal(t, 1, rec.failureCount())

	// The name is free again
	spawner.err = nil
	require.NoError(t, sv.Start(testProfile("alpha"), Callbacks{}))
	spawner.handle(0).exit(ExitOK)
}

func TestSupervisorStopGraceful(t *testing.T) {
	spawner := &fakeSpawner{exitOnTerminate: true}
	rec := newCountingRecorder()
	sv := NewSupervisor(spawner, WithRecorder(rec))
	obs := &observer{}

	require.NoError(t, sv.Start(testProfile("alpha"), obs.callbacks()))
	h := spawner.handle(0)

	assert.True(t, sv.Stop("alpha", time.Second))
	assert.False(t, sv.IsRunning("alpha"))
	obs.waitStopped(t)

	assert.Equal(t, int32(1), h.terminated.Load())
	assert.Equal(t, int32(0), h.killed.Load())
	assert.Equal(t, 1, rec.endedCount(TriggerStop))
}

func TestSupervisorStopEscalatesToKill(t *testing.T) {
	spawner := &fakeSpawner{exitOnTerminate: false}
	sv := NewSupervisor(spawner, WithKillGrace(50*time.Millisecond))
	obs := &observer{}

	require.NoError(t, sv.Start(testProfile("alpha"), obs.callbacks()))
	h := spawner.handle(0)

	assert.True(t, sv.Stop("alpha", 20*time.Millisecond))
	obs.waitStopped(t)

	assert.Equal(t, int32(1), h.terminated.Load())
	assert.Equal(t, int32(1), h.killed.Load())
}

func TestSupervisorStopUnknown(t *testing.T) {
	sv := NewSupervisor(&fakeSpawner{})
	assert.False(t, sv.Stop("ghost", time.Second))
}

func TestSupervisorStopWhileSpawning(t *testing.T) {
	spawner := &fakeSpawner{
		exitOnTerminate: true,
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	sv := NewSupervisor(spawner)
	obs := &observer{}

	started := make(chan error, 1)
	go func() {
		started <- sv.Start(testProfile("alpha"), obs.callbacks())
	}()

	<-spawner.entered
	assert.True(t, sv.IsRunning("alpha"))
	assert.True(t, sv.Stop("alpha", time.Second))

	close(spawner.release)
	require.NoError(t, <-started)
	obs.waitStopped(t)

	h := spawner.handle(0)
	assert.Equal(t, int32(1), h.terminated.Load())
	assert.False(t, sv.IsRunning("alpha"))
}

func TestSupervisorStopNotifiesOnce(t *testing.T) {
	spawner := &fakeSpawner{exitOnTerminate: true}
	sv := NewSupervisor(spawner)
	obs := &observer{}

	require.NoError(t, sv.Start(testProfile("alpha"), obs.callbacks()))
	h := spawner.handle(0)
	h.writeLine(MarkerStarted)
	h.writeLine(MarkerClosed)

	// Stop races the monitor's EOF and the exit watcher
	go sv.Stop("alpha", time.Second)
	h.exit(ExitOK)

	obs.waitStopped(t)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), obs.stops.Load())

	ended := 0
	for _, line := range obs.lines() {
		if line == "Session ended: alpha" {
			ended++
		}
	}
	assert.Equal(t, 1, ended)
}

func TestSupervisorOutputHandling(t *testing.T) {
	filter, err := NewNoiseFilter(config.DefaultNoisePatterns)
	require.NoError(t, err)

	rec := newCountingRecorder()
	spawner := &fakeSpawner{}
	sv := NewSupervisor(spawner, WithNoiseFilter(filter), WithMaxLineLength(20), WithRecorder(rec))
	obs := &observer{}

	require.NoError(t, sv.Start(testProfile("alpha"), obs.callbacks()))
	h := spawner.handle(0)

	h.writeLine("")
	h.writeLine("   ")
	h.writeLine("[GFX1-]: surface lost")
	h.writeLine("JavaScript warning: noisy")
	h.writeLine("short line")
	h.writeLine(strings.Repeat("y", 40))
	h.writeLine("LAUNCH_FAILED: Error: boom")
	h.writeLine(MarkerCancelled)
	h.exit(ExitFailure)
	obs.waitStopped(t)

	lines := obs.lines()
	assert.Equal(t, []string{
		"Starting alpha (windows)...",
		"short line",
		strings.Repeat("y", 20) + "...",
		"LAUNCH_FAILED: Error: boom",
		"Launch cancelled: alpha",
		"Session ended: alpha",
	}, lines)
	assert.Equal(t, int32(0), obs.readies.Load())
	assert.Equal(t, 1, rec.failureCount())
	assert.Equal(t, []string{"Error: boom"}, obs.failureReasons())
}

func TestSupervisorReadyFiresOnce(t *testing.T) {
	spawner := &fakeSpawner{}
	sv := NewSupervisor(spawner)
	obs := &observer{}

	require.NoError(t, sv.Start(testProfile("alpha"), obs.callbacks()))
	h := spawner.handle(0)
	h.writeLine(MarkerStarted)
	h.writeLine(MarkerStarted)
	h.exit(ExitOK)
	obs.waitStopped(t)

	assert.Equal(t, int32(1), obs.readies.Load())
}

func TestSupervisorRecoversHandlerPanic(t *testing.T) {
	spawner := &fakeSpawner{}
	sv := NewSupervisor(spawner)

	var stops atomic.Int32
	cb := Callbacks{
		OnReady: func() { panic("handler bug") },
		OnStop:  func() { stops.Add(1) },
	}

	require.NoError(t, sv.Start(testProfile("alpha"), cb))
	h := spawner.handle(0)
	h.writeLine(MarkerStarted)
	h.writeLine("still reading")
	h.exit(ExitOK)

	require.Eventually(t, func() bool { return stops.Load() == 1 }, waitFor, tick)
	assert.False(t, sv.IsRunning("alpha"))
}

func TestSupervisorShutdownAll(t *testing.T) {
	spawner := &fakeSpawner{}
	rec := newCountingRecorder()
	sv := NewSupervisor(spawner, WithRecorder(rec))
	alpha, beta := &observer{}, &observer{}

	require.NoError(t, sv.Start(testProfile("alpha"), alpha.callbacks()))
	require.NoError(t, sv.Start(testProfile("beta"), beta.callbacks()))
	assert.Equal(t, []string{"alpha", "beta"}, sv.RunningNames())

	sv.ShutdownAll(time.Second)

	assert.Equal(t, int32(1), alpha.stops.Load())
	assert.Equal(t, int32(1), beta.stops.Load())
	assert.Equal(t, int32(1), spawner.handle(0).killed.Load())
	assert.Equal(t, int32(1), spawner.handle(1).killed.Load())
	assert.Empty(t, sv.RunningNames())
	assert.Equal(t, 2, rec.endedCount(TriggerShutdown))

	err := sv.Start(testProfile("gamma"), Callbacks{})
	assert.ErrorIs(t, err, ErrSupervisorClosed)
	assert.Equal(t, 2, spawner.callCount())
}

func TestSupervisorShutdownAllEmpty(t *testing.T) {
	sv := NewSupervisor(&fakeSpawner{})
	sv.ShutdownAll(10 * time.Millisecond)
	assert.ErrorIs(t, sv.Start(testProfile("alpha"), Callbacks{}), ErrSupervisorClosed)
}

func TestSupervisorSilentExitIsFailure(t *testing.T) {
	rec := newCountingRecorder()
	spawner := &fakeSpawner{}
	sv := NewSupervisor(spawner, WithRecorder(rec))
	obs := &observer{}

	require.NoError(t, sv.Start(testProfile("alpha"), obs.callbacks()))
	spawner.handle(0).exit(ExitFailure)
	obs.waitStopped(t)

	assert.Equal(t, []string{"host exited with code 1"}, obs.failureReasons())
	assert.Equal(t, 1, rec.failureCount())
}

func TestSupervisorExitAfterReadyIsNotFailure(t *testing.T) {
	spawner := &fakeSpawner{}
	sv := NewSupervisor(spawner)
	obs := &observer{}

	require.NoError(t, sv.Start(testProfile("alpha"), obs.callbacks()))
	h := spawner.handle(0)
	h.writeLine(MarkerStarted)
	require.Eventually(t, func() bool { return obs.readies.Load() == 1 }, waitFor, tick)
	h.exit(ExitFailure)
	obs.waitStopped(t)

	assert.Empty(t, obs.failureReasons())
}
