// Package app wires the profile store, session supervisor, proxy checker
// and UI state into one container and implements the user actions on top
// of them.
package app

import (
	"fmt"
	"sort"
	"sync"

	"github.com/entrhq/camou/pkg/config"
	"github.com/entrhq/camou/pkg/logging"
	"github.com/entrhq/camou/pkg/metrics"
	"github.com/entrhq/camou/pkg/profile"
	"github.com/entrhq/camou/pkg/proxy"
	"github.com/entrhq/camou/pkg/session"
	"github.com/entrhq/camou/pkg/uistate"
)

// App owns one instance of every service. Nothing in the process reaches
// these through package state; callers pass the App around.
type App struct {
	Config     *config.Config
	Store      *profile.Store
	Supervisor *session.Supervisor
	Checker    *proxy.Checker
	State      *uistate.State
	Metrics    *metrics.Metrics

	logger  *logging.Logger
	spawner session.Spawner

	// bg tracks stop, export and import goroutines
	bg sync.WaitGroup

	failedMu sync.Mutex
	failed   map[string]string

	// actionMu serializes launches against renames and deletes, so a
	// profile's data directory never moves under a starting host
	actionMu sync.Mutex

	// launched sessions whose stop handler has not run yet; the channel
	// closes when it has
	activeMu sync.Mutex
	active   map[string]chan struct{}
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the root logger instead of opening the log file.
func WithLogger(logger *logging.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithSpawner replaces the host process spawner.
func WithSpawner(s session.Spawner) Option {
	return func(a *App) {
		a.spawner = s
	}
}

// New builds an App from cfg.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		Config: cfg,
		failed: make(map[string]string),
		active: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.logger == nil {
		logging.Configure(cfg.LogDir(), cfg.LogLevel())
		logger, err := logging.NewLogger("camou")
		if err != nil {
			// logger falls back to stderr and has already reported why
			logger.Debugf("file logging unavailable: %v", err)
		}
		a.logger = logger
	}

	store, err := profile.NewStore(cfg.ProfilesPath(), cfg.ProfilesRoot(),
		profile.WithLogger(a.logger.With("store")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile store: %w", err)
	}
	a.Store = store

	filter, err := session.NewNoiseFilter(cfg.Session.NoisePatterns)
	if err != nil {
		return nil, err
	}

	a.Metrics = metrics.NewMetrics()

	if a.spawner == nil {
		a.spawner = &session.ExecSpawner{Command: cfg.HostCommand}
	}
	a.Supervisor = session.NewSupervisor(a.spawner,
		session.WithLogger(a.logger.With("session")),
		session.WithNoiseFilter(filter),
		session.WithRecorder(a.Metrics),
		session.WithDataDir(store.DataDir),
		session.WithMaxLineLength(cfg.Session.MaxLineLength),
		session.WithKillGrace(cfg.Session.KillGrace),
	)

	a.Checker = proxy.NewChecker(
		proxy.WithCheckURL(cfg.Proxy.CheckURL),
		proxy.WithDefaultTimeout(cfg.Proxy.Timeout),
		proxy.WithLogger(a.logger.With("proxy")),
		proxy.WithRecorder(a.Metrics),
	)

	a.State = uistate.New(
		uistate.WithLogFlushInterval(cfg.UI.LogFlushInterval),
		uistate.WithLogViewLines(cfg.UI.LogViewLines),
	)

	a.logger.Infof("camou started: %d profile(s) in %s", store.Len(), store.Path())
	return a, nil
}

// Logger returns the root logger.
func (a *App) Logger() *logging.Logger {
	return a.logger
}

// Log is the sink for every user-visible line: it goes to the log file and
// the activity log, and a line that must be seen now schedules a repaint.
func (a *App) Log(message string) {
	a.logger.Infof("%s", message)
	if a.State.AddLog(message) {
		a.State.ScheduleRefresh()
	}
}

// NewReconciler creates the repaint loop for painter.
func (a *App) NewReconciler(painter uistate.Painter) *uistate.Reconciler {
	return uistate.NewReconciler(a.State, a.Supervisor, a.Store, painter,
		uistate.WithInterval(a.Config.UI.ReconcileInterval),
		uistate.WithLogger(a.logger.With("ui")),
	)
}

// LaunchFailures returns the profiles whose launch failed since the App was
// created, with the last reported reason, ordered by name.
func (a *App) LaunchFailures() []Failure {
	a.failedMu.Lock()
	defer a.failedMu.Unlock()

	out := make([]Failure, 0, len(a.failed))
	for name, reason := range a.failed {
		out = append(out, Failure{Profile: name, Reason: reason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Profile < out[j].Profile })
	return out
}

// Failure is one failed launch.
type Failure struct {
	Profile string
	Reason  string
}

// Busy reports whether any session launched through the App has not ended
// yet, counting launches and stops still in progress.
func (a *App) Busy() bool {
	a.activeMu.Lock()
	n := len(a.active)
	a.activeMu.Unlock()
	return n > 0 || len(a.State.Loading()) > 0
}

func (a *App) setActive(name string, active bool) {
	a.activeMu.Lock()
	defer a.activeMu.Unlock()

	ended, exists := a.active[name]
	switch {
	case active && !exists:
		a.active[name] = make(chan struct{})
	case !active && exists:
		close(ended)
		delete(a.active, name)
	}
}

// sessionEnded returns a channel closed once name's session has run its
// stop handler, or nil when no session of name is active.
func (a *App) sessionEnded(name string) <-chan struct{} {
	a.activeMu.Lock()
	defer a.activeMu.Unlock()

	if ended, ok := a.active[name]; ok {
		return ended
	}
	return nil
}

func (a *App) recordFailure(name, reason string) {
	a.failedMu.Lock()
	defer a.failedMu.Unlock()
	a.failed[name] = reason
}

// Shutdown kills every session within the configured shutdown timeout and
// waits for background actions to finish.
func (a *App) Shutdown() {
	a.logger.Infof("shutting down")
	a.Supervisor.ShutdownAll(a.Config.Session.ShutdownTimeout)
	a.bg.Wait()
}

// Close shuts down and releases the log file.
func (a *App) Close() error {
	a.Shutdown()
	return a.logger.Close()
}

func (a *App) goBackground(fn func()) {
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Errorf("panic in background action: %v", r)
			}
		}()
		fn()
	}()
}
