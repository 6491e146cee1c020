// Package host runs one browser for one profile and reports its lifecycle
// on standard output using the session control-channel markers.
//
// A host is started by the session supervisor as
//
//	camou-host <name> <proxy|none> <os>
//
// and lives exactly as long as the browser window it opened.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/camou/pkg/logging"
	"github.com/entrhq/camou/pkg/profile"
	"github.com/entrhq/camou/pkg/proxy"
	"github.com/entrhq/camou/pkg/session"
)

// Usage is printed when the host is started with too few arguments.
const Usage = "Usage: camou-host <name> <proxy> <os>"

// ErrorLimit caps the message part of a LAUNCH_FAILED line.
const ErrorLimit = 220

// DefaultDataRoot is the data directory root, relative to the working
// directory, used when no data directory is passed in the environment.
const DefaultDataRoot = "camoufox_data"

// DefaultCancelGrace is how long a cancelled host waits for a launch still
// in flight, so a browser that comes up late is closed before the host
// exits. It stays below the supervisor's default stop timeout.
const DefaultCancelGrace = 1500 * time.Millisecond

// ErrUsage is returned by ParseArgs for a short argument list.
var ErrUsage = errors.New("missing arguments")

// Args are the positional host arguments.
type Args struct {
	Name   string
	Proxy  string
	OSType profile.OSType
}

// ParseArgs reads name, proxy and OS type. Extra arguments are ignored.
func ParseArgs(argv []string) (Args, error) {
	if len(argv) < 3 {
		return Args{}, ErrUsage
	}
	return Args{
		Name:   argv[0],
		Proxy:  argv[1],
		OSType: profile.ParseOSType(argv[2]),
	}, nil
}

// LaunchOptions describe the browser to open.
type LaunchOptions struct {
	DataDir  string
	Proxy    *proxy.Config
	OSType   profile.OSType
	Headless bool
}

// Window is an open browser.
type Window interface {
	// Closed is closed when the user closes the browser window or the
	// browser goes away.
	Closed() <-chan struct{}

	// Close shuts the browser down. It may be called more than once.
	Close() error
}

// Launcher opens browsers.
type Launcher interface {
	Launch(opts LaunchOptions) (Window, error)
}

// LaunchError is a launch failure with the error type reported on the
// control channel.
type LaunchError struct {
	Type string
	Err  error
}

func (e *LaunchError) Error() string {
	return e.Err.Error()
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

type launchResult struct {
	win Window
	err error
}

// Host drives one browser.
type Host struct {
	launcher Launcher
	out      io.Writer
	workDir  string
	getenv   func(string) string
	logger   *logging.Logger

	cancelGrace time.Duration

	mu sync.Mutex
}

// Option configures a Host.
type Option func(*Host)

// WithOutput sets the control channel writer. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(h *Host) {
		h.out = w
	}
}

// WithWorkDir sets the directory the default data root is resolved
// against. Defaults to the process working directory.
func WithWorkDir(dir string) Option {
	return func(h *Host) {
		h.workDir = dir
	}
}

// WithGetenv replaces os.Getenv.
func WithGetenv(fn func(string) string) Option {
	return func(h *Host) {
		h.getenv = fn
	}
}

// WithLogger sets the diagnostic logger. The control channel is not a log.
func WithLogger(logger *logging.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithCancelGrace sets how long a cancelled launch is waited for.
func WithCancelGrace(d time.Duration) Option {
	return func(h *Host) {
		h.cancelGrace = d
	}
}

// New creates a Host opening browsers through launcher.
func New(launcher Launcher, opts ...Option) *Host {
	h := &Host{
		launcher:    launcher,
		out:         os.Stdout,
		getenv:      os.Getenv,
		cancelGrace: DefaultCancelGrace,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logging.Discard("host")
	}
	if h.workDir == "" {
		if wd, err := os.Getwd(); err == nil {
			h.workDir = wd
		}
	}
	return h
}

// DataDir returns where the profile's browser data lives: the directory
// passed in the environment, or camoufox_data/<name> under the work dir.
func (h *Host) DataDir(name string) string {
	if dir := strings.TrimSpace(h.getenv(session.DataDirEnv)); dir != "" {
		return dir
	}
	return filepath.Join(h.workDir, DefaultDataRoot, name)
}

// Run opens the browser for args and blocks until it is closed, ctx is
// done or a signal arrives. It returns the process exit code.
//
// A signal or cancellation before the browser is up reports
// LAUNCH_CANCELLED. Afterwards SIGINT exits with 130 and anything else
// exits cleanly.
func (h *Host) Run(ctx context.Context, args Args, signals <-chan os.Signal) int {
	h.println(fmt.Sprintf("Starting browser for %s...", args.Name))

	proxyCfg, err := proxy.Parse(args.Proxy)
	if err != nil {
		return h.launchFailed(&LaunchError{Type: "ProxyError", Err: err})
	}

	dataDir := h.DataDir(args.Name)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return h.launchFailed(&LaunchError{Type: "OSError", Err: err})
	}

	h.logger.Infof("launching %s (%s) in %s", args.Name, args.OSType, dataDir)

	launched := make(chan launchResult, 1)
	go func() {
		win, err := h.launcher.Launch(LaunchOptions{
			DataDir: dataDir,
			Proxy:   proxyCfg,
			OSType:  args.OSType,
		})
		launched <- launchResult{win: win, err: err}
	}()

	var win Window
	select {
	case res := <-launched:
		if res.err != nil {
			return h.launchFailed(res.err)
		}
		win = res.win
	case <-ctx.Done():
		return h.cancelled(launched)
	case sig := <-signals:
		h.logger.Infof("%s received during launch", sig)
		return h.cancelled(launched)
	}

	h.println(session.MarkerStarted)
	h.logger.Infof("browser for %s is up", args.Name)

	code := session.ExitOK
	select {
	case <-win.Closed():
		h.println(session.MarkerClosed)
	case <-ctx.Done():
	case sig := <-signals:
		h.logger.Infof("%s received", sig)
		if sig == os.Interrupt {
			h.println("Interrupted by user")
			code = session.ExitInterrupted
		}
	}

	if err := win.Close(); err != nil {
		h.logger.Warnf("closing browser: %v", err)
	}
	return code
}

// cancelled reports the cancellation. A browser that comes up within the
// cancel grace is closed before it returns; after that the host gives up on
// the launch.
func (h *Host) cancelled(launched <-chan launchResult) int {
	h.println(session.MarkerCancelled)

	timer := time.NewTimer(h.cancelGrace)
	defer timer.Stop()

	select {
	case res := <-launched:
		if res.win != nil {
			if err := res.win.Close(); err != nil {
				h.logger.Warnf("closing late browser: %v", err)
			}
		}
	case <-timer.C:
		h.logger.Warnf("launch still running %s after cancellation, exiting anyway", h.cancelGrace)
	}
	return session.ExitFailure
}

func (h *Host) launchFailed(err error) int {
	h.logger.Errorf("launch failed: %v", err)
	h.println(session.FailureLine(ErrorType(err), CompactError(err.Error(), ErrorLimit)))
	return session.ExitFailure
}

// println writes one control-channel line. Invalid UTF-8 is replaced so the
// supervisor always reads text.
func (h *Host) println(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintln(h.out, strings.ToValidUTF8(line, "�"))
}

// CompactError squeezes an engine error message onto one line: whitespace
// runs become single spaces, the call log Playwright appends is dropped and
// the result is cut to limit bytes plus "...".
func CompactError(msg string, limit int) string {
	text := strings.Join(strings.Fields(msg), " ")
	if i := strings.Index(text, "Call log:"); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	return session.Truncate(text, limit)
}

// ErrorType names err for the LAUNCH_FAILED line.
func ErrorType(err error) string {
	var le *LaunchError
	if errors.As(err, &le) && le.Type != "" {
		return le.Type
	}
	if errors.Is(err, os.ErrNotExist) {
		return "FileNotFoundError"
	}
	if name := engineErrorName(err); name != "" {
		return name
	}
	return "Error"
}
