package host

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/playwright-community/playwright-go"
)

// OSEnv carries the OS fingerprint to the engine process.
const OSEnv = "CAMOU_OS"

// PlaywrightLauncher opens a persistent Firefox context through
// Playwright. Every launch runs its own driver, stopped with the window.
type PlaywrightLauncher struct {
	// Install downloads the driver and Firefox before the first launch.
	Install bool

	// DriverOutput receives driver install and run output. Defaults to
	// io.Discard so nothing lands on the control channel.
	DriverOutput io.Writer
}

func (l *PlaywrightLauncher) runOptions() *playwright.RunOptions {
	out := l.DriverOutput
	if out == nil {
		out = io.Discard
	}
	return &playwright.RunOptions{
		Browsers: []string{"firefox"},
		Verbose:  false,
		Stdout:   out,
		Stderr:   out,
	}
}

// Launch starts the driver and opens the profile's browser.
func (l *PlaywrightLauncher) Launch(opts LaunchOptions) (Window, error) {
	runOpts := l.runOptions()

	if l.Install {
		if err := playwright.Install(runOpts); err != nil {
			return nil, &LaunchError{Type: "InstallError", Err: fmt.Errorf("failed to install playwright: %w", err)}
		}
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, &LaunchError{Type: "DriverError", Err: fmt.Errorf("failed to start playwright: %w", err)}
	}

	ctxOpts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(opts.Headless),
		Env:      engineEnv(opts),
	}
	if opts.Proxy != nil {
		p := &playwright.Proxy{Server: opts.Proxy.Server()}
		if opts.Proxy.Username != "" {
			p.Username = playwright.String(opts.Proxy.Username)
			p.Password = playwright.String(opts.Proxy.Password)
		}
		ctxOpts.Proxy = p
	}

	bctx, err := pw.Firefox.LaunchPersistentContext(opts.DataDir, ctxOpts)
	if err != nil {
		_ = pw.Stop()
		return nil, err
	}

	w := &playwrightWindow{pw: pw, ctx: bctx, closed: make(chan struct{})}
	bctx.OnClose(func(playwright.BrowserContext) { w.markClosed() })

	var page playwright.Page
	if pages := bctx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else if page, err = bctx.NewPage(); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	page.OnClose(func(playwright.Page) { w.markClosed() })

	return w, nil
}

// engineEnv returns the environment of the browser process. Playwright
// replaces the inherited environment when one is given, so it is copied.
func engineEnv(opts LaunchOptions) map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	env[OSEnv] = string(opts.OSType)
	return env
}

type playwrightWindow struct {
	pw     *playwright.Playwright
	ctx    playwright.BrowserContext
	closed chan struct{}

	closedOnce sync.Once
	closeOnce  sync.Once
	closeErr   error
}

func (w *playwrightWindow) Closed() <-chan struct{} {
	return w.closed
}

func (w *playwrightWindow) markClosed() {
	w.closedOnce.Do(func() { close(w.closed) })
}

func (w *playwrightWindow) Close() error {
	w.closeOnce.Do(func() {
		// The context may already be gone when the user closed the window
		_ = w.ctx.Close()
		if err := w.pw.Stop(); err != nil {
			w.closeErr = fmt.Errorf("failed to stop playwright: %w", err)
		}
		w.markClosed()
	})
	return w.closeErr
}

// engineErrorName returns the Playwright error name carried by err, if any.
func engineErrorName(err error) string {
	if errors.Is(err, playwright.ErrTimeout) {
		return "TimeoutError"
	}
	var pwErr *playwright.Error
	if errors.As(err, &pwErr) && pwErr.Name != "" {
		return pwErr.Name
	}
	return ""
}
