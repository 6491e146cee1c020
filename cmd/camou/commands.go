package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/entrhq/camou/pkg/app"
	"github.com/entrhq/camou/pkg/proxy"
	"github.com/entrhq/camou/pkg/uistate"
)

// errUsage marks a command line the command could not parse. The flag
// package has already printed why.
var errUsage = errors.New("usage error")

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

type cli struct {
	app    *app.App
	stdout io.Writer
	stderr io.Writer

	// live repaints the run dashboard in place instead of appending
	live bool
}

type command struct {
	name    string
	usage   string
	summary string
	run     func(ctx context.Context, c *cli, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"list", "list [-page N] [-all]", "Show profiles and their status", runList},
		{"add", "add [-proxy P] [-os OS] NAME", "Create a profile", runAdd},
		{"edit", "edit [-name NEW] [-proxy P] [-os OS] NAME", "Change a profile", runEdit},
		{"rm", "rm NAME...", "Delete profiles and their data", runRemove},
		{"export", "export [-dir DIR] [-data] NAME...", "Export profiles to zip archives", runExport},
		{"import", "import [-overwrite] ZIP...", "Import profiles from zip archives", runImport},
		{"check-proxy", "check-proxy PROXY", "Test whether a proxy forwards traffic", runCheckProxy},
		{"run", "run [-metrics-addr ADDR] NAME...", "Launch profiles and supervise them", runRun},
	}
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func (c *cli) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func (c *cli) parse(fs *flag.FlagSet, args []string, minArgs int) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() < minArgs {
		fmt.Fprintf(c.stderr, "%s: missing arguments\n", fs.Name())
		if cmd, ok := lookupCommand(fs.Name()); ok {
			fmt.Fprintf(c.stderr, "Usage: camou %s\n", cmd.usage)
		}
		return errUsage
	}
	return nil
}

// printActivity writes the activity log collected while the command ran.
func (c *cli) printActivity() {
	for _, line := range c.app.State.LogLines() {
		fmt.Fprintln(c.stdout, line)
	}
}

func runList(_ context.Context, c *cli, args []string) error {
	fs := c.flagSet("list")
	page := fs.Int("page", 1, "Page to show")
	all := fs.Bool("all", false, "Show every profile on one page")
	if err := c.parse(fs, args, 0); err != nil {
		return err
	}

	profiles := c.app.Store.List()
	if len(profiles) == 0 {
		fmt.Fprintln(c.stdout, mutedStyle.Render("No profiles yet. Create one with: camou add NAME"))
		return nil
	}

	view := uistate.View{
		Profiles:   profiles,
		PageItems:  profiles,
		Page:       1,
		TotalPages: 1,
		Running:    c.app.Supervisor.RunningNames(),
	}
	if !*all {
		view.PageItems, view.Page, view.TotalPages = uistate.Paginate(profiles, *page)
	}

	fmt.Fprintln(c.stdout, renderProfiles(view, nil, nil))
	return nil
}

func runAdd(_ context.Context, c *cli, args []string) error {
	fs := c.flagSet("add")
	proxyStr := fs.String("proxy", "", "Proxy as [scheme://][user:pass@]host:port")
	osType := fs.String("os", "windows", "OS fingerprint: windows, macos or linux")
	if err := c.parse(fs, args, 1); err != nil {
		return err
	}

	err := c.app.AddProfile(fs.Arg(0), *proxyStr, *osType)
	c.printActivity()
	return err
}

func runEdit(_ context.Context, c *cli, args []string) error {
	fs := c.flagSet("edit")
	newName := fs.String("name", "", "New profile name")
	proxyStr := fs.String("proxy", "", "New proxy, empty to remove it")
	osType := fs.String("os", "", "New OS fingerprint")
	if err := c.parse(fs, args, 1); err != nil {
		return err
	}

	original := fs.Arg(0)
	p, ok := c.app.Store.Get(original)
	if !ok {
		return &app.UserError{Message: fmt.Sprintf("Profile not found: %s", original)}
	}

	// Flags left out keep the current value
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if !set["name"] {
		*newName = p.Name
	}
	if !set["proxy"] {
		*proxyStr = p.Proxy
	}
	if !set["os"] {
		*osType = string(p.OSType)
	}

	err := c.app.EditProfile(original, *newName, *proxyStr, *osType)
	c.printActivity()
	return err
}

func runRemove(_ context.Context, c *cli, args []string) error {
	fs := c.flagSet("rm")
	if err := c.parse(fs, args, 1); err != nil {
		return err
	}

	var failed int
	for _, name := range fs.Args() {
		if err := c.app.DeleteProfile(name); err != nil {
			failed++
			var userErr *app.UserError
			if errors.As(err, &userErr) {
				fmt.Fprintln(c.stderr, userErr.Message)
			} else {
				fmt.Fprintf(c.stderr, "Error: %v\n", err)
			}
		}
	}
	c.printActivity()

	if failed > 0 {
		return &exitError{code: exitFailure}
	}
	return nil
}

func runExport(_ context.Context, c *cli, args []string) error {
	fs := c.flagSet("export")
	dir := fs.String("dir", ".", "Directory to write archives to")
	withData := fs.Bool("data", false, "Include the browser data directory")
	if err := c.parse(fs, args, 1); err != nil {
		return err
	}

	return c.drain(c.app.ExportProfiles(fs.Args(), *dir, *withData))
}

func runImport(_ context.Context, c *cli, args []string) error {
	fs := c.flagSet("import")
	overwrite := fs.Bool("overwrite", false, "Replace existing profiles with the same name")
	if err := c.parse(fs, args, 1); err != nil {
		return err
	}

	return c.drain(c.app.ImportProfiles(fs.Args(), *overwrite))
}

// drain waits for archive results and fails if any archive failed.
func (c *cli) drain(results <-chan app.ArchiveResult) error {
	var failed int
	for res := range results {
		if res.Err != nil {
			failed++
		}
	}
	c.printActivity()

	if failed > 0 {
		return &exitError{code: exitFailure}
	}
	return nil
}

func runCheckProxy(ctx context.Context, c *cli, args []string) error {
	fs := c.flagSet("check-proxy")
	if err := c.parse(fs, args, 1); err != nil {
		return err
	}

	proxyStr := fs.Arg(0)
	if err := proxy.ValidateFormat(proxyStr); err != nil {
		return &app.UserError{Message: err.Error(), Err: err}
	}

	done := make(chan proxy.Result, 1)
	c.app.CheckProxy(proxyStr, func(res proxy.Result) { done <- res })

	select {
	case res := <-done:
		c.printActivity()
		if !res.OK {
			return &exitError{code: exitFailure}
		}
		return nil
	case <-ctx.Done():
		return &exitError{code: exitInterrupted}
	}
}

func runRun(ctx context.Context, c *cli, args []string) error {
	fs := c.flagSet("run")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	if err := c.parse(fs, args, 1); err != nil {
		return err
	}

	names := fs.Args()
	for _, name := range names {
		if !c.app.Store.Exists(name) {
			return &app.UserError{Message: fmt.Sprintf("Profile not found: %s", name)}
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if *metricsAddr != "" {
		go func() {
			if err := c.app.Metrics.Serve(ctx, *metricsAddr); err != nil {
				c.app.Log(fmt.Sprintf("Metrics server failed: %v", err))
			}
		}()
	}

	painter := newDashboard(c.stdout, c.app, c.live)
	reconciler := c.app.NewReconciler(painter)
	reconcileDone := make(chan struct{})
	go func() {
		defer close(reconcileDone)
		_ = reconciler.Run(ctx)
	}()

	c.app.State.SelectAll(names)
	c.app.BulkLaunch(c.app.State.Selected())

	interrupted := waitForSessions(ctx, c.app, c.app.Config.UI.ReconcileInterval)
	cancel()
	<-reconcileDone

	c.app.Shutdown()
	reconciler.Repaint()
	painter.finish()

	switch {
	case interrupted:
		return &exitError{code: exitInterrupted}
	case len(c.app.LaunchFailures()) > 0:
		for _, f := range c.app.LaunchFailures() {
			fmt.Fprintf(c.stderr, "%s: %s\n", f.Profile, f.Reason)
		}
		return &exitError{code: exitFailure}
	default:
		return nil
	}
}

// waitForSessions blocks until no session is running or launching, or ctx
// is done. It reports whether ctx ended the wait.
func waitForSessions(ctx context.Context, a *app.App, interval time.Duration) bool {
	if interval <= 0 {
		interval = uistate.DefaultReconcileInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if !a.Busy() && a.Supervisor.RunningCount() == 0 {
			return false
		}
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
		}
	}
}
