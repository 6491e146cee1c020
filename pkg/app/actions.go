package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/camou/pkg/profile"
	"github.com/entrhq/camou/pkg/proxy"
	"github.com/entrhq/camou/pkg/session"
)

// UserError is an action rejected for a reason the user can fix. Message is
// meant to be shown as is.
type UserError struct {
	Message string
	Err     error
}

func (e *UserError) Error() string {
	return e.Message
}

func (e *UserError) Unwrap() error {
	return e.Err
}

func userError(err error, format string, args ...interface{}) *UserError {
	return &UserError{Message: fmt.Sprintf(format, args...), Err: err}
}

// LaunchOrStop toggles the session of name: a running profile is stopped
// in the background, an idle one is launched. Unknown names are ignored.
func (a *App) LaunchOrStop(name string) error {
	a.actionMu.Lock()
	defer a.actionMu.Unlock()

	p, exists := a.Store.Get(name)
	if !exists {
		return nil
	}

	if a.Supervisor.IsRunning(name) {
		a.Log(fmt.Sprintf("Stopping %s...", name))
		a.State.SetLoading(name, true)
		a.State.ScheduleRefresh()

		a.goBackground(func() {
			defer func() {
				a.State.SetLoading(name, false)
				a.State.ScheduleRefresh()
			}()
			a.Supervisor.Stop(name, a.Config.Session.StopTimeout)
		})
		return nil
	}

	a.State.SetLoading(name, true)
	a.Log(fmt.Sprintf("Launching %s...", name))
	a.State.ScheduleRefresh()

	settle := func() {
		a.State.SetLoading(name, false)
		a.State.ScheduleRefresh()
	}
	a.setActive(name, true)
	err := a.Supervisor.Start(p, session.Callbacks{
		OnLog:   a.Log,
		OnReady: settle,
		OnStop: func() {
			settle()
			a.setActive(name, false)
		},
		OnFailed: func(reason string) { a.recordFailure(name, reason) },
	})
	if err != nil {
		settle()
		if !errors.Is(err, session.ErrAlreadyRunning) {
			a.setActive(name, false)
		}
		a.logger.Warnf("launch of %s rejected: %v", name, err)
		return fmt.Errorf("failed to launch %s: %w", name, err)
	}
	return nil
}

// BulkLaunch launches every named profile that is neither running nor
// already loading.
func (a *App) BulkLaunch(names []string) {
	for _, name := range names {
		if a.Supervisor.IsRunning(name) || a.State.IsLoading(name) {
			continue
		}
		if err := a.LaunchOrStop(name); err != nil {
			a.logger.Warnf("bulk launch: %v", err)
		}
	}
}

// BulkStop stops every named profile that is running.
func (a *App) BulkStop(names []string) {
	for _, name := range names {
		if !a.Supervisor.IsRunning(name) {
			continue
		}
		if err := a.LaunchOrStop(name); err != nil {
			a.logger.Warnf("bulk stop: %v", err)
		}
	}
}

// BulkDelete deletes every named profile and clears the selection. Names
// that no longer exist are skipped.
func (a *App) BulkDelete(names []string) {
	for _, name := range names {
		if err := a.DeleteProfile(name); err != nil {
			a.logger.Warnf("bulk delete: %v", err)
		}
	}
	a.State.ClearSelection()
	a.State.ScheduleRefresh()
}

func validateInput(name, proxyStr string) error {
	if err := profile.ValidateName(name); err != nil {
		return userError(err, "%s", err.Error())
	}
	if err := proxy.ValidateFormat(proxyStr); err != nil {
		return userError(err, "%s", err.Error())
	}
	return nil
}

func parseOSInput(osType string) (profile.OSType, error) {
	if osType == "" {
		return profile.OSWindows, nil
	}
	parsed, ok := profile.LookupOSType(osType)
	if !ok {
		return "", userError(nil, "Unknown OS type: %s (use windows, macos or linux)", osType)
	}
	return parsed, nil
}

// AddProfile validates and creates a profile.
func (a *App) AddProfile(name, proxyStr, osType string) error {
	if err := validateInput(name, proxyStr); err != nil {
		return err
	}
	parsedOS, err := parseOSInput(osType)
	if err != nil {
		return err
	}

	if err := a.Store.Add(name, strings.TrimSpace(proxyStr), parsedOS); err != nil {
		if errors.Is(err, profile.ErrProfileExists) {
			return userError(err, "Profile already exists!")
		}
		return fmt.Errorf("failed to add profile: %w", err)
	}

	a.Log(fmt.Sprintf("Created: %s", name))
	a.State.ScheduleRefresh()
	return nil
}

// EditProfile updates original, renaming it to name when they differ. A
// running profile cannot be renamed: its host holds the data directory.
func (a *App) EditProfile(original, name, proxyStr, osType string) error {
	if !a.Store.Exists(original) {
		return userError(profile.ErrProfileNotFound, "Profile not found: %s", original)
	}
	if err := validateInput(name, proxyStr); err != nil {
		return err
	}
	parsedOS, err := parseOSInput(osType)
	if err != nil {
		return err
	}

	a.actionMu.Lock()
	defer a.actionMu.Unlock()

	if name != original && (a.Supervisor.IsRunning(original) || a.sessionEnded(original) != nil) {
		return userError(nil, "Stop the browser before renaming")
	}

	if err := a.Store.Update(original, name, strings.TrimSpace(proxyStr), parsedOS); err != nil {
		a.logger.Warnf("update of %s failed: %v", original, err)
		return userError(err, "Could not update profile (Name might exist)")
	}

	a.Log(fmt.Sprintf("Updated: %s -> %s", original, name))
	a.State.ScheduleRefresh()
	return nil
}

// DeleteProfile stops the profile's session, if any, then removes the
// record and its data directory.
//
// It blocks until the session has run its stop handler, for up to the stop
// timeout plus the kill grace. A session still alive after that keeps its
// profile and data.
func (a *App) DeleteProfile(name string) error {
	a.actionMu.Lock()
	defer a.actionMu.Unlock()

	if !a.Store.Exists(name) {
		return userError(profile.ErrProfileNotFound, "Profile not found: %s", name)
	}

	ended := a.sessionEnded(name)
	if a.Supervisor.IsRunning(name) {
		a.Supervisor.Stop(name, a.Config.Session.StopTimeout)
	}
	if ended != nil {
		wait := a.Config.Session.StopTimeout + a.Config.Session.KillGrace
		select {
		case <-ended:
		case <-time.After(wait):
			a.logger.Warnf("session of %s did not end within %s, keeping profile", name, wait)
			return userError(nil, "Could not stop %s, profile kept", name)
		}
	}
	a.State.SetLoading(name, false)

	if err := a.Store.Delete(name); err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}

	a.Log(fmt.Sprintf("Deleted: %s", name))
	a.State.ScheduleRefresh()
	return nil
}

// ArchiveResult is the outcome of exporting or importing one archive.
type ArchiveResult struct {
	// Profile is the profile name; for failed imports it is empty.
	Profile string

	// Path is the archive path.
	Path string

	Err error
}

// ExportProfiles exports each named profile into dir on a background
// goroutine. Results arrive on the returned channel, which is closed when
// all exports are done.
func (a *App) ExportProfiles(names []string, dir string, includeData bool) <-chan ArchiveResult {
	results := make(chan ArchiveResult, len(names))

	a.goBackground(func() {
		defer close(results)
		for _, name := range names {
			path, err := a.Store.Export(name, dir, includeData)
			if err != nil {
				a.Log(fmt.Sprintf("Error exporting profile: %v", err))
			} else {
				a.Log(fmt.Sprintf("Profile exported successfully: %s", path))
			}
			results <- ArchiveResult{Profile: name, Path: path, Err: err}
		}
	})

	return results
}

// ImportProfiles imports each archive on a background goroutine. Results
// arrive on the returned channel, which is closed when all imports are done.
func (a *App) ImportProfiles(paths []string, overwrite bool) <-chan ArchiveResult {
	results := make(chan ArchiveResult, len(paths))

	a.goBackground(func() {
		defer close(results)
		imported := 0
		for _, path := range paths {
			name, err := a.Store.Import(path, overwrite)
			if err != nil {
				a.Log(fmt.Sprintf("Error importing profile: %v", err))
			} else {
				imported++
				a.Log(fmt.Sprintf("Profile imported successfully: %s", name))
			}
			results <- ArchiveResult{Profile: name, Path: path, Err: err}
		}
		if imported > 0 {
			a.State.ScheduleRefresh()
		}
	})

	return results
}

// CheckProxy probes proxyStr in the background and logs the outcome. fn,
// if not nil, receives the result afterwards.
func (a *App) CheckProxy(proxyStr string, fn func(proxy.Result)) {
	a.Log("Checking proxy...")
	a.Checker.CheckAsync(proxyStr, a.Config.Proxy.Timeout, func(res proxy.Result) {
		if res.OK {
			a.Log(res.Message)
		} else {
			a.Log(fmt.Sprintf("Proxy check failed: %s", res.Message))
		}
		if fn != nil {
			fn(res)
		}
	})
}
