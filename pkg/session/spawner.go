package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/entrhq/camou/pkg/profile"
	"github.com/entrhq/camou/pkg/proxy"
)

// DataDirEnv names the environment variable carrying the profile's data
// directory to the host.
const DataDirEnv = "CAMOU_DATA_DIR"

// LaunchRequest describes one host process to spawn.
type LaunchRequest struct {
	Profile profile.Profile
	DataDir string
}

// Args returns the positional host arguments: name, proxy (or the none
// sentinel) and OS type.
func (r LaunchRequest) Args() []string {
	proxyArg := r.Profile.Proxy
	if proxy.IsNone(proxyArg) {
		proxyArg = proxy.NoneSentinel
	}
	return []string{r.Profile.Name, proxyArg, string(profile.ParseOSType(string(r.Profile.OSType)))}
}

// Handle is a running host process as seen by the supervisor.
type Handle interface {
	// Output is the merged stdout/stderr stream. The supervisor closes it.
	Output() io.ReadCloser

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// ExitCode is -1 until the process exits.
	ExitCode() int

	PID() int

	// Terminate asks the process to exit gracefully.
	Terminate() error

	// Kill ends the process immediately.
	Kill() error
}

// Spawner starts host processes.
type Spawner interface {
	Spawn(ctx context.Context, req LaunchRequest) (Handle, error)
}

// ExecSpawner runs the host as an OS process.
type ExecSpawner struct {
	// Command is the argv prefix; LaunchRequest.Args are appended.
	Command []string

	// Dir is the working directory of the host, empty for the current one.
	Dir string

	// Env is appended to the inherited environment.
	Env []string
}

// Spawn starts the host. Stdout and stderr share one pipe whose read end
// belongs to the returned handle, so reading it never races cmd.Wait.
func (s *ExecSpawner) Spawn(ctx context.Context, req LaunchRequest) (Handle, error) {
	if len(s.Command) == 0 {
		return nil, errors.New("no host command configured")
	}

	args := append(append([]string(nil), s.Command[1:]...), req.Args()...)
	cmd := exec.CommandContext(ctx, s.Command[0], args...) //nolint:gosec
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	if req.DataDir != "" {
		cmd.Env = append(cmd.Env, DataDirEnv+"="+req.DataDir)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("start host process: %w", err)
	}
	// The child holds its own copy of the write end
	w.Close()

	h := &execHandle{
		cmd:  cmd,
		out:  r,
		done: make(chan struct{}),
	}
	h.exitCode.Store(-1)
	go h.waitLoop()

	return h, nil
}

type execHandle struct {
	cmd      *exec.Cmd
	out      *os.File
	done     chan struct{}
	exitCode atomic.Int32
	waitOnce sync.Once
}

func (h *execHandle) Output() io.ReadCloser { return h.out }

func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) ExitCode() int { return int(h.exitCode.Load()) }

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return -1
	}
	return h.cmd.Process.Pid
}

// Terminate sends SIGTERM. Platforms that cannot deliver it get a kill.
func (h *execHandle) Terminate() error {
	err := h.cmd.Process.Signal(syscall.SIGTERM)
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return h.Kill()
}

func (h *execHandle) Kill() error {
	err := h.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (h *execHandle) waitLoop() {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()

		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}

		h.exitCode.Store(int32(code))
		close(h.done)
	})
}

// exited reports whether h's process has ended, without blocking.
func exited(h Handle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}
