package session

import "time"

// State is the lifecycle state of a profile's session.
//
// Sessions move Idle → Starting → Running → Stopping → Idle. There is no
// crashed state: a crash is a Stopping → Idle transition with the failure
// surfaced through the log callback.
type State int32

const (
	// StateIdle means no process exists for the profile.
	StateIdle State = iota

	// StateStarting means the session is registered and the host is being
	// spawned.
	StateStarting

	// StateRunning means the host process is alive. Ready reports whether
	// the browser has signalled it is up.
	StateRunning

	// StateStopping means termination was requested or observed.
	StateStopping
)

// String returns a human-readable string for the state.
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
	default:
		return "unknown"
	}
}

// Info is a point-in-time view of one active session.
type Info struct {
	ID        string
	Profile   string
	State     State
	Ready     bool
	PID       int
	StartedAt time.Time
}
