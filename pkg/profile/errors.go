package profile

import (
	"errors"
	"fmt"
)

var (
	// ErrProfileExists is returned when a name is already taken.
	ErrProfileExists = errors.New("profile already exists")

	// ErrProfileNotFound is returned for operations on an unknown name.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrUnsafeName is returned for names that do not map to a directory
	// directly below the data root.
	ErrUnsafeName = errors.New("profile name does not map to a data directory")
)

// ValidationError carries the user-facing reason a value was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ArchiveReason classifies a rejected import archive.
type ArchiveReason string

const (
	ReasonMissingRecord ArchiveReason = "missing profile.json"
	ReasonInvalidRecord ArchiveReason = "invalid profile.json"
	ReasonMissingName   ArchiveReason = "missing profile name"
	ReasonInvalidName   ArchiveReason = "invalid profile name"
	ReasonUnsafePath    ArchiveReason = "unsafe path"
	ReasonUnreadable    ArchiveReason = "unreadable archive"
)

// ArchiveError reports an archive that cannot be imported.
type ArchiveError struct {
	Path   string
	Reason ArchiveReason
	Err    error
}

func (e *ArchiveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid archive %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid archive %s: %s", e.Path, e.Reason)
}

func (e *ArchiveError) Unwrap() error {
	return e.Err
}
