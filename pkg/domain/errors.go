package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrKindMismatch is returned when two records of different kinds are merged.
	ErrKindMismatch = errors.New("entity kind mismatch")
	// ErrInFlight is returned when an operation of the same kind is already running.
	ErrInFlight = errors.New("operation already in flight")
	// ErrSnapshotNotFound is returned by backends that hold no snapshot for an engagement.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrIncompatibleSnapshot is returned when a stored snapshot uses an unsupported schema version.
	ErrIncompatibleSnapshot = errors.New("incompatible snapshot schema")
)

// NotFoundError reports an operation against an id that does not exist.
type NotFoundError struct {
	Kind EntityKind
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// FormatError reports an import file that could not be read at all.
type FormatError struct {
	Format string
	Reason string
	Err    error
}

func (e FormatError) Error() string {
	msg := "malformed " + e.Format + " file"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e FormatError) Unwrap() error { return e.Err }

// ConnectionError reports that an external system could not be reached.
type ConnectionError struct {
	Provider string
	Err      error
}

func (e ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s unreachable", e.Provider)
	}
	return fmt.Sprintf("%s unreachable: %v", e.Provider, e.Err)
}

func (e ConnectionError) Unwrap() error { return e.Err }

// AuthError reports that an external system rejected the supplied credentials.
type AuthError struct {
	Provider string
	Err      error
}

func (e AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s rejected credentials", e.Provider)
	}
	return fmt.Sprintf("%s rejected credentials: %v", e.Provider, e.Err)
}

func (e AuthError) Unwrap() error { return e.Err }

// PrerequisiteNotMetError is returned when a stage is run before all of its
// prerequisites have succeeded.
type PrerequisiteNotMetError struct {
	Stage   StageID
	Missing []StageID
}

func (e PrerequisiteNotMetError) Error() string {
	missing := make([]string, len(e.Missing))
	for i, id := range e.Missing {
		missing[i] = string(id)
	}
	return fmt.Sprintf("stage %s requires %s", e.Stage, strings.Join(missing, ", "))
}
