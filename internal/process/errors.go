package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
)

// SpawnError is returned when the backend could not be started at all.
type SpawnError struct {
	Command  string
	NotFound bool // executable missing
	Err      error
}

func (e *SpawnError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("spawn %s: executable not found: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func newSpawnError(command string, err error) *SpawnError {
	return &SpawnError{Command: command, NotFound: isNotFound(err), Err: err}
}

// isNotFound distinguishes a missing executable from a missing working
// directory, which os/exec reports with the same errno.
func isNotFound(err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Op != "chdir" && errors.Is(pe.Err, fs.ErrNotExist)
	}
	return false
}
