package supervisor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyInProgress matches any AlreadyInProgressError.
	ErrAlreadyInProgress = errors.New("operation already in progress")
	// ErrExitedBeforeReady is wrapped when the backend exits during start-up.
	ErrExitedBeforeReady = errors.New("backend exited before becoming healthy")
	// ErrSamePID is returned by Restart when the backend kept its process id.
	ErrSamePID = errors.New("restart did not replace the backend process")
	// ErrClosed is returned by operations on a closed supervisor.
	ErrClosed = errors.New("supervisor closed")
)

// AlreadyInProgressError rejects a start, stop or restart while another one
// is still running.
type AlreadyInProgressError struct {
	Op      string
	Pending string
}

func (e *AlreadyInProgressError) Error() string {
	return fmt.Sprintf("cannot %s: %s already in progress", e.Op, e.Pending)
}

func (e *AlreadyInProgressError) Is(target error) bool { return target == ErrAlreadyInProgress }

// AlreadyRunningError means the profile's pid file names a live process this
// supervisor does not own.
type AlreadyRunningError struct {
	Profile string
	PID     int
	Port    int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("profile %q already has a live backend (pid %d, port %d)", e.Profile, e.PID, e.Port)
}

// BackendTimeoutError means the backend was spawned but never answered its
// health endpoint in time. The process is left running.
type BackendTimeoutError struct {
	PID     int
	Port    int
	Timeout time.Duration
}

func (e *BackendTimeoutError) Error() string {
	return fmt.Sprintf("backend pid %d on port %d not healthy after %s", e.PID, e.Port, e.Timeout)
}
