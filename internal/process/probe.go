package process

import (
	"fmt"
	"syscall"
	"time"
)

// Probe is the OS-specific capability to check and signal arbitrary pids.
type Probe interface {
	// Alive reports whether pid exists. "No such process" means dead; any
	// other outcome (including permission denied) means alive.
	Alive(pid int) bool
	// Signal delivers sig to pid (and its process group where supported).
	// A missing process is not an error.
	Signal(pid int, sig syscall.Signal) error
}

// Termination timing used by TerminateWithTimeout.
const (
	PollInterval = 50 * time.Millisecond
	KillGrace    = time.Second
)

var defaultProbe Probe = osProbe{}

// IsAlive reports whether pid refers to a live process.
func IsAlive(pid int) bool { return defaultProbe.Alive(pid) }

// Terminate sends sig to pid on a best-effort basis.
func Terminate(pid int, sig syscall.Signal) error { return defaultProbe.Signal(pid, sig) }

// TerminateWithTimeout sends SIGTERM, waits up to timeout for pid to go away,
// then escalates to SIGKILL and waits up to KillGrace more.
func TerminateWithTimeout(pid int, timeout time.Duration) error {
	return terminateWithTimeout(defaultProbe, pid, timeout)
}

func terminateWithTimeout(p Probe, pid int, timeout time.Duration) error {
	if !p.Alive(pid) {
		return nil
	}
	if err := p.Signal(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("sigterm %d: %w", pid, err)
	}
	if waitGone(p, pid, timeout) {
		return nil
	}
	if err := p.Signal(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill %d: %w", pid, err)
	}
	if waitGone(p, pid, KillGrace) {
		return nil
	}
	return fmt.Errorf("process %d still alive after SIGKILL", pid)
}

func waitGone(p Probe, pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !p.Alive(pid) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(PollInterval)
	}
}
