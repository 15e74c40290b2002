//go:build windows

package process

import (
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

type osProbe struct{}

func (osProbe) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil {
		return true
	}
	return ok
}

// Signal maps SIGKILL to TerminateProcess and everything else to a
// best-effort terminate, since Windows has no POSIX signals.
func (osProbe) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	if sig == syscall.SIGKILL {
		err = p.Kill()
	} else {
		err = p.Terminate()
	}
	if err != nil {
		if ok, _ := gopsproc.PidExists(int32(pid)); !ok {
			return nil
		}
	}
	return err
}
