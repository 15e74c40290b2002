package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/loykin/tether/internal/process"
)

// daemonize re-executes the current command line in the background without
// --daemonize and returns once the child has started. The child writes its
// own pid file; the parent writes it too so callers can rely on it at once.
func daemonize(out io.Writer, pidFile, logFile string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	args := daemonArgs(os.Args[1:])
	// #nosec G204
	cmd := exec.Command(executable, args...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil

	if logFile != "" {
		logF, err := process.OpenLogSink(logFile)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	if pidFile != "" {
		if err := process.WritePIDFile(pidFile, cmd.Process.Pid, process.PIDMeta{Command: executable}); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
	}
	_, _ = fmt.Fprintf(out, "Daemon started with PID %d\n", cmd.Process.Pid)
	return cmd.Process.Release()
}

// daemonArgs drops --daemonize (in either boolean form) from args.
func daemonArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--daemonize" || a == "--daemonize=true" {
			continue
		}
		out = append(out, a)
	}
	return out
}
