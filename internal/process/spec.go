package process

import (
	"log/slog"
	"os/exec"
	"strings"
)

// Spec describes one backend process to spawn.
type Spec struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`  // executable, or a full command line when Args is empty
	Args    []string `json:"args"`     // explicit argv; disables command-line splitting
	WorkDir string   `json:"work_dir"` // optional working dir
	Env     []string `json:"env"`      // "K=V" overrides applied on top of the inherited environment
	LogFile string   `json:"log_file"` // optional append-only sink for combined stdout/stderr
	PIDFile string   `json:"pid_file"` // optional; written after a successful spawn
	Port    int      `json:"port"`     // recorded in the pid file metadata
	// Detached starts the child in its own session and writes its output
	// straight to LogFile, so it outlives the spawning process.
	Detached bool         `json:"detached"`
	Logger   *slog.Logger `json:"-"`
}

// BuildCommand constructs an *exec.Cmd for the spec. With explicit Args the
// command is executed directly. Otherwise Command is treated as a command line:
// it is split on whitespace, or handed to the platform shell when it contains
// shell metacharacters or is already an explicit "sh -c" invocation.
func (s *Spec) BuildCommand() *exec.Cmd {
	if len(s.Args) > 0 {
		// #nosec G204
		return exec.Command(s.Command, s.Args...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return getTrueCommand()
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script after -c, with one pair of enclosing quotes stripped.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
