package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/tether/internal/env"
)

// ExitInfo describes how a spawned process ended.
type ExitInfo struct {
	PID    int
	Code   int    // -1 when killed by a signal
	Signal string // empty unless killed by a signal
	Err    error  // error from Wait, nil on a clean zero exit
	At     time.Time
}

func (e ExitInfo) String() string {
	if e.Signal != "" {
		return "signal: " + e.Signal
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Handle owns one spawned child process. A single goroutine waits on the
// child; its exit is published exactly once.
type Handle struct {
	spec      Spec
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	log       *slog.Logger

	exited  chan ExitInfo // buffered(1): one value, then closed
	done    chan struct{}
	capture chan struct{} // closed when output capture has finished

	mu   sync.Mutex
	exit *ExitInfo
}

// Spawn starts the process described by spec. The inherited environment is
// merged with spec.Env. When spec.LogFile is set the combined output is
// appended to it; the sink is closed on every path, including spawn failure.
func Spawn(spec Spec) (*Handle, error) {
	log := spec.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("process", spec.Name)

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	e := env.New()
	cmd.Env = e.Merge(spec.Env)
	configureSysProcAttr(cmd, spec)

	sink, err := OpenLogSink(spec.LogFile)
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}

	var pr, pw *os.File
	switch {
	case sink == nil:
		// exec connects nil stdio to the null device
	case spec.Detached:
		cmd.Stdout, cmd.Stderr = sink, sink
	default:
		pr, pw, err = os.Pipe()
		if err != nil {
			_ = sink.Close()
			return nil, &SpawnError{Command: spec.Command, Err: fmt.Errorf("output pipe: %w", err)}
		}
		cmd.Stdout, cmd.Stderr = pw, pw
	}

	if err := cmd.Start(); err != nil {
		if pr != nil {
			_ = pr.Close()
			_ = pw.Close()
		}
		if sink != nil {
			_ = sink.Close()
		}
		return nil, newSpawnError(spec.Command, err)
	}

	h := &Handle{
		spec:      spec,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		log:       log,
		exited:    make(chan ExitInfo, 1),
		done:      make(chan struct{}),
		capture:   make(chan struct{}),
	}

	switch {
	case pr != nil:
		// The child holds its own copy of the write end.
		_ = pw.Close()
		go h.captureOutput(pr, sink)
	case sink != nil:
		// Detached: the child writes the file directly.
		_ = sink.Close()
		close(h.capture)
	default:
		close(h.capture)
	}

	if spec.PIDFile != "" {
		if err := WritePIDFile(spec.PIDFile, h.pid, PIDMeta{Port: spec.Port, Command: spec.Command}); err != nil {
			log.Warn("pid file write failed", "path", spec.PIDFile, "error", err)
		}
	}

	go h.wait()
	log.Debug("spawned", "pid", h.pid, "cmd", cmd.String())
	return h, nil
}

// OpenLogSink opens path for appending, creating parent directories.
// An empty path yields a nil sink.
func OpenLogSink(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	// #nosec G304
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log sink: %w", err)
	}
	return f, nil
}

// captureOutput copies child output line by line into sink. A sink failure
// closes the sink and keeps draining the pipe so the child never blocks or
// sees a broken pipe.
func (h *Handle) captureOutput(r io.ReadCloser, sink io.WriteCloser) {
	defer close(h.capture)
	defer func() { _ = r.Close() }()

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && sink != nil {
			if line[len(line)-1] != '\n' {
				line = append(line, '\n')
			}
			if _, werr := sink.Write(line); werr != nil {
				h.log.Error("log sink write failed; discarding further output", "error", werr)
				_ = sink.Close()
				sink = nil
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				h.log.Warn("output capture ended", "error", err)
			}
			break
		}
	}
	if sink != nil {
		_ = sink.Close()
	}
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	info := ExitInfo{PID: h.pid, Code: -1, Err: err, At: time.Now()}
	if ps := h.cmd.ProcessState; ps != nil {
		info.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			info.Signal = ws.Signal().String()
		}
	}
	h.mu.Lock()
	h.exit = &info
	h.mu.Unlock()

	h.exited <- info
	close(h.exited)
	close(h.done)
	h.log.Debug("exited", "pid", h.pid, "exit", info.String())
}

// PID returns the child's process id.
func (h *Handle) PID() int { return h.pid }

// StartedAt returns when the child was started.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Spec returns the spec the handle was spawned from.
func (h *Handle) Spec() Spec { return h.spec }

// Exited delivers the exit notification exactly once and is then closed.
// Only one receiver observes the value; use Done and Exit for broadcast.
func (h *Handle) Exited() <-chan ExitInfo { return h.exited }

// Done is closed after the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// CaptureDone is closed once all child output has been written to the sink.
func (h *Handle) CaptureDone() <-chan struct{} { return h.capture }

// Exit returns the exit info once the child has exited.
func (h *Handle) Exit() (ExitInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exit == nil {
		return ExitInfo{}, false
	}
	return *h.exit, true
}

// Alive reports whether the child is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return IsAlive(h.pid)
	}
}

// Stop terminates the child with SIGTERM, escalating to SIGKILL after
// timeout, and waits until it has been reaped.
func (h *Handle) Stop(timeout time.Duration) error {
	if err := TerminateWithTimeout(h.pid, timeout); err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(KillGrace):
		return fmt.Errorf("process %d not reaped after termination", h.pid)
	}
}
