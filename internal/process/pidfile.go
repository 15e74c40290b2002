package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// PIDMeta is the optional JSON line stored after the pid.
type PIDMeta struct {
	Port      int    `json:"port,omitempty"`
	StartUnix int64  `json:"start_unix,omitempty"`
	Command   string `json:"command,omitempty"`
}

// WritePIDFile writes "<pid>\n<meta json>\n" to path, creating parent dirs.
// The file is written to a unique temp name and renamed into place, so
// concurrent writers never share a half-written file.
func WritePIDFile(path string, pid int, meta PIDMeta) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	if meta.StartUnix == 0 {
		meta.StartUnix = procStartUnix(pid)
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	data := strconv.Itoa(pid) + "\n" + string(b) + "\n"
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	tmp := f.Name()
	_, err = f.WriteString(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPIDFile reads a pid file. Files holding only a pid are accepted and
// yield a zero PIDMeta.
func ReadPIDFile(path string) (int, PIDMeta, error) {
	var meta PIDMeta
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, meta, err
	}
	pidLine, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, meta, fmt.Errorf("parse pid: %w", err)
	}
	if rest = strings.TrimSpace(rest); rest != "" {
		// Metadata is advisory; a damaged line still yields the pid.
		_ = json.Unmarshal([]byte(rest), &meta)
	}
	return pid, meta, nil
}

// RemovePIDFile removes path; a missing file is not an error.
func RemovePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// LivePIDFromFile returns the pid recorded in path when that process is still
// alive. Stale files (unreadable, dead pid, or pid reused by a process started
// later than recorded) are removed and reported as absent.
func LivePIDFromFile(path string) (int, PIDMeta, bool) {
	if path == "" {
		return 0, PIDMeta{}, false
	}
	pid, meta, err := ReadPIDFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			_ = RemovePIDFile(path)
		}
		return 0, PIDMeta{}, false
	}
	if !IsAlive(pid) || reused(pid, meta) {
		_, _ = RemovePIDFileFor(path, pid)
		return 0, PIDMeta{}, false
	}
	return pid, meta, true
}

// reused reports whether pid now belongs to a different process than the one
// recorded, judged by start time. Unknown start times are given the benefit
// of the doubt.
func reused(pid int, meta PIDMeta) bool {
	if meta.StartUnix == 0 {
		return false
	}
	now := procStartUnix(pid)
	if now == 0 {
		return false
	}
	d := time.Duration(now-meta.StartUnix) * time.Second
	return d > 2*time.Second || d < -2*time.Second
}
