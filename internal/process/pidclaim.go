package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// claimPoll is how often a waiting ClaimPIDFile retries.
const claimPoll = 25 * time.Millisecond

// A lock file that never got its pid written is abandoned after this long.
const claimOrphanAge = 5 * time.Second

// PIDClaim is exclusive ownership of a pid file, held through a sibling
// "<path>.lock" created with O_EXCL. Whoever holds the claim may check the
// pid file and replace it; nobody else writes a new pid meanwhile.
type PIDClaim struct {
	lock string
}

// ClaimPIDFile waits until it owns the claim on path or ctx ends. A lock
// left by a dead process is broken.
func ClaimPIDFile(ctx context.Context, path string) (*PIDClaim, error) {
	if path == "" {
		return &PIDClaim{}, nil
	}
	lock := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lock), 0o750); err != nil {
		return nil, fmt.Errorf("create pid directory: %w", err)
	}
	t := time.NewTicker(claimPoll)
	defer t.Stop()
	for {
		f, err := os.OpenFile(lock, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			cerr := f.Close()
			if werr = errors.Join(werr, cerr); werr != nil {
				_ = os.Remove(lock)
				return nil, fmt.Errorf("claim pid file: %w", werr)
			}
			return &PIDClaim{lock: lock}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("claim pid file: %w", err)
		}
		if abandonedLock(lock) {
			_ = os.Remove(lock)
			continue
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("claim pid file %s: %w", path, ctx.Err())
		case <-t.C:
		}
	}
}

// Release gives the claim up. Calling it more than once is harmless.
func (c *PIDClaim) Release() {
	if c == nil || c.lock == "" {
		return
	}
	_ = os.Remove(c.lock)
	c.lock = ""
}

// abandonedLock reports whether the holder of lock is gone.
func abandonedLock(lock string) bool {
	b, err := os.ReadFile(lock)
	if err != nil {
		// removed in the meantime; the next O_EXCL attempt decides
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		// the holder may still be writing its pid
		fi, statErr := os.Stat(lock)
		return statErr == nil && time.Since(fi.ModTime()) > claimOrphanAge
	}
	return !IsAlive(pid)
}

// RemovePIDFileFor removes path only while it still records pid, so a
// process cleaning up after itself never drops a newer owner's record.
// It reports whether the file was removed.
func RemovePIDFileFor(path string, pid int) (bool, error) {
	if path == "" {
		return false, nil
	}
	got, _, err := ReadPIDFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if got != pid {
		return false, nil
	}
	return true, RemovePIDFile(path)
}
