package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Watch mode holds an exclusive flock on its PID file so a second
// `heysync watch` refuses to start, and `watch --reload` can find the
// running process to nudge.
const (
	pidFileMode = 0o644
	pidDirMode  = 0o755
)

// lockPIDFile records the current PID at path under a non-blocking
// exclusive flock. The returned release function unlinks the file and
// drops the lock.
func lockPIDFile(path string) (release func(), err error) {
	if path == "" {
		return nil, errors.New("pid file path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), pidDirMode); err != nil {
		return nil, fmt.Errorf("creating pid file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFileMode)
	if err != nil {
		return nil, fmt.Errorf("opening pid file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("another heysync watch is already running (pid file %s is locked)", path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, fmt.Errorf("truncating pid file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()

		return nil, fmt.Errorf("writing pid file: %w", err)
	}

	// Flush so `watch --reload` in another process sees the PID right away.
	if err := f.Sync(); err != nil {
		f.Close()

		return nil, fmt.Errorf("syncing pid file: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// watchedPID returns the PID recorded in the watch daemon's PID file.
func watchedPID(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("pid file %s is garbled: %w", path, err)
	}

	return pid, nil
}

// signalReload asks the running watch daemon to reload its config by
// sending it SIGHUP. A PID file pointing at a dead process is removed.
func signalReload(path string) error {
	pid, err := watchedPID(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no watch daemon running (no pid file at %s)", path)
		}

		return err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	// Signal 0 probes liveness without delivering anything.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(path)

		return fmt.Errorf("watch daemon (pid %d) is gone, removed stale pid file", pid)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("signaling watch daemon (pid %d): %w", pid, err)
	}

	return nil
}
