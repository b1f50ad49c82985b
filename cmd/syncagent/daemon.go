package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// runState is the liveness of a `syncagent start` process.
type runState string

const (
	// stateRunning means the PID file exists and the process is alive.
	stateRunning runState = "running"
	// stateStopped means no PID file exists.
	stateStopped runState = "stopped"
	// stateStale means the PID file exists but the process is dead.
	stateStale runState = "stale"
)

// writePIDFile writes pid to path, creating parent directories as needed.
func writePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create PID dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	return nil
}

// readPIDFile reads and parses the PID stored at path.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // PID file path is controlled by the application
	if err != nil {
		return 0, fmt.Errorf("read PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID from %s: %w", path, err)
	}
	return pid, nil
}

// removePIDFile is idempotent: a missing file is not an error.
func removePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file %s: %w", path, err)
	}
	return nil
}

// isProcessAlive sends signal 0 to check for existence without signaling.
func isProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// agentRunState checks the PID file and process liveness. It returns the
// state, the PID (0 if stopped), and any unexpected error.
func agentRunState(pidPath string) (runState, int, error) {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return stateStopped, 0, nil
		}
		return stateStopped, 0, fmt.Errorf("agent run state: %w", err)
	}
	if isProcessAlive(pid) {
		return stateRunning, pid, nil
	}
	return stateStale, pid, nil
}

// signalStop sends SIGTERM to the process recorded in pidPath.
func signalStop(pidPath string) error {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("stop agent: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM to PID %d: %w", pid, err)
	}
	return nil
}

// withSignals returns a context cancelled on SIGTERM or SIGINT, and a
// cleanup that releases the handler and removes the PID file.
func withSignals(parent context.Context, pidPath string) (context.Context, func()) {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	return ctx, func() {
		stop()
		_ = removePIDFile(pidPath)
	}
}
