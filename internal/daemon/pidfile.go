package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"firestige.xyz/flowcap/internal/core"
)

// ErrAlreadyRunning is returned by WritePIDFile when another live process
// holds the PID file.
var ErrAlreadyRunning = errors.New("daemon already running")

// WritePIDFile records the current process ID. A PID file naming another
// live process is an error.
func WritePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if pid, err := ReadPIDFile(path); err == nil && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("%w: pid %d (%s)", ErrAlreadyRunning, pid, path)
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", path, err)
	}
	return nil
}

// RemovePIDFile removes the PID file if present.
func RemovePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile returns the process ID recorded at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", path)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// SignalStop sends SIGTERM to the daemon named by the PID file and waits up
// to timeout for it to exit. It is the fallback when the control socket is
// unreachable.
func SignalStop(pidFile string, timeout time.Duration) error {
	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrDaemonNotRunning, err)
	}
	if !processAlive(pid) {
		RemovePIDFile(pidFile)
		return fmt.Errorf("%w: stale pid %d", core.ErrDaemonNotRunning, pid)
	}
	if err := unix.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon pid %d did not exit within %s", pid, timeout)
}
