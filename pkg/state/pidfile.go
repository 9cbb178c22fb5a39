package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFilePath is where the running agent records its pid so a second
// instance can refuse to start.
func PIDFilePath() string { return filepath.Join(MustConfigDir(), "agent.pid") }

// AcquirePIDFile enforces one agent process per host: if path holds the
// pid of a live process, it returns an error naming that pid; otherwise
// it claims the file with the current pid. A stale file left by a dead
// or crashed process is taken over silently.
func AcquirePIDFile(path string) (release func(), err error) {
	if data, readErr := os.ReadFile(path); readErr == nil {
		if pid, convErr := strconv.Atoi(strings.TrimSpace(string(data))); convErr == nil && pid > 0 && pid != os.Getpid() {
			if processAlive(pid) {
				return nil, fmt.Errorf("another agent instance is already running (pid %d, %s)", pid, path)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return nil, err
	}
	return func() { os.Remove(path) }, nil
}

// processAlive probes pid with signal 0; EPERM still means the process
// exists, it just belongs to someone else.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
