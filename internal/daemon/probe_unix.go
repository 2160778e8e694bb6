//go:build !windows

package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// signalZero probes for process existence without delivering a signal.
// EPERM means the pid exists but belongs to another user.
func signalZero(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// terminateProcess requests a graceful exit.
func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// processCmdline reads the process's argv. Only meaningful where /proc is
// mounted; elsewhere the caller falls back to the existence probe alone.
func processCmdline(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", err
	}
	argv := strings.ReplaceAll(string(data), "\x00", " ")
	return strings.TrimSpace(argv), nil
}

// scanDaemonPids walks the process table for daemons by cmdline signature,
// excluding the given pid. Processes whose cmdline cannot be read (other
// users, restricted /proc) are skipped.
func scanDaemonPids(exclude int) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == exclude {
			continue
		}
		argv, err := processCmdline(pid)
		if err != nil {
			continue
		}
		if strings.Contains(argv, cmdlineSignature) {
			pids = append(pids, pid)
		}
	}
	return pids
}
