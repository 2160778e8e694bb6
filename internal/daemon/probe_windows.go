//go:build windows

package daemon

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

// signalZero probes for process existence by opening a query-only handle.
func signalZero(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == windows.STILL_ACTIVE
}

// terminateProcess has no graceful signal on Windows; kill outright.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}

// processCmdline is not available on Windows; callers fall back to the
// existence probe alone.
func processCmdline(int) (string, error) {
	return "", errors.New("cmdline inspection not supported on windows")
}

// scanDaemonPids needs cmdline inspection; without it the registry file is
// the only source of truth.
func scanDaemonPids(int) []int {
	return nil
}
