//go:build !windows

package main

import "syscall"

// signalReload sends SIGHUP to the daemon, triggering a config reload.
func signalReload(pid int) error {
	return syscall.Kill(pid, syscall.SIGHUP)
}
