//go:build windows

package main

import "errors"

// signalReload is unsupported on Windows; there is no SIGHUP equivalent for
// an unrelated process. Config changes apply on the next daemon start.
func signalReload(pid int) error {
	return errors.New("config reload signaling is not supported on windows")
}
