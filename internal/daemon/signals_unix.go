//go:build !windows

package daemon

import (
	"os"
	"syscall"
)

func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGTERM, syscall.SIGINT}
}

func reloadSignals() []os.Signal {
	return []os.Signal{syscall.SIGHUP}
}
