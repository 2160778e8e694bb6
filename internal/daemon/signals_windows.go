//go:build windows

package daemon

import "os"

func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// Windows has no reload signal; configuration changes require a restart.
func reloadSignals() []os.Signal {
	return nil
}
