package models

import (
	"os"
	"runtime"
)

// Device is the inference device class available on this host.
type Device string

const (
	DeviceCUDA Device = "cuda"
	DeviceMPS  Device = "mps"
	DeviceCPU  Device = "cpu"
)

// DetectDevice probes for the best available inference device: CUDA, then
// Apple Silicon, then CPU. SEMFOLD_DEVICE overrides the probe for testing
// and for hosts where detection is wrong.
func DetectDevice() Device {
	switch os.Getenv("SEMFOLD_DEVICE") {
	case "cuda":
		return DeviceCUDA
	case "mps":
		return DeviceMPS
	case "cpu":
		return DeviceCPU
	}

	if _, err := os.Stat("/proc/driver/nvidia/version"); err == nil {
		return DeviceCUDA
	}
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return DeviceMPS
	}
	return DeviceCPU
}
