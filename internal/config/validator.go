package config

import (
	"fmt"
	"runtime"
	"time"

	semerrors "github.com/standardbeagle/semfold/internal/errors"
)

// Range limits for numeric configuration keys. Out-of-range values are fatal.
const (
	MinChunkSize = 200
	MaxChunkSize = 1000

	MinBatchSize = 1
	MaxBatchSize = 128

	MinWorkers = 1
	MaxWorkers = 16

	MinRegistryCapacity = 1
	MaxRegistryCapacity = 8

	MinDebounce = 50 * time.Millisecond
	MaxDebounce = 10 * time.Second
)

// Validator validates configuration and sets smart defaults.
type Validator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAndSetDefaults validates configuration and applies smart defaults.
// Returns an error if validation fails.
func (v *Validator) ValidateAndSetDefaults(cfg *Config) error {
	if err := v.validateProcessing(&cfg.Processing); err != nil {
		return semerrors.Config("processing", err)
	}
	if err := v.validateModelRegistry(&cfg.ModelRegistry); err != nil {
		return semerrors.Config("modelRegistry", err)
	}
	if err := v.validateWatcher(&cfg.Watcher); err != nil {
		return semerrors.Config("watcher", err)
	}
	if err := v.validateAutoRestart(&cfg.AutoRestart); err != nil {
		return semerrors.Config("autoRestart", err)
	}
	for i := range cfg.Folders {
		if err := v.validateFolder(&cfg.Folders[i]); err != nil {
			return semerrors.Config(fmt.Sprintf("folders[%d]", i), err)
		}
	}

	v.setSmartDefaults(cfg)
	return nil
}

func (v *Validator) validateProcessing(p *Processing) error {
	if p.ChunkSize < MinChunkSize || p.ChunkSize > MaxChunkSize {
		return fmt.Errorf("invalid chunk size %d (must be %d-%d)", p.ChunkSize, MinChunkSize, MaxChunkSize)
	}
	if p.BatchSize < MinBatchSize || p.BatchSize > MaxBatchSize {
		return fmt.Errorf("invalid batch size %d (must be %d-%d)", p.BatchSize, MinBatchSize, MaxBatchSize)
	}
	if p.MaxConcurrentOperations < MinWorkers || p.MaxConcurrentOperations > MaxWorkers {
		return fmt.Errorf("invalid worker count %d (must be %d-%d)", p.MaxConcurrentOperations, MinWorkers, MaxWorkers)
	}
	if p.Overlap < 0 || p.Overlap >= p.ChunkSize {
		return fmt.Errorf("invalid overlap %d (must be 0-%d)", p.Overlap, p.ChunkSize-1)
	}
	return nil
}

func (v *Validator) validateModelRegistry(m *ModelRegistry) error {
	if m.Capacity < MinRegistryCapacity || m.Capacity > MaxRegistryCapacity {
		return fmt.Errorf("invalid model cache capacity %d (must be %d-%d)", m.Capacity, MinRegistryCapacity, MaxRegistryCapacity)
	}
	return nil
}

func (v *Validator) validateWatcher(w *Watcher) error {
	if w.DebounceDelay < MinDebounce || w.DebounceDelay > MaxDebounce {
		return fmt.Errorf("invalid debounce delay %s (must be %s-%s)", w.DebounceDelay, MinDebounce, MaxDebounce)
	}
	if w.UsePolling && w.Interval <= 0 {
		return fmt.Errorf("polling enabled but interval is %s", w.Interval)
	}
	return nil
}

func (v *Validator) validateAutoRestart(a *AutoRestart) error {
	if a.MaxRetries < 0 {
		return fmt.Errorf("maxRetries cannot be negative, got %d", a.MaxRetries)
	}
	if a.Enabled && a.Delay <= 0 {
		return fmt.Errorf("autoRestart enabled but delay is %s", a.Delay)
	}
	if a.MaxDelay > 0 && a.MaxDelay < a.Delay {
		return fmt.Errorf("maxDelay %s is below delay %s", a.MaxDelay, a.Delay)
	}
	return nil
}

func (v *Validator) validateFolder(f *FolderConfig) error {
	if f.Path == "" {
		return fmt.Errorf("folder path cannot be empty")
	}
	if f.Model == "" {
		return fmt.Errorf("folder %s has no model configured", f.Path)
	}
	return nil
}

// setSmartDefaults fills derived values validation cannot reject.
func (v *Validator) setSmartDefaults(cfg *Config) {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.AutoRestart.MaxDelay <= 0 {
		cfg.AutoRestart.MaxDelay = 30 * time.Second
	}
	// Cap workers to the host rather than failing on small machines.
	if n := runtime.NumCPU(); cfg.Processing.MaxConcurrentOperations > n && n >= MinWorkers {
		cfg.Processing.MaxConcurrentOperations = n
	}
	for i := range cfg.Folders {
		cfg.Folders[i] = ApplyFolderDefaults(cfg.Folders[i])
	}
}
