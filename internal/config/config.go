// Package config defines the daemon configuration schema, strict YAML
// loading, validation, and the debounced configuration watcher.
//
// Precedence, highest first: runtime overrides > user config file > defaults.
// Unknown keys are rejected with the offending key name rather than silently
// retained.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	semerrors "github.com/standardbeagle/semfold/internal/errors"
)

// DaemonDirName is the name of the per-folder metadata directory and the
// per-user state directory (under $HOME).
const DaemonDirName = ".semfold"

// Config is the full daemon configuration.
type Config struct {
	Folders []FolderConfig `yaml:"folders"`

	Processing    Processing    `yaml:"processing"`
	ModelRegistry ModelRegistry `yaml:"modelRegistry"`
	AutoRestart   AutoRestart   `yaml:"autoRestart"`
	ModelBackend  ModelBackend  `yaml:"modelBackend"`
	Watcher       Watcher       `yaml:"watcher"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	ShutdownSignal  string        `yaml:"shutdownSignal"`
	ReloadSignal    string        `yaml:"reloadSignal"`

	Debug bool `yaml:"debug"`
}

// FolderConfig describes one managed folder.
type FolderConfig struct {
	Path       string   `yaml:"path"`
	Model      string   `yaml:"model"`
	Name       string   `yaml:"name"`
	Ignore     []string `yaml:"ignore"`
	Extensions []string `yaml:"extensions"`
}

// Processing controls the indexing pipeline.
type Processing struct {
	BatchSize               int `yaml:"batchSize"`
	MaxConcurrentOperations int `yaml:"maxConcurrentOperations"`
	ChunkSize               int `yaml:"chunkSize"`
	Overlap                 int `yaml:"overlap"`
}

// ModelRegistry controls the embedding model cache.
type ModelRegistry struct {
	Capacity int `yaml:"capacity"`
}

// AutoRestart controls the process supervisor's restart policy.
type AutoRestart struct {
	Enabled            bool          `yaml:"enabled"`
	MaxRetries         int           `yaml:"maxRetries"`
	Delay              time.Duration `yaml:"delay"`
	MaxDelay           time.Duration `yaml:"maxDelay"`
	ExponentialBackoff bool          `yaml:"exponentialBackoff"`
}

// ModelBackend names the external embedding-backend command the daemon
// supervises. An empty Command disables supervision (the backend is assumed
// to be managed externally).
type ModelBackend struct {
	Command []string `yaml:"command"`
}

// Watcher controls filesystem change detection.
type Watcher struct {
	DebounceDelay time.Duration `yaml:"debounceDelay"`
	UsePolling    bool          `yaml:"usePolling"`
	Interval      time.Duration `yaml:"interval"`
}

// DefaultExtensions are the file extensions indexed when a folder does not
// override them.
var DefaultExtensions = []string{
	".txt", ".md", ".markdown", ".rst",
	".pdf", ".doc", ".docx", ".xls", ".xlsx", ".csv", ".ppt", ".pptx",
}

// DefaultIgnores are always excluded regardless of folder configuration.
var DefaultIgnores = []string{
	"node_modules/**",
	".git/**",
	DaemonDirName + "/**",
}

// ApplyFolderDefaults fills a folder's filter settings: DefaultExtensions
// when none are configured, and DefaultIgnores merged into the ignore list.
// Idempotent; applying twice changes nothing.
func ApplyFolderDefaults(fc FolderConfig) FolderConfig {
	if len(fc.Extensions) == 0 {
		fc.Extensions = append([]string(nil), DefaultExtensions...)
	}
	have := make(map[string]struct{}, len(fc.Ignore))
	for _, p := range fc.Ignore {
		have[p] = struct{}{}
	}
	for _, p := range DefaultIgnores {
		if _, ok := have[p]; !ok {
			fc.Ignore = append(fc.Ignore, p)
		}
	}
	return fc
}

// Default returns the configuration used when no user config exists.
func Default() *Config {
	return &Config{
		Processing: Processing{
			BatchSize:               32,
			MaxConcurrentOperations: 3,
			ChunkSize:               400,
			Overlap:                 50,
		},
		ModelRegistry: ModelRegistry{Capacity: 3},
		AutoRestart: AutoRestart{
			Enabled:            true,
			MaxRetries:         5,
			Delay:              1 * time.Second,
			MaxDelay:           30 * time.Second,
			ExponentialBackoff: true,
		},
		Watcher: Watcher{
			DebounceDelay: 500 * time.Millisecond,
			UsePolling:    false,
			Interval:      2 * time.Second,
		},
		ShutdownTimeout: 10 * time.Second,
		ShutdownSignal:  "SIGTERM",
		ReloadSignal:    "SIGHUP",
	}
}

// UserDir returns the per-user state directory (~/.semfold), creating it when
// create is set.
func UserDir(create bool) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("unable to resolve home directory: %w", err)
	}
	dir := filepath.Join(home, DaemonDirName)
	if create {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("unable to create state directory: %w", err)
		}
	}
	return dir, nil
}

// DefaultConfigPath returns the user config file location.
func DefaultConfigPath() (string, error) {
	dir, err := UserDir(false)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads configuration with full precedence: defaults, then the config
// file at path (if it exists), then the supplied overrides. The result is
// validated before return.
func Load(path string, overrides ...Override) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults apply.
		case err != nil:
			return nil, semerrors.Config(path, err)
		default:
			if err := strictUnmarshal(data, cfg); err != nil {
				return nil, semerrors.Config(path, err)
			}
		}
	}

	for _, o := range overrides {
		o(cfg)
	}

	if err := NewValidator().ValidateAndSetDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML, creating parent directories
// as needed. The file is written atomically via a temp file and rename.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return semerrors.Config(path, err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return semerrors.Config(path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return semerrors.Config(path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return semerrors.Config(path, err)
	}
	return nil
}

// Override mutates the configuration after file merge; used for CLI flags.
type Override func(*Config)

// WithDebug forces debug logging on.
func WithDebug() Override {
	return func(c *Config) { c.Debug = true }
}

// WithWorkers overrides processing.maxConcurrentOperations.
func WithWorkers(n int) Override {
	return func(c *Config) { c.Processing.MaxConcurrentOperations = n }
}

// strictUnmarshal decodes YAML rejecting unknown keys so typos surface
// immediately with the offending key name.
func strictUnmarshal(data []byte, out *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
