// Package daemon provides the singleton process registry, the child
// process supervisor, and the top-level daemon lifecycle that ties the
// folder manager, model registry, and signal handling together.
package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/semfold/internal/config"
	semerrors "github.com/standardbeagle/semfold/internal/errors"
	"github.com/standardbeagle/semfold/internal/logging"
	"github.com/standardbeagle/semfold/internal/version"
)

const registryFileName = "daemon.pid"

// cmdlineSignature is the argv substring that identifies a daemon process
// during the liveness probe.
const cmdlineSignature = "semfold daemon"

// Record is the registry file's contents, written atomically on startup.
type Record struct {
	PID       int       `json:"pid"`
	HTTPPort  int       `json:"httpPort,omitempty"`
	WSPort    int       `json:"wsPort,omitempty"`
	StartTime time.Time `json:"startTime"`
	Version   string    `json:"version"`
}

// Registry enforces the one-daemon-per-user invariant through a pid file
// plus process inspection. The process table is authoritative: a registry
// file whose pid is dead or belongs to an unrelated process is stale and
// removed, while a live daemon whose file was deleted is still found by
// scanning for the cmdline signature.
type Registry struct {
	dir   string
	path  string
	log   *zap.Logger
	probe func(pid int) bool
	scan  func(exclude int) []int
}

// NewRegistry resolves the per-user state directory, creating it if needed.
func NewRegistry() (*Registry, error) {
	dir, err := config.UserDir(true)
	if err != nil {
		return nil, err
	}
	return NewRegistryAt(dir), nil
}

// NewRegistryAt uses an explicit state directory (used by tests).
func NewRegistryAt(dir string) *Registry {
	return &Registry{
		dir:   dir,
		path:  filepath.Join(dir, registryFileName),
		log:   logging.Named("daemon"),
		probe: processAlive,
		scan:  scanDaemonPids,
	}
}

// Path returns the registry file location.
func (r *Registry) Path() string { return r.path }

// Current reads the registry file. Returns nil without error when no
// daemon is registered.
func (r *Registry) Current() (*Record, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// an unreadable registry file is treated as stale
		r.log.Warn("corrupt registry file, removing", zap.String("file", r.path), zap.Error(err))
		os.Remove(r.path)
		return nil, nil
	}
	return &rec, nil
}

// Running returns the live daemon's record, or nil when none is running.
// Stale records are cleaned up as a side effect.
func (r *Registry) Running() (*Record, error) {
	rec, err := r.Current()
	if err != nil || rec == nil {
		return nil, err
	}
	if !r.probe(rec.PID) {
		r.log.Info("removing stale registry entry", zap.Int("pid", rec.PID))
		os.Remove(r.path)
		return nil, nil
	}
	return rec, nil
}

// Acquire registers the calling process as the daemon. A live registered
// daemon makes acquisition fail with its pid; a stale record is replaced.
// The write is atomic (temp file + rename) and re-read afterwards so the
// loser of a simultaneous start fails naming the winner.
func (r *Registry) Acquire(httpPort, wsPort int) (*Record, error) {
	if existing, err := r.Running(); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, semerrors.Supervisor("daemon.acquire",
			fmt.Errorf("daemon already running (pid %d, started %s)",
				existing.PID, existing.StartTime.Format(time.RFC3339)))
	}

	// The registry file can lag reality: a daemon whose file was deleted
	// is still alive. The process table wins over the file.
	if pids := r.scan(os.Getpid()); len(pids) > 0 {
		return nil, semerrors.Supervisor("daemon.acquire",
			fmt.Errorf("daemon already running (pid %d, unregistered)", pids[0]))
	}

	rec := Record{
		PID:       os.Getpid(),
		HTTPPort:  httpPort,
		WSPort:    wsPort,
		StartTime: time.Now(),
		Version:   version.Version,
	}
	if err := r.write(rec); err != nil {
		return nil, err
	}

	// Two processes may both have seen no live daemon and raced the
	// rename; whoever's write landed last owns the file.
	winner, err := r.Current()
	if err != nil {
		return nil, err
	}
	if winner == nil || winner.PID != rec.PID {
		pid := 0
		if winner != nil {
			pid = winner.PID
		}
		return nil, semerrors.Supervisor("daemon.acquire",
			fmt.Errorf("lost startup race to daemon pid %d", pid))
	}
	r.log.Info("daemon registered", zap.Int("pid", rec.PID), zap.String("file", r.path))
	return &rec, nil
}

// Release removes the registry entry if it belongs to the calling process.
func (r *Registry) Release() error {
	rec, err := r.Current()
	if err != nil || rec == nil {
		return err
	}
	if rec.PID != os.Getpid() {
		return nil
	}
	return os.Remove(r.path)
}

func (r *Registry) write(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(r.dir, registryFileName+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, r.path)
}

// processAlive reports whether pid hosts a daemon process. The zero-signal
// probe establishes existence; the cmdline check rules out pid reuse by an
// unrelated process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if !signalZero(pid) {
		return false
	}
	argv, err := processCmdline(pid)
	if err != nil {
		// existence is confirmed but the cmdline is unreadable (other
		// user, restricted /proc); assume it is ours rather than risk a
		// second daemon
		return true
	}
	return strings.Contains(argv, cmdlineSignature)
}
