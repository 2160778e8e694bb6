package lifecycle

import (
	"context"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/semfold/internal/config"
	semerrors "github.com/standardbeagle/semfold/internal/errors"
	"github.com/standardbeagle/semfold/internal/logging"
	"github.com/standardbeagle/semfold/internal/models"
	"github.com/standardbeagle/semfold/pkg/pathutil"
)

// Validation is the outcome of checking a candidate folder against the
// filesystem and the currently managed set.
type Validation struct {
	Valid bool   `json:"valid"`
	Path  string `json:"path"` // normalized
	// Code is the taxonomy code of the first blocking error.
	Code     semerrors.ValidationCode `json:"code,omitempty"`
	Errors   []string                 `json:"errors,omitempty"`
	Warnings []string                 `json:"warnings,omitempty"`
	// Affected lists managed folders that would become redundant if the
	// candidate (an ancestor of them) were added.
	Affected []string `json:"affected,omitempty"`
}

func (v *Validation) addError(code semerrors.ValidationCode, err *semerrors.Error) {
	v.Valid = false
	if v.Code == "" {
		v.Code = code
	}
	v.Errors = append(v.Errors, err.Error())
}

// Manager owns the set of folder orchestrators. It validates additions,
// fans shutdown out in parallel, and is the single place folder identity
// (normalized path) is enforced.
type Manager struct {
	proc       config.Processing
	watcherCfg config.Watcher
	registry   *models.Registry
	sink       EventSink
	log        *zap.Logger

	mu      sync.RWMutex
	folders map[string]*Orchestrator // key: normalized path
}

// NewManager wires a manager against a shared model registry. The sink, if
// any, receives every folder's lifecycle events.
func NewManager(cfg *config.Config, registry *models.Registry, sink EventSink) *Manager {
	return &Manager{
		proc:       cfg.Processing,
		watcherCfg: cfg.Watcher,
		registry:   registry,
		sink:       sink,
		log:        logging.Named("manager"),
		folders:    make(map[string]*Orchestrator),
	}
}

// Validate checks a candidate path without mutating anything. Ancestor
// overlap is a warning; everything else in the taxonomy is an error.
func (m *Manager) Validate(path string) Validation {
	normalized, err := pathutil.Normalize(path)
	if err != nil {
		return Validation{Path: path, Code: semerrors.CodeNotExists, Errors: []string{err.Error()}}
	}
	v := Validation{Valid: true, Path: normalized}

	fi, err := os.Stat(normalized)
	switch {
	case os.IsNotExist(err):
		v.addError(semerrors.CodeNotExists,
			semerrors.Validation(semerrors.CodeNotExists, normalized, "folder does not exist"))
	case err != nil:
		v.addError(semerrors.CodeNotExists,
			semerrors.Validation(semerrors.CodeNotExists, normalized, "folder is not accessible: %v", err))
	case !fi.IsDir():
		v.addError(semerrors.CodeNotDirectory,
			semerrors.Validation(semerrors.CodeNotDirectory, normalized, "path is not a directory"))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for managed := range m.folders {
		switch {
		case managed == normalized:
			v.addError(semerrors.CodeDuplicate,
				semerrors.Validation(semerrors.CodeDuplicate, normalized, "folder is already managed"))
		case pathutil.IsSubPath(normalized, managed):
			v.addError(semerrors.CodeSubfolder,
				semerrors.Validation(semerrors.CodeSubfolder, normalized,
					"folder is inside managed folder %s", managed))
		case pathutil.IsSubPath(managed, normalized):
			v.Warnings = append(v.Warnings,
				semerrors.Validation(semerrors.CodeAncestor, normalized,
					"folder contains managed folder %s", managed).Error())
			v.Affected = append(v.Affected, managed)
		}
	}
	sort.Strings(v.Affected)
	return v
}

// StartFolder validates the folder and brings an orchestrator up for it.
// Starting an already-managed path is an error carrying the DUPLICATE code.
func (m *Manager) StartFolder(ctx context.Context, fc config.FolderConfig) error {
	v := m.Validate(fc.Path)
	if !v.Valid {
		return semerrors.Validation(v.Code, fc.Path, "%s", v.Errors[0])
	}
	for _, warning := range v.Warnings {
		m.log.Warn("folder overlap", zap.String("path", v.Path), zap.String("detail", warning))
	}
	fc.Path = v.Path

	orch, err := NewOrchestrator(fc, Options{
		Processing: m.proc,
		Watcher:    m.watcherCfg,
		Registry:   m.registry,
		Sink:       m.sink,
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.folders[v.Path]; exists {
		m.mu.Unlock()
		orch.Dispose()
		return semerrors.Validation(semerrors.CodeDuplicate, v.Path, "folder is already managed")
	}
	m.folders[v.Path] = orch
	m.mu.Unlock()

	if err := orch.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.folders, v.Path)
		m.mu.Unlock()
		orch.Dispose()
		return err
	}
	m.log.Info("folder started", zap.String("path", v.Path), zap.String("model", orch.modelID))
	return nil
}

// StopFolder disposes one folder's orchestrator. Unknown paths error.
func (m *Manager) StopFolder(path string) error {
	normalized, err := pathutil.Normalize(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	orch, ok := m.folders[normalized]
	if ok {
		delete(m.folders, normalized)
	}
	m.mu.Unlock()
	if !ok {
		return semerrors.Validation(semerrors.CodeNotExists, normalized, "folder is not managed")
	}

	orch.Dispose()
	m.log.Info("folder stopped", zap.String("path", normalized))
	return nil
}

// StopAll disposes every folder in parallel and empties the managed set.
func (m *Manager) StopAll() {
	m.mu.Lock()
	folders := m.folders
	m.folders = make(map[string]*Orchestrator)
	m.mu.Unlock()

	var g errgroup.Group
	for path, orch := range folders {
		g.Go(func() error {
			orch.Dispose()
			m.log.Debug("folder stopped", zap.String("path", path))
			return nil
		})
	}
	g.Wait()
}

// Folder returns the orchestrator managing the normalized path, if any.
func (m *Manager) Folder(path string) (*Orchestrator, bool) {
	normalized, err := pathutil.Normalize(path)
	if err != nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	orch, ok := m.folders[normalized]
	return orch, ok
}

// List snapshots every managed folder's status, ordered by path.
func (m *Manager) List() []FolderStatus {
	m.mu.RLock()
	statuses := make([]FolderStatus, 0, len(m.folders))
	for _, orch := range m.folders {
		statuses = append(statuses, orch.Status())
	}
	m.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Path < statuses[j].Path })
	return statuses
}
