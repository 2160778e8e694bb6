// Package control is the daemon's control plane: folder membership,
// status snapshots, and search, shaped for the MCP and CLI surfaces.
package control

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/standardbeagle/semfold/internal/config"
	semerrors "github.com/standardbeagle/semfold/internal/errors"
	"github.com/standardbeagle/semfold/internal/lifecycle"
	"github.com/standardbeagle/semfold/internal/logging"
	"github.com/standardbeagle/semfold/internal/models"
	"github.com/standardbeagle/semfold/internal/store"
)

// FolderInfo combines a folder's lifecycle snapshot with its index size.
type FolderInfo struct {
	lifecycle.FolderStatus
	Documents  int   `json:"documents"`
	Chunks     int   `json:"chunks"`
	Embeddings int   `json:"embeddings"`
	IndexBytes int64 `json:"indexBytes"`
}

// DaemonStatus is the full status snapshot.
type DaemonStatus struct {
	Version string               `json:"version"`
	Folders []FolderInfo         `json:"folders"`
	Models  models.RegistryStats `json:"models"`
}

// SearchRequest is one semantic query. Folder empty means all folders.
type SearchRequest struct {
	Query           string `json:"query"`
	Folder          string `json:"folder,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	PathPrefix      string `json:"pathPrefix,omitempty"`
	SummaryContains string `json:"summaryContains,omitempty"`
}

// SearchHit is a store hit tagged with its owning folder.
type SearchHit struct {
	Folder string `json:"folder"`
	store.Hit
}

// Facade exposes the control operations. All of them reject with a
// supervisor error once shutdown has begun.
type Facade struct {
	manager      *lifecycle.Manager
	registry     *models.Registry
	version      string
	shuttingDown func() bool
	log          *zap.Logger
}

// New builds a facade. shuttingDown may be nil when the surface has no
// shutdown coordination (tests, one-shot CLI commands).
func New(manager *lifecycle.Manager, registry *models.Registry, version string, shuttingDown func() bool) *Facade {
	return &Facade{
		manager:      manager,
		registry:     registry,
		version:      version,
		shuttingDown: shuttingDown,
		log:          logging.Named("control"),
	}
}

func (f *Facade) guard() error {
	if f.shuttingDown != nil && f.shuttingDown() {
		return semerrors.Supervisor("control", errors.New("daemon is shutting down"))
	}
	return nil
}

// ValidateFolder reports whether path could be added, with taxonomy-coded
// errors and ancestor warnings. Always available, even during shutdown.
func (f *Facade) ValidateFolder(path string) lifecycle.Validation {
	return f.manager.Validate(path)
}

// AddFolder validates and starts managing a folder. Model empty selects
// the default model; "auto" resolves against the detected device.
func (f *Facade) AddFolder(ctx context.Context, path, model, name string) (FolderInfo, error) {
	if err := f.guard(); err != nil {
		return FolderInfo{}, err
	}
	fc := config.FolderConfig{Path: path, Model: model, Name: name}
	if err := f.manager.StartFolder(ctx, fc); err != nil {
		return FolderInfo{}, err
	}
	orch, ok := f.manager.Folder(path)
	if !ok {
		return FolderInfo{}, semerrors.Internal("control.add", "folder vanished after start: %s", path)
	}
	return f.folderInfo(ctx, orch), nil
}

// RemoveFolder stops managing a folder. The on-disk index directory is
// left in place so re-adding is cheap.
func (f *Facade) RemoveFolder(path string) error {
	if err := f.guard(); err != nil {
		return err
	}
	return f.manager.StopFolder(path)
}

// ListFolders returns every managed folder with its index counters,
// ordered by path.
func (f *Facade) ListFolders(ctx context.Context) ([]FolderInfo, error) {
	if err := f.guard(); err != nil {
		return nil, err
	}
	statuses := f.manager.List()
	infos := make([]FolderInfo, 0, len(statuses))
	for _, st := range statuses {
		orch, ok := f.manager.Folder(st.Path)
		if !ok {
			continue
		}
		infos = append(infos, f.folderInfo(ctx, orch))
	}
	return infos, nil
}

// Status returns the daemon-wide snapshot.
func (f *Facade) Status(ctx context.Context) (DaemonStatus, error) {
	if err := f.guard(); err != nil {
		return DaemonStatus{}, err
	}
	folders, err := f.ListFolders(ctx)
	if err != nil {
		return DaemonStatus{}, err
	}
	return DaemonStatus{
		Version: f.version,
		Folders: folders,
		Models:  f.registry.Stats(),
	}, nil
}

// Rescan forces a folder back through a scan cycle; with force set every
// file is re-embedded.
func (f *Facade) Rescan(path string, force bool) error {
	if err := f.guard(); err != nil {
		return err
	}
	orch, ok := f.manager.Folder(path)
	if !ok {
		return semerrors.Validation(semerrors.CodeNotExists, path, "folder is not managed")
	}
	orch.Rescan(force)
	return nil
}

// Search embeds the query text at immediate priority and ranks chunks
// against it. With no folder given, all managed folders are searched and
// the merged hits re-ranked; ties break on (documentPath, chunkOrdinal).
func (f *Facade) Search(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	if err := f.guard(); err != nil {
		return nil, err
	}
	if req.Query == "" {
		return nil, semerrors.Newf(semerrors.KindValidation, "control.search", "query must not be empty")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	var filter *store.SearchFilter
	if req.PathPrefix != "" || req.SummaryContains != "" {
		filter = &store.SearchFilter{
			PathPrefix:      req.PathPrefix,
			SummaryContains: req.SummaryContains,
		}
	}

	targets := make(map[string]*lifecycle.Orchestrator)
	if req.Folder != "" {
		orch, ok := f.manager.Folder(req.Folder)
		if !ok {
			return nil, semerrors.Validation(semerrors.CodeNotExists, req.Folder, "folder is not managed")
		}
		targets[orch.Status().Path] = orch
	} else {
		for _, st := range f.manager.List() {
			if orch, ok := f.manager.Folder(st.Path); ok {
				targets[st.Path] = orch
			}
		}
	}

	var hits []SearchHit
	for path, orch := range targets {
		folderHits, err := orch.Search(ctx, req.Query, limit, filter)
		if err != nil {
			return nil, err
		}
		for _, h := range folderHits {
			hits = append(hits, SearchHit{Folder: path, Hit: h})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		if hits[i].DocumentPath != hits[j].DocumentPath {
			return hits[i].DocumentPath < hits[j].DocumentPath
		}
		return hits[i].ChunkOrdinal < hits[j].ChunkOrdinal
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (f *Facade) folderInfo(ctx context.Context, orch *lifecycle.Orchestrator) FolderInfo {
	info := FolderInfo{FolderStatus: orch.Status()}
	stats, err := orch.StoreStats(ctx)
	if err != nil {
		f.log.Warn("store stats unavailable", zap.String("folder", info.Path), zap.Error(err))
		return info
	}
	info.Documents = stats.DocumentCount
	info.Chunks = stats.ChunkCount
	info.Embeddings = stats.EmbeddingCount
	info.IndexBytes = stats.ApproxSize
	return info
}
