package models

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	semerrors "github.com/standardbeagle/semfold/internal/errors"
	"github.com/standardbeagle/semfold/internal/logging"
)

// DefaultLoadTimeout bounds a single model load independent of the caller's
// deadline.
const DefaultLoadTimeout = 30 * time.Second

// Factory constructs the embedding backend for a catalog entry. Injectable
// for tests.
type Factory func(ctx context.Context, entry CatalogEntry) (Embedder, error)

// Handle is a loaded model instance routed through the registry's priority
// gate. Inference on a handle is safe to call concurrently.
type Handle struct {
	entry    CatalogEntry
	embedder Embedder
	loadedAt time.Time
	registry *Registry

	mu       sync.Mutex
	lastUsed time.Time
}

// ModelID returns the catalog id of the loaded model.
func (h *Handle) ModelID() string { return h.entry.ID }

// Dimensions returns the embedding dimensionality.
func (h *Handle) Dimensions() int { return h.entry.Dimension }

// touch refreshes the LRU clock; called on every registry hit and inference.
func (h *Handle) touch() {
	h.mu.Lock()
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

func (h *Handle) lastUsedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}

// Embed runs inference for one text. The immediate flag routes the request
// ahead of batch traffic.
func (h *Handle) Embed(ctx context.Context, text string, immediate bool) ([]float32, error) {
	if err := h.registry.gate.enter(ctx, immediate); err != nil {
		return nil, err
	}
	defer h.registry.gate.exit(immediate)

	h.touch()
	vec, err := h.embedder.Embed(ctx, text)
	if err != nil {
		return nil, semerrors.Model("embed", h.entry.ID, err)
	}
	return vec, nil
}

// EmbedBatch runs batch-priority inference for multiple texts.
func (h *Handle) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := h.registry.gate.enter(ctx, false); err != nil {
		return nil, err
	}
	defer h.registry.gate.exit(false)

	h.touch()
	vecs, err := h.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, semerrors.Model("embed-batch", h.entry.ID, err)
	}
	return vecs, nil
}

// Registry loads, caches, and evicts embedding models under a strict LRU
// policy. Shared by all folder orchestrators; loads are single-flight per
// model id and eviction serializes through the registry lock.
type Registry struct {
	mu          sync.Mutex
	capacity    int
	handles     map[string]*Handle
	loads       singleflight.Group
	factory     Factory
	gate        *priorityGate
	loadTimeout time.Duration
	log         *zap.Logger
}

// Option customizes registry construction.
type Option func(*Registry)

// WithFactory replaces the backend factory (used by tests).
func WithFactory(f Factory) Option {
	return func(r *Registry) { r.factory = f }
}

// WithLoadTimeout overrides the per-load timeout.
func WithLoadTimeout(d time.Duration) Option {
	return func(r *Registry) { r.loadTimeout = d }
}

// NewRegistry creates a registry with the given LRU capacity.
func NewRegistry(capacity int, opts ...Option) *Registry {
	if capacity < 1 {
		capacity = 3
	}
	r := &Registry{
		capacity:    capacity,
		handles:     make(map[string]*Handle),
		gate:        newPriorityGate(),
		loadTimeout: DefaultLoadTimeout,
		log:         logging.Named("models"),
	}
	r.factory = func(_ context.Context, entry CatalogEntry) (Embedder, error) {
		return newEmbedder(entry)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrLoad returns the handle for modelID, loading it on first demand.
// Concurrent requesters for the same id share one load. A failed load is
// surfaced to every waiter and does not poison the cache; a later call may
// retry.
func (r *Registry) GetOrLoad(ctx context.Context, modelID string) (*Handle, error) {
	r.mu.Lock()
	if h, ok := r.handles[modelID]; ok {
		h.touch()
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	v, err, _ := r.loads.Do(modelID, func() (any, error) {
		return r.load(modelID)
	})
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return v.(*Handle), nil
}

func (r *Registry) load(modelID string) (*Handle, error) {
	entry, err := Lookup(modelID)
	if err != nil {
		return nil, err
	}

	// A prior flight may have inserted the handle between the caller's map
	// check and this flight starting.
	r.mu.Lock()
	if h, ok := r.handles[modelID]; ok {
		h.touch()
		r.mu.Unlock()
		return h, nil
	}
	// Evict the LRU victim before loading so peak memory stays bounded.
	for len(r.handles) >= r.capacity {
		r.evictLRULocked()
	}
	r.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(context.Background(), r.loadTimeout)
	defer cancel()

	r.log.Info("loading model", zap.String("model", entry.ID), zap.String("type", string(entry.Type)))
	started := time.Now()
	embedder, err := r.factory(loadCtx, entry)
	if err != nil {
		r.log.Warn("model load failed", zap.String("model", entry.ID), zap.Error(err))
		return nil, semerrors.Model("load", entry.ID, err)
	}

	h := &Handle{
		entry:    entry,
		embedder: embedder,
		loadedAt: time.Now(),
		registry: r,
		lastUsed: time.Now(),
	}

	r.mu.Lock()
	// Concurrent loads of distinct models may all pass the pre-load check;
	// re-evict so the capacity invariant holds at insert.
	for len(r.handles) >= r.capacity {
		r.evictLRULocked()
	}
	r.handles[modelID] = h
	r.mu.Unlock()

	r.log.Info("model loaded",
		zap.String("model", entry.ID),
		zap.Duration("took", time.Since(started)))
	return h, nil
}

// evictLRULocked unloads the handle with the minimum last-used time.
// Caller holds r.mu.
func (r *Registry) evictLRULocked() {
	var victimID string
	var victim *Handle
	for id, h := range r.handles {
		if victim == nil || h.lastUsedAt().Before(victim.lastUsedAt()) {
			victimID, victim = id, h
		}
	}
	if victim == nil {
		return
	}
	delete(r.handles, victimID)
	_ = victim.embedder.Close()
	r.log.Info("evicted model", zap.String("model", victimID))
}

// IsLoaded reports whether a model instance is live in the cache.
func (r *Registry) IsLoaded(modelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[modelID]
	return ok
}

// Unload removes and disposes a model instance. Unknown ids are a no-op.
func (r *Registry) Unload(modelID string) {
	r.mu.Lock()
	h, ok := r.handles[modelID]
	delete(r.handles, modelID)
	r.mu.Unlock()
	if ok {
		_ = h.embedder.Close()
	}
}

// ModelStats describes one loaded model.
type ModelStats struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Dimension int       `json:"dimension"`
	EstMemory int64     `json:"estimatedMemoryBytes"`
	LoadedAt  time.Time `json:"loadedAt"`
	LastUsed  time.Time `json:"lastUsedAt"`
}

// RegistryStats is a snapshot of the cache. Observers may see stale
// last-used times but never an inconsistent total count.
type RegistryStats struct {
	Capacity    int          `json:"capacity"`
	Loaded      []ModelStats `json:"loaded"`
	OldestModel string       `json:"oldestModel,omitempty"`
}

// Stats snapshots the registry.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := RegistryStats{Capacity: r.capacity}
	var oldest *Handle
	for id, h := range r.handles {
		st.Loaded = append(st.Loaded, ModelStats{
			ID:        id,
			Type:      h.entry.Type,
			Dimension: h.entry.Dimension,
			EstMemory: h.entry.EstMemory,
			LoadedAt:  h.loadedAt,
			LastUsed:  h.lastUsedAt(),
		})
		if oldest == nil || h.lastUsedAt().Before(oldest.lastUsedAt()) {
			oldest = h
			st.OldestModel = id
		}
	}
	return st
}

// Shutdown disposes every loaded model and empties the cache.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	for id, h := range handles {
		if err := h.embedder.Close(); err != nil {
			r.log.Warn("error unloading model", zap.String("model", id), zap.Error(err))
		}
	}
}
