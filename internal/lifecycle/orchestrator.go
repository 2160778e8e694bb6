package lifecycle

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/semfold/internal/config"
	semerrors "github.com/standardbeagle/semfold/internal/errors"
	"github.com/standardbeagle/semfold/internal/fingerprint"
	"github.com/standardbeagle/semfold/internal/logging"
	"github.com/standardbeagle/semfold/internal/models"
	"github.com/standardbeagle/semfold/internal/pipeline"
	"github.com/standardbeagle/semfold/internal/queue"
	"github.com/standardbeagle/semfold/internal/store"
)

// taskMaxRetries caps redispatches of one task across all stages. The stage
// a task failed at may impose a tighter bound through its pipeline policy.
const taskMaxRetries = 3

// FolderStatus is the externally visible snapshot of one managed folder.
type FolderStatus struct {
	Path          string      `json:"path"`
	Name          string      `json:"name"`
	Model         string      `json:"model"`
	State         State       `json:"state"`
	PreviousState State       `json:"previousState,omitempty"`
	Queue         queue.Stats `json:"queue"`
	LastScan      time.Time   `json:"lastScan,omitempty"`
	LastError     string      `json:"lastError,omitempty"`
}

// EventSink receives a status snapshot after every state transition and
// after every drained scan cycle. Sinks must not block.
type EventSink func(FolderStatus)

// Options carries the shared collaborators an orchestrator needs.
type Options struct {
	Processing config.Processing
	Watcher    config.Watcher
	Registry   *models.Registry
	Sink       EventSink

	// RetryBackoff overrides the queue's retry backoff base (default 1s).
	RetryBackoff time.Duration
}

// Orchestrator owns one folder end to end: its store, its task queue, its
// watcher subscription, and its state machine. All mutation happens on the
// orchestrator's own goroutine; external callers get snapshots.
type Orchestrator struct {
	folder   config.FolderConfig
	modelID  string
	proc     config.Processing
	registry *models.Registry
	sink     EventSink

	store    *store.Store
	machine  *Machine
	queue    *queue.Queue
	watch    *config.WatchService
	policies map[pipeline.Stage]pipeline.StagePolicy
	log      *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// kick wakes the run loop out of active or error state; the payload
	// requests a forced reindex.
	kick chan bool

	mu            sync.Mutex
	pipe          *pipeline.Pipeline
	lastError     string
	lastScan      time.Time
	forceScan     bool
	pendingEvents []config.Event
	disposed      bool
}

// NewOrchestrator validates the folder's model against the catalog and
// opens its store. The folder path must already be normalized.
func NewOrchestrator(fc config.FolderConfig, opts Options) (*Orchestrator, error) {
	// Folders arriving through the control plane have not been through the
	// config validator; the filter defaults must hold on every add path.
	fc = config.ApplyFolderDefaults(fc)

	modelID := fc.Model
	if modelID == "" {
		modelID = models.DefaultModelID()
	}
	entry, err := models.Lookup(modelID)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(fc.Path)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureModel(context.Background(), entry.ID, entry.Dimension); err != nil {
		st.Close()
		return nil, err
	}

	var queueOpts []queue.Option
	if opts.RetryBackoff > 0 {
		queueOpts = append(queueOpts, queue.WithBackoffBase(opts.RetryBackoff))
	}

	log := logging.Named("folder").With(zap.String("path", fc.Path))
	return &Orchestrator{
		folder:   fc,
		modelID:  entry.ID,
		proc:     opts.Processing,
		registry: opts.Registry,
		sink:     opts.Sink,
		store:    st,
		machine:  NewMachine(log),
		queue:    queue.New(opts.Processing.MaxConcurrentOperations, queueOpts...),
		watch:    config.NewWatchService(fc.Path, opts.Watcher),
		policies: pipeline.DefaultPolicies(),
		log:      log,
	}, nil
}

// Start launches the run loop. It returns once the watcher is live; the
// initial scan proceeds in the background.
func (o *Orchestrator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel

	if err := o.watch.Start(runCtx); err != nil {
		cancel()
		return err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(runCtx)
	}()
	return nil
}

// Dispose tears the folder down: stop the run loop and watcher, close the
// store. No sink events are emitted after Dispose returns. The model handle
// stays in the shared registry for other folders.
func (o *Orchestrator) Dispose() {
	o.mu.Lock()
	o.disposed = true
	o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
	}
	o.watch.Stop()
	o.wg.Wait()
	o.store.Close()
	o.log.Info("folder disposed")
}

// Rescan requests a fresh scan cycle. With force set, every file is
// re-embedded regardless of stored fingerprints. No-op unless the folder
// is active or errored.
func (o *Orchestrator) Rescan(force bool) {
	select {
	case o.kickCh() <- force:
	default:
	}
}

// Retry leaves the error state and scans again. No-op in other states.
func (o *Orchestrator) Retry() {
	o.Rescan(false)
}

func (o *Orchestrator) kickCh() chan bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.kick == nil {
		o.kick = make(chan bool, 1)
	}
	return o.kick
}

// Status returns the folder's current snapshot.
func (o *Orchestrator) Status() FolderStatus {
	o.mu.Lock()
	lastError := o.lastError
	lastScan := o.lastScan
	o.mu.Unlock()

	name := o.folder.Name
	if name == "" {
		name = filepath.Base(o.folder.Path)
	}
	return FolderStatus{
		Path:          o.folder.Path,
		Name:          name,
		Model:         o.modelID,
		State:         o.machine.State(),
		PreviousState: o.machine.Previous(),
		Queue:         o.queue.Stats(),
		LastScan:      lastScan,
		LastError:     lastError,
	}
}

// StoreStats exposes the folder's index counters for status reporting.
func (o *Orchestrator) StoreStats(ctx context.Context) (store.Stats, error) {
	return o.store.Stats(ctx)
}

// FailedTasks lists the folder's terminally failed files.
func (o *Orchestrator) FailedTasks() []queue.Task {
	return o.queue.Failed()
}

// Search embeds the query at immediate priority and ranks the folder's
// chunks against it.
func (o *Orchestrator) Search(ctx context.Context, query string, k int, filter *store.SearchFilter) ([]store.Hit, error) {
	handle, err := o.registry.GetOrLoad(ctx, o.modelID)
	if err != nil {
		return nil, err
	}
	vec, err := handle.Embed(ctx, query, true)
	if err != nil {
		return nil, err
	}
	return o.store.Search(ctx, vec, k, filter)
}

// run is the folder's single lifecycle goroutine: scan, drain, watch,
// repeat. It exits only on context cancellation.
func (o *Orchestrator) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		// state: scanning
		events := o.takePendingEvents()
		if err := o.ensurePipeline(ctx); err != nil {
			if !o.enterError(ctx, err) {
				return
			}
			continue
		}
		if err := o.scanAndEnqueue(ctx, events); err != nil {
			if !o.enterError(ctx, err) {
				return
			}
			continue
		}

		if !o.queue.Drained() {
			o.machine.TransitionTo(StateIndexing)
			o.emit()
			if err := o.drain(ctx); err != nil {
				return // cancelled
			}
		}
		o.machine.TransitionTo(StateActive)
		o.setError(nil)
		o.setForce(false)
		o.emit()

		if !o.waitActive(ctx) {
			return
		}
		o.machine.TransitionTo(StateScanning)
		o.emit()
	}
}

// ensurePipeline builds the pipeline on first use, loading the folder's
// model through the shared registry.
func (o *Orchestrator) ensurePipeline(ctx context.Context) error {
	o.mu.Lock()
	pipe := o.pipe
	o.mu.Unlock()
	if pipe != nil {
		return nil
	}

	handle, err := o.registry.GetOrLoad(ctx, o.modelID)
	if err != nil {
		return err
	}
	pipe = pipeline.New(o.store, handle, pipeline.Options{
		ChunkSize: o.proc.ChunkSize,
		Overlap:   o.proc.Overlap,
		BatchSize: o.proc.BatchSize,
	})
	o.mu.Lock()
	o.pipe = pipe
	o.mu.Unlock()
	return nil
}

// scanAndEnqueue diffs the folder against the store and enqueues the
// difference. With watcher events present, only those paths are scanned;
// otherwise the whole folder is walked and vanished files get tombstones.
func (o *Orchestrator) scanAndEnqueue(ctx context.Context, events []config.Event) error {
	o.queue.ClearCompleted()

	defer func() {
		o.mu.Lock()
		o.lastScan = time.Now()
		o.mu.Unlock()
	}()

	if len(events) > 0 {
		return o.enqueueFromEvents(ctx, events)
	}
	return o.enqueueFromWalk(ctx)
}

func (o *Orchestrator) enqueueFromEvents(ctx context.Context, events []config.Event) error {
	opts := o.walkOptions()
	for _, ev := range events {
		if !opts.Matches(o.folder.Path, ev.Path) {
			continue
		}
		if ev.Kind == config.EventUnlink {
			o.queue.AddTask(queue.NewTombstone(ev.Path, taskMaxRetries))
			continue
		}
		fp, err := fingerprint.Compute(ev.Path)
		if errors.Is(err, fs.ErrNotExist) {
			o.queue.AddTask(queue.NewTombstone(ev.Path, taskMaxRetries))
			continue
		}
		if err != nil {
			o.log.Warn("skipping unreadable file", zap.String("file", ev.Path), zap.Error(err))
			continue
		}
		stale, err := o.isStale(ctx, fp)
		if err != nil {
			return err
		}
		if stale {
			o.queue.AddTask(queue.NewTask(fp.Path, fp.Hash, taskMaxRetries))
		}
	}
	return nil
}

func (o *Orchestrator) enqueueFromWalk(ctx context.Context) error {
	docs, err := o.store.ListDocuments(ctx)
	if err != nil {
		return err
	}
	unseen := make(map[string]struct{}, len(docs))
	byPath := make(map[string]*store.Document, len(docs))
	for i := range docs {
		unseen[docs[i].Path] = struct{}{}
		byPath[docs[i].Path] = &docs[i]
	}

	force := o.forceRequested()
	fps, errc := fingerprint.Walk(ctx, o.folder.Path, o.walkOptions())
	for fp := range fps {
		delete(unseen, fp.Path)
		doc := byPath[fp.Path]
		if force || doc == nil || doc.Hash != fp.Hash || doc.NeedsReindex || doc.LastIndexed.IsZero() {
			o.queue.AddTask(queue.NewTask(fp.Path, fp.Hash, taskMaxRetries))
		}
	}
	if err := <-errc; err != nil {
		return err
	}

	for path := range unseen {
		o.queue.AddTask(queue.NewTombstone(path, taskMaxRetries))
	}
	return nil
}

func (o *Orchestrator) walkOptions() fingerprint.WalkOptions {
	return fingerprint.WalkOptions{
		Extensions:     o.folder.Extensions,
		IgnorePatterns: o.folder.Ignore,
	}
}

func (o *Orchestrator) isStale(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	doc, err := o.store.GetDocument(ctx, fp.Path)
	if err != nil {
		return false, err
	}
	return doc == nil || doc.Hash != fp.Hash || doc.NeedsReindex || doc.LastIndexed.IsZero(), nil
}

// drain runs worker goroutines until the queue empties. Individual task
// failures stay in the queue as failed tasks; only cancellation aborts.
func (o *Orchestrator) drain(ctx context.Context) error {
	workers := o.proc.MaxConcurrentOperations
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				task := o.queue.NextTask()
				if task == nil {
					if o.queue.Drained() {
						return nil
					}
					if err := o.waitForWork(gctx); err != nil {
						return err
					}
					continue
				}
				o.runTask(gctx, task)
			}
		})
	}
	return g.Wait()
}

// waitForWork sleeps until the next retry deadline, capped so workers also
// notice peers completing in-progress tasks.
func (o *Orchestrator) waitForWork(ctx context.Context) error {
	delay := 50 * time.Millisecond
	if at, ok := o.queue.NextRetryAt(); ok {
		if d := time.Until(at); d > 0 && d < delay {
			delay = d
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (o *Orchestrator) runTask(ctx context.Context, task *queue.Task) {
	o.mu.Lock()
	pipe := o.pipe
	force := o.forceScan
	o.mu.Unlock()

	var err error
	stage := pipeline.StagePersist
	switch task.Kind {
	case queue.KindDelete:
		err = pipe.RemoveFile(ctx, task.Path)
	default:
		var fp fingerprint.Fingerprint
		fp, err = fingerprint.Compute(task.Path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// vanished between enqueue and dispatch
			err = pipe.RemoveFile(ctx, task.Path)
		case err != nil:
			stage = pipeline.StageParse
		default:
			var res pipeline.Result
			res, err = pipe.ProcessFile(ctx, fp, force)
			if res.Stage != "" {
				stage = res.Stage
			}
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			// requeue-by-abandonment: cancelled work is rediscovered on
			// the next scan
			o.queue.UpdateStatus(task.ID, queue.StatusError, ctx.Err().Error())
			return
		}
		o.log.Warn("task failed",
			zap.String("file", task.Path),
			zap.String("kind", string(task.Kind)),
			zap.String("stage", string(stage)),
			zap.Int("retryCount", task.RetryCount),
			zap.Error(err))
		o.queue.UpdateStatus(task.ID, o.taskOutcome(task, stage, err), err.Error())
		return
	}
	o.queue.UpdateStatus(task.ID, queue.StatusSuccess, "")
}

// taskOutcome maps a task failure to a queue status. The failed stage's
// policy bounds redispatches: a retriable error with stage budget left is
// rescheduled by the queue, anything else is terminal.
func (o *Orchestrator) taskOutcome(task *queue.Task, stage pipeline.Stage, err error) queue.Status {
	policy := o.policies[stage]
	if !policy.CanRetry || !semerrors.IsRetriable(err) || task.RetryCount >= policy.MaxRetries {
		return queue.StatusFailed
	}
	return queue.StatusError
}

// waitActive blocks in the active state until a watcher event or an
// explicit rescan arrives. Returns false on cancellation. Burst events are
// gathered so one editor save produces one scan cycle.
func (o *Orchestrator) waitActive(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case force := <-o.kickCh():
		o.setForce(force)
		return true
	case ev, ok := <-o.watch.Events():
		if !ok {
			<-ctx.Done()
			return false
		}
		events := o.gatherBurst(ctx, []config.Event{ev})
		o.setPendingEvents(events)
		return true
	}
}

// gatherBurst collects further events arriving within a short grace window.
func (o *Orchestrator) gatherBurst(ctx context.Context, events []config.Event) []config.Event {
	grace := time.NewTimer(50 * time.Millisecond)
	defer grace.Stop()
	for {
		select {
		case <-ctx.Done():
			return events
		case ev, ok := <-o.watch.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-grace.C:
			return events
		}
	}
}

// enterError records the failure, transitions to the error state, and
// blocks until an explicit retry. Returns false on cancellation.
func (o *Orchestrator) enterError(ctx context.Context, err error) bool {
	o.log.Error("folder entered error state", zap.Error(err))
	o.setError(err)
	o.machine.TransitionTo(StateError)
	o.emit()

	select {
	case <-ctx.Done():
		return false
	case force := <-o.kickCh():
		o.setForce(force)
		o.machine.TransitionTo(StateScanning)
		o.emit()
		return true
	}
}

func (o *Orchestrator) emit() {
	o.mu.Lock()
	disposed := o.disposed
	sink := o.sink
	o.mu.Unlock()
	if disposed || sink == nil {
		return
	}
	sink(o.Status())
}

func (o *Orchestrator) setError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		o.lastError = ""
	} else {
		o.lastError = err.Error()
	}
}

func (o *Orchestrator) setForce(force bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forceScan = force
}

// forceRequested reports whether the current cycle was started by a forced
// rescan. The flag clears when the cycle reaches the active state.
func (o *Orchestrator) forceRequested() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.forceScan
}

func (o *Orchestrator) setPendingEvents(events []config.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pendingEvents = events
}

func (o *Orchestrator) takePendingEvents() []config.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	events := o.pendingEvents
	o.pendingEvents = nil
	return events
}
