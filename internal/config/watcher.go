package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/standardbeagle/semfold/internal/logging"
)

// EventKind classifies a filesystem change.
type EventKind string

const (
	EventAdd    EventKind = "add"
	EventChange EventKind = "change"
	EventUnlink EventKind = "unlink"
)

// Event is a single debounced filesystem change.
type Event struct {
	Path      string
	Kind      EventKind
	Timestamp time.Time
}

// stabilityThreshold is how long a file must be quiet after its last write
// before its event is emitted, so half-written files are not picked up.
const stabilityThreshold = 200 * time.Millisecond

// WatchService watches a directory tree (or a single file) and emits
// debounced change events. Rapid editor saves coalesce into one event per
// path. No events are emitted before Start returns.
type WatchService struct {
	root    string
	opts    Watcher
	log     *zap.Logger
	events  chan Event
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]pendingEvent
	timer   *time.Timer
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// poll mode state
	pollState map[string]pollEntry
}

type pendingEvent struct {
	kind EventKind
	last time.Time
}

type pollEntry struct {
	size  int64
	mtime time.Time
}

// NewWatchService creates a watcher for root. Events are delivered on
// Events(); the channel closes when the service stops.
func NewWatchService(root string, opts Watcher) *WatchService {
	if opts.DebounceDelay <= 0 {
		opts.DebounceDelay = 500 * time.Millisecond
	}
	return &WatchService{
		root:    root,
		opts:    opts,
		log:     logging.Named("watcher"),
		events:  make(chan Event, 64),
		pending: make(map[string]pendingEvent),
	}
}

// Events returns the debounced event stream.
func (s *WatchService) Events() <-chan Event {
	return s.events
}

// Start begins watching. The service is ready once Start returns nil.
func (s *WatchService) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.opts.UsePolling {
		if err := s.primePollState(); err != nil {
			return err
		}
		s.wg.Add(1)
		go s.pollLoop(ctx)
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = w

	// Watch the whole tree; fsnotify is not recursive on its own.
	err = filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtrees are skipped, not fatal
		}
		if d.IsDir() {
			if d.Name() == DaemonDirName || d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return w.Add(path)
		}
		return nil
	})
	if err != nil {
		// root may be a single file (the config file case)
		if addErr := w.Add(s.root); addErr != nil {
			w.Close()
			return addErr
		}
	}

	s.wg.Add(1)
	go s.notifyLoop(ctx)
	return nil
}

// Stop cancels watching and closes the event channel after draining.
func (s *WatchService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	if s.watcher != nil {
		s.watcher.Close()
	}
	close(s.events)
}

func (s *WatchService) notifyLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleNotify(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("watch error", zap.Error(err))
		}
	}
}

func (s *WatchService) handleNotify(ev fsnotify.Event) {
	var kind EventKind
	switch {
	case ev.Op.Has(fsnotify.Create):
		kind = EventAdd
		// New directories must join the watch set.
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = s.watcher.Add(ev.Name)
			return
		}
	case ev.Op.Has(fsnotify.Write):
		kind = EventChange
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		kind = EventUnlink
	default:
		return
	}
	s.record(ev.Name, kind)
}

// record stores the latest event per path and re-arms the debounce timer.
func (s *WatchService) record(path string, kind EventKind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, seen := s.pending[path]
	// add followed by change is still an add; anything followed by unlink
	// is an unlink.
	if seen && kind == EventChange && prev.kind == EventAdd {
		kind = EventAdd
	}
	s.pending[path] = pendingEvent{kind: kind, last: time.Now()}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.opts.DebounceDelay, s.flush)
}

// flush emits events for paths that have been stable long enough; paths
// still being written re-arm the timer.
func (s *WatchService) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	now := time.Now()
	ready := make([]Event, 0, len(s.pending))
	for path, pe := range s.pending {
		if pe.kind != EventUnlink && now.Sub(pe.last) < stabilityThreshold {
			continue
		}
		ready = append(ready, Event{Path: path, Kind: pe.kind, Timestamp: now})
		delete(s.pending, path)
	}
	if len(s.pending) > 0 {
		s.timer = time.AfterFunc(stabilityThreshold, s.flush)
	}

	for _, ev := range ready {
		select {
		case s.events <- ev:
		default:
			// Back-pressure is the subscriber's responsibility; a stalled
			// subscriber loses oldest events rather than blocking the
			// notify loop.
			s.log.Warn("dropping change event, subscriber is not draining",
				zap.String("path", ev.Path))
		}
	}
}

// primePollState snapshots the tree so the first poll cycle emits nothing.
func (s *WatchService) primePollState() error {
	s.pollState = make(map[string]pollEntry)
	return filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			s.pollState[path] = pollEntry{size: fi.Size(), mtime: fi.ModTime()}
		}
		return nil
	})
}

// pollLoop is the fallback for network filesystems where inotify events are
// unreliable.
func (s *WatchService) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.opts.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *WatchService) pollOnce() {
	seen := make(map[string]struct{}, len(s.pollState))
	_ = filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == DaemonDirName || d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		seen[path] = struct{}{}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		prev, ok := s.pollState[path]
		switch {
		case !ok:
			s.pollState[path] = pollEntry{size: fi.Size(), mtime: fi.ModTime()}
			s.record(path, EventAdd)
		case prev.size != fi.Size() || !prev.mtime.Equal(fi.ModTime()):
			s.pollState[path] = pollEntry{size: fi.Size(), mtime: fi.ModTime()}
			s.record(path, EventChange)
		}
		return nil
	})

	for path := range s.pollState {
		if _, ok := seen[path]; !ok {
			delete(s.pollState, path)
			s.record(path, EventUnlink)
		}
	}
}
