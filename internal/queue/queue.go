// Package queue implements the per-folder task queue driving file
// (re-)embedding work, with bounded concurrency and exponential retry
// backoff.
//
// Dispatch order: tasks whose retry deadline has elapsed go first (earliest
// deadline wins); among fresh pending tasks, FIFO by insertion. At any time
// the number of in-progress tasks never exceeds MaxConcurrent.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusSuccess    Status = "success"
	// StatusError is a failed attempt with retry budget left; the task is
	// scheduled and returns to eligibility at its retry deadline.
	StatusError Status = "error"
	// StatusFailed is terminal: the retry budget is exhausted.
	StatusFailed Status = "failed"
)

// Kind distinguishes embedding work from deletion tombstones.
type Kind string

const (
	KindEmbed  Kind = "embed"
	KindDelete Kind = "delete"
)

// Task is one unit of file-embedding work.
type Task struct {
	ID          string
	Path        string
	Hash        string
	Kind        Kind
	Status      Status
	RetryCount  int
	MaxRetries  int
	RetryAt     time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string

	seq int64 // insertion order among fresh pending tasks
}

// NewTask creates a pending embed task for a file.
func NewTask(path, hash string, maxRetries int) Task {
	return Task{
		ID:         uuid.NewString(),
		Path:       path,
		Hash:       hash,
		Kind:       KindEmbed,
		Status:     StatusPending,
		MaxRetries: maxRetries,
	}
}

// NewTombstone creates a pending deletion task for a removed file.
func NewTombstone(path string, maxRetries int) Task {
	t := NewTask(path, "", maxRetries)
	t.Kind = KindDelete
	return t
}

// Stats are the queue's derived counters, monotone within one scan cycle.
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Retrying   int `json:"retrying"`
}

// Total returns the number of tasks the stats cover.
func (s Stats) Total() int {
	return s.Pending + s.InProgress + s.Succeeded + s.Failed + s.Retrying
}

// Queue is a bounded-concurrency task queue owned by one orchestrator.
// Callers outside the owner observe it through Stats snapshots only.
type Queue struct {
	mu            sync.Mutex
	maxConcurrent int
	backoffBase   time.Duration
	tasks         map[string]*Task
	inProgress    int
	nextSeq       int64
	now           func() time.Time
}

// Option customizes queue construction.
type Option func(*Queue)

// WithClock injects a clock for deterministic retry tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithBackoffBase overrides the retry backoff base (default 1s).
func WithBackoffBase(d time.Duration) Option {
	return func(q *Queue) { q.backoffBase = d }
}

// New creates a queue admitting at most maxConcurrent in-progress tasks.
func New(maxConcurrent int, opts ...Option) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	q := &Queue{
		maxConcurrent: maxConcurrent,
		backoffBase:   time.Second,
		tasks:         make(map[string]*Task),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// AddTask enqueues one task.
func (q *Queue) AddTask(t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.addLocked(t)
}

// AddTasks enqueues several tasks preserving their order.
func (q *Queue) AddTasks(ts []Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range ts {
		q.addLocked(t)
	}
}

func (q *Queue) addLocked(t Task) {
	t.Status = StatusPending
	t.seq = q.nextSeq
	q.nextSeq++
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	q.tasks[t.ID] = &t
}

// NextTask returns the next dispatchable task, marking it in-progress, or
// nil when nothing is eligible (queue empty, retries still cooling down, or
// the concurrency bound is reached). The returned value is a snapshot; the
// caller reports the outcome via UpdateStatus.
func (q *Queue) NextTask() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inProgress >= q.maxConcurrent {
		return nil
	}

	now := q.now()
	var pick *Task
	for _, t := range q.tasks {
		switch t.Status {
		case StatusError:
			// Elapsed retries beat fresh tasks; earliest deadline first.
			if t.RetryAt.After(now) {
				continue
			}
		case StatusPending:
		default:
			continue
		}
		if pick == nil || eligibleBefore(t, pick) {
			pick = t
		}
	}
	if pick == nil {
		return nil
	}

	pick.Status = StatusInProgress
	pick.StartedAt = now
	q.inProgress++
	snapshot := *pick
	return &snapshot
}

// eligibleBefore reports whether a should dispatch before b. Both are
// eligible (pending, or error with elapsed deadline).
func eligibleBefore(a, b *Task) bool {
	aRetry := a.Status == StatusError
	bRetry := b.Status == StatusError
	if aRetry != bRetry {
		return aRetry
	}
	if aRetry {
		if !a.RetryAt.Equal(b.RetryAt) {
			return a.RetryAt.Before(b.RetryAt)
		}
	}
	return a.seq < b.seq
}

// UpdateStatus records a dispatched task's outcome. A failed attempt with
// retry budget remaining is rescheduled at now + base * 2^retryCount;
// otherwise it becomes terminal failed.
func (q *Queue) UpdateStatus(id string, status Status, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok || t.Status != StatusInProgress {
		return
	}
	q.inProgress--

	now := q.now()
	switch status {
	case StatusSuccess:
		t.Status = StatusSuccess
		t.CompletedAt = now
		t.Error = ""
	case StatusError, StatusFailed:
		t.Error = errMsg
		if t.RetryCount < t.MaxRetries && status != StatusFailed {
			t.RetryAt = now.Add(q.backoffBase << t.RetryCount)
			t.RetryCount++
			t.Status = StatusError
		} else {
			t.Status = StatusFailed
			t.CompletedAt = now
		}
	}
}

// Get returns a snapshot of one task, or nil.
func (q *Queue) Get(id string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[id]; ok {
		snapshot := *t
		return &snapshot
	}
	return nil
}

// Stats snapshots the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var st Stats
	for _, t := range q.tasks {
		switch t.Status {
		case StatusPending:
			st.Pending++
		case StatusInProgress:
			st.InProgress++
		case StatusSuccess:
			st.Succeeded++
		case StatusFailed:
			st.Failed++
		case StatusError:
			st.Retrying++
		}
	}
	return st
}

// Drained reports whether no pending, in-progress, or retrying work remains.
func (q *Queue) Drained() bool {
	st := q.Stats()
	return st.Pending == 0 && st.InProgress == 0 && st.Retrying == 0
}

// NextRetryAt returns the earliest retry deadline among scheduled tasks and
// whether one exists; the orchestrator sleeps until then when only retries
// remain.
func (q *Queue) NextRetryAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var earliest time.Time
	found := false
	for _, t := range q.tasks {
		if t.Status != StatusError {
			continue
		}
		if !found || t.RetryAt.Before(earliest) {
			earliest = t.RetryAt
			found = true
		}
	}
	return earliest, found
}

// Failed returns snapshots of terminally failed tasks, ordered by path.
func (q *Queue) Failed() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Task
	for _, t := range q.tasks {
		if t.Status == StatusFailed {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ClearCompleted drops tasks in terminal states.
func (q *Queue) ClearCompleted() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, t := range q.tasks {
		if t.Status == StatusSuccess || t.Status == StatusFailed {
			delete(q.tasks, id)
		}
	}
}

// ClearAll drops everything, including unfinished work. Used on Dispose.
func (q *Queue) ClearAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = make(map[string]*Task)
	q.inProgress = 0
}
