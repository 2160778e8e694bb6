package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock gives tests deterministic control over retry deadlines.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestFIFOAmongFreshTasks(t *testing.T) {
	q := New(2)
	q.AddTasks([]Task{
		NewTask("/docs/a.md", "ha", 3),
		NewTask("/docs/b.md", "hb", 3),
		NewTask("/docs/c.md", "hc", 3),
	})

	first := q.NextTask()
	require.NotNil(t, first)
	assert.Equal(t, "/docs/a.md", first.Path)
	assert.Equal(t, StatusInProgress, first.Status)

	second := q.NextTask()
	require.NotNil(t, second)
	assert.Equal(t, "/docs/b.md", second.Path)

	// MaxConcurrent = 2: third stays queued.
	assert.Nil(t, q.NextTask())

	q.UpdateStatus(first.ID, StatusSuccess, "")
	third := q.NextTask()
	require.NotNil(t, third)
	assert.Equal(t, "/docs/c.md", third.Path)
}

func TestConcurrencyBoundHolds(t *testing.T) {
	q := New(3)
	for i := 0; i < 20; i++ {
		q.AddTask(NewTask("/f", "h", 1))
	}
	dispatched := 0
	for q.NextTask() != nil {
		dispatched++
		assert.LessOrEqual(t, q.Stats().InProgress, 3)
	}
	assert.Equal(t, 3, dispatched)
}

func TestRetrySchedulingAndDeadline(t *testing.T) {
	clock := newFakeClock()
	q := New(1, WithClock(clock.Now))

	q.AddTask(NewTask("/docs/a.md", "ha", 3))
	task := q.NextTask()
	require.NotNil(t, task)

	q.UpdateStatus(task.ID, StatusError, "embed failed")

	// Scheduled at now + 1s * 2^0: not eligible before the deadline.
	assert.Nil(t, q.NextTask())
	st := q.Stats()
	assert.Equal(t, 1, st.Retrying)

	clock.Advance(time.Second)
	retry := q.NextTask()
	require.NotNil(t, retry, "task must dispatch at-or-after its deadline")
	assert.Equal(t, 1, retry.RetryCount)

	// Second failure backs off exponentially (2s).
	q.UpdateStatus(retry.ID, StatusError, "embed failed again")
	clock.Advance(time.Second)
	assert.Nil(t, q.NextTask())
	clock.Advance(time.Second)
	assert.NotNil(t, q.NextTask())
}

func TestElapsedRetryBeatsFreshPending(t *testing.T) {
	clock := newFakeClock()
	q := New(1, WithClock(clock.Now))

	q.AddTask(NewTask("/docs/retry.md", "hr", 3))
	task := q.NextTask()
	require.NotNil(t, task)
	q.UpdateStatus(task.ID, StatusError, "boom")

	q.AddTask(NewTask("/docs/fresh.md", "hf", 3))
	clock.Advance(2 * time.Second)

	next := q.NextTask()
	require.NotNil(t, next)
	assert.Equal(t, "/docs/retry.md", next.Path, "elapsed retry must dispatch before fresh pending")
}

func TestTerminalFailureAfterMaxRetries(t *testing.T) {
	clock := newFakeClock()
	q := New(1, WithClock(clock.Now))

	q.AddTask(NewTask("/docs/a.md", "ha", 2))
	for attempt := 0; attempt < 3; attempt++ {
		clock.Advance(time.Minute)
		task := q.NextTask()
		require.NotNil(t, task, "attempt %d", attempt)
		q.UpdateStatus(task.ID, StatusError, "persistent failure")
	}

	st := q.Stats()
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 0, st.Retrying)
	assert.Nil(t, q.NextTask())

	failed := q.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].RetryCount, "total retries must not exceed maxRetries")
	assert.Equal(t, "persistent failure", failed[0].Error)
}

func TestFailSucceedAfterRetries(t *testing.T) {
	// Three failed attempts, then success: the task ends succeeded with its
	// retry counter intact and no terminal failure recorded.
	clock := newFakeClock()
	q := New(1, WithClock(clock.Now))

	q.AddTask(NewTask("/docs/a.md", "ha", 3))
	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		task := q.NextTask()
		require.NotNil(t, task)
		q.UpdateStatus(task.ID, StatusError, "flaky embed")
	}
	clock.Advance(time.Minute)
	task := q.NextTask()
	require.NotNil(t, task)
	assert.Equal(t, 3, task.RetryCount)
	q.UpdateStatus(task.ID, StatusSuccess, "")

	st := q.Stats()
	assert.Equal(t, 1, st.Succeeded)
	assert.Equal(t, 0, st.Failed)

	final := q.Get(task.ID)
	require.NotNil(t, final)
	assert.Equal(t, StatusSuccess, final.Status)
	assert.False(t, final.CompletedAt.IsZero())
}

func TestTombstoneTask(t *testing.T) {
	q := New(1)
	q.AddTask(NewTombstone("/docs/gone.md", 2))

	task := q.NextTask()
	require.NotNil(t, task)
	assert.Equal(t, KindDelete, task.Kind)
}

func TestClearCompletedAndAll(t *testing.T) {
	q := New(2)
	q.AddTasks([]Task{NewTask("/a", "h1", 1), NewTask("/b", "h2", 1)})

	task := q.NextTask()
	require.NotNil(t, task)
	q.UpdateStatus(task.ID, StatusSuccess, "")

	q.ClearCompleted()
	st := q.Stats()
	assert.Equal(t, 0, st.Succeeded)
	assert.Equal(t, 1, st.Pending)

	q.ClearAll()
	assert.True(t, q.Drained())
	assert.Equal(t, 0, q.Stats().Total())
}
