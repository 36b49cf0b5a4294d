package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edusync/harvester/internal/core"
	memorysnapshot "github.com/edusync/harvester/internal/snapshot/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixedPolicy struct {
	delay time.Duration
}

func (p fixedPolicy) NextDelay(int) time.Duration { return p.delay }

func newTestQueue(t *testing.T, cfg Config) (*Queue, *fakeClock, *memorysnapshot.Store) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memorysnapshot.New()
	q, err := New(cfg, fixedPolicy{delay: time.Minute}, store, clock, zap.NewNop())
	require.NoError(t, err)
	return q, clock, store
}

func TestEnqueueDeduplicates(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})

	first, err := q.Enqueue(core.TaskSpec{Kind: core.KindIndexPage, URL: "https://campus.test/courses", Priority: 3})
	require.NoError(t, err)
	second, err := q.Enqueue(core.TaskSpec{Kind: core.KindIndexPage, URL: "https://campus.test/courses", Priority: 1})
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, q.Stats().Total)
}

func TestEnqueueRaisesPriorityWhileQueued(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})

	id, err := q.Enqueue(core.TaskSpec{Kind: core.KindItemDetail, URL: "https://campus.test/item/1", Priority: 1})
	require.NoError(t, err)
	_, err = q.Enqueue(core.TaskSpec{Kind: core.KindItemDetail, URL: "https://campus.test/item/1", Priority: 9})
	require.NoError(t, err)

	tasks := q.DequeueReady(1)
	require.Len(t, tasks, 1)
	require.Equal(t, id, tasks[0].ID)
	require.Equal(t, 9, tasks[0].Priority)
}

func TestEnqueueDoesNotTouchInFlightPriority(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})

	_, err := q.Enqueue(core.TaskSpec{Kind: core.KindItemDetail, URL: "https://campus.test/item/1", Priority: 2})
	require.NoError(t, err)
	tasks := q.DequeueReady(1)
	require.Len(t, tasks, 1)

	_, err = q.Enqueue(core.TaskSpec{Kind: core.KindItemDetail, URL: "https://campus.test/item/1", Priority: 9})
	require.NoError(t, err)

	require.NoError(t, q.Fail(tasks[0].ID, errors.New("boom")))
	stats := q.Stats()
	require.Equal(t, 1, stats.Retries)
}

func TestDequeueOrdersByPriorityThenInsertion(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})

	_, err := q.Enqueue(core.TaskSpec{Kind: core.KindItemDetail, URL: "https://campus.test/low", Priority: 1})
	require.NoError(t, err)
	high, err := q.Enqueue(core.TaskSpec{Kind: core.KindItemDetail, URL: "https://campus.test/high", Priority: 8})
	require.NoError(t, err)
	mid, err := q.Enqueue(core.TaskSpec{Kind: core.KindItemDetail, URL: "https://campus.test/mid-a", Priority: 5})
	require.NoError(t, err)
	midB, err := q.Enqueue(core.TaskSpec{Kind: core.KindItemDetail, URL: "https://campus.test/mid-b", Priority: 5})
	require.NoError(t, err)

	tasks := q.DequeueReady(3)
	require.Len(t, tasks, 3)
	require.Equal(t, high, tasks[0].ID)
	require.Equal(t, mid, tasks[1].ID)
	require.Equal(t, midB, tasks[2].ID)
}

func TestDequeueRespectsCapacityAndNotBefore(t *testing.T) {
	q, clock, _ := newTestQueue(t, Config{})

	id, err := q.Enqueue(core.TaskSpec{Kind: core.KindFile, URL: "https://campus.test/file/1"})
	require.NoError(t, err)
	_, err = q.Enqueue(core.TaskSpec{Kind: core.KindFile, URL: "https://campus.test/file/2"})
	require.NoError(t, err)

	require.Empty(t, q.DequeueReady(0))

	tasks := q.DequeueReady(1)
	require.Len(t, tasks, 1)

	// Retry pushes the task's not-before past now; it must not reappear
	// until the clock catches up.
	require.NoError(t, q.Fail(tasks[0].ID, errors.New("transient")))
	remaining := q.DequeueReady(10)
	require.Len(t, remaining, 1)
	require.NotEqual(t, id, remaining[0].ID)

	clock.Advance(2 * time.Minute)
	retried := q.DequeueReady(10)
	require.Len(t, retried, 1)
	require.Equal(t, id, retried[0].ID)
	require.Equal(t, 1, retried[0].Attempts)
}

func TestFailExhaustsAttemptsIntoErrorLog(t *testing.T) {
	q, clock, _ := newTestQueue(t, Config{DefaultMaxAttempts: 2})

	id, err := q.Enqueue(core.TaskSpec{Kind: core.KindSectionList, URL: "https://campus.test/section/9"})
	require.NoError(t, err)

	tasks := q.DequeueReady(1)
	require.Len(t, tasks, 1)
	require.NoError(t, q.Fail(id, errors.New("first failure")))

	clock.Advance(2 * time.Minute)
	tasks = q.DequeueReady(1)
	require.Len(t, tasks, 1)
	require.NoError(t, q.Fail(id, errors.New("second failure")))

	stats := q.Stats()
	require.Equal(t, 0, stats.Total)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 1, stats.Retries)

	failures := q.RecentErrors()
	require.Len(t, failures, 1)
	require.Equal(t, id, failures[0].TaskID)
	require.Equal(t, 2, failures[0].Attempts)
	require.Equal(t, "second failure", failures[0].Error)

	// The task is gone; nothing left to fail.
	require.ErrorIs(t, q.Fail(id, errors.New("third failure")), core.ErrTaskNotFound)
}

func TestFailPermanentErrorIsTerminalImmediately(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{DefaultMaxAttempts: 3})

	id, err := q.Enqueue(core.TaskSpec{Kind: core.KindItemDetail, URL: "https://campus.test/gone"})
	require.NoError(t, err)
	tasks := q.DequeueReady(1)
	require.Len(t, tasks, 1)

	require.NoError(t, q.Fail(id, core.Permanent(&core.StatusError{Code: 404, URL: "https://campus.test/gone"})))

	stats := q.Stats()
	require.Equal(t, 0, stats.Total)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 0, stats.Retries)
	require.Len(t, q.RecentErrors(), 1)
}

func TestAckRemovesTask(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})

	id, err := q.Enqueue(core.TaskSpec{Kind: core.KindIndexPage, URL: "https://campus.test/courses"})
	require.NoError(t, err)
	require.Len(t, q.DequeueReady(1), 1)
	require.NoError(t, q.Ack(id))

	stats := q.Stats()
	require.Equal(t, 0, stats.Total)
	require.Equal(t, 1, stats.Completed)
	require.ErrorIs(t, q.Ack(id), core.ErrTaskNotFound)
}

func TestRestoreRequeuesInFlightTasks(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memorysnapshot.New()

	q, err := New(Config{}, fixedPolicy{delay: time.Minute}, store, clock, zap.NewNop())
	require.NoError(t, err)
	_, err = q.Enqueue(core.TaskSpec{Kind: core.KindIndexPage, URL: "https://campus.test/courses"})
	require.NoError(t, err)
	_, err = q.Enqueue(core.TaskSpec{Kind: core.KindSectionList, URL: "https://campus.test/section/1"})
	require.NoError(t, err)
	require.Len(t, q.DequeueReady(1), 1)

	// A new process sees both tasks queued again: in-flight executions
	// from the dead process are lost, not leaked.
	restored, err := New(Config{}, fixedPolicy{delay: time.Minute}, store, clock, zap.NewNop())
	require.NoError(t, err)
	stats := restored.Stats()
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 2, stats.Pending)
	require.Equal(t, 0, stats.InFlight)
	require.Len(t, restored.DequeueReady(5), 2)
}

func TestTaskIDsAreDeterministic(t *testing.T) {
	a := core.DeriveTaskID(core.KindItemDetail, "https://campus.test/item/1")
	b := core.DeriveTaskID(core.KindItemDetail, "https://campus.test/item/1")
	c := core.DeriveTaskID(core.KindFile, "https://campus.test/item/1")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 16)
}
