package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edusync/harvester/internal/core"
	"github.com/edusync/harvester/internal/id/uuid"
	memorysnapshot "github.com/edusync/harvester/internal/snapshot/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeStatsQueue struct {
	mu       sync.Mutex
	stats    core.QueueStats
	enqueued []core.TaskSpec
	failNext bool
}

func (q *fakeStatsQueue) Enqueue(spec core.TaskSpec) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failNext {
		return "", errors.New("enqueue rejected")
	}
	q.enqueued = append(q.enqueued, spec)
	q.stats.Pending++
	q.stats.Total++
	return core.DeriveTaskID(spec.Kind, spec.URL), nil
}

func (q *fakeStatsQueue) Stats() core.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *fakeStatsQueue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stats.Completed += q.stats.Pending
	q.stats.Pending = 0
	q.stats.InFlight = 0
	q.stats.Total = 0
}

func (q *fakeStatsQueue) seeds() []core.TaskSpec {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]core.TaskSpec, len(q.enqueued))
	copy(out, q.enqueued)
	return out
}

type fakeRunner struct {
	mu      sync.Mutex
	started int
}

func (r *fakeRunner) Run(ctx context.Context) {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
	<-ctx.Done()
}

func (r *fakeRunner) startedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

type fakeAuth struct {
	err error
}

func (a fakeAuth) Check(context.Context) error { return a.err }

func defaultSeeds() []core.TaskSpec {
	return []core.TaskSpec{
		{Kind: core.KindIndexPage, URL: "https://campus.test/courses", Priority: 2},
		{Kind: core.KindIndexPage, URL: "https://campus.test/dashboard", Priority: 7},
	}
}

func newTestManager(t *testing.T, cfg Config, queue StatsQueue, auth core.AuthChecker) (*Manager, *fakeRunner, *fakeClock, *memorysnapshot.Store) {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	runner := &fakeRunner{}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memorysnapshot.New()
	m, err := New(cfg, queue, runner, auth, store, uuid.New(), clock, zap.NewNop())
	require.NoError(t, err)
	return m, runner, clock, store
}

func TestStartSeedsByPriorityAndRuns(t *testing.T) {
	queue := &fakeStatsQueue{}
	m, runner, _, _ := newTestManager(t, Config{Seeds: defaultSeeds()}, queue, fakeAuth{})

	sess, err := m.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.SessionRunning, sess.Status)
	require.NotEmpty(t, sess.ID)

	seeds := queue.seeds()
	require.Len(t, seeds, 2)
	require.Equal(t, "https://campus.test/dashboard", seeds[0].URL)
	require.Equal(t, "https://campus.test/courses", seeds[1].URL)

	require.Eventually(t, func() bool { return runner.startedCount() == 1 }, time.Second, 5*time.Millisecond)

	active, ok := m.Active()
	require.True(t, ok)
	require.Equal(t, sess.ID, active.ID)

	_, err = m.Cancel()
	require.NoError(t, err)
}

func TestStartRejectsSecondSession(t *testing.T) {
	queue := &fakeStatsQueue{}
	m, _, _, _ := newTestManager(t, Config{Seeds: defaultSeeds()}, queue, fakeAuth{})

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	before := len(queue.seeds())
	_, err = m.Start(context.Background())
	require.ErrorIs(t, err, core.ErrSessionRunning)
	// The rejected start must not have touched the queue.
	require.Len(t, queue.seeds(), before)

	_, err = m.Cancel()
	require.NoError(t, err)
}

func TestStartRequiresAuthPrecondition(t *testing.T) {
	queue := &fakeStatsQueue{}
	authErr := errors.New("probe redirected to login page")
	m, _, _, _ := newTestManager(t, Config{Seeds: defaultSeeds()}, queue, fakeAuth{err: authErr})

	_, err := m.Start(context.Background())
	require.ErrorIs(t, err, authErr)
	require.Empty(t, queue.seeds())

	// The guard was released; a later start with restored auth succeeds.
	_, ok := m.Active()
	require.False(t, ok)
}

func TestStartWithoutSeedsFails(t *testing.T) {
	m, _, _, _ := newTestManager(t, Config{}, &fakeStatsQueue{}, fakeAuth{})
	_, err := m.Start(context.Background())
	require.Error(t, err)
	_, ok := m.Active()
	require.False(t, ok)
}

func TestStartZeroSeededSessionFails(t *testing.T) {
	queue := &fakeStatsQueue{failNext: true}
	m, _, _, _ := newTestManager(t, Config{Seeds: defaultSeeds()}, queue, fakeAuth{})

	_, err := m.Start(context.Background())
	require.Error(t, err)

	history := m.History()
	require.Len(t, history, 1)
	require.Equal(t, core.SessionFailed, history[0].Status)
	_, ok := m.Active()
	require.False(t, ok)
}

func TestDrainedQueueCompletesSession(t *testing.T) {
	queue := &fakeStatsQueue{}
	m, _, _, _ := newTestManager(t, Config{Seeds: defaultSeeds()}, queue, fakeAuth{})

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	queue.drain()
	require.Eventually(t, func() bool {
		history := m.History()
		return len(history) == 1 && history[0].Status == core.SessionCompleted
	}, time.Second, 5*time.Millisecond)

	done := m.History()[0]
	require.Equal(t, 2, done.TasksCompleted)
	require.NotNil(t, done.EndedAt)
}

func TestMaxDurationCancelsSession(t *testing.T) {
	queue := &fakeStatsQueue{}
	m, _, clock, _ := newTestManager(t, Config{Seeds: defaultSeeds(), MaxDuration: 10 * time.Minute}, queue, fakeAuth{})

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	require.Eventually(t, func() bool {
		history := m.History()
		return len(history) == 1 && history[0].Status == core.SessionCancelled
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "timed out", m.History()[0].ErrorText)
}

func TestCancelWithoutSessionErrors(t *testing.T) {
	m, _, _, _ := newTestManager(t, Config{Seeds: defaultSeeds()}, &fakeStatsQueue{}, fakeAuth{})
	_, err := m.Cancel()
	require.Error(t, err)
}

func TestHistoryIsBoundedAndRestored(t *testing.T) {
	queue := &fakeStatsQueue{}
	cfg := Config{Seeds: defaultSeeds(), HistoryLimit: 2, PollInterval: 5 * time.Millisecond}
	runner := &fakeRunner{}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memorysnapshot.New()
	m, err := New(cfg, queue, runner, fakeAuth{}, store, uuid.New(), clock, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.Start(context.Background())
		require.NoError(t, err)
		_, err = m.Cancel()
		require.NoError(t, err)
	}
	require.Len(t, m.History(), 2)

	restored, err := New(cfg, queue, runner, fakeAuth{}, store, uuid.New(), clock, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, restored.History(), 2)
	require.Equal(t, m.History(), restored.History())
}
