// Package session bounds one crawl run: start, monitor, timeout, cancel.
// The manager is the only writer of session status and owns the bounded
// session history.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edusync/harvester/internal/core"
	"github.com/edusync/harvester/internal/metrics"
)

const historyKey = "sessions/history"

// StatsQueue is the queue surface the manager needs.
type StatsQueue interface {
	Enqueue(spec core.TaskSpec) (string, error)
	Stats() core.QueueStats
}

// Runner is the scheduler surface the manager needs.
type Runner interface {
	Run(ctx context.Context)
}

// Config controls session behavior.
type Config struct {
	// MaxDuration bounds a run; elapsed runs are cancelled "timed out".
	MaxDuration time.Duration
	// PollInterval is the monitor-loop cadence.
	PollInterval time.Duration
	// HistoryLimit caps the persisted session history.
	HistoryLimit int
	// Seeds are the initial tasks for each run.
	Seeds []core.TaskSpec
}

func (c *Config) applyDefaults() {
	if c.MaxDuration <= 0 {
		c.MaxDuration = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
}

// Manager enforces the single-active-session invariant and aggregates
// progress from queue stats.
type Manager struct {
	cfg    Config
	queue  StatsQueue
	sched  Runner
	auth   core.AuthChecker
	store  core.SnapshotStore
	idGen  core.IDGenerator
	clock  core.Clock
	logger *zap.Logger

	// active is the atomic guard set before any asynchronous work begins,
	// so two near-simultaneous starts cannot both observe "not running".
	active atomic.Bool

	mu        sync.Mutex
	current   *core.Session
	base      core.QueueStats
	history   []core.Session
	cancelRun context.CancelFunc
}

// New constructs a Manager and restores persisted session history.
func New(
	cfg Config,
	queue StatsQueue,
	sched Runner,
	auth core.AuthChecker,
	store core.SnapshotStore,
	idGen core.IDGenerator,
	clock core.Clock,
	logger *zap.Logger,
) (*Manager, error) {
	cfg.applyDefaults()
	m := &Manager{
		cfg:    cfg,
		queue:  queue,
		sched:  sched,
		auth:   auth,
		store:  store,
		idGen:  idGen,
		clock:  clock,
		logger: logger,
	}
	err := store.Load(context.Background(), historyKey, &m.history)
	if err != nil && !errors.Is(err, core.ErrSnapshotNotFound) {
		return nil, fmt.Errorf("restore session history: %w", err)
	}
	return m, nil
}

// Start begins a crawl session. It rejects when a session is already
// running, when the authenticated-session precondition fails, or when no
// seed tasks are configured. A session whose seeding yields zero queued
// tasks transitions to failed.
func (m *Manager) Start(ctx context.Context) (core.Session, error) {
	if !m.active.CompareAndSwap(false, true) {
		return core.Session{}, core.ErrSessionRunning
	}

	if len(m.cfg.Seeds) == 0 {
		m.active.Store(false)
		return core.Session{}, errors.New("no seed targets configured")
	}
	if err := m.auth.Check(ctx); err != nil {
		m.active.Store(false)
		return core.Session{}, fmt.Errorf("session precondition: %w", err)
	}

	id, err := m.idGen.NewID()
	if err != nil {
		m.active.Store(false)
		return core.Session{}, fmt.Errorf("generate session id: %w", err)
	}

	now := m.clock.Now()
	sess := core.Session{
		ID:        id,
		Status:    core.SessionRunning,
		StartedAt: now,
	}

	m.mu.Lock()
	m.current = &sess
	m.base = m.queue.Stats()
	m.mu.Unlock()

	seeded := m.seed()
	if seeded == 0 {
		finished := m.finish(core.SessionFailed, "no seed tasks could be scheduled")
		return finished, errors.New("no seed tasks could be scheduled")
	}

	m.logger.Info("session started",
		zap.String("session_id", id),
		zap.Int("seeded", seeded),
	)

	// The run outlives the caller's request context; only Cancel, the
	// timeout, or queue drain end it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.cancelRun = cancel
	m.mu.Unlock()

	go m.sched.Run(runCtx)
	go m.monitor(runCtx, now)

	return sess, nil
}

func (m *Manager) seed() int {
	seeds := make([]core.TaskSpec, len(m.cfg.Seeds))
	copy(seeds, m.cfg.Seeds)
	sort.SliceStable(seeds, func(i, j int) bool { return seeds[i].Priority > seeds[j].Priority })

	seeded := 0
	for _, spec := range seeds {
		if _, err := m.queue.Enqueue(spec); err != nil {
			m.logger.Error("seed enqueue failed", zap.String("url", spec.URL), zap.Error(err))
			continue
		}
		seeded++
	}
	return seeded
}

func (m *Manager) monitor(ctx context.Context, startedAt time.Time) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := m.queue.Stats()
			m.updateProgress(stats)
			switch {
			case stats.Pending == 0 && stats.InFlight == 0:
				m.finish(core.SessionCompleted, "")
				return
			case m.clock.Now().Sub(startedAt) >= m.cfg.MaxDuration:
				m.finish(core.SessionCancelled, "timed out")
				return
			}
		}
	}
}

func (m *Manager) updateProgress(stats core.QueueStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	completed := stats.Completed - m.base.Completed
	failed := stats.Failed - m.base.Failed
	m.current.TasksCompleted = completed
	m.current.TasksFailed = failed
	m.current.TasksScheduled = completed + failed + stats.Pending + stats.InFlight
}

// Cancel transitions a running session to cancelled immediately.
// In-flight task executions finish naturally and still commit.
func (m *Manager) Cancel() (core.Session, error) {
	if !m.active.Load() {
		return core.Session{}, errors.New("no session is running")
	}
	return m.finish(core.SessionCancelled, "cancelled"), nil
}

// finish performs the terminal transition exactly once, persists the
// session record, and clears the active guard.
func (m *Manager) finish(status core.SessionStatus, errText string) core.Session {
	m.mu.Lock()
	if m.current == nil || m.current.Terminal() {
		sess := core.Session{}
		if m.current != nil {
			sess = *m.current
		}
		m.mu.Unlock()
		return sess
	}
	now := m.clock.Now()
	m.current.Status = status
	m.current.EndedAt = &now
	m.current.ErrorText = errText
	sess := *m.current

	m.history = append(m.history, sess)
	if len(m.history) > m.cfg.HistoryLimit {
		m.history = m.history[len(m.history)-m.cfg.HistoryLimit:]
	}
	if err := m.store.Save(context.Background(), historyKey, m.history); err != nil {
		m.logger.Error("persist session history failed", zap.Error(err))
	}
	cancel := m.cancelRun
	m.cancelRun = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.active.Store(false)
	metrics.ObserveSession(string(status))
	m.logger.Info("session finished",
		zap.String("session_id", sess.ID),
		zap.String("status", string(status)),
		zap.Int("completed", sess.TasksCompleted),
		zap.Int("failed", sess.TasksFailed),
		zap.String("error", errText),
	)
	return sess
}

// Active returns the current session while one is running.
func (m *Manager) Active() (core.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Terminal() {
		return core.Session{}, false
	}
	return *m.current, true
}

// History returns the bounded session history, oldest first.
func (m *Manager) History() []core.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Session, len(m.history))
	copy(out, m.history)
	return out
}
