// Package queue implements the durable, prioritized work queue that owns
// the task store. All task-state mutation happens behind the Queue's
// mutex, and every mutating operation is followed by a snapshot write so
// a process restart resumes with the same pending set.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edusync/harvester/internal/core"
	"github.com/edusync/harvester/internal/metrics"
)

const snapshotKey = "queue/tasks"

// recentErrorsCap bounds the terminal-failure log.
const recentErrorsCap = 50

type taskState int

const (
	stateQueued taskState = iota
	stateInFlight
)

// Config controls queue behavior.
type Config struct {
	// DefaultMaxAttempts applies to task specs that do not set their own.
	DefaultMaxAttempts int
}

// Queue is the work queue. It owns task-store mutation exclusively.
type Queue struct {
	// guarded by the component's single-threaded method entry points;
	// no callers touch internal state directly.
	mu sync.Mutex

	tasks  map[string]*core.Task
	states map[string]taskState
	seq    int64

	completed int
	failed    int
	retries   int
	errorLog  []core.TaskFailure

	cfg    Config
	policy core.RetryPolicy
	store  core.SnapshotStore
	clock  core.Clock
	logger *zap.Logger
}

// queueSnapshot is the persisted representation of all non-terminal state.
type queueSnapshot struct {
	Tasks     []core.Task        `json:"tasks"`
	Seq       int64              `json:"seq"`
	Completed int                `json:"completed"`
	Failed    int                `json:"failed"`
	Retries   int                `json:"retries"`
	Errors    []core.TaskFailure `json:"errors,omitempty"`
}

// New constructs a Queue and restores any persisted task snapshot.
// Tasks that were in-flight when the previous process died are treated
// as re-queued, since their execution context is lost.
func New(
	cfg Config,
	policy core.RetryPolicy,
	store core.SnapshotStore,
	clock core.Clock,
	logger *zap.Logger,
) (*Queue, error) {
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	q := &Queue{
		tasks:  make(map[string]*core.Task),
		states: make(map[string]taskState),
		cfg:    cfg,
		policy: policy,
		store:  store,
		clock:  clock,
		logger: logger,
	}
	if err := q.restore(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) restore() error {
	var snap queueSnapshot
	err := q.store.Load(context.Background(), snapshotKey, &snap)
	if err != nil {
		if errors.Is(err, core.ErrSnapshotNotFound) {
			return nil
		}
		return fmt.Errorf("restore queue snapshot: %w", err)
	}
	for i := range snap.Tasks {
		t := snap.Tasks[i]
		q.tasks[t.ID] = &t
		q.states[t.ID] = stateQueued
	}
	q.seq = snap.Seq
	q.completed = snap.Completed
	q.failed = snap.Failed
	q.retries = snap.Retries
	q.errorLog = snap.Errors
	if len(snap.Tasks) > 0 {
		q.logger.Info("restored queue snapshot", zap.Int("tasks", len(snap.Tasks)))
	}
	return nil
}

// Enqueue inserts a new task derived from spec, or raises the priority of
// an existing queued task with the same derived id. It never blocks and
// never creates duplicate work for the same (kind, URL).
func (q *Queue) Enqueue(spec core.TaskSpec) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := core.DeriveTaskID(spec.Kind, spec.URL)
	if existing, ok := q.tasks[id]; ok {
		// Last-writer-wins on priority only, and only while not in-flight.
		if q.states[id] == stateQueued && spec.Priority > existing.Priority {
			existing.Priority = spec.Priority
			if err := q.persist(); err != nil {
				return "", err
			}
		}
		return id, nil
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.DefaultMaxAttempts
	}
	now := q.clock.Now()
	q.seq++
	q.tasks[id] = &core.Task{
		ID:          id,
		Kind:        spec.Kind,
		URL:         spec.URL,
		ParentID:    spec.ParentID,
		Priority:    spec.Priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		NotBefore:   now,
		Seq:         q.seq,
		Meta:        spec.Meta,
	}
	q.states[id] = stateQueued
	metrics.SetQueueDepth(q.pendingLocked(), q.inFlightLocked())
	if err := q.persist(); err != nil {
		return "", err
	}
	return id, nil
}

// DequeueReady returns up to capacity queued tasks whose not-before time
// has passed, ordered by not-before ascending, then priority descending,
// then insertion order. Returned tasks are marked in-flight.
func (q *Queue) DequeueReady(capacity int) []core.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if capacity <= 0 {
		return nil
	}
	now := q.clock.Now()
	ready := make([]*core.Task, 0, capacity)
	for id, t := range q.tasks {
		if q.states[id] != stateQueued {
			continue
		}
		if t.NotBefore.After(now) {
			continue
		}
		ready = append(ready, t)
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if !a.NotBefore.Equal(b.NotBefore) {
			return a.NotBefore.Before(b.NotBefore)
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Seq < b.Seq
	})
	if len(ready) > capacity {
		ready = ready[:capacity]
	}

	out := make([]core.Task, 0, len(ready))
	for _, t := range ready {
		q.states[t.ID] = stateInFlight
		out = append(out, *t)
	}
	if len(out) > 0 {
		metrics.SetQueueDepth(q.pendingLocked(), q.inFlightLocked())
		if err := q.persist(); err != nil {
			q.logger.Error("persist after dequeue failed", zap.Error(err))
		}
	}
	return out
}

// Ack removes the task permanently on terminal success.
func (q *Queue) Ack(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return core.ErrTaskNotFound
	}
	delete(q.tasks, taskID)
	delete(q.states, taskID)
	q.completed++
	metrics.ObserveTask(string(t.Kind), "completed")
	metrics.SetQueueDepth(q.pendingLocked(), q.inFlightLocked())
	return q.persist()
}

// Fail records a failed attempt. Retryable failures are rescheduled with
// a later not-before computed by the retry policy; exhausted or permanent
// failures move the task to the terminal-failure log and out of the
// active queue.
func (q *Queue) Fail(taskID string, taskErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return core.ErrTaskNotFound
	}
	now := q.clock.Now()
	t.Attempts++
	t.LastAttempt = now
	if taskErr != nil {
		t.LastError = taskErr.Error()
	}

	if t.Attempts >= t.MaxAttempts || core.IsPermanent(taskErr) {
		q.recordTerminalFailure(t, now)
		delete(q.tasks, taskID)
		delete(q.states, taskID)
		q.failed++
		metrics.ObserveTask(string(t.Kind), "failed")
		metrics.SetQueueDepth(q.pendingLocked(), q.inFlightLocked())
		return q.persist()
	}

	delay := q.policy.NextDelay(t.Attempts)
	next := now.Add(delay)
	// Not-before never moves backwards across retries of the same task.
	if next.After(t.NotBefore) {
		t.NotBefore = next
	}
	q.states[taskID] = stateQueued
	q.retries++
	metrics.ObserveTask(string(t.Kind), "retried")
	metrics.SetQueueDepth(q.pendingLocked(), q.inFlightLocked())
	q.logger.Debug("task rescheduled",
		zap.String("task_id", taskID),
		zap.Int("attempt", t.Attempts),
		zap.Duration("delay", delay),
	)
	return q.persist()
}

func (q *Queue) recordTerminalFailure(t *core.Task, now time.Time) {
	q.errorLog = append(q.errorLog, core.TaskFailure{
		TaskID:   t.ID,
		Kind:     t.Kind,
		URL:      t.URL,
		Attempts: t.Attempts,
		Error:    t.LastError,
		FailedAt: now,
	})
	if len(q.errorLog) > recentErrorsCap {
		q.errorLog = q.errorLog[len(q.errorLog)-recentErrorsCap:]
	}
	q.logger.Warn("task failed terminally",
		zap.String("task_id", t.ID),
		zap.String("url", t.URL),
		zap.Int("attempts", t.Attempts),
		zap.String("error", t.LastError),
	)
}

// Stats returns a point-in-time snapshot of queue counters.
func (q *Queue) Stats() core.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return core.QueueStats{
		Total:     len(q.tasks),
		Pending:   q.pendingLocked(),
		InFlight:  q.inFlightLocked(),
		Completed: q.completed,
		Failed:    q.failed,
		Retries:   q.retries,
	}
}

// RecentErrors returns a copy of the bounded terminal-failure log.
func (q *Queue) RecentErrors() []core.TaskFailure {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]core.TaskFailure, len(q.errorLog))
	copy(out, q.errorLog)
	return out
}

func (q *Queue) pendingLocked() int {
	n := 0
	for _, s := range q.states {
		if s == stateQueued {
			n++
		}
	}
	return n
}

func (q *Queue) inFlightLocked() int {
	n := 0
	for _, s := range q.states {
		if s == stateInFlight {
			n++
		}
	}
	return n
}

func (q *Queue) persist() error {
	snap := queueSnapshot{
		Tasks:     make([]core.Task, 0, len(q.tasks)),
		Seq:       q.seq,
		Completed: q.completed,
		Failed:    q.failed,
		Retries:   q.retries,
		Errors:    q.errorLog,
	}
	for _, t := range q.tasks {
		snap.Tasks = append(snap.Tasks, *t)
	}
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Seq < snap.Tasks[j].Seq })
	if err := q.store.Save(context.Background(), snapshotKey, snap); err != nil {
		return fmt.Errorf("persist queue snapshot: %w", err)
	}
	return nil
}
