// Package scheduler drains the work queue under a fixed concurrency
// budget and drives task execution through kind-specific executors.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edusync/harvester/internal/core"
	"github.com/edusync/harvester/internal/metrics"
)

// TaskQueue is the queue surface the scheduler needs.
type TaskQueue interface {
	DequeueReady(capacity int) []core.Task
	Enqueue(spec core.TaskSpec) (string, error)
	Ack(taskID string) error
	Fail(taskID string, err error) error
}

// Executor runs one task kind end to end.
type Executor interface {
	Execute(ctx context.Context, task core.Task) (core.TaskResult, error)
}

// Registry resolves task kinds to executors.
type Registry map[core.TaskKind]Executor

// Config controls the scheduling loop.
type Config struct {
	// Concurrency is the task-level budget. The rendering worker enforces
	// its own stricter budget internally; the scheduler never assumes
	// render capacity just because task capacity is free.
	Concurrency  int
	TickInterval time.Duration
	TaskTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 60 * time.Second
	}
}

// Scheduler owns the single scheduling loop. Task executions run
// concurrently up to the budget; the loop itself never blocks on them.
type Scheduler struct {
	queue     TaskQueue
	registry  Registry
	artifacts core.ArtifactStore
	cfg       Config
	logger    *zap.Logger

	inFlight atomic.Int32
	wg       sync.WaitGroup
}

// New constructs a Scheduler.
func New(
	cfg Config,
	queue TaskQueue,
	registry Registry,
	artifacts core.ArtifactStore,
	logger *zap.Logger,
) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		queue:     queue,
		registry:  registry,
		artifacts: artifacts,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, dispatching on a fixed tick until the context finishes.
// In-flight executions are allowed to finish before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// InFlight reports how many task executions are currently running.
func (s *Scheduler) InFlight() int {
	return int(s.inFlight.Load())
}

func (s *Scheduler) dispatch(ctx context.Context) {
	capacity := s.cfg.Concurrency - int(s.inFlight.Load())
	if capacity <= 0 {
		return
	}
	tasks := s.queue.DequeueReady(capacity)
	for _, task := range tasks {
		s.inFlight.Add(1)
		s.wg.Add(1)
		go func(t core.Task) {
			defer s.wg.Done()
			defer s.inFlight.Add(-1)
			s.execute(ctx, t)
		}(task)
	}
}

func (s *Scheduler) execute(ctx context.Context, task core.Task) {
	// Cancellation is cooperative: a cancelled session stops dispatch,
	// but work already launched finishes and commits its results.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.TaskTimeout)
	defer cancel()

	executor, ok := s.registry[task.Kind]
	if !ok {
		s.failTask(task, core.Permanent(&UnsupportedKindError{Kind: task.Kind}))
		return
	}

	result, err := executor.Execute(execCtx, task)
	if err != nil {
		s.failTask(task, err)
		return
	}

	for _, artifact := range result.Artifacts {
		uri, putErr := s.artifacts.Put(execCtx, artifact.Collection, artifact.Key, artifact.ContentType, artifact.Payload)
		if putErr != nil {
			s.failTask(task, putErr)
			return
		}
		s.logger.Debug("artifact stored",
			zap.String("task_id", task.ID),
			zap.String("uri", uri),
		)
	}

	for _, child := range result.Children {
		if child.ParentID == "" {
			child.ParentID = task.ID
		}
		if _, enqErr := s.queue.Enqueue(child); enqErr != nil {
			s.logger.Error("enqueue child task failed",
				zap.String("parent_id", task.ID),
				zap.String("url", child.URL),
				zap.Error(enqErr),
			)
		}
	}

	if err := s.queue.Ack(task.ID); err != nil {
		s.logger.Error("ack failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	metrics.ObserveTask(string(task.Kind), "executed")
}

func (s *Scheduler) failTask(task core.Task, err error) {
	if failErr := s.queue.Fail(task.ID, err); failErr != nil {
		s.logger.Error("fail recording failed", zap.String("task_id", task.ID), zap.Error(failErr))
		return
	}
	s.logger.Debug("task execution failed",
		zap.String("task_id", task.ID),
		zap.String("url", task.URL),
		zap.Error(err),
	)
}

// UnsupportedKindError reports a task kind with no registered executor.
type UnsupportedKindError struct {
	Kind core.TaskKind
}

func (e *UnsupportedKindError) Error() string {
	return "no executor registered for task kind " + string(e.Kind)
}
