package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edusync/harvester/internal/core"
	"github.com/edusync/harvester/internal/metrics"
)

// Syncer is the sync-cache surface the fetch executor needs.
type Syncer interface {
	Sync(ctx context.Context, url string, force bool) (core.SyncResult, error)
}

// Ingester records rendered content into the sync cache.
type Ingester interface {
	Ingest(ctx context.Context, url string, content []byte) (core.SyncResult, error)
}

// metaForce marks a task that must bypass cache freshness.
const metaForce = "force"

// metaWaitSelector overrides the render wait condition per task.
const metaWaitSelector = "wait_selector"

// FetchExecutor executes direct-fetch task kinds through the sync cache.
// Artifacts and child expansion happen only when content changed, which
// is what makes re-crawls of an unchanged tree cheap.
type FetchExecutor struct {
	cache    Syncer
	expander core.Expander
}

// NewFetchExecutor builds a FetchExecutor. expander may be nil when the
// task kind produces no children.
func NewFetchExecutor(cache Syncer, expander core.Expander) *FetchExecutor {
	return &FetchExecutor{cache: cache, expander: expander}
}

// Execute resolves the task URL through the cache and, on change,
// emits the fetched artifact plus expanded child tasks.
func (e *FetchExecutor) Execute(ctx context.Context, task core.Task) (core.TaskResult, error) {
	force := task.Meta[metaForce] == "true"
	res, err := e.cache.Sync(ctx, task.URL, force)
	if err != nil {
		return core.TaskResult{}, err
	}

	result := core.TaskResult{Changed: res.Changed}
	if !res.Changed || len(res.Body) == 0 {
		return result, nil
	}

	result.Artifacts = append(result.Artifacts, core.Artifact{
		Collection:  string(task.Kind),
		Key:         task.ID,
		ContentType: "text/html; charset=utf-8",
		Payload:     res.Body,
	})

	if e.expander != nil {
		children, expandErr := e.expander.Expand(task, res.Body)
		if expandErr != nil {
			return core.TaskResult{}, fmt.Errorf("expand %s: %w", task.URL, expandErr)
		}
		result.Children = children
	}
	return result, nil
}

// RenderConfig controls render-executor behavior.
type RenderConfig struct {
	WaitSelector string
	Extract      map[string]string
	Timeout      time.Duration
}

// RenderExecutor executes rendering-dependent task kinds through the
// rendering worker pool and feeds the rendered markup back into the
// sync cache for change detection.
type RenderExecutor struct {
	renderer core.Renderer
	cache    Ingester
	expander core.Expander
	cfg      RenderConfig
}

// NewRenderExecutor builds a RenderExecutor.
func NewRenderExecutor(renderer core.Renderer, cache Ingester, expander core.Expander, cfg RenderConfig) *RenderExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &RenderExecutor{renderer: renderer, cache: cache, expander: expander, cfg: cfg}
}

// Execute renders the task URL, ingests the markup for change detection,
// and on change emits the rendered artifact, extracted fields, and
// expanded children.
func (e *RenderExecutor) Execute(ctx context.Context, task core.Task) (core.TaskResult, error) {
	wait := e.cfg.WaitSelector
	if override := task.Meta[metaWaitSelector]; override != "" {
		wait = override
	}

	start := time.Now()
	rendered, err := e.renderer.Execute(ctx, core.RenderRequest{
		URL:          task.URL,
		WaitSelector: wait,
		Extract:      e.cfg.Extract,
		Timeout:      e.cfg.Timeout,
	})
	metrics.ObserveRender(time.Since(start))
	if err != nil {
		// Render failures (timeout, navigation error, pool saturation)
		// are transient; the queue retries them under normal backoff.
		return core.TaskResult{}, fmt.Errorf("render %s: %w", task.URL, err)
	}

	res, err := e.cache.Ingest(ctx, task.URL, []byte(rendered.HTML))
	if err != nil {
		return core.TaskResult{}, err
	}

	result := core.TaskResult{Changed: res.Changed}
	if !res.Changed {
		return result, nil
	}

	result.Artifacts = append(result.Artifacts, core.Artifact{
		Collection:  string(task.Kind),
		Key:         task.ID,
		ContentType: "text/html; charset=utf-8",
		Payload:     []byte(rendered.HTML),
	})
	if len(rendered.Fields) > 0 {
		fields, marshalErr := json.Marshal(rendered.Fields)
		if marshalErr != nil {
			return core.TaskResult{}, fmt.Errorf("marshal extracted fields: %w", marshalErr)
		}
		result.Artifacts = append(result.Artifacts, core.Artifact{
			Collection:  string(task.Kind) + "-fields",
			Key:         task.ID,
			ContentType: "application/json",
			Payload:     fields,
		})
	}

	if e.expander != nil {
		children, expandErr := e.expander.Expand(task, []byte(rendered.HTML))
		if expandErr != nil {
			return core.TaskResult{}, fmt.Errorf("expand %s: %w", task.URL, expandErr)
		}
		result.Children = children
	}
	return result, nil
}
