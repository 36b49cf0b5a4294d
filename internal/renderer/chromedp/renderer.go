// Package chromedp implements the rendering worker pool on headless
// Chrome. Concurrency is bounded internally by a limiter channel; the
// scheduler's task budget never implies render capacity.
package chromedp

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/edusync/harvester/internal/core"
)

// Config controls the behavior of the rendering pool.
type Config struct {
	// MaxParallel bounds concurrent renders; this is the stricter,
	// binding budget for rendering-dependent tasks.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// ExtraHeaders carry the authenticated-session material into the
	// browser context.
	ExtraHeaders map[string]string
}

// Renderer implements core.Renderer using chromedp.
type Renderer struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a rendering pool backed by chromedp.
func New(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		limiter:     make(chan struct{}, cfg.MaxParallel),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Execute navigates to the URL, waits for the wait condition, runs the
// automation steps, and returns the rendered DOM plus extracted fields.
func (r *Renderer) Execute(ctx context.Context, request core.RenderRequest) (core.RenderResult, error) {
	if err := r.acquire(ctx); err != nil {
		return core.RenderResult{}, err
	}
	defer r.release()

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()

	timeout := request.Timeout
	if timeout <= 0 {
		timeout = r.cfg.NavigationTimeout
	}
	taskCtx, cancel := context.WithTimeout(taskCtx, timeout)
	defer cancel()

	actions := []chromedp.Action{r.networkSetupAction()}
	actions = append(actions, chromedp.Navigate(request.URL))
	if request.WaitSelector != "" {
		actions = append(actions, chromedp.WaitReady(request.WaitSelector, chromedp.ByQuery))
	} else {
		actions = append(actions, chromedp.WaitReady("body", chromedp.ByQuery))
	}
	for _, step := range request.Steps {
		action, err := stepAction(step)
		if err != nil {
			return core.RenderResult{}, err
		}
		actions = append(actions, action)
	}

	var html string
	fields := make(map[string]string, len(request.Extract))
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	for name, selector := range request.Extract {
		value := new(string)
		captured := name
		actions = append(actions, chromedp.Text(selector, value, chromedp.ByQuery, chromedp.AtLeast(0)))
		actions = append(actions, chromedp.ActionFunc(func(context.Context) error {
			fields[captured] = *value
			return nil
		}))
	}

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return core.RenderResult{}, fmt.Errorf("chromedp run: %w", err)
	}
	return core.RenderResult{HTML: html, Fields: fields}, nil
}

func stepAction(step core.RenderStep) (chromedp.Action, error) {
	switch step.Action {
	case "click":
		return chromedp.Click(step.Selector, chromedp.ByQuery), nil
	case "wait":
		return chromedp.WaitReady(step.Selector, chromedp.ByQuery), nil
	case "sleep":
		d := step.Sleep
		if d <= 0 {
			d = 500 * time.Millisecond
		}
		return chromedp.Sleep(d), nil
	default:
		return nil, fmt.Errorf("unknown render step %q", step.Action)
	}
}

func (r *Renderer) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(r.cfg.ExtraHeaders) > 0 {
			headers := make(network.Headers, len(r.cfg.ExtraHeaders))
			for k, v := range r.cfg.ExtraHeaders {
				headers[k] = v
			}
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("render slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	<-r.limiter
}
