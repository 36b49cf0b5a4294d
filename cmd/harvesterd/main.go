// Package main wires together the harvester service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/edusync/harvester/internal/api"
	gcsartifact "github.com/edusync/harvester/internal/artifact/gcs"
	localartifact "github.com/edusync/harvester/internal/artifact/local"
	memoryartifact "github.com/edusync/harvester/internal/artifact/memory"
	"github.com/edusync/harvester/internal/clock/system"
	"github.com/edusync/harvester/internal/config"
	"github.com/edusync/harvester/internal/core"
	"github.com/edusync/harvester/internal/expand"
	collyfetcher "github.com/edusync/harvester/internal/fetcher/colly"
	"github.com/edusync/harvester/internal/hash/sha256"
	"github.com/edusync/harvester/internal/id/uuid"
	"github.com/edusync/harvester/internal/logging"
	"github.com/edusync/harvester/internal/metrics"
	memorypublisher "github.com/edusync/harvester/internal/publisher/memory"
	pubsubpublisher "github.com/edusync/harvester/internal/publisher/pubsub"
	"github.com/edusync/harvester/internal/queue"
	chromedprenderer "github.com/edusync/harvester/internal/renderer/chromedp"
	"github.com/edusync/harvester/internal/scheduler"
	"github.com/edusync/harvester/internal/session"
	filesnapshot "github.com/edusync/harvester/internal/snapshot/file"
	memorysnapshot "github.com/edusync/harvester/internal/snapshot/memory"
	postgressnapshot "github.com/edusync/harvester/internal/snapshot/postgres"
	"github.com/edusync/harvester/internal/synccache"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snapshots, closeSnapshots, err := buildSnapshotStore(ctx, cfg)
	if err != nil {
		logger.Fatal("snapshot store init failed", zap.Error(err))
	}
	defer closeSnapshots()

	artifacts, err := buildArtifactStore(ctx, cfg)
	if err != nil {
		logger.Fatal("artifact store init failed", zap.Error(err))
	}

	publisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}

	hasher := sha256.New()
	clock := system.New()
	idGen := uuid.New()

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Fetch.UserAgent,
		Timeout:     cfg.FetchTimeout(),
		BaseHeaders: headersFromConfig(cfg.Fetch.Headers),
	})
	auth := collyfetcher.NewSessionProbe(fetcher, cfg.Fetch.AuthProbeURL)

	cache, err := synccache.New(
		synccache.Config{
			MaxCacheAge:          time.Duration(cfg.Cache.MaxAgeMinutes) * time.Minute,
			ForceRefreshInterval: time.Duration(cfg.Cache.ForceRefreshHours) * time.Hour,
			MaxEntries:           cfg.Cache.MaxEntries,
			TrimTo:               cfg.Cache.TrimTo,
			SignalHistory:        cfg.Cache.SignalHistory,
			Topic:                cfg.PubSub.TopicName,
		},
		fetcher, hasher, clock, snapshots, publisher,
		logger.Named("cache"),
	)
	if err != nil {
		logger.Fatal("sync cache init failed", zap.Error(err))
	}

	workQueue, err := queue.New(
		queue.Config{DefaultMaxAttempts: cfg.Queue.MaxAttempts},
		queue.NewRetryPolicy(
			time.Duration(cfg.Retry.BaseDelayMs)*time.Millisecond,
			time.Duration(cfg.Retry.CeilingDelayMs)*time.Millisecond,
		),
		snapshots, clock,
		logger.Named("queue"),
	)
	if err != nil {
		logger.Fatal("queue init failed", zap.Error(err))
	}

	expander := expand.New()
	fetchExec := scheduler.NewFetchExecutor(cache, expander)
	registry := scheduler.Registry{
		core.KindIndexPage:   fetchExec,
		core.KindSectionList: fetchExec,
		core.KindItemDetail:  fetchExec,
		core.KindFile:        fetchExec,
	}
	if cfg.Render.Enabled {
		renderer, rendErr := chromedprenderer.New(chromedprenderer.Config{
			MaxParallel:       cfg.Render.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(cfg.Render.NavTimeoutSeconds) * time.Second,
			ExtraHeaders:      cfg.Fetch.Headers,
		})
		if rendErr != nil {
			logger.Warn("renderer init failed", zap.Error(rendErr))
		} else {
			defer renderer.Close()
			registry[core.KindItemDetail] = scheduler.NewRenderExecutor(
				renderer, cache, expander,
				scheduler.RenderConfig{
					WaitSelector: cfg.Render.WaitSelector,
					Timeout:      time.Duration(cfg.Render.NavTimeoutSeconds) * time.Second,
				},
			)
		}
	}

	sched := scheduler.New(
		scheduler.Config{
			Concurrency:  cfg.Scheduler.Concurrency,
			TickInterval: time.Duration(cfg.Scheduler.TickIntervalMs) * time.Millisecond,
			TaskTimeout:  time.Duration(cfg.Scheduler.TaskTimeoutSeconds) * time.Second,
		},
		workQueue, registry, artifacts,
		logger.Named("scheduler"),
	)

	manager, err := session.New(
		session.Config{
			MaxDuration:  time.Duration(cfg.Session.MaxDurationMinutes) * time.Minute,
			PollInterval: time.Duration(cfg.Session.PollIntervalSeconds) * time.Second,
			HistoryLimit: cfg.Session.HistoryLimit,
			Seeds:        cfg.TaskSpecs(),
		},
		workQueue, sched, auth, snapshots, idGen, clock,
		logger.Named("session"),
	)
	if err != nil {
		logger.Fatal("session manager init failed", zap.Error(err))
	}

	apiServer := api.NewServer(manager, workQueue, cache, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.Session.WakeIntervalMinutes > 0 {
		go runWakeLoop(ctx, manager, time.Duration(cfg.Session.WakeIntervalMinutes)*time.Minute, logger)
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	if _, err := manager.Cancel(); err == nil {
		logger.Info("running session cancelled for shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// runWakeLoop periodically starts a crawl session so the service keeps
// content fresh without an external scheduler.
func runWakeLoop(ctx context.Context, manager *session.Manager, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := manager.Start(ctx); err != nil {
				if errors.Is(err, core.ErrSessionRunning) {
					continue
				}
				logger.Error("scheduled session start failed", zap.Error(err))
			}
		}
	}
}

func buildSnapshotStore(ctx context.Context, cfg config.Config) (core.SnapshotStore, func(), error) {
	switch cfg.Snapshot.Backend {
	case "memory":
		return memorysnapshot.New(), func() {}, nil
	case "file":
		store, err := filesnapshot.New(filesnapshot.Config{BaseDir: cfg.Snapshot.Dir})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "postgres":
		store, err := postgressnapshot.New(ctx, postgressnapshot.Config{
			DSN:   cfg.Snapshot.DSN,
			Table: cfg.Snapshot.Table,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown snapshot backend %q", cfg.Snapshot.Backend)
	}
}

func buildArtifactStore(ctx context.Context, cfg config.Config) (core.ArtifactStore, error) {
	switch cfg.Artifact.Backend {
	case "memory":
		return memoryartifact.New(), nil
	case "local":
		return localartifact.New(localartifact.Config{BaseDir: cfg.Artifact.Dir})
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		return gcsartifact.New(client, gcsartifact.Config{
			Bucket: cfg.Artifact.GCSBucket,
			Prefix: cfg.Artifact.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Artifact.Backend)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (core.Publisher, error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return pubsubpublisher.New(client), nil
}

func headersFromConfig(headers map[string]string) http.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make(http.Header, len(headers))
	for k, v := range headers {
		out.Set(k, v)
	}
	return out
}
