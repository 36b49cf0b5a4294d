// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/edusync/harvester/internal/core"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Session   SessionConfig   `mapstructure:"session"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Render    RenderConfig    `mapstructure:"render"`
	Artifact  ArtifactConfig  `mapstructure:"artifact"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Seeds     []SeedConfig    `mapstructure:"seeds"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SessionConfig governs crawl session lifecycle.
type SessionConfig struct {
	MaxDurationMinutes  int `mapstructure:"max_duration_minutes"`
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	HistoryLimit        int `mapstructure:"history_limit"`
	WakeIntervalMinutes int `mapstructure:"wake_interval_minutes"`
}

// QueueConfig governs task admission.
type QueueConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// SchedulerConfig bounds concurrent task execution.
type SchedulerConfig struct {
	Concurrency        int `mapstructure:"concurrency"`
	TickIntervalMs     int `mapstructure:"tick_interval_ms"`
	TaskTimeoutSeconds int `mapstructure:"task_timeout_seconds"`
}

// RetryConfig shapes the exponential backoff between attempts.
type RetryConfig struct {
	BaseDelayMs    int `mapstructure:"base_delay_ms"`
	CeilingDelayMs int `mapstructure:"ceiling_delay_ms"`
}

// CacheConfig governs the incremental sync cache.
type CacheConfig struct {
	MaxAgeMinutes     int `mapstructure:"max_age_minutes"`
	ForceRefreshHours int `mapstructure:"force_refresh_hours"`
	MaxEntries        int `mapstructure:"max_entries"`
	TrimTo            int `mapstructure:"trim_to"`
	SignalHistory     int `mapstructure:"signal_history"`
}

// FetchConfig configures the authenticated HTTP fetcher.
type FetchConfig struct {
	UserAgent      string            `mapstructure:"user_agent"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	Headers        map[string]string `mapstructure:"headers"`
	AuthProbeURL   string            `mapstructure:"auth_probe_url"`
}

// RenderConfig configures the headless rendering subsystem.
type RenderConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	MaxParallel       int    `mapstructure:"max_parallel"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	WaitSelector      string `mapstructure:"wait_selector"`
}

// ArtifactConfig selects and configures the artifact store backend.
type ArtifactConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// SnapshotConfig selects and configures the snapshot store backend.
type SnapshotConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

// PubSubConfig holds metadata for change-signal notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SeedConfig describes one root task to enqueue when a session starts.
type SeedConfig struct {
	Kind     string `mapstructure:"kind"`
	URL      string `mapstructure:"url"`
	Priority int    `mapstructure:"priority"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("session.max_duration_minutes", 30)
	v.SetDefault("session.poll_interval_seconds", 1)
	v.SetDefault("session.history_limit", 20)
	v.SetDefault("session.wake_interval_minutes", 0)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.tick_interval_ms", 1000)
	v.SetDefault("scheduler.task_timeout_seconds", 60)
	v.SetDefault("retry.base_delay_ms", 500)
	v.SetDefault("retry.ceiling_delay_ms", 30000)
	v.SetDefault("cache.max_age_minutes", 30)
	v.SetDefault("cache.force_refresh_hours", 24)
	v.SetDefault("cache.max_entries", 2000)
	v.SetDefault("cache.signal_history", 20)
	v.SetDefault("fetch.user_agent", "edusync-harvester/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("render.enabled", false)
	v.SetDefault("render.max_parallel", 1)
	v.SetDefault("render.nav_timeout_seconds", 45)
	v.SetDefault("artifact.backend", "memory")
	v.SetDefault("artifact.prefix", "pages")
	v.SetDefault("snapshot.backend", "memory")
	v.SetDefault("snapshot.table", "harvester_snapshots")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be > 0")
	}
	if c.Cache.TrimTo < 0 || c.Cache.TrimTo > c.Cache.MaxEntries {
		return fmt.Errorf("cache.trim_to must be between 0 and cache.max_entries")
	}
	if c.Render.Enabled && c.Render.MaxParallel <= 0 {
		return fmt.Errorf("render.max_parallel must be > 0 when rendering is enabled")
	}
	switch c.Artifact.Backend {
	case "memory":
	case "local":
		if c.Artifact.Dir == "" {
			return fmt.Errorf("artifact.dir must be set for the local backend")
		}
	case "gcs":
		if c.Artifact.GCSBucket == "" {
			return fmt.Errorf("artifact.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown artifact.backend %q", c.Artifact.Backend)
	}
	switch c.Snapshot.Backend {
	case "memory":
	case "file":
		if c.Snapshot.Dir == "" {
			return fmt.Errorf("snapshot.dir must be set for the file backend")
		}
	case "postgres":
		if c.Snapshot.DSN == "" {
			return fmt.Errorf("snapshot.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown snapshot.backend %q", c.Snapshot.Backend)
	}
	for i, seed := range c.Seeds {
		if seed.URL == "" {
			return fmt.Errorf("seeds[%d].url must be set", i)
		}
		if !validSeedKind(seed.Kind) {
			return fmt.Errorf("seeds[%d].kind %q is not a known task kind", i, seed.Kind)
		}
	}
	return nil
}

func validSeedKind(kind string) bool {
	switch core.TaskKind(kind) {
	case core.KindIndexPage, core.KindSectionList, core.KindItemDetail, core.KindFile:
		return true
	}
	return false
}

// TaskSpecs converts configured seeds into queue task specs.
func (c Config) TaskSpecs() []core.TaskSpec {
	specs := make([]core.TaskSpec, 0, len(c.Seeds))
	for _, seed := range c.Seeds {
		specs = append(specs, core.TaskSpec{
			Kind:     core.TaskKind(seed.Kind),
			URL:      seed.URL,
			Priority: seed.Priority,
		})
	}
	return specs
}

// FetchTimeout converts the fetch timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}
