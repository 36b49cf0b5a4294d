// Package synccache implements the incremental sync cache: conditional
// re-fetch, content fingerprinting, change detection, and targeted
// recrawl planning. The cache exclusively owns cache-store mutation.
package synccache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/edusync/harvester/internal/core"
	"github.com/edusync/harvester/internal/metrics"
)

const (
	entriesKey = "cache/entries"
	signalsKey = "cache/signals"
)

// recentSignalWindow bounds what counts as a "recent change" when
// planning a targeted recrawl.
const recentSignalWindow = time.Hour

// Config controls cache freshness and capacity.
type Config struct {
	// MaxCacheAge is the staleness threshold; entries checked longer ago
	// than this are refreshed.
	MaxCacheAge time.Duration
	// ForceRefreshInterval is the hard ceiling: entries whose content has
	// not changed for this long are refreshed unconditionally, even if
	// they keep validating as unchanged.
	ForceRefreshInterval time.Duration
	// MaxEntries is the eviction ceiling; TrimTo is the floor evicted
	// down to once the ceiling is reached.
	MaxEntries int
	TrimTo     int
	// SignalHistory caps the per-URL change-signal history.
	SignalHistory int
	// Topic is the publish destination for change signals. Empty
	// disables publishing.
	Topic string
}

func (c *Config) applyDefaults() {
	if c.MaxCacheAge <= 0 {
		c.MaxCacheAge = 30 * time.Minute
	}
	if c.ForceRefreshInterval <= 0 {
		c.ForceRefreshInterval = 24 * time.Hour
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 2000
	}
	if c.TrimTo <= 0 || c.TrimTo >= c.MaxEntries {
		c.TrimTo = c.MaxEntries * 4 / 5
	}
	if c.SignalHistory <= 0 {
		c.SignalHistory = 20
	}
}

// Cache decides whether a resource fetch is needed, performs conditional
// fetches, and emits change signals when fingerprints differ.
type Cache struct {
	mu      sync.Mutex
	index   *lru.Cache[string, *core.CacheEntry]
	signals map[string][]core.ChangeSignal

	cfg       Config
	fetcher   core.Fetcher
	hasher    core.Hasher
	clock     core.Clock
	store     core.SnapshotStore
	publisher core.Publisher
	logger    *zap.Logger
}

// New constructs a Cache and restores persisted entries and signals.
func New(
	cfg Config,
	fetcher core.Fetcher,
	hasher core.Hasher,
	clock core.Clock,
	store core.SnapshotStore,
	publisher core.Publisher,
	logger *zap.Logger,
) (*Cache, error) {
	cfg.applyDefaults()
	// Capacity is one above the ceiling so the recency index itself never
	// silently evicts; trimming to the floor is handled explicitly.
	index, err := lru.New[string, *core.CacheEntry](cfg.MaxEntries + 1)
	if err != nil {
		return nil, fmt.Errorf("build cache index: %w", err)
	}
	c := &Cache{
		index:     index,
		signals:   make(map[string][]core.ChangeSignal),
		cfg:       cfg,
		fetcher:   fetcher,
		hasher:    hasher,
		clock:     clock,
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
	if err := c.restore(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) restore() error {
	var entries []core.CacheEntry
	err := c.store.Load(context.Background(), entriesKey, &entries)
	if err != nil && !errors.Is(err, core.ErrSnapshotNotFound) {
		return fmt.Errorf("restore cache entries: %w", err)
	}
	// Entries are persisted oldest-checked first, so re-adding in order
	// rebuilds the recency index.
	for i := range entries {
		e := entries[i]
		c.index.Add(e.URL, &e)
	}
	c.trimLocked()

	var signals map[string][]core.ChangeSignal
	err = c.store.Load(context.Background(), signalsKey, &signals)
	if err != nil && !errors.Is(err, core.ErrSnapshotNotFound) {
		return fmt.Errorf("restore change signals: %w", err)
	}
	if signals != nil {
		c.signals = signals
	}
	return nil
}

// ShouldRefresh reports whether url needs a fresh fetch.
func (c *Cache) ShouldRefresh(url string, force bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.index.Peek(url)
	return c.shouldRefreshLocked(entry, ok, force)
}

func (c *Cache) shouldRefreshLocked(entry *core.CacheEntry, ok, force bool) bool {
	if force || !ok || entry.NeverFetched() {
		return true
	}
	now := c.clock.Now()
	if now.Sub(entry.LastChecked) > c.cfg.MaxCacheAge {
		return true
	}
	// Hard ceiling: never trust an entry indefinitely, even one that
	// validates as unchanged on every check.
	if now.Sub(entry.LastChanged) > c.cfg.ForceRefreshInterval {
		return true
	}
	return false
}

// Sync resolves url through the cache. Fresh entries are served from
// cache; otherwise a conditional fetch revalidates the resource, the
// fingerprint is recomputed over normalized content, and a change signal
// is appended when it differs from the prior entry.
func (c *Cache) Sync(ctx context.Context, url string, force bool) (core.SyncResult, error) {
	c.mu.Lock()
	entry, ok := c.index.Get(url)
	if !c.shouldRefreshLocked(entry, ok, force) {
		entry.HitCount++
		res := core.SyncResult{
			URL:             url,
			ServedFromCache: true,
			Fingerprint:     entry.Fingerprint,
			ETag:            entry.ETag,
			LastModified:    entry.LastModified,
		}
		c.persistEntriesLocked(ctx)
		c.mu.Unlock()
		metrics.ObserveSync("cache_hit")
		return res, nil
	}
	headers := http.Header{}
	if ok {
		if entry.ETag != "" {
			headers.Set("If-None-Match", entry.ETag)
		}
		if entry.LastModified != "" {
			headers.Set("If-Modified-Since", entry.LastModified)
		}
	}
	c.mu.Unlock()

	start := time.Now()
	resp, err := c.fetcher.Fetch(ctx, core.FetchRequest{URL: url, Headers: headers})
	metrics.ObserveSyncFetch(time.Since(start))
	if err != nil {
		metrics.ObserveSync("error")
		return core.SyncResult{}, fmt.Errorf("sync fetch %s: %w", url, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return c.applyNotModified(ctx, url), nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		res := c.applyRemoved(ctx, url)
		return res, core.ClassifyStatus(resp.StatusCode, url)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		metrics.ObserveSync("error")
		return core.SyncResult{}, core.ClassifyStatus(resp.StatusCode, url)
	}

	return c.applyContent(ctx, url, resp.Body, resp.Headers.Get("ETag"), resp.Headers.Get("Last-Modified"))
}

// Ingest records content obtained outside the fetch path (rendered
// markup) through the same normalize/fingerprint/signal flow.
func (c *Cache) Ingest(ctx context.Context, url string, content []byte) (core.SyncResult, error) {
	return c.applyContent(ctx, url, content, "", "")
}

func (c *Cache) applyNotModified(ctx context.Context, url string) core.SyncResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	entry, ok := c.index.Get(url)
	if !ok {
		// A 304 without a prior entry means validators were sent from a
		// lost snapshot; treat as unchanged but unknown.
		entry = &core.CacheEntry{URL: url, LastChanged: now}
		c.insertLocked(url, entry)
	}
	entry.LastChecked = now
	c.persistEntriesLocked(ctx)
	metrics.ObserveSync("not_modified")
	return core.SyncResult{
		URL:          url,
		Changed:      false,
		Fingerprint:  entry.Fingerprint,
		ETag:         entry.ETag,
		LastModified: entry.LastModified,
	}
}

func (c *Cache) applyRemoved(ctx context.Context, url string) core.SyncResult {
	c.mu.Lock()
	now := c.clock.Now()
	entry, ok := c.index.Get(url)
	var signal *core.ChangeSignal
	changed := false
	if ok && entry.Fingerprint != "" {
		signal = c.appendSignalLocked(core.ChangeSignal{
			URL:        url,
			Kind:       core.ChangeRemoved,
			DetectedAt: now,
			PrevDigest: entry.Fingerprint,
		})
		entry.Fingerprint = ""
		entry.LastChecked = now
		entry.LastChanged = now
		changed = true
		c.persistEntriesLocked(ctx)
		c.persistSignalsLocked(ctx)
	}
	c.mu.Unlock()
	if signal != nil {
		c.publish(ctx, *signal)
	}
	return core.SyncResult{URL: url, Changed: changed}
}

func (c *Cache) applyContent(ctx context.Context, url string, body []byte, etag, lastModified string) (core.SyncResult, error) {
	digest, err := c.hasher.Hash(Normalize(body))
	if err != nil {
		return core.SyncResult{}, fmt.Errorf("fingerprint %s: %w", url, err)
	}

	c.mu.Lock()
	now := c.clock.Now()
	entry, ok := c.index.Get(url)
	if !ok {
		entry = &core.CacheEntry{URL: url}
		c.insertLocked(url, entry)
	}
	prevDigest := entry.Fingerprint
	changed := digest != prevDigest
	var signal *core.ChangeSignal
	if changed {
		kind := core.ChangeModified
		if prevDigest == "" {
			kind = core.ChangeAdded
		}
		signal = c.appendSignalLocked(core.ChangeSignal{
			URL:         url,
			Kind:        kind,
			DetectedAt:  now,
			PrevDigest:  prevDigest,
			Fingerprint: digest,
		})
		entry.LastChanged = now
	}
	entry.Fingerprint = digest
	entry.LastChecked = now
	if etag != "" {
		entry.ETag = etag
	}
	if lastModified != "" {
		entry.LastModified = lastModified
	}
	c.persistEntriesLocked(ctx)
	if signal != nil {
		c.persistSignalsLocked(ctx)
	}
	res := core.SyncResult{
		URL:          url,
		Changed:      changed,
		Fingerprint:  digest,
		ETag:         entry.ETag,
		LastModified: entry.LastModified,
		Body:         body,
	}
	c.mu.Unlock()

	if signal != nil {
		c.publish(ctx, *signal)
		metrics.ObserveSync("changed")
	} else {
		metrics.ObserveSync("unchanged")
	}
	return res, nil
}

// PlanTargetedRecrawl merges URLs with a change signal inside the last
// hour (priority 10) and URLs whose last check exceeds the staleness
// threshold (priority 5), ordered by priority descending.
func (c *Cache) PlanTargetedRecrawl() []core.RecrawlTarget {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	targets := make(map[string]core.RecrawlTarget)
	for url, sigs := range c.signals {
		if len(sigs) == 0 {
			continue
		}
		last := sigs[len(sigs)-1]
		if now.Sub(last.DetectedAt) <= recentSignalWindow {
			targets[url] = core.RecrawlTarget{URL: url, Priority: 10, Reason: "recent change"}
		}
	}
	for _, url := range c.index.Keys() {
		if _, taken := targets[url]; taken {
			continue
		}
		entry, ok := c.index.Peek(url)
		if !ok {
			continue
		}
		if now.Sub(entry.LastChecked) > c.cfg.MaxCacheAge {
			targets[url] = core.RecrawlTarget{URL: url, Priority: 5, Reason: "stale"}
		}
	}
	plan := make([]core.RecrawlTarget, 0, len(targets))
	for _, t := range targets {
		plan = append(plan, t)
	}
	sort.Slice(plan, func(i, j int) bool {
		if plan[i].Priority != plan[j].Priority {
			return plan[i].Priority > plan[j].Priority
		}
		return plan[i].URL < plan[j].URL
	})
	return plan
}

// Changes returns the recorded signal history for url, oldest first.
func (c *Cache) Changes(url string) []core.ChangeSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	sigs := c.signals[url]
	out := make([]core.ChangeSignal, len(sigs))
	copy(out, sigs)
	return out
}

// Entry returns the cache entry for url, if present.
func (c *Cache) Entry(url string) (core.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.index.Peek(url)
	if !ok {
		return core.CacheEntry{}, false
	}
	return *entry, true
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Len()
}

// Purge removes the entry and signal history for url.
func (c *Cache) Purge(ctx context.Context, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index.Remove(url)
	delete(c.signals, url)
	c.persistEntriesLocked(ctx)
	c.persistSignalsLocked(ctx)
}

func (c *Cache) insertLocked(url string, entry *core.CacheEntry) {
	if c.index.Len() >= c.cfg.MaxEntries {
		c.trimToFloorLocked()
	}
	c.index.Add(url, entry)
}

// trimToFloorLocked evicts least-recently-checked entries down to the
// configured floor.
func (c *Cache) trimToFloorLocked() {
	evicted := 0
	for c.index.Len() > c.cfg.TrimTo {
		if _, _, ok := c.index.RemoveOldest(); !ok {
			break
		}
		evicted++
	}
	if evicted > 0 {
		c.logger.Info("evicted cache entries", zap.Int("count", evicted), zap.Int("floor", c.cfg.TrimTo))
	}
}

func (c *Cache) trimLocked() {
	if c.index.Len() > c.cfg.MaxEntries {
		c.trimToFloorLocked()
	}
}

func (c *Cache) appendSignalLocked(signal core.ChangeSignal) *core.ChangeSignal {
	sigs := append(c.signals[signal.URL], signal)
	if len(sigs) > c.cfg.SignalHistory {
		sigs = sigs[len(sigs)-c.cfg.SignalHistory:]
	}
	c.signals[signal.URL] = sigs
	metrics.ObserveChangeSignal(string(signal.Kind))
	return &signal
}

func (c *Cache) persistEntriesLocked(ctx context.Context) {
	keys := c.index.Keys() // oldest-checked first
	entries := make([]core.CacheEntry, 0, len(keys))
	for _, k := range keys {
		if e, ok := c.index.Peek(k); ok {
			entries = append(entries, *e)
		}
	}
	if err := c.store.Save(ctx, entriesKey, entries); err != nil {
		c.logger.Error("persist cache entries failed", zap.Error(err))
	}
}

func (c *Cache) persistSignalsLocked(ctx context.Context) {
	if err := c.store.Save(ctx, signalsKey, c.signals); err != nil {
		c.logger.Error("persist change signals failed", zap.Error(err))
	}
}

func (c *Cache) publish(ctx context.Context, signal core.ChangeSignal) {
	if c.publisher == nil || c.cfg.Topic == "" {
		return
	}
	if _, err := c.publisher.Publish(ctx, c.cfg.Topic, signal); err != nil {
		c.logger.Warn("publish change signal failed",
			zap.String("url", signal.URL),
			zap.Error(err),
		)
	}
}
