// Package compressioncache stores compression results keyed by the content
// fingerprint of their source so identical inputs are not compressed twice.
package compressioncache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-ingest/compression"
	"github.com/bitrise-io/go-ingest/fingerprint"
	"github.com/bitrise-io/go-ingest/metrics"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Config bounds the cache. It is fixed at construction time.
type Config struct {
	MaxEntries    int
	MaxAge        time.Duration
	MaxTotalBytes int64
	// EvictionMargin is freed on top of the overflow when the byte budget is
	// exceeded, so that the next few writes do not evict again.
	EvictionMargin int64
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		MaxEntries:     100,
		MaxAge:         7 * 24 * time.Hour,
		MaxTotalBytes:  100 * 1024 * 1024,
		EvictionMargin: 10 * 1024 * 1024,
	}
}

// Stats describes the stored entries, expired ones included.
type Stats struct {
	Count           int
	TotalBytes      int64
	OldestCreatedAt time.Time
	NewestCreatedAt time.Time
}

// Cache is a size, count and age bounded compression cache. Reads never fail:
// storage errors are logged and reported as misses. Writes are serialized.
type Cache struct {
	store   Store
	config  Config
	logger  log.Logger
	metrics *metrics.Cache
	now     func() time.Time

	writeMu sync.Mutex

	queueMu sync.Mutex
	expired map[string]struct{}
}

// New creates a cache on top of store.
func New(store Store, config Config, logger log.Logger, m *metrics.Cache) *Cache {
	if logger == nil {
		logger = log.NewLogger()
	}
	d := DefaultConfig()
	if config.MaxEntries <= 0 {
		config.MaxEntries = d.MaxEntries
	}
	if config.MaxAge <= 0 {
		config.MaxAge = d.MaxAge
	}
	if config.MaxTotalBytes <= 0 {
		config.MaxTotalBytes = d.MaxTotalBytes
	}
	if config.EvictionMargin < 0 {
		config.EvictionMargin = 0
	}

	return &Cache{
		store:   store,
		config:  config,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		expired: map[string]struct{}{},
	}
}

// Config returns the configuration the cache was built with.
func (c *Cache) Config() Config {
	return c.config
}

// Lookup fingerprints src and returns the entry stored for params.
func (c *Cache) Lookup(ctx context.Context, src io.Reader, params Params) (*Entry, bool) {
	fp, err := fingerprint.Full(src)
	if err != nil {
		c.logger.Warnf("Failed to fingerprint cache lookup source: %s", err)
		c.metrics.Miss()
		return nil, false
	}
	return c.Get(ctx, fp, params)
}

// Get returns the entry stored for fingerprint and params.
func (c *Cache) Get(ctx context.Context, fingerprint string, params Params) (*Entry, bool) {
	entry, ok := c.get(ctx, Key(fingerprint, params))
	if ok {
		c.metrics.Hit()
	} else {
		c.metrics.Miss()
	}
	return entry, ok
}

// LookupLatest fingerprints src and returns its most recent entry.
func (c *Cache) LookupLatest(ctx context.Context, src io.Reader) (*Entry, bool) {
	fp, err := fingerprint.Full(src)
	if err != nil {
		c.logger.Warnf("Failed to fingerprint cache lookup source: %s", err)
		c.metrics.Miss()
		return nil, false
	}
	return c.GetLatest(ctx, fp)
}

// GetLatest returns the most recently created, non-expired entry of a
// fingerprint, whatever parameters it was stored with.
func (c *Cache) GetLatest(ctx context.Context, fingerprint string) (*Entry, bool) {
	return c.latest(ctx, fingerprint, func(Meta) bool { return true })
}

// GetLatestFor is GetLatest restricted to entries stored under profile.
func (c *Cache) GetLatestFor(ctx context.Context, fingerprint, profile string) (*Entry, bool) {
	return c.latest(ctx, fingerprint, func(m Meta) bool { return m.Profile == profile })
}

func (c *Cache) latest(ctx context.Context, fingerprint string, match func(Meta) bool) (*Entry, bool) {
	metas, err := c.store.List(ctx)
	if err != nil {
		c.logger.Warnf("Failed to list cache entries: %s", err)
		c.metrics.Miss()
		return nil, false
	}

	now := c.now()
	var latest *Meta
	for i := range metas {
		m := &metas[i]
		if m.Fingerprint != fingerprint {
			continue
		}
		if m.Expired(now) {
			c.queueExpired(m.Key)
			continue
		}
		if !match(*m) {
			continue
		}
		if latest == nil || m.CreatedAt.After(latest.CreatedAt) {
			latest = m
		}
	}

	if latest == nil {
		c.metrics.Miss()
		return nil, false
	}

	entry, ok := c.get(ctx, latest.Key)
	if ok {
		c.metrics.Hit()
	} else {
		c.metrics.Miss()
	}
	return entry, ok
}

// Has reports whether any non-expired entry exists for src. Parameters are
// not considered, so this is only an approximate check.
func (c *Cache) Has(ctx context.Context, src io.Reader) bool {
	_, ok := c.LookupLatest(ctx, src)
	return ok
}

func (c *Cache) get(ctx context.Context, key string) (*Entry, bool) {
	entry, err := c.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false
	}
	if err != nil {
		c.logger.Warnf("Failed to read cache entry %s: %s", key, err)
		return nil, false
	}

	if entry.Expired(c.now()) {
		c.logger.Debugf("Cache entry %s expired at %s", key, entry.ExpiresAt)
		c.queueExpired(key)
		return nil, false
	}

	return entry, true
}

func (c *Cache) queueExpired(key string) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	c.expired[key] = struct{}{}
}

func (c *Cache) takeExpired() map[string]struct{} {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	queued := c.expired
	c.expired = map[string]struct{}{}
	return queued
}

// Store fingerprints src and stores result for it.
func (c *Cache) Store(ctx context.Context, src io.Reader, result compression.Result) (*Entry, error) {
	fp, err := fingerprint.Full(src)
	if err != nil {
		return nil, err
	}
	return c.Put(ctx, fp, result)
}

// Put stores result under fingerprint. Entries over the count or byte budget
// are evicted oldest first in the same write as the new entry.
func (c *Cache) Put(ctx context.Context, fingerprint string, result compression.Result) (*Entry, error) {
	return c.PutFor(ctx, fingerprint, "", "", result)
}

// PutFor is Put for a result the compressor profile produced from the file
// sourceName.
func (c *Cache) PutFor(ctx context.Context, fingerprint, profile, sourceName string, result compression.Result) (*Entry, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	now := c.now()
	entry := &Entry{
		Meta: Meta{
			Key:              ProfileKey(fingerprint, profile, ParamsOf(result)),
			Fingerprint:      fingerprint,
			Profile:          profile,
			SourceName:       sourceName,
			FileName:         result.FileName,
			OriginalSize:     result.OriginalSize,
			CompressedSize:   int64(len(result.Data)),
			Width:            result.Width,
			Height:           result.Height,
			CompressionRatio: result.CompressionRatio,
			CreatedAt:        now,
			ExpiresAt:        now.Add(c.config.MaxAge),
		},
		Data: result.Data,
	}

	if entry.CompressedSize > c.config.MaxTotalBytes {
		c.metrics.WriteFailed()
		return nil, fmt.Errorf("%s (%d bytes): %w", entry.Key, entry.CompressedSize, ErrEntryTooLarge)
	}

	metas, err := c.store.List(ctx)
	if err != nil {
		c.metrics.WriteFailed()
		return nil, fmt.Errorf("list cache entries: %w", err)
	}

	plan := c.planEviction(metas, entry.Meta, now)
	if err := c.store.Write(ctx, Batch{Deletes: plan.deletes(), Put: entry}); err != nil {
		c.metrics.WriteFailed()
		return nil, fmt.Errorf("write cache entry: %w", err)
	}

	c.metrics.Evicted(metrics.EvictionExpired, len(plan.expired))
	c.metrics.Evicted(metrics.EvictionCapacity, len(plan.capacity))
	c.metrics.Evicted(metrics.EvictionSize, len(plan.size))
	c.metrics.SetSize(plan.keptCount+1, plan.keptBytes+entry.CompressedSize)

	if n := len(plan.capacity) + len(plan.size); n > 0 {
		c.logger.Debugf("Evicted %d cache entries to make room for %s", n, entry.Key)
	}

	return entry, nil
}

type evictionPlan struct {
	expired   []string
	capacity  []string
	size      []string
	keptCount int
	keptBytes int64
}

func (p evictionPlan) deletes() []string {
	var keys []string
	keys = append(keys, p.expired...)
	keys = append(keys, p.capacity...)
	keys = append(keys, p.size...)
	return keys
}

func (c *Cache) planEviction(metas []Meta, incoming Meta, now time.Time) evictionPlan {
	var plan evictionPlan

	queued := c.takeExpired()

	var live []Meta
	for _, m := range metas {
		if m.Key == incoming.Key {
			// replaced by the new entry
			continue
		}
		if _, ok := queued[m.Key]; ok || m.Due(now) {
			plan.expired = append(plan.expired, m.Key)
			continue
		}
		live = append(live, m)
	}

	sort.SliceStable(live, func(i, j int) bool {
		return live[i].CreatedAt.Before(live[j].CreatedAt)
	})

	if overflow := len(live) + 1 - c.config.MaxEntries; overflow > 0 {
		for _, m := range live[:overflow] {
			plan.capacity = append(plan.capacity, m.Key)
		}
		live = live[overflow:]
	}

	var total int64
	for _, m := range live {
		total += m.CompressedSize
	}

	if overflow := total + incoming.CompressedSize - c.config.MaxTotalBytes; overflow > 0 {
		target := overflow + c.config.EvictionMargin
		var freed int64
		i := 0
		for ; i < len(live) && freed < target; i++ {
			freed += live[i].CompressedSize
			plan.size = append(plan.size, live[i].Key)
		}
		live = live[i:]
		total -= freed
	}

	plan.keptCount = len(live)
	plan.keptBytes = total
	return plan
}

// EvictExpired deletes every expired entry and returns how many were removed.
func (c *Cache) EvictExpired(ctx context.Context) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	metas, err := c.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cache entries: %w", err)
	}

	c.takeExpired()
	now := c.now()

	var deletes []string
	var keptCount int
	var keptBytes int64
	for _, m := range metas {
		if m.Due(now) {
			deletes = append(deletes, m.Key)
			continue
		}
		keptCount++
		keptBytes += m.CompressedSize
	}

	if len(deletes) == 0 {
		return 0, nil
	}

	if err := c.store.Write(ctx, Batch{Deletes: deletes}); err != nil {
		c.metrics.WriteFailed()
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}

	c.metrics.Evicted(metrics.EvictionExpired, len(deletes))
	c.metrics.SetSize(keptCount, keptBytes)
	c.logger.Debugf("Removed %d expired cache entries", len(deletes))

	return len(deletes), nil
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.takeExpired()
	if err := c.store.Clear(ctx); err != nil {
		c.metrics.WriteFailed()
		return fmt.Errorf("clear cache: %w", err)
	}
	c.metrics.SetSize(0, 0)
	return nil
}

// Stats summarizes the stored entries.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	metas, err := c.store.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list cache entries: %w", err)
	}

	var stats Stats
	for _, m := range metas {
		stats.Count++
		stats.TotalBytes += m.CompressedSize
		if stats.OldestCreatedAt.IsZero() || m.CreatedAt.Before(stats.OldestCreatedAt) {
			stats.OldestCreatedAt = m.CreatedAt
		}
		if m.CreatedAt.After(stats.NewestCreatedAt) {
			stats.NewestCreatedAt = m.CreatedAt
		}
	}
	return stats, nil
}

// Close closes the backing store.
func (c *Cache) Close() error {
	return c.store.Close()
}
