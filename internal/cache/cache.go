package cache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mediafetch/mediafetch/internal/logger"
	"github.com/mediafetch/mediafetch/internal/media"
	"github.com/mediafetch/mediafetch/internal/metrics"
)

const (
	DefaultTTL            = 5 * time.Minute
	DefaultMaxEntries     = 1000
	DefaultComputeTimeout = 2 * time.Minute
)

// ComputeFunc produces metadata on a cache miss
type ComputeFunc func(ctx context.Context) (*media.MediaMetadata, error)

// Remote is an optional shared tier consulted on local misses.
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Config configures a MetadataCache
type Config struct {
	TTL            time.Duration
	MaxEntries     int
	ComputeTimeout time.Duration
	Remote         Remote
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// entry is replaced wholesale on refresh, never mutated.
type entry struct {
	meta     *media.MediaMetadata
	inserted time.Time
	expires  time.Time
}

// Stats is a point-in-time view of cache activity
type Stats struct {
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Computes uint64 `json:"computes"`
	Entries  int    `json:"entries"`
}

// MetadataCache maps canonical URLs to metadata for a fixed TTL. Concurrent
// misses for one key share a single compute call.
type MetadataCache struct {
	mu      sync.RWMutex
	entries map[string]entry

	group singleflight.Group
	cfg   Config
	log   *logger.Logger

	hits, misses, computes atomic.Uint64
}

// New creates a MetadataCache, filling unset config with defaults
func New(cfg Config) *MetadataCache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.ComputeTimeout <= 0 {
		cfg.ComputeTimeout = DefaultComputeTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &MetadataCache{
		entries: make(map[string]entry),
		cfg:     cfg,
		log:     logger.Default().WithComponent("cache"),
	}
}

// Get returns a live entry for key without computing
func (c *MetadataCache) Get(key string) (*media.MediaMetadata, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || !c.cfg.Now().Before(e.expires) {
		return nil, false
	}
	return e.meta, true
}

// GetOrCompute returns cached metadata for key, or runs compute once for all
// concurrent callers. Errors are returned to every waiter and never cached.
func (c *MetadataCache) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) (*media.MediaMetadata, error) {
	if meta, ok := c.Get(key); ok {
		c.hits.Add(1)
		c.cfg.Metrics.IncCounter("cache_requests_total", "result", "hit")
		return meta, nil
	}
	c.misses.Add(1)
	c.cfg.Metrics.IncCounter("cache_requests_total", "result", "miss")

	// The flight outlives any single caller so one cancelled request
	// does not fail the others waiting on it.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		if meta, ok := c.Get(key); ok {
			return meta, nil
		}

		cctx, cancel := context.WithTimeout(flightCtx, c.cfg.ComputeTimeout)
		defer cancel()

		if meta, expires, ok := c.loadRemote(cctx, key); ok {
			c.storeUntil(key, meta, expires)
			return meta, nil
		}

		c.computes.Add(1)
		meta, err := compute(cctx)
		if err != nil {
			return nil, err
		}

		c.store(key, meta)
		c.saveRemote(cctx, key, meta)
		return meta, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*media.MediaMetadata), nil
	}
}

// Invalidate drops key from the local tier
func (c *MetadataCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *MetadataCache) store(key string, meta *media.MediaMetadata) {
	c.storeUntil(key, meta, c.cfg.Now().Add(c.cfg.TTL))
}

// storeUntil inserts meta with an absolute expiry, so entries copied from the
// remote tier keep the lifetime they were computed with.
func (c *MetadataCache) storeUntil(key string, meta *media.MediaMetadata, expires time.Time) {
	now := c.cfg.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{meta: meta, inserted: now, expires: expires}
	if len(c.entries) > c.cfg.MaxEntries {
		c.evictLocked(now)
	}
	c.cfg.Metrics.SetGauge("cache_entries", float64(len(c.entries)))
}

// evictLocked drops expired entries, then the oldest until under the cap.
func (c *MetadataCache) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}

	excess := len(c.entries) - c.cfg.MaxEntries
	if excess <= 0 {
		return
	}

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].inserted.Before(c.entries[keys[j]].inserted)
	})
	for _, k := range keys[:excess] {
		delete(c.entries, k)
	}
}

// Purge removes expired entries and returns how many were dropped
func (c *MetadataCache) Purge() int {
	now := c.cfg.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			removed++
		}
	}
	c.cfg.Metrics.SetGauge("cache_entries", float64(len(c.entries)))
	return removed
}

// Start purges expired entries every TTL until ctx is done
func (c *MetadataCache) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.cfg.TTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Purge(); n > 0 {
					c.log.Debug(ctx, "purged expired metadata", map[string]interface{}{"removed": n})
				}
			}
		}
	}()
}

// Stats returns current counters
func (c *MetadataCache) Stats() Stats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()

	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Computes: c.computes.Load(),
		Entries:  n,
	}
}

func (c *MetadataCache) loadRemote(ctx context.Context, key string) (*media.MediaMetadata, time.Time, bool) {
	if c.cfg.Remote == nil {
		return nil, time.Time{}, false
	}

	data, ok, err := c.cfg.Remote.Get(ctx, key)
	if err != nil {
		c.log.Warn(ctx, "remote cache read failed", map[string]interface{}{"key": key, "error": err.Error()})
		return nil, time.Time{}, false
	}
	if !ok {
		return nil, time.Time{}, false
	}

	var rec remoteRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Meta == nil {
		c.log.Warn(ctx, "remote cache entry unreadable", map[string]interface{}{"key": key})
		return nil, time.Time{}, false
	}

	now := c.cfg.Now()
	expires := rec.Expires
	if expires.IsZero() || expires.After(now.Add(c.cfg.TTL)) {
		expires = now.Add(c.cfg.TTL)
	}
	if !now.Before(expires) {
		return nil, time.Time{}, false
	}

	for i := range rec.Meta.Formats {
		rec.Meta.Formats[i].SourceURL = rec.Sources[rec.Meta.Formats[i].ID]
	}
	c.cfg.Metrics.IncCounter("cache_requests_total", "result", "remote_hit")
	return rec.Meta, expires, true
}

// remoteRecord carries source URLs alongside metadata, since FormatDescriptor
// never serializes them.
type remoteRecord struct {
	Meta    *media.MediaMetadata `json:"meta"`
	Sources map[string]string    `json:"sources,omitempty"`
	Expires time.Time            `json:"expires"`
}

func (c *MetadataCache) saveRemote(ctx context.Context, key string, meta *media.MediaMetadata) {
	if c.cfg.Remote == nil {
		return
	}

	rec := remoteRecord{
		Meta:    meta,
		Sources: make(map[string]string, len(meta.Formats)),
		Expires: c.cfg.Now().Add(c.cfg.TTL),
	}
	for _, f := range meta.Formats {
		if f.SourceURL != "" {
			rec.Sources[f.ID] = f.SourceURL
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.cfg.Remote.Set(ctx, key, data, c.cfg.TTL); err != nil {
		c.log.Warn(ctx, "remote cache write failed", map[string]interface{}{"key": key, "error": err.Error()})
	}
}
