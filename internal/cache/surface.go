// Package cache provides the paywall surface cache.
//
// Entries live in an in-memory S3-FIFO cache (otter) keyed by paywall id and
// locale. Builds are single-flight: concurrent callers for one key share a
// single build and its result. One entry may be pinned as active; it
// survives bulk eviction and capacity pressure.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"golang.org/x/sync/singleflight"

	"github.com/rafaeljc/paygate/internal/observability"
	"github.com/rafaeljc/paygate/internal/surface"
)

// Key identifies a cached surface.
type Key struct {
	PaywallID string `json:"paywall_id"`
	Locale    string `json:"locale"`
}

// String returns the storage key ("paywallID|locale").
func (k Key) String() string {
	return k.PaywallID + "|" + k.Locale
}

// BuildFunc builds the surface of a key.
type BuildFunc func(ctx context.Context) (*surface.Surface, error)

// SurfaceCache is a keyed single-flight cache of built surfaces.
type SurfaceCache struct {
	store   otter.Cache[string, *surface.Surface]
	flights singleflight.Group

	// mu guards the active pin and the eviction generations.
	mu          sync.Mutex
	activeKey   string
	activeEntry *surface.Surface
	hasActive   bool
	evictions   uint64
	removals    map[string]uint64
	logger      *slog.Logger
}

// generation identifies the eviction state a build started in.
type generation struct {
	evictions uint64
	removals  uint64
}

// NewSurfaceCache initializes the cache with a hard capacity.
// If logger is nil, it defaults to slog.Default().
func NewSurfaceCache(logger *slog.Logger, capacity int) (*SurfaceCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("surface cache capacity must be positive, got %d", capacity)
	}

	store, err := otter.MustBuilder[string, *surface.Surface](capacity).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build surface cache: %w", err)
	}

	return &SurfaceCache{
		store:    store,
		removals: make(map[string]uint64),
		logger:   logger,
	}, nil
}

// GetOrBuild returns the cached surface of key or builds it.
//
// Callers arriving while a build of key is in flight wait for it and
// receive the same handle. Remove and RemoveAllExceptActive detach the
// in-flight build from key: it still answers its own waiters, while the
// next caller starts a fresh build. The build runs detached
// from ctx, so a caller that gives up leaves the build to complete and be
// cached for the next caller. Failed builds are not cached.
func (c *SurfaceCache) GetOrBuild(ctx context.Context, key Key, build BuildFunc) (*surface.Surface, error) {
	k := key.String()
	if s, ok := c.lookup(k); ok {
		observability.SurfaceCacheHits.Inc()
		return s, nil
	}
	observability.SurfaceCacheMisses.Inc()

	ch := c.flights.DoChan(k, func() (any, error) {
		// A flight that completed between lookup and DoChan already stored it.
		if s, ok := c.lookup(k); ok {
			return s, nil
		}

		gen := c.generationOf(k)
		s, err := c.timedBuild(context.WithoutCancel(ctx), build, "success")
		if err != nil {
			c.logger.Warn("surface build failed",
				slog.String("paywall_id", key.PaywallID),
				slog.String("locale", key.Locale),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		c.storeIfCurrent(k, s, gen)
		return s, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*surface.Surface), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Rebuild always builds a fresh surface without reading or writing the
// cache. Used for debugger-launched presentations, which must reflect live
// edits.
func (c *SurfaceCache) Rebuild(ctx context.Context, build BuildFunc) (*surface.Surface, error) {
	return c.timedBuild(ctx, build, "bypass")
}

// Remove evicts key. An in-flight build of key still answers its waiters
// but is not stored.
func (c *SurfaceCache) Remove(key Key) {
	k := key.String()

	c.mu.Lock()
	c.removals[k]++
	c.mu.Unlock()

	c.flights.Forget(k)
	c.store.Delete(k)
	observability.SurfaceCacheRemovals.Inc()
	observability.SurfaceCacheItems.Set(float64(c.store.Size()))
}

// RemoveAllExceptActive evicts every entry except the active one and
// returns how many were removed. In-flight builds are not stored.
func (c *SurfaceCache) RemoveAllExceptActive() int {
	c.mu.Lock()
	c.evictions++
	activeKey, hasActive := c.activeKey, c.hasActive
	c.mu.Unlock()

	var stale []string
	c.store.Range(func(k string, _ *surface.Surface) bool {
		if !hasActive || k != activeKey {
			stale = append(stale, k)
		}
		return true
	})
	for _, k := range stale {
		c.flights.Forget(k)
		c.store.Delete(k)
	}

	observability.SurfaceCacheRemovals.Add(float64(len(stale)))
	observability.SurfaceCacheItems.Set(float64(c.store.Size()))
	c.logger.Debug("surface cache evicted", slog.Int("removed", len(stale)))
	return len(stale)
}

// SetActive pins s as the displayed surface of key.
func (c *SurfaceCache) SetActive(key Key, s *surface.Surface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeKey = key.String()
	c.activeEntry = s
	c.hasActive = true
}

// ClearActive unpins the active surface. The entry itself stays cached.
func (c *SurfaceCache) ClearActive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeKey = ""
	c.activeEntry = nil
	c.hasActive = false
}

// Active returns the pinned surface.
func (c *SurfaceCache) Active() (*surface.Surface, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeEntry, c.hasActive
}

// Len returns the number of cached entries.
func (c *SurfaceCache) Len() int {
	return c.store.Size()
}

// RunMetricsCollector periodically publishes the entry count until ctx is done.
func (c *SurfaceCache) RunMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			observability.SurfaceCacheItems.Set(float64(c.store.Size()))
		}
	}
}

// Close shuts down the cache and its background goroutines.
func (c *SurfaceCache) Close() {
	c.store.Close()
}

func (c *SurfaceCache) lookup(k string) (*surface.Surface, bool) {
	c.mu.Lock()
	if c.hasActive && c.activeKey == k {
		s := c.activeEntry
		c.mu.Unlock()
		return s, true
	}
	c.mu.Unlock()
	return c.store.Get(k)
}

func (c *SurfaceCache) generationOf(k string) generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return generation{evictions: c.evictions, removals: c.removals[k]}
}

// storeIfCurrent stores s unless k was evicted while it was being built.
func (c *SurfaceCache) storeIfCurrent(k string, s *surface.Surface, gen generation) {
	c.mu.Lock()
	current := generation{evictions: c.evictions, removals: c.removals[k]}
	if current == gen {
		c.store.Set(k, s)
	}
	c.mu.Unlock()

	if current != gen {
		c.logger.Debug("discarding surface evicted during build", slog.String("key", k))
		return
	}
	observability.SurfaceCacheItems.Set(float64(c.store.Size()))
}

func (c *SurfaceCache) timedBuild(ctx context.Context, build BuildFunc, status string) (*surface.Surface, error) {
	start := time.Now()
	s, err := build(ctx)
	observability.SurfaceBuildDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.SurfaceBuilds.WithLabelValues("error").Inc()
		return nil, err
	}
	if s == nil {
		observability.SurfaceBuilds.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("surface builder returned no surface")
	}
	observability.SurfaceBuilds.WithLabelValues(status).Inc()
	return s, nil
}
