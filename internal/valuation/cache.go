package valuation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"cryptocheckout/internal/asset"
	"cryptocheckout/internal/metrics"
)

// Cache memoizes valuation results per asset. Within TTL it answers from
// memory; on expiry the first caller refreshes while concurrent callers share
// that in-flight fetch. When the upstream is down, a value no older than the
// stale ceiling is still served.
type Cache struct {
	provider Provider
	ttl      time.Duration
	stale    time.Duration

	mu      sync.RWMutex
	entries map[asset.Asset]entry
	group   singleflight.Group

	now func() time.Time
}

type entry struct {
	result    Result
	fetchedAt time.Time
}

func NewCache(provider Provider, ttl, staleCeiling time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if staleCeiling <= 0 {
		staleCeiling = 30 * time.Minute
	}
	// The ceiling never undercuts the TTL; anything fresh enough to serve
	// normally is also an acceptable stale fallback.
	if staleCeiling < ttl {
		staleCeiling = ttl
	}
	return &Cache{
		provider: provider,
		ttl:      ttl,
		stale:    staleCeiling,
		entries:  make(map[asset.Asset]entry),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (c *Cache) Get(ctx context.Context, a asset.Asset) (Result, error) {
	if _, err := asset.Parse(a.String()); err != nil {
		return Result{}, err
	}

	if res, ok := c.fresh(a); ok {
		metrics.ValuationCacheHits.Inc()
		return res, nil
	}
	metrics.ValuationCacheMisses.Inc()

	v, err, _ := c.group.Do(a.String(), func() (any, error) {
		// Re-check under the flight: a concurrent caller may have
		// populated the entry while this one queued.
		if res, ok := c.fresh(a); ok {
			return res, nil
		}

		res, err := c.provider.Fetch(ctx, a)
		if err == nil {
			c.put(a, res)
			return res, nil
		}

		if stale, ok := c.usableStale(a); ok {
			metrics.ValuationStaleServes.Inc()
			return stale, nil
		}
		return Result{}, fmt.Errorf("valuation for %s: %w", a, err)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (c *Cache) fresh(a asset.Asset) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[a]
	if !ok {
		return Result{}, false
	}
	if c.now().Sub(e.fetchedAt) >= c.ttl {
		return Result{}, false
	}
	return e.result, true
}

func (c *Cache) usableStale(a asset.Asset) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[a]
	if !ok {
		return Result{}, false
	}
	if c.now().Sub(e.fetchedAt) > c.stale {
		return Result{}, false
	}
	return e.result, true
}

func (c *Cache) put(a asset.Asset, res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[a] = entry{result: res, fetchedAt: c.now()}
}
