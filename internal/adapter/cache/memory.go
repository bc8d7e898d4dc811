package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/model"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/ports"
	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/logger"
	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/utils"
)

// MemoryCache keeps one slot per data shape. There is no TTL: the sync
// service replaces or invalidates entries when it writes.
type MemoryCache struct {
	mutex      sync.RWMutex
	current    *model.CacheEntry[*model.RateSnapshot]
	historical map[string]historicalEntry
	trends     *model.CacheEntry[model.TrendSet]
	log        *logger.Logger
}

type historicalEntry struct {
	key   ports.HistoricalKey
	entry model.CacheEntry[[]model.RatePoint]
}

func NewMemoryCache(log *logger.Logger) *MemoryCache {
	return &MemoryCache{
		historical: make(map[string]historicalEntry),
		log:        log,
	}
}

func getCacheKey(key ports.HistoricalKey) string {
	return fmt.Sprintf("%s-%s-%s", key.Currency, utils.FormatDate(key.StartDate), utils.FormatDate(key.EndDate))
}

func (c *MemoryCache) GetCurrent(ctx context.Context) (model.CacheEntry[*model.RateSnapshot], bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.current == nil {
		c.log.Debug("Cache miss", "shape", "current")
		return model.CacheEntry[*model.RateSnapshot]{}, false
	}
	c.log.Debug("Cache hit", "shape", "current")
	return *c.current, true
}

func (c *MemoryCache) SetCurrent(ctx context.Context, entry model.CacheEntry[*model.RateSnapshot]) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.current = &entry
	c.log.Debug("Cache set", "shape", "current", "as_of", utils.FormatDate(entry.AsOf))
}

func (c *MemoryCache) GetHistorical(ctx context.Context, key ports.HistoricalKey) (model.CacheEntry[[]model.RatePoint], bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	cacheKey := getCacheKey(key)
	if hit, found := c.historical[cacheKey]; found {
		c.log.Debug("Cache hit", "key", cacheKey)
		entry := hit.entry
		entry.Value = append([]model.RatePoint(nil), hit.entry.Value...)
		return entry, true
	}

	start, end := utils.NormalizeDate(key.StartDate), utils.NormalizeDate(key.EndDate)
	for _, candidate := range c.historical {
		if candidate.key.Currency != key.Currency {
			continue
		}
		if candidate.key.StartDate.After(start) || candidate.key.EndDate.Before(end) {
			continue
		}
		c.log.Debug("Cache hit from superset range", "key", cacheKey, "superset", getCacheKey(candidate.key))
		entry := candidate.entry
		entry.Value = filterPoints(candidate.entry.Value, start, end)
		return entry, true
	}

	c.log.Debug("Cache miss", "key", cacheKey)
	return model.CacheEntry[[]model.RatePoint]{}, false
}

func (c *MemoryCache) SetHistorical(ctx context.Context, key ports.HistoricalKey, entry model.CacheEntry[[]model.RatePoint]) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	key.StartDate = utils.NormalizeDate(key.StartDate)
	key.EndDate = utils.NormalizeDate(key.EndDate)
	points := make([]model.RatePoint, len(entry.Value))
	copy(points, entry.Value)
	entry.Value = points

	cacheKey := getCacheKey(key)
	c.historical[cacheKey] = historicalEntry{key: key, entry: entry}
	c.log.Debug("Cache set", "key", cacheKey, "points", len(points))
}

func (c *MemoryCache) InvalidateHistorical(ctx context.Context) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	count := len(c.historical)
	c.historical = make(map[string]historicalEntry)
	c.log.Debug("Invalidated historical cache entries", "count", count)
}

func (c *MemoryCache) GetTrends(ctx context.Context) (model.CacheEntry[model.TrendSet], bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.trends == nil {
		c.log.Debug("Cache miss", "shape", "trends")
		return model.CacheEntry[model.TrendSet]{}, false
	}
	c.log.Debug("Cache hit", "shape", "trends")
	return *c.trends, true
}

func (c *MemoryCache) SetTrends(ctx context.Context, entry model.CacheEntry[model.TrendSet]) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	trends := make(model.TrendSet, len(entry.Value))
	for k, v := range entry.Value {
		trends[k] = v
	}
	entry.Value = trends
	c.trends = &entry
	c.log.Debug("Cache set", "shape", "trends", "currencies", len(trends))
}

func (c *MemoryCache) Clear(ctx context.Context) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.current = nil
	c.trends = nil
	c.historical = make(map[string]historicalEntry)
	c.log.Info("Cleared cache")
}

func filterPoints(points []model.RatePoint, start, end time.Time) []model.RatePoint {
	out := make([]model.RatePoint, 0, len(points))
	for _, p := range points {
		if p.Date.Before(start) || p.Date.After(end) {
			continue
		}
		out = append(out, p)
	}
	return out
}
