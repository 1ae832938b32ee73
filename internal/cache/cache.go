// ABOUTME: In-memory cache of chart responses to avoid rescanning the store on every poll.
// ABOUTME: Uses TTL-based expiration and is purged whenever the ingestion status changes.

package cache

import (
	"sync"
	"time"

	"github.com/jfeddern/VulnDash/internal/types"

	"github.com/sirupsen/logrus"
)

// DefaultTTL is used when a non-positive TTL is configured
const DefaultTTL = 30 * time.Second

type CacheEntry struct {
	Data      types.ChartData
	ExpiresAt time.Time
}

type ChartCache struct {
	cache  map[string]*CacheEntry
	mutex  sync.RWMutex
	ttl    time.Duration
	logger *logrus.Logger
	now    func() time.Time
	// epoch counts purges
	epoch uint64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewChartCache(ttl time.Duration, logger *logrus.Logger) *ChartCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cache := &ChartCache{
		cache:  make(map[string]*CacheEntry),
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	// Start cleanup goroutine
	go cache.startCleanup(ttl)

	return cache
}

func (c *ChartCache) Get(key string) (types.ChartData, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.cache[key]
	if !exists {
		return types.ChartData{}, false
	}

	// Expired entries are left for cleanup to avoid a write lock here
	if c.now().After(entry.ExpiresAt) {
		return types.ChartData{}, false
	}

	c.logger.WithField("key", key).Debug("Chart cache hit")
	return entry.Data, true
}

// Epoch returns the current purge generation. Read it before computing a value for SetIfEpoch.
func (c *ChartCache) Epoch() uint64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.epoch
}

// SetIfEpoch stores data only if no purge happened since epoch was read
func (c *ChartCache) SetIfEpoch(key string, data types.ChartData, epoch uint64) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if epoch != c.epoch {
		c.logger.WithField("key", key).Debug("Discarding chart data computed before purge")
		return false
	}

	c.cache[key] = &CacheEntry{
		Data:      data,
		ExpiresAt: c.now().Add(c.ttl),
	}

	c.logger.WithField("key", key).Debug("Cached chart data")
	return true
}

// Purge drops every entry
func (c *ChartCache) Purge() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.cache) > 0 {
		c.logger.WithField("entries", len(c.cache)).Debug("Purging chart cache")
	}
	c.cache = make(map[string]*CacheEntry)
	c.epoch++
}

// OnStatus purges the cache; it is registered as a coordinator listener
func (c *ChartCache) OnStatus(types.IngestionStatus) {
	c.Purge()
}

// Close stops the cleanup goroutine
func (c *ChartCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

func (c *ChartCache) startCleanup(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *ChartCache) cleanup() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	expiredCount := 0

	for key, entry := range c.cache {
		if now.After(entry.ExpiresAt) {
			delete(c.cache, key)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		c.logger.WithFields(logrus.Fields{
			"expired_entries":   expiredCount,
			"remaining_entries": len(c.cache),
		}).Debug("Cache cleanup completed")
	}
}

func (c *ChartCache) Stats() (total int, expired int) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.now()
	total = len(c.cache)

	for _, entry := range c.cache {
		if now.After(entry.ExpiresAt) {
			expired++
		}
	}

	return total, expired
}
