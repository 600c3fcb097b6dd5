// Package cache provides short-term prediction result caching with
// bounded retention
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/flowsense/cyclecore/pkg/types"
)

// Key identifies one cached prediction. A hit requires every component
// to match: a new log entry changes the feature hash, a model rollout
// changes the model version, and a weight update changes the weights
// version, so stale entries can never be served.
type Key struct {
	UserID         string
	Type           types.PredictionType
	FeatureHash    string
	ModelVersion   string
	WeightsVersion uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", k.UserID, k.Type, k.FeatureHash, k.ModelVersion, k.WeightsVersion)
}

type entry struct {
	result    *types.PredictionResult
	storedAt  time.Time
	expiresAt time.Time
}

// Config for the prediction cache
type Config struct {
	TTL        time.Duration
	MaxEntries int
}

// Cache is an in-memory prediction cache with TTL expiry and per-user
// invalidation
type Cache struct {
	mu         sync.RWMutex
	entries    map[Key]entry
	byUser     map[string]map[Key]struct{}
	ttl        time.Duration
	maxEntries int

	hits   uint64
	misses uint64

	now func() time.Time
}

// New creates a prediction cache
func New(config Config) *Cache {
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 10000
	}
	return &Cache{
		entries:    make(map[Key]entry),
		byUser:     make(map[string]map[Key]struct{}),
		ttl:        config.TTL,
		maxEntries: config.MaxEntries,
		now:        time.Now,
	}
}

// Get returns the cached result for key, or nil on miss or expiry
func (c *Cache) Get(key Key) *types.PredictionResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil
	}
	if c.now().After(e.expiresAt) {
		c.removeLocked(key)
		c.misses++
		return nil
	}
	c.hits++
	return e.result
}

// Put stores a delivered prediction under key
func (c *Cache) Put(key Key, result *types.PredictionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}

	now := c.now()
	c.entries[key] = entry{
		result:    result,
		storedAt:  now,
		expiresAt: now.Add(c.ttl),
	}
	keys, ok := c.byUser[key.UserID]
	if !ok {
		keys = make(map[Key]struct{})
		c.byUser[key.UserID] = keys
	}
	keys[key] = struct{}{}
}

// InvalidateUser drops every cached prediction for userID. Called when a
// new log entry lands, so the next request recomputes against the fresh
// snapshot. Returns the number of entries dropped.
func (c *Cache) InvalidateUser(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.byUser[userID]
	n := len(keys)
	for k := range keys {
		delete(c.entries, k)
	}
	delete(c.byUser, userID)
	return n
}

// Prune drops expired entries and returns how many were removed
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			c.removeLocked(k)
			removed++
		}
	}
	return removed
}

// Stats reports cache effectiveness counters
func (c *Cache) Stats() (hits, misses uint64, size int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, len(c.entries)
}

func (c *Cache) removeLocked(key Key) {
	delete(c.entries, key)
	if keys, ok := c.byUser[key.UserID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.byUser, key.UserID)
		}
	}
}

func (c *Cache) evictOldestLocked() {
	var oldest Key
	var oldestAt time.Time
	first := true
	for k, e := range c.entries {
		if first || e.storedAt.Before(oldestAt) {
			oldest, oldestAt, first = k, e.storedAt, false
		}
	}
	if !first {
		c.removeLocked(oldest)
	}
}
