package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tinywideclouds/go-notification-gateway/internal/storage/cache"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// TTLCache is an in-process cache.CacheClient, used in front of the origin store when
// Redis is disabled. Values are stored as JSON so callers get copies, as with Redis.
type TTLCache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewTTLCache() *TTLCache {
	return &TTLCache{entries: make(map[string]entry), now: time.Now}
}

func (c *TTLCache) Get(_ context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return cache.ErrCacheMiss
	}
	return json.Unmarshal(e.value, dest)
}

// Set stores value; a zero ttl never expires.
func (c *TTLCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	e := entry{value: raw}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

func (c *TTLCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}
