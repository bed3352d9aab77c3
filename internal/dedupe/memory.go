package dedupe

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryCache keeps markers in process. Markers do not survive a restart.
type MemoryCache struct {
	items     *ttlcache.Cache[string, string]
	closeOnce sync.Once
}

func NewMemoryCache() *MemoryCache {
	items := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](MarkerTTL),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go items.Start()
	return &MemoryCache{items: items}
}

func (c *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrInvalidInput
	}
	return c.items.Get(key) != nil, nil
}

func (c *MemoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = ttlcache.DefaultTTL
	}
	c.items.Set(key, value, ttl)
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.items.Delete(key)
	return nil
}

func (c *MemoryCache) Len() int {
	return c.items.Len()
}

func (c *MemoryCache) Close() error {
	c.closeOnce.Do(c.items.Stop)
	return nil
}
