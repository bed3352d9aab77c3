package dedupe

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type CacheFactory func(dsn string) (Cache, error)

var cacheFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]CacheFactory
}{
	factories: map[string]CacheFactory{},
}

func RegisterCacheFactory(scheme string, factory CacheFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	cacheFactoryRegistry.mu.Lock()
	defer cacheFactoryRegistry.mu.Unlock()
	cacheFactoryRegistry.factories[scheme] = factory
}

func lookupCacheFactory(scheme string) (CacheFactory, bool) {
	scheme = normalizeScheme(scheme)
	cacheFactoryRegistry.mu.RLock()
	defer cacheFactoryRegistry.mu.RUnlock()
	factory, ok := cacheFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildCacheFromDSN picks a marker backend from the DSN scheme.
func BuildCacheFromDSN(dsn string) (Cache, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupCacheFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "redis", "rediss":
		return NewRedisCache(dsn)
	case "postgres", "postgresql":
		return NewPostgresCache(dsn)
	case "memory", "mem", "inmem":
		return NewMemoryCache(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported marker cache scheme: %s", ErrInvalidInput, scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
