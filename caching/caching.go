// Package caching keeps short-lived in-memory values such as the last panel
// stats snapshot, so bursts of /stats presses do not each hit the panel.
package caching

import (
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	DefaultTTL      = 30 * time.Second
	cleanupInterval = 10 * time.Minute
)

type Cache struct {
	memoryCache *cache.Cache
}

func NewCache() *Cache {
	return &Cache{
		memoryCache: cache.New(DefaultTTL, cleanupInterval),
	}
}

// Get returns the cached value for key, if present and not expired.
func (s *Cache) Get(key string) (any, bool) {
	return s.memoryCache.Get(key)
}

// Set stores v under key for ttl; a zero ttl uses DefaultTTL.
func (s *Cache) Set(key string, v any, ttl time.Duration) {
	if ttl == 0 {
		ttl = cache.DefaultExpiration
	}
	s.memoryCache.Set(key, v, ttl)
}

func (s *Cache) Delete(key string) {
	s.memoryCache.Delete(key)
}

// Remember returns the cached value for key or, on a miss, calls load and
// caches its result. Errors are not cached.
func Remember[T any](s *Cache, key string, ttl time.Duration, load func() (T, error)) (T, error) {
	if v, ok := s.Get(key); ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}
	t, err := load()
	if err != nil {
		return t, err
	}
	s.Set(key, t, ttl)
	return t, nil
}

func (s *Cache) Flush() error {
	s.memoryCache.Flush()
	return nil
}
