package extraction

import (
	"sync"
	"time"
)

type (
	cachedResult struct {
		result    *Result
		expiresAt time.Time
	}

	// resultCache holds recently completed extraction results keyed by their
	// extraction key, so rapid repeat requests are answered without touching
	// the browser pool. Entries expire after a short TTL as the underlying
	// site media URLs do too.
	resultCache struct {
		mu      sync.Mutex
		ttl     time.Duration
		entries map[ExtractionKey]cachedResult
	}
)

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{
		ttl:     ttl,
		entries: make(map[ExtractionKey]cachedResult),
	}
}

func (cache *resultCache) get(key ExtractionKey) *Result {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	entry, ok := cache.entries[key]
	if !ok {
		return nil
	}

	if time.Now().After(entry.expiresAt) {
		delete(cache.entries, key)
		return nil
	}

	return entry.result
}

func (cache *resultCache) put(key ExtractionKey, result *Result) {
	if result == nil || cache.ttl <= 0 {
		return
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.entries[key] = cachedResult{result: result, expiresAt: time.Now().Add(cache.ttl)}
}

// prune drops expired entries; called periodically by the service loop.
func (cache *resultCache) prune() {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	now := time.Now()
	for key, entry := range cache.entries {
		if now.After(entry.expiresAt) {
			delete(cache.entries, key)
		}
	}
}
