package dataloader

import (
	"fmt"
	"sync"

	"github.com/golang/groupcache/lru"
)

// CacheManager is a thread-safe LRU of float32 slices keyed by string. It
// holds preprocessed images and cached frozen-layer activations and can be
// shared between DataLoaders.
type CacheManager struct {
	mu      sync.Mutex
	lru     *lru.Cache
	maxSize int

	// Statistics
	hits      int64
	misses    int64
	evictions int64
}

// NewCacheManager creates a cache holding at most maxSize entries;
// 0 means unbounded
func NewCacheManager(maxSize int) *CacheManager {
	cm := &CacheManager{maxSize: maxSize}
	cm.lru = lru.New(maxSize)
	cm.lru.OnEvicted = func(lru.Key, interface{}) { cm.evictions++ }
	return cm
}

// Get retrieves an item from the cache. The returned slice is shared and
// must not be modified.
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if v, ok := cm.lru.Get(key); ok {
		cm.hits++
		return v.([]float32), true
	}
	cm.misses++
	return nil, false
}

// Has reports whether key is cached without counting a hit or miss
func (cm *CacheManager) Has(key string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	_, ok := cm.lru.Get(key)
	return ok
}

// Put adds an item to the cache, evicting the least recently used entry
// when full
func (cm *CacheManager) Put(key string, data []float32) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.lru.Add(key, data)
}

// Len returns the number of cached entries
func (cm *CacheManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.lru.Len()
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	return CacheStats{
		Size:      cm.lru.Len(),
		MaxSize:   cm.maxSize,
		Hits:      cm.hits,
		Misses:    cm.misses,
		Evictions: cm.evictions,
		HitRate:   cm.calculateHitRate(),
	}
}

// calculateHitRate calculates the hit rate percentage
func (cm *CacheManager) calculateHitRate() float64 {
	total := cm.hits + cm.misses
	if total == 0 {
		return 0
	}
	return float64(cm.hits) / float64(total) * 100
}

// Clear clears the cache. Statistics stay cumulative and cleared entries
// do not count as evictions.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	evicted := cm.evictions
	cm.lru.Clear()
	cm.evictions = evicted
}

// ResetStats resets the statistics
func (cm *CacheManager) ResetStats() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hits = 0
	cm.misses = 0
	cm.evictions = 0
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size      int
	MaxSize   int
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Evictions: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.Evictions, cs.HitRate)
}
