package dataloader

import (
	"fmt"
	"sort"
	"sync"
)

// SharedCacheManager hands out named caches so several loaders (and the
// feature cache) can share them
type SharedCacheManager struct {
	mu     sync.Mutex
	caches map[string]*CacheManager
}

// NewSharedCacheManager creates an empty registry
func NewSharedCacheManager() *SharedCacheManager {
	return &SharedCacheManager{caches: make(map[string]*CacheManager)}
}

// GetOrCreateCache gets or creates a cache with the given name and capacity
func (scm *SharedCacheManager) GetOrCreateCache(name string, maxSize int) *CacheManager {
	scm.mu.Lock()
	defer scm.mu.Unlock()

	if cache, exists := scm.caches[name]; exists {
		return cache
	}
	cache := NewCacheManager(maxSize)
	scm.caches[name] = cache
	return cache
}

// RemoveCache removes a cache by name
func (scm *SharedCacheManager) RemoveCache(name string) {
	scm.mu.Lock()
	defer scm.mu.Unlock()
	delete(scm.caches, name)
}

// ClearAllCaches clears all managed caches
func (scm *SharedCacheManager) ClearAllCaches() {
	scm.mu.Lock()
	defer scm.mu.Unlock()

	for _, cache := range scm.caches {
		cache.Clear()
	}
}

// Names lists the registered caches
func (scm *SharedCacheManager) Names() []string {
	scm.mu.Lock()
	defer scm.mu.Unlock()

	names := make([]string, 0, len(scm.caches))
	for n := range scm.caches {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CreateSharedDataLoaders creates a shuffling train loader and an ordered
// validation loader backed by one image cache
func CreateSharedDataLoaders(trainDataset, valDataset Dataset, config Config) (*DataLoader, *DataLoader, error) {
	cacheSize := config.MaxCacheSize
	if cacheSize == 0 {
		cacheSize = trainDataset.Len() + valDataset.Len()
	}
	shared := config.CacheManager
	if shared == nil {
		shared = NewCacheManager(cacheSize)
	}

	trainConfig := config
	trainConfig.CacheManager = shared
	trainConfig.Shuffle = true
	trainLoader, err := NewDataLoader(trainDataset, trainConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("train loader: %w", err)
	}

	valConfig := config
	valConfig.CacheManager = shared
	valConfig.Shuffle = false
	valConfig.Augmenter = nil
	valLoader, err := NewDataLoader(valDataset, valConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("validation loader: %w", err)
	}
	return trainLoader, valLoader, nil
}
