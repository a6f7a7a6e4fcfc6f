package dataloader

import (
	"sync"

	"github.com/tsawler/go-finetune/tensor"
)

// FeatureCache stores per-image activations of frozen layers so later
// epochs can start the forward pass at the trainable part of the network.
// Entries live in a CacheManager, usually the one holding decoded images.
type FeatureCache struct {
	cache  *CacheManager
	mu     sync.RWMutex
	shapes map[string][]int // per-sample shape of each tensor name
}

// NewFeatureCache wraps cache
func NewFeatureCache(cache *CacheManager) *FeatureCache {
	return &FeatureCache{cache: cache, shapes: make(map[string][]int)}
}

func featureKey(name, path string) string {
	return "feature:" + name + ":" + path
}

// Lookup returns batched tensors for every name when all samples are cached
func (fc *FeatureCache) Lookup(names, paths []string) (map[string]*tensor.Tensor, bool) {
	if len(names) == 0 || len(paths) == 0 {
		return nil, false
	}
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	out := make(map[string]*tensor.Tensor, len(names))
	for _, name := range names {
		shape, ok := fc.shapes[name]
		if !ok {
			return nil, false
		}
		samples := make([][]float32, len(paths))
		for i, p := range paths {
			data, hit := fc.cache.Get(featureKey(name, p))
			if !hit {
				return nil, false
			}
			samples[i] = data
		}
		t, err := tensor.Stack(samples, shape)
		if err != nil {
			return nil, false
		}
		out[name] = t
	}
	return out, true
}

// Contains reports whether every name is cached for every path
func (fc *FeatureCache) Contains(names, paths []string) bool {
	if len(names) == 0 || len(paths) == 0 {
		return false
	}
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	for _, name := range names {
		if _, ok := fc.shapes[name]; !ok {
			return false
		}
		for _, p := range paths {
			if !fc.cache.Has(featureKey(name, p)) {
				return false
			}
		}
	}
	return true
}

// Store copies each sample of the named batch activations into the cache
func (fc *FeatureCache) Store(acts map[string]*tensor.Tensor, paths []string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	for name, t := range acts {
		if t == nil || t.BatchSize() != len(paths) {
			continue
		}
		fc.shapes[name] = append([]int(nil), t.Shape[1:]...)
		for i, p := range paths {
			sample := append([]float32(nil), t.Sample(i)...)
			fc.cache.Put(featureKey(name, p), sample)
		}
	}
}

// Stats reports the underlying cache statistics
func (fc *FeatureCache) Stats() CacheStats {
	return fc.cache.Stats()
}
