package tensor

import (
	"fmt"
	"sort"
	"sync"
)

// BufferPool recycles float32 scratch buffers (im2col columns, gradient
// staging) bucketed by power-of-two capacity.
type BufferPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
	stats map[int]*PoolStats
}

// PoolStats tracks statistics for one bucket
type PoolStats struct {
	Gets     int64
	Puts     int64
	Misses   int64
	InUse    int64
	MaxInUse int64
}

// NewBufferPool creates an empty pool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// Get returns a zeroed buffer of exactly size elements
func (bp *BufferPool) Get(size int) []float32 {
	bucket := roundUpToPowerOf2(size)

	bp.mu.Lock()
	pool, ok := bp.pools[bucket]
	if !ok {
		pool = &sync.Pool{}
		bp.pools[bucket] = pool
		bp.stats[bucket] = &PoolStats{}
	}
	stats := bp.stats[bucket]
	stats.Gets++
	stats.InUse++
	if stats.InUse > stats.MaxInUse {
		stats.MaxInUse = stats.InUse
	}
	bp.mu.Unlock()

	if v := pool.Get(); v != nil {
		buf := *(v.(*[]float32))
		buf = buf[:size]
		for i := range buf {
			buf[i] = 0
		}
		return buf
	}

	bp.mu.Lock()
	stats.Misses++
	bp.mu.Unlock()
	return make([]float32, size, bucket)
}

// Put returns a buffer obtained from Get
func (bp *BufferPool) Put(buf []float32) {
	if cap(buf) == 0 {
		return
	}
	bucket := roundUpToPowerOf2(cap(buf))

	bp.mu.Lock()
	pool, ok := bp.pools[bucket]
	if !ok || bucket != cap(buf) {
		// Not ours; let the GC have it.
		bp.mu.Unlock()
		return
	}
	stats := bp.stats[bucket]
	stats.Puts++
	stats.InUse--
	bp.mu.Unlock()

	full := buf[:cap(buf)]
	pool.Put(&full)
}

// Stats returns a copy of the per-bucket statistics
func (bp *BufferPool) Stats() map[int]PoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	out := make(map[int]PoolStats, len(bp.stats))
	for size, s := range bp.stats {
		out[size] = *s
	}
	return out
}

// String returns a string representation of pool statistics
func (bp *BufferPool) String() string {
	stats := bp.Stats()
	sizes := make([]int, 0, len(stats))
	for size := range stats {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	result := "BufferPool Statistics:\n"
	for _, size := range sizes {
		stat := stats[size]
		hitRate := float64(0)
		if stat.Gets > 0 {
			hitRate = float64(stat.Gets-stat.Misses) / float64(stat.Gets) * 100
		}
		result += fmt.Sprintf("  Size %d: Gets=%d, Puts=%d, InUse=%d, MaxInUse=%d, HitRate=%.1f%%\n",
			size, stat.Gets, stat.Puts, stat.InUse, stat.MaxInUse, hitRate)
	}
	return result
}

// roundUpToPowerOf2 rounds a number up to the nearest power of 2
func roundUpToPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	if n&(n-1) == 0 {
		return n
	}
	power := 1
	for power < n {
		power <<= 1
	}
	return power
}
