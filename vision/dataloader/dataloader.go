// Package dataloader batches images from a dataset with Keras iterator
// semantics: a fixed number of batches per epoch, optional reshuffling
// between epochs and an LRU cache of decoded images.
package dataloader

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-finetune/tensor"
	"github.com/tsawler/go-finetune/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool
	Seed         int64
	MaxCacheSize int // Maximum number of cached images; 0 caches the whole dataset
	Preprocess   preprocessing.Config
	NumWorkers   int           // Number of parallel workers for preprocessing
	CacheManager *CacheManager // Optional shared cache manager
	Augmenter    *preprocessing.Augmenter
}

// DefaultConfig returns the loader settings used by experiments
func DefaultConfig() Config {
	return Config{
		BatchSize:  32,
		Shuffle:    true,
		Seed:       123,
		Preprocess: preprocessing.DefaultConfig(),
		NumWorkers: runtime.GOMAXPROCS(0),
	}
}

// Batch is one step worth of samples. Images is nil until loaded.
type Batch struct {
	Index   int // position within the epoch
	Indices []int
	Paths   []string
	Labels  []float32
	Images  *tensor.Tensor
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return len(b.Indices)
}

// LabelTensor returns labels shaped [N, 1]
func (b *Batch) LabelTensor() *tensor.Tensor {
	return tensor.MustFromData(append([]float32(nil), b.Labels...), len(b.Labels), 1)
}

// DataLoader handles batch loading with smart caching
type DataLoader struct {
	dataset   Dataset
	config    Config
	processor *preprocessing.ImageProcessor

	mu       sync.Mutex
	rng      *rand.Rand
	indices  []int
	position int // next batch for NextBatch
	epoch    int

	// Cache manager - can be shared between DataLoaders
	cacheManager *CacheManager
	ownedCache   bool
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if dataset == nil || dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.Preprocess.Height <= 0 || config.Preprocess.Width <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", config.Preprocess.Height, config.Preprocess.Width)
	}

	dl := &DataLoader{
		dataset:      dataset,
		config:       config,
		processor:    preprocessing.NewImageProcessorWithConfig(config.Preprocess),
		rng:          rand.New(rand.NewSource(config.Seed)),
		indices:      make([]int, dataset.Len()),
		cacheManager: config.CacheManager,
	}
	if dl.cacheManager == nil {
		size := config.MaxCacheSize
		if size == 0 {
			size = dataset.Len()
		}
		dl.cacheManager = NewCacheManager(size)
		dl.ownedCache = true
	}
	for i := range dl.indices {
		dl.indices[i] = i
	}
	dl.shuffle()
	return dl, nil
}

func (dl *DataLoader) shuffle() {
	if !dl.config.Shuffle {
		return
	}
	dl.rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

// Len returns the number of batches per epoch, ceil(N / BatchSize)
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// NumSamples returns the dataset size
func (dl *DataLoader) NumSamples() int {
	return dl.dataset.Len()
}

// BatchSize returns the configured batch size
func (dl *DataLoader) BatchSize() int {
	return dl.config.BatchSize
}

// SampleShape is the CHW shape of one image
func (dl *DataLoader) SampleShape() []int {
	return dl.processor.SampleShape()
}

// Preprocess returns the image preprocessing settings
func (dl *DataLoader) Preprocess() preprocessing.Config {
	return dl.config.Preprocess
}

// Augmented reports whether loaded batches are randomly augmented
func (dl *DataLoader) Augmented() bool {
	return dl.config.Augmenter != nil && dl.config.Augmenter.Enabled()
}

// Epoch returns how many times the order has been advanced
func (dl *DataLoader) Epoch() int {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.epoch
}

// Order returns the current sample order
func (dl *DataLoader) Order() []int {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return append([]int(nil), dl.indices...)
}

// EndEpoch moves to the next epoch, reshuffling when enabled
func (dl *DataLoader) EndEpoch() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.endEpochLocked()
}

func (dl *DataLoader) endEpochLocked() {
	dl.epoch++
	dl.position = 0
	dl.shuffle()
}

// Reset rewinds NextBatch to the first batch of the current order
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.position = 0
}

// Items returns the metadata of batch i of the current epoch without
// loading images. The last batch may be short.
func (dl *DataLoader) Items(i int) (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.itemsLocked(i)
}

func (dl *DataLoader) itemsLocked(i int) (*Batch, error) {
	if i < 0 || i >= dl.Len() {
		return nil, fmt.Errorf("batch %d out of range [0, %d)", i, dl.Len())
	}
	start := i * dl.config.BatchSize
	end := start + dl.config.BatchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}

	b := &Batch{Index: i}
	for _, idx := range dl.indices[start:end] {
		path, label, err := dl.dataset.GetItem(idx)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", idx, err)
		}
		b.Indices = append(b.Indices, idx)
		b.Paths = append(b.Paths, path)
		b.Labels = append(b.Labels, float32(label))
	}
	return b, nil
}

// Load decodes (or fetches from cache) every image of b into b.Images and
// applies augmentation
func (dl *DataLoader) Load(ctx context.Context, b *Batch) error {
	shape := dl.processor.SampleShape()
	per := tensor.NumElements(shape)
	images := tensor.New(tensor.Batched(shape, b.Size())...)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.config.NumWorkers)
	for i, path := range b.Paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := dl.loadImageWithCache(path)
			if err != nil {
				return err
			}
			dst := images.Data[i*per : (i+1)*per]
			copy(dst, data)
			dl.config.Augmenter.Apply(dst, shape[0], shape[1], shape[2])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to load batch %d: %w", b.Index, err)
	}
	b.Images = images
	return nil
}

// Batch returns batch i of the current epoch with images loaded
func (dl *DataLoader) Batch(ctx context.Context, i int) (*Batch, error) {
	b, err := dl.Items(i)
	if err != nil {
		return nil, err
	}
	if err := dl.Load(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// NextBatch returns the next batch like a Keras iterator's next(): once the
// epoch is exhausted the order advances (reshuffling) and batches continue.
func (dl *DataLoader) NextBatch(ctx context.Context) (*Batch, error) {
	dl.mu.Lock()
	if dl.position >= dl.Len() {
		dl.endEpochLocked()
	}
	b, err := dl.itemsLocked(dl.position)
	if err == nil {
		dl.position++
	}
	dl.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := dl.Load(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// loadImageWithCache loads an image with caching support
func (dl *DataLoader) loadImageWithCache(imagePath string) ([]float32, error) {
	key := "image:" + imagePath
	if cachedData, exists := dl.cacheManager.Get(key); exists {
		return cachedData, nil
	}

	processedImg, err := dl.processor.LoadFile(imagePath)
	if err != nil {
		return nil, err
	}
	dl.cacheManager.Put(key, processedImg.Data)
	return processedImg.Data, nil
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	return dl.cacheManager.Stats().String()
}

// Progress returns the NextBatch position within the epoch
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, dl.Len()
}

// ClearCache clears the image cache unless it is shared
func (dl *DataLoader) ClearCache() {
	if dl.ownedCache {
		dl.cacheManager.Clear()
	}
}

// GetCacheManager returns the cache manager for sharing between DataLoaders
func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cacheManager
}
