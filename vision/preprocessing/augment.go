package preprocessing

import (
	"math/rand"
	"sync"
)

// AugmentConfig selects random transformations applied to training images
type AugmentConfig struct {
	HorizontalFlip bool
	VerticalFlip   bool
}

// Augmenter applies random flips drawn from a seeded source
type Augmenter struct {
	config AugmentConfig
	mu     sync.Mutex
	rng    *rand.Rand
}

// NewAugmenter creates an augmenter seeded with seed
func NewAugmenter(config AugmentConfig, seed int64) *Augmenter {
	return &Augmenter{config: config, rng: rand.New(rand.NewSource(seed))}
}

// Enabled reports whether any transformation is active
func (a *Augmenter) Enabled() bool {
	return a != nil && (a.config.HorizontalFlip || a.config.VerticalFlip)
}

// Apply transforms a CHW image in place
func (a *Augmenter) Apply(data []float32, channels, height, width int) {
	if !a.Enabled() {
		return
	}
	a.mu.Lock()
	flipH := a.config.HorizontalFlip && a.rng.Intn(2) == 1
	flipV := a.config.VerticalFlip && a.rng.Intn(2) == 1
	a.mu.Unlock()

	plane := height * width
	for c := 0; c < channels; c++ {
		p := data[c*plane : (c+1)*plane]
		if flipH {
			for y := 0; y < height; y++ {
				row := p[y*width : (y+1)*width]
				for i, j := 0, width-1; i < j; i, j = i+1, j-1 {
					row[i], row[j] = row[j], row[i]
				}
			}
		}
		if flipV {
			for i, j := 0, height-1; i < j; i, j = i+1, j-1 {
				top, bottom := p[i*width:(i+1)*width], p[j*width:(j+1)*width]
				for x := range top {
					top[x], bottom[x] = bottom[x], top[x]
				}
			}
		}
	}
}
