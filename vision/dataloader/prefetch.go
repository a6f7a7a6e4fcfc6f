package dataloader

import (
	"context"
	"io"
	"sync"
)

// PrefetchConfig holds configuration for a Prefetcher
type PrefetchConfig struct {
	Depth int // batches prepared ahead (default 2)

	// NeedImages decides per batch whether images must be decoded; nil
	// loads every batch. Training skips decoding when cached features
	// cover the batch.
	NeedImages func(*Batch) bool
}

type prefetched struct {
	batch *Batch
	err   error
}

// Prefetcher prepares the batches of one epoch in a background goroutine
type Prefetcher struct {
	batches chan prefetched
	cancel  context.CancelFunc
	done    chan struct{}
	stop    sync.Once
}

// NewPrefetcher starts loading batches 0..Len()-1 of loader's current epoch.
// Call Stop to release the goroutine early.
func NewPrefetcher(ctx context.Context, loader *DataLoader, config PrefetchConfig) *Prefetcher {
	if config.Depth <= 0 {
		config.Depth = 2
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Prefetcher{
		batches: make(chan prefetched, config.Depth),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(p.done)
		defer close(p.batches)

		for i := 0; i < loader.Len(); i++ {
			b, err := loader.Items(i)
			if err == nil && (config.NeedImages == nil || config.NeedImages(b)) {
				err = loader.Load(ctx, b)
			}
			select {
			case p.batches <- prefetched{batch: b, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return p
}

// Next returns the next batch, or io.EOF after the last batch of the epoch
func (p *Prefetcher) Next(ctx context.Context) (*Batch, error) {
	select {
	case r, ok := <-p.batches:
		if !ok {
			// the producer also stops when ctx is cancelled
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return r.batch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop cancels outstanding work and waits for the goroutine to exit
func (p *Prefetcher) Stop() {
	p.stop.Do(func() {
		p.cancel()
		<-p.done
	})
}
