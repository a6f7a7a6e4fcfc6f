package dataloader

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPrefetcherDeliversEpoch(t *testing.T) {
	defer goleak.VerifyNone(t)

	dl, err := NewDataLoader(writePNGs(t, 5), testConfig())
	require.NoError(t, err)

	ctx := context.Background()
	p := NewPrefetcher(ctx, dl, PrefetchConfig{Depth: 1})
	defer p.Stop()

	var indices []int
	for {
		b, err := p.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NotNil(t, b.Images)
		indices = append(indices, b.Indices...)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, indices)
}

func TestPrefetcherSkipsImagesWhenNotNeeded(t *testing.T) {
	defer goleak.VerifyNone(t)

	// paths do not exist: decoding would fail
	ds := &memDataset{paths: []string{"/a.png", "/b.png", "/c.png"}, labels: []int{0, 1, 0}}
	dl, err := NewDataLoader(ds, testConfig())
	require.NoError(t, err)

	ctx := context.Background()
	p := NewPrefetcher(ctx, dl, PrefetchConfig{NeedImages: func(*Batch) bool { return false }})
	defer p.Stop()

	for i := 0; i < 2; i++ {
		b, err := p.Next(ctx)
		require.NoError(t, err)
		assert.Nil(t, b.Images)
	}
	_, err = p.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestPrefetcherStopsEarlyAndReportsErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	dl, err := NewDataLoader(writePNGs(t, 8), testConfig())
	require.NoError(t, err)
	p := NewPrefetcher(context.Background(), dl, PrefetchConfig{Depth: 1})
	_, err = p.Next(context.Background())
	require.NoError(t, err)
	p.Stop()
	p.Stop()

	bad := &memDataset{paths: []string{"/missing.png"}, labels: []int{0}}
	dl, err = NewDataLoader(bad, testConfig())
	require.NoError(t, err)
	p = NewPrefetcher(context.Background(), dl, PrefetchConfig{})
	defer p.Stop()
	_, err = p.Next(context.Background())
	assert.Error(t, err)
	_, err = p.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}
