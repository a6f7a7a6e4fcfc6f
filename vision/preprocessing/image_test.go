package preprocessing

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

// quadrantImage has red, green, blue and white quadrants
func quadrantImage(size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	half := size / 2
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			var c color.RGBA
			switch {
			case x < half && y < half:
				c = color.RGBA{255, 0, 0, 255}
			case y < half:
				c = color.RGBA{0, 255, 0, 255}
			case x < half:
				c = color.RGBA{0, 0, 255, 255}
			default:
				c = color.RGBA{255, 255, 255, 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestDecodeAndPreprocessPNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, quadrantImage(8)))

	p := NewImageProcessor(4)
	out, err := p.DecodeAndPreprocess(&buf)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Channels)
	assert.Equal(t, 4, out.Width)
	assert.Equal(t, 4, out.Height)
	require.Len(t, out.Data, 3*4*4)

	plane := 16
	at := func(c, y, x int) float32 { return out.Data[c*plane+y*4+x] }
	// top-left red, top-right green, bottom-left blue, bottom-right white
	assert.InDelta(t, 1.0, at(0, 0, 0), 1e-6)
	assert.InDelta(t, 0.0, at(1, 0, 0), 1e-6)
	assert.InDelta(t, 1.0, at(1, 0, 3), 1e-6)
	assert.InDelta(t, 1.0, at(2, 3, 0), 1e-6)
	for c := 0; c < 3; c++ {
		assert.InDelta(t, 1.0, at(c, 3, 3), 1e-6)
	}
	assert.Equal(t, []int{3, 4, 4}, p.SampleShape())
}

func TestRescaleAndFormats(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	for i := range img.Pix {
		img.Pix[i] = 51
	}
	var buf bytes.Buffer
	require.NoError(t, bmp.Encode(&buf, img))

	cfg := Config{Height: 2, Width: 2, Interpolation: Bilinear, Rescale: 1.0 / 255}
	out, err := NewImageProcessorWithConfig(cfg).DecodeAndPreprocess(&buf)
	require.NoError(t, err)
	for _, v := range out.Data {
		assert.InDelta(t, 0.2, v, 1e-6)
	}

	buf.Reset()
	require.NoError(t, jpeg.Encode(&buf, quadrantImage(16), &jpeg.Options{Quality: 95}))
	cfg.Rescale = 1
	out, err = NewImageProcessorWithConfig(cfg).DecodeAndPreprocess(&buf)
	require.NoError(t, err)
	assert.Greater(t, out.Data[0], float32(100), "rescale 1 keeps 8-bit range")

	_, err = NewImageProcessor(4).DecodeAndPreprocess(bytes.NewReader([]byte("not an image")))
	assert.Error(t, err)
}

func TestParseInterpolation(t *testing.T) {
	for in, want := range map[string]Interpolation{"": Nearest, "nearest": Nearest, "bilinear": Bilinear} {
		got, err := ParseInterpolation(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseInterpolation("lanczos")
	assert.Error(t, err)
	assert.Equal(t, "bilinear", Bilinear.String())
}

func TestToImageRoundTrip(t *testing.T) {
	src := quadrantImage(4)
	p := NewImageProcessor(4)
	processed := p.Preprocess(src)

	back := ToImage(processed.Data, 4, 4, 1.0/255)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			assert.Equal(t, src.RGBAAt(x, y), back.RGBAAt(x, y), "pixel %d,%d", x, y)
		}
	}

	clamped := ToImage([]float32{-1, 2, 0.4}, 1, 1, 1.0/255)
	assert.Equal(t, color.RGBA{0, 255, 102, 255}, clamped.RGBAAt(0, 0))
}

func TestPreprocessBatch(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		path := filepath.Join(dir, name)
		writePNG(t, path, quadrantImage(6))
		paths = append(paths, path)
	}

	cfg := DefaultConfig()
	cfg.Height, cfg.Width = 3, 3
	results, err := PreprocessBatch(context.Background(), paths, cfg, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Len(t, r.Data, 27)
	}

	_, err = PreprocessBatch(context.Background(), append(paths, filepath.Join(dir, "missing.png")), cfg, 2)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = PreprocessBatch(ctx, paths, cfg, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAugmenterFlips(t *testing.T) {
	// 1 channel, 2x3 image
	orig := []float32{1, 2, 3, 4, 5, 6}

	assert.False(t, NewAugmenter(AugmentConfig{}, 1).Enabled())
	var nilAug *Augmenter
	assert.False(t, nilAug.Enabled())

	a := NewAugmenter(AugmentConfig{HorizontalFlip: true, VerticalFlip: true}, 123)
	require.True(t, a.Enabled())

	seen := map[[6]float32]bool{}
	for i := 0; i < 64; i++ {
		data := append([]float32(nil), orig...)
		a.Apply(data, 1, 2, 3)
		var key [6]float32
		copy(key[:], data)
		seen[key] = true
	}
	want := [][6]float32{
		{1, 2, 3, 4, 5, 6},
		{3, 2, 1, 6, 5, 4},
		{4, 5, 6, 1, 2, 3},
		{6, 5, 4, 3, 2, 1},
	}
	for _, w := range want {
		assert.True(t, seen[w], "flip combination %v never produced", w)
	}
	assert.Len(t, seen, 4)
}
