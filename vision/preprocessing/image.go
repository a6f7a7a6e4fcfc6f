// Package preprocessing decodes images and turns them into CHW float32
// tensors ready for the network.
package preprocessing

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

// Interpolation selects the resampling kernel used when resizing
type Interpolation int

const (
	Nearest Interpolation = iota
	Bilinear
)

func (i Interpolation) String() string {
	switch i {
	case Nearest:
		return "nearest"
	case Bilinear:
		return "bilinear"
	default:
		return "unknown"
	}
}

// ParseInterpolation accepts "nearest" and "bilinear"
func ParseInterpolation(s string) (Interpolation, error) {
	switch s {
	case "", "nearest":
		return Nearest, nil
	case "bilinear":
		return Bilinear, nil
	}
	return Nearest, fmt.Errorf("unknown interpolation %q", s)
}

// Config describes the preprocessing applied to every image
type Config struct {
	Height        int
	Width         int
	Interpolation Interpolation
	Rescale       float32 // multiplies 8-bit channel values
}

// DefaultConfig resizes to 224x224 with nearest neighbour and rescales by 1/255
func DefaultConfig() Config {
	return Config{
		Height:        224,
		Width:         224,
		Interpolation: Nearest,
		Rescale:       1.0 / 255,
	}
}

// ImageProcessor provides image preprocessing with buffer reuse.
// It is safe for concurrent use.
type ImageProcessor struct {
	config  Config
	buffers sync.Pool // *image.NRGBA of the target size
}

// NewImageProcessor creates a processor for square targetSize images with
// the default rescale and interpolation
func NewImageProcessor(targetSize int) *ImageProcessor {
	cfg := DefaultConfig()
	cfg.Height, cfg.Width = targetSize, targetSize
	return NewImageProcessorWithConfig(cfg)
}

// NewImageProcessorWithConfig creates a processor from an explicit config
func NewImageProcessorWithConfig(cfg Config) *ImageProcessor {
	if cfg.Rescale == 0 {
		cfg.Rescale = 1
	}
	p := &ImageProcessor{config: cfg}
	p.buffers.New = func() any {
		return image.NewNRGBA(image.Rect(0, 0, cfg.Width, cfg.Height))
	}
	return p
}

// Config returns the processor configuration
func (p *ImageProcessor) Config() Config {
	return p.config
}

// SampleShape is the CHW shape of every processed image
func (p *ImageProcessor) SampleShape() []int {
	return []int{3, p.config.Height, p.config.Width}
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes any registered image format (JPEG, PNG, GIF,
// BMP, TIFF, WebP), converts it to RGB, resizes it and rescales the 8-bit
// values. Returns data in CHW format.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("decoded %s image is empty", format)
	}
	return p.Preprocess(img), nil
}

// LoadFile opens and preprocesses the image at path
func (p *ImageProcessor) LoadFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, err := p.DecodeAndPreprocess(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Preprocess resizes an already decoded image
func (p *ImageProcessor) Preprocess(img image.Image) *ProcessedImage {
	h, w := p.config.Height, p.config.Width
	target := p.buffers.Get().(*image.NRGBA)
	defer p.buffers.Put(target)

	var scaler draw.Scaler = draw.NearestNeighbor
	if p.config.Interpolation == Bilinear {
		scaler = draw.BiLinear
	}
	scaler.Scale(target, target.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := h * w
	data := make([]float32, 3*plane)
	scale := p.config.Rescale
	for y := 0; y < h; y++ {
		row := target.Pix[y*target.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+3]
			idx := y*w + x
			data[idx] = float32(px[0]) * scale
			data[plane+idx] = float32(px[1]) * scale
			data[2*plane+idx] = float32(px[2]) * scale
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    w,
		Height:   h,
		Channels: 3,
	}
}

// ToImage converts CHW data produced with the given rescale back to an
// 8-bit image, clamping out-of-range values
func ToImage(data []float32, height, width int, rescale float32) *image.RGBA {
	if rescale == 0 {
		rescale = 1
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	plane := height * width
	clamp := func(v float32) uint8 {
		v /= rescale
		switch {
		case v != v || v < 0:
			return 0
		case v > 255:
			return 255
		}
		return uint8(v + 0.5)
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*width + x
			img.SetRGBA(x, y, color.RGBA{
				R: clamp(data[idx]),
				G: clamp(data[plane+idx]),
				B: clamp(data[2*plane+idx]),
				A: 255,
			})
		}
	}
	return img
}

// PreprocessBatch preprocesses multiple images concurrently with at most
// maxWorkers goroutines. Results keep the order of imagePaths.
func PreprocessBatch(ctx context.Context, imagePaths []string, cfg Config, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	processor := NewImageProcessorWithConfig(cfg)
	results := make([]*ProcessedImage, len(imagePaths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)
	for i, path := range imagePaths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := processor.LoadFile(path)
			if err != nil {
				return fmt.Errorf("failed to process image %d: %w", i, err)
			}
			results[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
