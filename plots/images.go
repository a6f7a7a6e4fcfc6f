package plots

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Sample figure file names
const (
	TrainImagesFile = "Train images.png"
	TestImagesFile  = "Test images.png"
	TrainImageFile  = "Train image.png"
	TestImageFile   = "Test image.png"
)

// GridConfig lays out an image grid figure
type GridConfig struct {
	Columns    int
	Padding    int // pixels around and between cells
	Background color.Color
	// TitleScale magnifies the 7x13 title font; 0 picks a scale from the
	// cell size.
	TitleScale int
}

// DefaultGridConfig returns a 5 column grid on white
func DefaultGridConfig() GridConfig {
	return GridConfig{Columns: 5, Padding: 8, Background: color.White}
}

// ImageGrid composes images into rows of cfg.Columns cells under title.
// Every cell takes the size of the first image; others are rescaled.
func ImageGrid(title string, images []image.Image, cfg GridConfig) (*image.RGBA, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("image grid %q: %w", title, errNoData)
	}
	if cfg.Columns <= 0 {
		cfg.Columns = 5
	}
	if cfg.Background == nil {
		cfg.Background = color.White
	}
	cols := cfg.Columns
	if len(images) < cols {
		cols = len(images)
	}
	rows := (len(images) + cols - 1) / cols
	cell := images[0].Bounds().Size()
	pad := cfg.Padding

	width := cols*cell.X + (cols+1)*pad
	scale := cfg.TitleScale
	if scale <= 0 {
		scale = cell.X / 56
	}
	for scale > 1 && textWidth(title)*scale > width-2*pad {
		scale--
	}
	if scale < 1 {
		scale = 1
	}
	titleHeight := 0
	if title != "" {
		titleHeight = basicfont.Face7x13.Height*scale + pad
	}
	height := titleHeight + rows*cell.Y + (rows+1)*pad

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(cfg.Background), image.Point{}, draw.Src)
	if title != "" {
		drawTitle(canvas, title, scale, pad)
	}

	for i, img := range images {
		r, c := i/cols, i%cols
		x := pad + c*(cell.X+pad)
		y := titleHeight + pad + r*(cell.Y+pad)
		dst := image.Rect(x, y, x+cell.X, y+cell.Y)
		if img.Bounds().Size() == cell {
			draw.Draw(canvas, dst, img, img.Bounds().Min, draw.Src)
			continue
		}
		draw.ApproxBiLinear.Scale(canvas, dst, img, img.Bounds(), draw.Src, nil)
	}
	return canvas, nil
}

func textWidth(s string) int {
	return font.MeasureString(basicfont.Face7x13, s).Ceil()
}

// drawTitle renders title at 1x and scales it up centred at the top of dst
func drawTitle(dst *image.RGBA, title string, scale, pad int) {
	face := basicfont.Face7x13
	w, h := textWidth(title), face.Height
	strip := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(strip, strip.Bounds(), image.Transparent, image.Point{}, draw.Src)
	d := &font.Drawer{
		Dst:  strip,
		Src:  image.Black,
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	d.DrawString(title)

	x := (dst.Bounds().Dx() - w*scale) / 2
	if x < 0 {
		x = 0
	}
	target := image.Rect(x, pad, x+w*scale, pad+h*scale)
	draw.NearestNeighbor.Scale(dst, target, strip, strip.Bounds(), draw.Over, nil)
}

// SavePNG encodes img to path
func SavePNG(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}

// SaveImageGrid builds an image grid and writes it as PNG
func SaveImageGrid(path, title string, images []image.Image, cfg GridConfig) error {
	grid, err := ImageGrid(title, images, cfg)
	if err != nil {
		return err
	}
	return SavePNG(grid, path)
}
