// Package plots renders training figures to image files. Curves and heatmaps
// come from the PlotData documents built by training.VisualizationCollector,
// so the same data can go to the plotting sidecar or to disk.
package plots

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/tsawler/go-finetune/training"
)

// Figure file names written by experiments
const (
	AccuracyHistoryFile = "Accuracy history.png"
	LossHistoryFile     = "Loss history.png"
	ROCCurveFile        = "ROC curve.png"
	ConfusionFile       = "Confusion matrix.png"
	LearningRateFile    = "Learning rate.png"
)

// screenDPI converts PlotConfig pixel sizes to vg lengths
const screenDPI = 96

var errNoData = errors.New("plot has no data")

// Render draws pd and saves it to path; the extension picks the format
func Render(pd training.PlotData, path string) error {
	p, err := Build(pd)
	if err != nil {
		return err
	}
	w, h := pd.Config.Width, pd.Config.Height
	if w <= 0 {
		w = 640
	}
	if h <= 0 {
		h = 480
	}
	if err := p.Save(vg.Length(w)*vg.Inch/screenDPI, vg.Length(h)*vg.Inch/screenDPI, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Build turns pd into a gonum plot without saving it
func Build(pd training.PlotData) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = pd.Title
	p.X.Label.Text = pd.Config.XAxisLabel
	p.Y.Label.Text = pd.Config.YAxisLabel
	p.Legend.Top = true
	p.Legend.Left = true
	if pd.Config.ShowGrid {
		p.Add(plotter.NewGrid())
	}

	drawn := 0
	allPositive := true
	for i, s := range pd.Series {
		switch s.Type {
		case "heatmap":
			hm, err := heatMap(s)
			if err != nil {
				return nil, fmt.Errorf("series %q: %w", s.Name, err)
			}
			p.Add(hm)
			drawn++
		case "line", "scatter", "":
			xys, err := points(s.Data)
			if err != nil {
				return nil, fmt.Errorf("series %q: %w", s.Name, err)
			}
			if len(xys) == 0 {
				continue
			}
			for _, xy := range xys {
				if xy.Y <= 0 {
					allPositive = false
				}
			}
			thumb, err := lineOrScatter(s, xys, i)
			if err != nil {
				return nil, fmt.Errorf("series %q: %w", s.Name, err)
			}
			p.Add(thumb)
			if pd.Config.ShowLegend || len(pd.Series) > 1 {
				p.Legend.Add(s.Name, thumb)
			}
			drawn++
		default:
			return nil, fmt.Errorf("series %q: unsupported type %q", s.Name, s.Type)
		}
	}
	if drawn == 0 {
		return nil, fmt.Errorf("%s: %w", pd.PlotType, errNoData)
	}
	if pd.Config.YAxisScale == "log" && allPositive {
		// a flat series (constant learning rate) gets a decade either side;
		// the default widening by one would cross zero
		if p.Y.Min == p.Y.Max {
			p.Y.Min, p.Y.Max = p.Y.Min/10, p.Y.Max*10
		}
		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	}
	return p, nil
}

type legendPlotter interface {
	plot.Plotter
	plot.Thumbnailer
}

func lineOrScatter(s training.SeriesData, xys plotter.XYs, i int) (legendPlotter, error) {
	c := styleColor(s.Style, plotutil.Color(i))
	if s.Type == "scatter" {
		sc, err := plotter.NewScatter(xys)
		if err != nil {
			return nil, err
		}
		sc.GlyphStyle.Color = c
		return sc, nil
	}
	l, err := plotter.NewLine(xys)
	if err != nil {
		return nil, err
	}
	l.LineStyle.Color = c
	if w, ok := number(s.Style["line_width"]); ok {
		l.LineStyle.Width = vg.Points(w)
	}
	if s.Style["line_style"] == "dashed" {
		l.LineStyle.Dashes = []vg.Length{vg.Points(5), vg.Points(5)}
	}
	return l, nil
}

func points(data []training.DataPoint) (plotter.XYs, error) {
	xys := make(plotter.XYs, 0, len(data))
	for _, d := range data {
		x, okX := number(d.X)
		y, okY := number(d.Y)
		if !okX || !okY {
			return nil, fmt.Errorf("non-numeric point (%v, %v)", d.X, d.Y)
		}
		if math.IsNaN(y) {
			continue
		}
		xys = append(xys, plotter.XY{X: x, Y: y})
	}
	return xys, nil
}

// number accepts the numeric types PlotData carries before and after a
// JSON round trip
func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

// styleColor parses a "#RRGGBB" color, falling back to def
func styleColor(style map[string]interface{}, def color.Color) color.Color {
	s, ok := style["color"].(string)
	if !ok || len(s) != 7 || !strings.HasPrefix(s, "#") {
		return def
	}
	v, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return def
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
}

// cellGrid adapts heatmap DataPoints (X column, Y row, Z value) to
// plotter.GridXYZ
type cellGrid struct {
	cols, rows int
	z          [][]float64 // [row][col]
}

func (g cellGrid) Dims() (c, r int)   { return g.cols, g.rows }
func (g cellGrid) Z(c, r int) float64 { return g.z[r][c] }
func (g cellGrid) X(c int) float64    { return float64(c) }
func (g cellGrid) Y(r int) float64    { return float64(r) }

func heatMap(s training.SeriesData) (*plotter.HeatMap, error) {
	g := cellGrid{}
	type cell struct {
		c, r int
		z    float64
	}
	var cells []cell
	for _, d := range s.Data {
		x, okX := number(d.X)
		y, okY := number(d.Y)
		z, okZ := number(d.Z)
		if !okX || !okY || !okZ || x < 0 || y < 0 {
			return nil, fmt.Errorf("invalid heatmap cell (%v, %v, %v)", d.X, d.Y, d.Z)
		}
		c := cell{int(x), int(y), z}
		cells = append(cells, c)
		if c.c+1 > g.cols {
			g.cols = c.c + 1
		}
		if c.r+1 > g.rows {
			g.rows = c.r + 1
		}
	}
	if len(cells) == 0 {
		return nil, errNoData
	}
	g.z = make([][]float64, g.rows)
	for r := range g.z {
		g.z[r] = make([]float64, g.cols)
	}
	for _, c := range cells {
		g.z[c.r][c.c] = c.z
	}
	hm := plotter.NewHeatMap(g, palette.Heat(12, 1))
	if hm.Min == hm.Max {
		hm.Max = hm.Min + 1
	}
	return hm, nil
}

// HistoryFigures writes the accuracy and loss history figures of vc into
// dir and returns their paths
func HistoryFigures(dir string, vc *training.VisualizationCollector) ([]string, error) {
	figures := []struct {
		file string
		pd   training.PlotData
	}{
		{AccuracyHistoryFile, vc.GenerateAccuracyPlot()},
		{LossHistoryFile, vc.GenerateLossPlot()},
	}
	var written []string
	for _, f := range figures {
		path := filepath.Join(dir, f.file)
		if err := Render(f.pd, path); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}
