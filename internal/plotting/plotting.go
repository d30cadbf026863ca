// Package plotting renders static PNG figures of singles, coincidences,
// metrics, delay histograms and time series.
package plotting

import (
	"fmt"
	"image/color"
	"io"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/coincidence.report/internal/security"
)

// Default figure size.
const (
	Width  = 14 * vg.Inch
	Height = 6 * vg.Inch
)

// Figure is a named plot ready to be written.
type Figure struct {
	Name string
	Plot *plot.Plot
}

// WritePNG encodes p as PNG to w.
func WritePNG(w io.Writer, p *plot.Plot) error {
	wt, err := p.WriterTo(Width, Height, "png")
	if err != nil {
		return fmt.Errorf("failed to render plot: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write plot: %w", err)
	}
	return nil
}

// SaveAll writes each figure to dir as <name>.png and returns the paths.
// Names are sanitised so a pair label cannot place a file outside dir.
func SaveAll(dir string, figs []Figure) ([]string, error) {
	paths := make([]string, 0, len(figs))
	for _, f := range figs {
		path, err := security.OutputPath(dir, f.Name, ".png")
		if err != nil {
			return paths, err
		}
		if err := f.Plot.Save(Width, Height, path); err != nil {
			return paths, fmt.Errorf("save %s plot: %w", f.Name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func newPlot(title, x, y string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = x
	p.Y.Label.Text = y
	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p
}

// xys pairs xs with ys, skipping non-finite values.
func xys(xs, ys []float64) plotter.XYs {
	n := min(len(xs), len(ys))
	pts := make(plotter.XYs, 0, n)
	for i := 0; i < n; i++ {
		if math.IsNaN(ys[i]) || math.IsInf(ys[i], 0) {
			continue
		}
		pts = append(pts, plotter.XY{X: xs[i], Y: ys[i]})
	}
	return pts
}

// addLine adds a legend entry for a series; empty series are skipped.
func addLine(p *plot.Plot, name string, pts plotter.XYs, c color.Color) error {
	if len(pts) == 0 {
		return nil
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = c
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add(name, line)
	return nil
}

// bars draws one bar per name with its value printed above it.
func bars(p *plot.Plot, names []string, values []float64, c color.Color, format string) error {
	if len(values) == 0 {
		return nil
	}
	bc, err := plotter.NewBarChart(plotter.Values(values), vg.Points(24))
	if err != nil {
		return err
	}
	bc.Color = c
	bc.LineStyle.Width = 0
	p.Add(bc)
	p.NominalX(names...)

	top := 0.0
	for _, v := range values {
		top = math.Max(top, v)
	}
	offset := top * 0.02
	pts := make(plotter.XYs, len(values))
	labels := make([]string, len(values))
	for i, v := range values {
		pts[i] = plotter.XY{X: float64(i), Y: v + offset}
		labels[i] = fmt.Sprintf(format, v)
	}
	l, err := plotter.NewLabels(plotter.XYLabels{XYs: pts, Labels: labels})
	if err != nil {
		return err
	}
	p.Add(l)
	p.Y.Min = 0
	p.Y.Max = math.Max(p.Y.Max, top*1.1)
	return nil
}

// generateColors creates a palette of distinct colors for series lines
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64
	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}
	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t += 1
	}
	if t > 1 {
		t -= 1
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 1.0/2.0:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}

var (
	singlesColor = color.RGBA{R: 0x3a, G: 0x86, B: 0xff, A: 255}
	coincColor   = color.RGBA{R: 0xff, G: 0x00, B: 0x6e, A: 255}
	metricColor  = color.RGBA{R: 0x83, G: 0x38, B: 0xec, A: 255}
)
