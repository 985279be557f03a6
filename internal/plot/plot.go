// Package plot renders ephemeris tables as line plots, one series per table.
package plot

import (
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/star/ephemgo/internal/ephem"
)

// Spec describes a plot.
type Spec struct {
	X      string  `json:"x"`
	Y      string  `json:"y"`
	Title  string  `json:"title,omitempty"`
	Format string  `json:"format,omitempty"`
	Width  float64 `json:"width,omitempty"`  // inches
	Height float64 `json:"height,omitempty"` // inches
	// InvertY flips the Y axis, for magnitudes.
	InvertY bool `json:"invert_y,omitempty"`
}

// Formats accepted by Render.
var Formats = []string{"png", "svg", "pdf", "jpg"}

const (
	defaultWidth  = 8
	defaultHeight = 5
)

// ContentType returns the MIME type for a render format.
func ContentType(format string) string {
	switch strings.ToLower(format) {
	case "svg":
		return "image/svg+xml"
	case "pdf":
		return "application/pdf"
	case "jpg", "jpeg":
		return "image/jpeg"
	default:
		return "image/png"
	}
}

func (s Spec) withDefaults() Spec {
	if s.X == "" {
		s.X = "date"
	}
	if s.Format == "" {
		s.Format = "png"
	}
	s.Format = strings.ToLower(s.Format)
	if s.Format == "jpeg" {
		s.Format = "jpg"
	}
	if s.Width <= 0 {
		s.Width = defaultWidth
	}
	if s.Height <= 0 {
		s.Height = defaultHeight
	}
	return s
}

func (s Spec) validate() error {
	if s.Y == "" {
		return fmt.Errorf("%w: plot needs a y column", ephem.ErrInvalidQuery)
	}
	for _, f := range Formats {
		if s.Format == f {
			return nil
		}
	}
	return fmt.Errorf("%w: unsupported plot format %q (want one of %s)", ephem.ErrInvalidQuery, s.Format, strings.Join(Formats, ", "))
}

// Build assembles the plot without encoding it.
func Build(tables []*ephem.Table, s Spec) (*plot.Plot, error) {
	s = s.withDefaults()
	if err := s.validate(); err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, errors.New("nothing to plot")
	}

	p := plot.New()
	p.Title.Text = s.Title
	p.X.Label.Text = axisLabel(tables[0], s.X)
	p.Y.Label.Text = axisLabel(tables[0], s.Y)
	if s.X == "date" {
		p.X.Tick.Marker = plot.TimeTicks{Format: "2006-01-02\n15:04"}
	}
	p.Add(plotter.NewGrid())

	var series []any
	for _, t := range tables {
		xys, err := points(t, s.X, s.Y)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.Target.Name, err)
		}
		series = append(series, t.Target.Name, xys)
	}
	if err := plotutil.AddLinePoints(p, series...); err != nil {
		return nil, fmt.Errorf("adding series: %w", err)
	}
	if s.InvertY {
		p.Y.Scale = plot.InvertedScale{Normalizer: plot.LinearScale{}}
	}
	p.Legend.Top = true
	return p, nil
}

// Render writes the plot of tables to w.
func Render(w io.Writer, tables []*ephem.Table, s Spec) error {
	s = s.withDefaults()
	p, err := Build(tables, s)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(vg.Length(s.Width)*vg.Inch, vg.Length(s.Height)*vg.Inch, s.Format)
	if err != nil {
		return fmt.Errorf("encoding plot: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("writing plot: %w", err)
	}
	return nil
}

// Save writes the plot to path; the format comes from the file extension.
func Save(path string, tables []*ephem.Table, s Spec) error {
	s.Format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	s = s.withDefaults()
	p, err := Build(tables, s)
	if err != nil {
		return err
	}
	if err := p.Save(vg.Length(s.Width)*vg.Inch, vg.Length(s.Height)*vg.Inch, path); err != nil {
		return fmt.Errorf("saving plot: %w", err)
	}
	return nil
}

func axisLabel(t *ephem.Table, col string) string {
	if u := t.Units[col]; u != "" {
		return col + " (" + u + ")"
	}
	return col
}

// points pairs x and y values, skipping rows where either is not numeric.
// A "date" axis is plotted as Unix seconds.
func points(t *ephem.Table, xcol, ycol string) (plotter.XYs, error) {
	if !t.HasColumn(ycol) {
		return nil, fmt.Errorf("%w: column %q not in table", ephem.ErrInvalidQuery, ycol)
	}
	var xs []float64
	if xcol == "date" {
		times, err := t.Times()
		if err != nil {
			return nil, err
		}
		xs = make([]float64, len(times))
		for i, ts := range times {
			xs[i] = float64(ts.UnixNano()) / 1e9
		}
	} else {
		if !t.HasColumn(xcol) {
			return nil, fmt.Errorf("%w: column %q not in table", ephem.ErrInvalidQuery, xcol)
		}
		raw, _ := t.Column(xcol)
		xs = make([]float64, len(raw))
		for i, s := range raw {
			xs[i] = parse(s)
		}
	}

	ys, _ := t.Column(ycol)
	var out plotter.XYs
	for i, s := range ys {
		y := parse(s)
		if math.IsNaN(y) || math.IsNaN(xs[i]) {
			continue
		}
		out = append(out, plotter.XY{X: xs[i], Y: y})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no numeric values for %s against %s", ephem.ErrInvalidQuery, ycol, xcol)
	}
	return out, nil
}

func parse(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}
