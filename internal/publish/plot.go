// Package publish holds scan publishers: PNG plots, NATS events and the
// scan log.
package publish

import (
	"context"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/ncnr/pyrecs/internal/counting"
	"github.com/ncnr/pyrecs/internal/fit"
	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/scan"
	"github.com/ncnr/pyrecs/internal/state"
)

// Series is the counts of one scan against its first varied quantity.
type Series struct {
	Title  string
	XLabel string
	Xs, Ys []float64
	Fit    *fit.Result
}

// errPoints plots counts with Poisson error bars.
type errPoints struct {
	xs, ys []float64
}

func (p errPoints) Len() int                    { return len(p.xs) }
func (p errPoints) XY(i int) (float64, float64) { return p.xs[i], p.ys[i] }
func (p errPoints) YError(i int) (float64, float64) {
	e := math.Sqrt(math.Max(p.ys[i], 0))
	return e, e
}

// Plot builds the plot of s: the points with error bars and, when a fit is
// present, the fitted curve over the scanned range.
func (s *Series) Plot() (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = s.Title
	p.X.Label.Text = s.XLabel
	p.Y.Label.Text = "Counts"

	pts := errPoints{xs: s.Xs, ys: s.Ys}
	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, err
	}
	scatter.GlyphStyle.Radius = vg.Points(2.5)
	bars, err := plotter.NewYErrorBars(pts)
	if err != nil {
		return nil, err
	}
	p.Add(scatter, bars)
	p.Legend.Add("data", scatter)

	if s.Fit != nil && len(s.Xs) > 1 {
		curve := plotter.NewFunction(func(x float64) float64 {
			y, ok := s.Fit.Eval(x)
			if !ok {
				return math.NaN()
			}
			return y
		})
		lo, hi := minMax(s.Xs)
		curve.XMin, curve.XMax = lo, hi
		curve.Samples = 200
		curve.Color = color.RGBA{R: 200, A: 255}
		curve.Width = vg.Points(1)
		p.Add(curve)
		label := s.Fit.Model
		if c, ok := s.Fit.Center(); ok {
			label = fmt.Sprintf("%s x0=%.4g", s.Fit.Model, c)
		}
		p.Legend.Add(label, curve)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// WritePNG renders s as a PNG.
func (s *Series) WritePNG(w io.Writer, width, height vg.Length) error {
	p, err := s.Plot()
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

func minMax(xs []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, x := range xs {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}

// PlotPublisher saves a PNG of every finished scan into Dir.
type PlotPublisher struct {
	Dir    string
	Width  vg.Length
	Height vg.Length

	mu     sync.Mutex
	series map[*scan.Definition]*Series
	seq    int
}

// NewPlotPublisher returns a publisher writing plots into dir.
func NewPlotPublisher(dir string) *PlotPublisher {
	return &PlotPublisher{
		Dir:    dir,
		Width:  8 * vg.Inch,
		Height: 5 * vg.Inch,
		series: make(map[*scan.Definition]*Series),
	}
}

func (pp *PlotPublisher) PublishStart(_ context.Context, _ state.State, def *scan.Definition) error {
	xlabel := ""
	if names := def.VaryNames(); len(names) > 0 {
		xlabel = names[0]
	}
	title := def.Comment
	if title == "" {
		title = def.ScanType() + " " + xlabel
	}
	pp.mu.Lock()
	pp.series[def] = &Series{Title: title, XLabel: xlabel}
	pp.mu.Unlock()
	return nil
}

func (pp *PlotPublisher) PublishDatapoint(_ context.Context, st state.State, def *scan.Definition) error {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	s, ok := pp.series[def]
	if !ok {
		return nil
	}
	x, ok := st.Float(s.XLabel)
	if !ok {
		return nil
	}
	res, ok := counting.ResultOf(st)
	if !ok || res == nil {
		return nil
	}
	s.Xs = append(s.Xs, x)
	s.Ys = append(s.Ys, res.Counts)
	return nil
}

// PublishEnd writes the plot. The file is named after the scan's
// filename, or numbered when it has none.
func (pp *PlotPublisher) PublishEnd(_ context.Context, st state.State, def *scan.Definition) error {
	pp.mu.Lock()
	s, ok := pp.series[def]
	delete(pp.series, def)
	pp.seq++
	seq := pp.seq
	pp.mu.Unlock()
	if !ok || len(s.Xs) == 0 {
		return nil
	}
	if res, ok := st[state.KeyFit].(*fit.Result); ok {
		s.Fit = res
	}

	name := safeName(strings.TrimSuffix(filepath.Base(def.Filename), filepath.Ext(def.Filename)))
	if def.Filename == "" {
		name = fmt.Sprintf("scan_%03d", seq)
	}
	if err := os.MkdirAll(pp.Dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(pp.Dir, name+".png")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.WritePNG(f, pp.Width, pp.Height); err != nil {
		f.Close()
		return fmt.Errorf("save plot: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	monitoring.Logf("[publish] plot saved to %s", path)
	return nil
}

// safeName keeps ASCII letters, digits, '.' and '-', turning any run of
// other characters, underscores included, into one underscore.
func safeName(s string) string {
	var b strings.Builder
	under := false
	for _, r := range s {
		ok := r == '.' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if ok {
			b.WriteRune(r)
			under = false
		} else if !under {
			b.WriteByte('_')
			under = true
		}
	}
	return b.String()
}

var _ scan.Publisher = (*PlotPublisher)(nil)
