package fit

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Model is a parametric curve y = f(x; p).
type Model struct {
	Name     string
	Function string
	Params   []string
	Eval     func(x float64, p []float64) float64

	// Basis is set for models linear in p: f(x; p) = Basis(x)·p. Linear
	// models are solved directly.
	Basis func(x float64) []float64
	// Guess returns starting parameters for nonlinear models.
	Guess func(xs, ys []float64) []float64
	// Scales are the typical magnitude of each parameter.
	Scales func(xs, ys []float64) []float64
	// Normalize folds equivalent solutions onto one, such as a negative
	// width.
	Normalize func(p []float64)
	// Check rejects a numerically converged fit that is not meaningful.
	Check func(p, xs, ys []float64) error
	// Derive adds quantities computed from the parameters and their
	// covariance to values.
	Derive func(p []float64, cov *mat.Dense, values map[string]float64)
}

// Gaussian is a peak on a flat background.
var Gaussian = register(&Model{
	Name:     "gaussian",
	Function: "y0 + A*exp(-(x-x0)^2/(2*sigma^2))",
	Params:   []string{"y0", "A", "x0", "sigma"},
	Eval: func(x float64, p []float64) float64 {
		z := (x - p[2]) / p[3]
		return p[0] + p[1]*math.Exp(-0.5*z*z)
	},
	Guess: func(xs, ys []float64) []float64 {
		g := guessPeak(xs, ys)
		return []float64{g.background, g.amplitude, g.center, g.width}
	},
	Scales:    peakScales,
	Normalize: func(p []float64) { p[3] = math.Abs(p[3]) },
	Check:     checkPeak,
	Derive:    deriveWidth("fwhm", 2*math.Sqrt(2*math.Ln2)),
})

// Lorentzian is a Cauchy line shape on a flat background; gamma is the
// half width at half maximum.
var Lorentzian = register(&Model{
	Name:     "lorentzian",
	Function: "y0 + A*gamma^2/((x-x0)^2 + gamma^2)",
	Params:   []string{"y0", "A", "x0", "gamma"},
	Eval: func(x float64, p []float64) float64 {
		d := x - p[2]
		g2 := p[3] * p[3]
		return p[0] + p[1]*g2/(d*d+g2)
	},
	Guess: func(xs, ys []float64) []float64 {
		g := guessPeak(xs, ys)
		return []float64{g.background, g.amplitude, g.center, g.width * math.Sqrt(2*math.Ln2)}
	},
	Scales:    peakScales,
	Normalize: func(p []float64) { p[3] = math.Abs(p[3]) },
	Check:     checkPeak,
	Derive:    deriveWidth("fwhm", 2),
})

// Line is a straight line. It has no center.
var Line = register(&Model{
	Name:     "line",
	Function: "m*x + b",
	Params:   []string{"m", "b"},
	Eval:     func(x float64, p []float64) float64 { return p[0]*x + p[1] },
	Basis:    func(x float64) []float64 { return []float64{x, 1} },
})

// Quadratic is a downward parabola; its vertex is reported as x0. A fit
// that opens upward or puts the vertex outside the data is rejected.
var Quadratic = register(&Model{
	Name:     "quadratic",
	Function: "a*x^2 + b*x + c",
	Params:   []string{"a", "b", "c"},
	Eval:     func(x float64, p []float64) float64 { return (p[0]*x+p[1])*x + p[2] },
	Basis:    func(x float64) []float64 { return []float64{x * x, x, 1} },
	Check:    checkVertex,
	Derive: func(p []float64, cov *mat.Dense, values map[string]float64) {
		a, b := p[0], p[1]
		values[CenterParam] = -b / (2 * a)
		// first-order propagation through d(x0)/da and d(x0)/db
		g := mat.NewVecDense(3, []float64{b / (2 * a * a), -1 / (2 * a), 0})
		var cg mat.VecDense
		cg.MulVec(cov, g)
		values[CenterParam+ErrSuffix] = math.Sqrt(math.Max(0, mat.Dot(g, &cg)))
	},
})

type peakGuess struct {
	background, amplitude, center, width float64
}

// guessPeak estimates a peak from the data: baseline at the minimum,
// center at the maximum, width from the second moment about the center.
func guessPeak(xs, ys []float64) peakGuess {
	lo := floats.Min(ys)
	imax := floats.MaxIdx(ys)
	g := peakGuess{background: lo, amplitude: ys[imax] - lo, center: xs[imax]}

	var sw, s2 float64
	for i, x := range xs {
		w := ys[i] - lo
		sw += w
		s2 += w * (x - g.center) * (x - g.center)
	}
	if sw > 0 {
		g.width = math.Sqrt(s2 / sw)
	}
	if g.width <= 0 || math.IsNaN(g.width) {
		g.width = span(xs) / 4
	}
	if g.width == 0 {
		g.width = 1
	}
	return g
}

func peakScales(xs, ys []float64) []float64 {
	ys0 := nonzero(floats.Max(ys) - floats.Min(ys))
	xs0 := nonzero(span(xs))
	return []float64{ys0, ys0, xs0, xs0}
}

func checkPeak(p, xs, _ []float64) error {
	switch {
	case p[1] <= 0:
		return errors.New("no peak: amplitude is not positive")
	case p[3] == 0:
		return errors.New("zero peak width")
	case p[2] < floats.Min(xs) || p[2] > floats.Max(xs):
		return errors.New("peak center outside the scanned range")
	}
	return nil
}

func checkVertex(p, xs, _ []float64) error {
	a, b := p[0], p[1]
	if a >= 0 {
		return errors.New("no peak: parabola does not open downward")
	}
	if v := -b / (2 * a); v < floats.Min(xs) || v > floats.Max(xs) {
		return errors.New("vertex outside the scanned range")
	}
	return nil
}

// deriveWidth reports factor*p[3] under name.
func deriveWidth(name string, factor float64) func([]float64, *mat.Dense, map[string]float64) {
	return func(p []float64, cov *mat.Dense, values map[string]float64) {
		values[name] = factor * p[3]
		values[name+ErrSuffix] = factor * math.Sqrt(math.Max(0, cov.At(3, 3)))
	}
}

func span(xs []float64) float64 {
	return floats.Max(xs) - floats.Min(xs)
}

func nonzero(v float64) float64 {
	if v == 0 || math.IsNaN(v) {
		return 1
	}
	return math.Abs(v)
}
