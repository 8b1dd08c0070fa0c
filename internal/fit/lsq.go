package fit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// Fit fits m to the data by least squares.
func (m *Model) Fit(xs, ys []float64) (*Result, error) {
	k := len(m.Params)
	switch {
	case len(xs) != len(ys):
		return nil, fmt.Errorf("%w: %d x values, %d y values", ErrNoConvergence, len(xs), len(ys))
	case len(xs) <= k:
		return nil, fmt.Errorf("%w: %s needs more than %d points, have %d", ErrNoConvergence, m.Name, k, len(xs))
	case !allFinite(xs) || !allFinite(ys):
		return nil, fmt.Errorf("%w: data contains NaN or Inf", ErrNoConvergence)
	}

	var p []float64
	var err error
	if m.Basis != nil {
		p, err = m.solveLinear(xs, ys)
	} else {
		p, err = m.minimize(xs, ys)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoConvergence, m.Name, err)
	}
	if m.Normalize != nil {
		m.Normalize(p)
	}
	if !allFinite(p) {
		return nil, fmt.Errorf("%w: %s: parameters are not finite", ErrNoConvergence, m.Name)
	}
	if m.Check != nil {
		if err := m.Check(p, xs, ys); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNoConvergence, m.Name, err)
		}
	}

	chi2 := m.chiSq(xs, ys, p)
	cov, err := m.covariance(xs, p, chi2/float64(len(xs)-k))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoConvergence, m.Name, err)
	}

	r := &Result{
		Model:    m.Name,
		Function: m.Function,
		Params:   append([]string(nil), m.Params...),
		Values:   make(map[string]float64, 2*k+2),
		ChiSq:    chi2,
		Points:   len(xs),
	}
	for i, name := range m.Params {
		r.Values[name] = p[i]
		r.Values[name+ErrSuffix] = math.Sqrt(math.Max(0, cov.At(i, i)))
	}
	if m.Derive != nil {
		m.Derive(p, cov, r.Values)
	}
	return r, nil
}

func (m *Model) solveLinear(xs, ys []float64) ([]float64, error) {
	k := len(m.Params)
	x := mat.NewDense(len(xs), k, nil)
	for i, xv := range xs {
		x.SetRow(i, m.Basis(xv))
	}
	var beta mat.VecDense
	if err := beta.SolveVec(x, mat.NewVecDense(len(ys), append([]float64(nil), ys...))); err != nil {
		return nil, err
	}
	return mat.Col(nil, 0, &beta), nil
}

// minimize runs the optimizer in scaled coordinates u, where
// p = guess + scale*u, on residuals divided by the data range.
func (m *Model) minimize(xs, ys []float64) ([]float64, error) {
	k := len(m.Params)
	n := len(xs)
	p0 := m.Guess(xs, ys)
	scale := make([]float64, k)
	if m.Scales != nil {
		copy(scale, m.Scales(xs, ys))
	} else {
		for i, v := range p0 {
			scale[i] = nonzero(v)
		}
	}
	yscale := nonzero(floats.Max(ys) - floats.Min(ys))

	params := func(dst, u []float64) {
		for i := range dst {
			dst[i] = p0[i] + scale[i]*u[i]
		}
	}
	residuals := func(r, u []float64) {
		p := make([]float64, k)
		params(p, u)
		for j, x := range xs {
			r[j] = (m.Eval(x, p) - ys[j]) / yscale
		}
	}

	problem := optimize.Problem{
		Func: func(u []float64) float64 {
			r := make([]float64, n)
			residuals(r, u)
			return floats.Dot(r, r)
		},
		Grad: func(grad, u []float64) {
			r := make([]float64, n)
			residuals(r, u)
			jac := mat.NewDense(n, k, nil)
			fd.Jacobian(jac, residuals, u, &fd.JacobianSettings{Formula: fd.Central})
			g := mat.NewVecDense(k, grad)
			g.MulVec(jac.T(), mat.NewVecDense(n, r))
			g.ScaleVec(2, g)
		},
	}
	settings := &optimize.Settings{MajorIterations: 1000}

	res, err := optimize.Minimize(problem, make([]float64, k), settings, &optimize.BFGS{})
	if res == nil || !allFinite(res.X) {
		res, err = optimize.Minimize(problem, make([]float64, k), settings, &optimize.NelderMead{})
	}
	if res == nil {
		return nil, err
	}
	if !allFinite(res.X) {
		return nil, fmt.Errorf("optimizer diverged (%v)", res.Status)
	}
	p := make([]float64, k)
	params(p, res.X)
	return p, nil
}

func (m *Model) chiSq(xs, ys, p []float64) float64 {
	var s float64
	for i, x := range xs {
		d := m.Eval(x, p) - ys[i]
		s += d * d
	}
	return s
}

// covariance returns s2 * (JᵀJ)⁻¹ with J the model Jacobian at p.
func (m *Model) covariance(xs, p []float64, s2 float64) (*mat.Dense, error) {
	n, k := len(xs), len(p)
	jac := mat.NewDense(n, k, nil)
	if m.Basis != nil {
		for i, x := range xs {
			jac.SetRow(i, m.Basis(x))
		}
	} else {
		fd.Jacobian(jac, func(y, q []float64) {
			for i, x := range xs {
				y[i] = m.Eval(x, q)
			}
		}, p, &fd.JacobianSettings{Formula: fd.Central})
	}

	var jtj, inv mat.Dense
	jtj.Mul(jac.T(), jac)
	if err := inv.Inverse(&jtj); err != nil {
		return nil, fmt.Errorf("singular normal matrix: %v", err)
	}
	inv.Scale(s2, &inv)
	return &inv, nil
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
