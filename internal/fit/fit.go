// Package fit performs least-squares fits of peak and polynomial models to
// scan data and reports each parameter with its standard error.
package fit

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
)

// ErrNoConvergence wraps every fit failure.
var ErrNoConvergence = errors.New("fit did not converge")

// CenterParam is the parameter that locates a peak.
const CenterParam = "x0"

// ErrSuffix is appended to a parameter name for its standard error.
const ErrSuffix = "_err"

// Fitter fits a model to (x, y) pairs.
type Fitter interface {
	Fit(xs, ys []float64) (*Result, error)
}

// FitterFunc adapts a function to Fitter.
type FitterFunc func(xs, ys []float64) (*Result, error)

func (f FitterFunc) Fit(xs, ys []float64) (*Result, error) { return f(xs, ys) }

// Result is a converged fit.
type Result struct {
	Model    string   `json:"model"`
	Function string   `json:"function"`
	Params   []string `json:"params"`
	// Values holds every parameter and, under name+ErrSuffix, its standard
	// error. Derived quantities such as the vertex of a quadratic appear
	// here too.
	Values map[string]float64 `json:"values"`
	ChiSq  float64            `json:"chisq"`
	Points int                `json:"points"`
}

// Value returns a fitted parameter.
func (r *Result) Value(name string) (float64, bool) {
	v, ok := r.Values[name]
	return v, ok
}

// StdErr returns the standard error of a fitted parameter.
func (r *Result) StdErr(name string) (float64, bool) {
	v, ok := r.Values[name+ErrSuffix]
	return v, ok
}

// Center returns the fitted peak position when the model has one.
func (r *Result) Center() (float64, bool) {
	if r == nil {
		return 0, false
	}
	return r.Value(CenterParam)
}

// Eval evaluates the fitted curve at x.
func (r *Result) Eval(x float64) (float64, bool) {
	m, ok := Lookup(r.Model)
	if !ok {
		return 0, false
	}
	p := make([]float64, len(m.Params))
	for i, name := range m.Params {
		p[i] = r.Values[name]
	}
	return m.Eval(x, p), true
}

// Clone returns a deep copy.
func (r *Result) Clone() any {
	if r == nil {
		return (*Result)(nil)
	}
	out := *r
	out.Params = append([]string(nil), r.Params...)
	out.Values = maps.Clone(r.Values)
	return &out
}

// String formats the parameters as "name = value ± err" pairs.
func (r *Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", r.Model, r.Function)
	names := append([]string(nil), r.Params...)
	if _, ok := r.Values[CenterParam]; ok && !contains(names, CenterParam) {
		names = append(names, CenterParam)
	}
	for _, name := range names {
		fmt.Fprintf(&b, "; %s = %.6g ± %.2g", name, r.Values[name], r.Values[name+ErrSuffix])
	}
	return b.String()
}

func contains(s []string, v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}

var registry = map[string]*Model{}

func register(m *Model) *Model {
	registry[m.Name] = m
	return m
}

// Lookup returns the model registered under name.
func Lookup(name string) (*Model, bool) {
	m, ok := registry[strings.ToLower(name)]
	return m, ok
}

// Names lists the registered models.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
