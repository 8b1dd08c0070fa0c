// Package peak locates a peak by scanning a motor symmetrically about its
// current position, fitting the counts, and driving to the fitted center.
package peak

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/ncnr/pyrecs/internal/expr"
	"github.com/ncnr/pyrecs/internal/fit"
	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/motion"
	"github.com/ncnr/pyrecs/internal/scan"
	"github.com/ncnr/pyrecs/internal/state"
)

// ErrNoPeak is returned by DriveToLastPeak before any peak has been found.
var ErrNoPeak = errors.New("no peak has been found")

// NoConvergence is stored under state.KeyFit in the end-of-scan state when
// the fit fails.
const NoConvergence = "NO_CONVERGENCE"

// KeyFitError holds the fit failure message in the end-of-scan state.
const KeyFitError = "fit_error"

// Mover reads and drives motor soft positions. *motion.Coordinator
// implements it.
type Mover interface {
	SoftPosition(ctx context.Context, motor int, poll bool) (float64, error)
	Drive(ctx context.Context, targets map[int]float64, opts motion.Options) error
}

// Tie scans a second motor in lockstep. Expr is evaluated at every point
// and may reference the primary motor's key, e.g. "a4/2".
type Tie struct {
	Motor int    `json:"motor"`
	Expr  string `json:"expr"`
}

// Ratio ties motor to ratio times the primary motor.
func Ratio(primary, motor int, ratio float64) Tie {
	return Tie{Motor: motor, Expr: state.MotorKey(primary) + " * " + formatFloat(ratio)}
}

// Request describes one peak search.
type Request struct {
	Motor int     `json:"motor"`
	Range float64 `json:"range"`
	Step  float64 `json:"step"`
	// Duration is the count time per point in seconds. Zero keeps the
	// current scaler settings.
	Duration  float64 `json:"duration,omitempty"`
	AutoDrive bool    `json:"auto_drive,omitempty"`
	Tied      []Tie   `json:"tied,omitempty"`
	// Model names the fit model; empty uses the workflow's fitter.
	Model    string `json:"model,omitempty"`
	Filename string `json:"filename,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// Peak is the outcome of the most recent successful search.
type Peak struct {
	Motor   int             `json:"motor"`
	Center  float64         `json:"center"`
	Targets map[int]float64 `json:"targets"`
	Fit     *fit.Result     `json:"fit"`
}

// Outcome reports one search.
type Outcome struct {
	Points  int         `json:"points"`
	Xs      []float64   `json:"xs"`
	Ys      []float64   `json:"ys"`
	Fit     *fit.Result `json:"fit,omitempty"`
	Peak    *Peak       `json:"peak,omitempty"`
	Drove   bool        `json:"drove"`
	Aborted bool        `json:"aborted,omitempty"`
	Broken  bool        `json:"broken,omitempty"`
}

// Workflow runs peak searches. It remembers the last peak found.
type Workflow struct {
	engine *scan.Engine
	mover  Mover

	Fitter   fit.Fitter
	Options  motion.Options
	Recorder monitoring.Recorder

	mu   sync.Mutex
	last *Peak
}

// NewWorkflow returns a workflow fitting Gaussians.
func NewWorkflow(e *scan.Engine, m Mover) *Workflow {
	return &Workflow{
		engine:   e,
		mover:    m,
		Fitter:   fit.Gaussian,
		Options:  motion.DefaultOptions,
		Recorder: monitoring.NoopRecorder{},
	}
}

// Steps returns the number of points and the first position of a search
// centered on current. With an even count the extra point falls below
// current.
func Steps(current, rng, step float64) (int, float64) {
	n := int(math.Floor(math.Abs(rng/step))) + 1
	start := current - math.Floor(float64(n)/2)*step
	return n, start
}

// Definition builds the scan for req around the current position.
func (r Request) Definition(current float64) (*scan.Definition, error) {
	if r.Step == 0 || math.IsNaN(r.Step) || math.IsInf(r.Step, 0) {
		return nil, fmt.Errorf("find peak: invalid step %g", r.Step)
	}
	if math.IsNaN(r.Range) || math.IsInf(r.Range, 0) {
		return nil, fmt.Errorf("find peak: invalid range %g", r.Range)
	}
	n, start := Steps(current, r.Range, r.Step)
	key := state.MotorKey(r.Motor)
	def := &scan.Definition{
		Iterations: n,
		Type:       scan.TypeFindPeak,
		Vary:       []scan.Var{{Name: key, Expr: formatFloat(start) + " + i*" + formatFloat(r.Step)}},
		Filename:   r.Filename,
		Comment:    r.Comment,
		Namestr:    key,
	}
	for _, t := range r.Tied {
		if t.Motor == r.Motor {
			return nil, fmt.Errorf("find peak: motor %d tied to itself", t.Motor)
		}
		def.Vary = append(def.Vary, scan.Var{Name: state.MotorKey(t.Motor), Expr: t.Expr})
	}
	if r.Duration > 0 {
		def.InitState = []scan.Entry{
			{Key: state.KeyGatingMode, Value: "TIME"},
			{Key: state.KeyTimePreset, Value: r.Duration},
		}
	}
	return def, def.Validate()
}

// FindPeak scans, fits and, with AutoDrive, moves to the fitted center.
// When the fit fails the varied motors are driven back to where they were
// before the scan and the error wraps fit.ErrNoConvergence. An aborted scan
// returns a nil error with Outcome.Aborted set and moves nothing further.
func (w *Workflow) FindPeak(ctx context.Context, req Request, pubs scan.Publishers) (*Outcome, error) {
	fitter, err := w.fitter(req.Model)
	if err != nil {
		return nil, err
	}
	key := state.MotorKey(req.Motor)

	motors := []int{req.Motor}
	for _, t := range req.Tied {
		motors = append(motors, t.Motor)
	}
	before := make(map[int]float64, len(motors))
	for _, m := range motors {
		pos, err := w.mover.SoftPosition(ctx, m, true)
		if err != nil {
			return nil, fmt.Errorf("find peak: read motor %d: %w", m, err)
		}
		before[m] = pos
	}

	def, err := req.Definition(before[req.Motor])
	if err != nil {
		return nil, err
	}
	seq, err := w.engine.OneDimScan(def, scan.Options{Publishers: pubs, DeferEnd: true})
	if err != nil {
		return nil, err
	}

	out := &Outcome{}
	for seq.Next(ctx) {
		pt := seq.Point()
		x, ok := pt.State.Float(key)
		if !ok {
			x, _ = pt.Scan.Float(key)
		}
		var y float64
		if r := pt.Result(); r != nil {
			y = r.Counts
		}
		out.Xs = append(out.Xs, x)
		out.Ys = append(out.Ys, y)
	}
	out.Points = len(out.Xs)
	out.Broken = seq.Broken()

	if seq.Aborted() {
		out.Aborted = true
		monitoring.Logf("[peak] %s search aborted after %d points", key, out.Points)
		return out, nil
	}
	if err := seq.Err(); err != nil {
		return out, fmt.Errorf("find peak %s: %w", key, err)
	}

	res, ferr := fitter.Fit(out.Xs, out.Ys)
	modelName := fitterName(fitter, res)
	w.Recorder.IncFitOutcome(modelName, ferr == nil)
	if ferr != nil {
		if !errors.Is(ferr, fit.ErrNoConvergence) {
			ferr = fmt.Errorf("%w: %v", fit.ErrNoConvergence, ferr)
		}
		monitoring.Logger().Warn("peak fit failed, returning to start",
			"motor", key, "points", out.Points, "err", ferr)
		seq.End(ctx, state.State{state.KeyFit: NoConvergence, KeyFitError: ferr.Error()})
		if err := w.mover.Drive(ctx, before, w.Options); err != nil {
			return out, errors.Join(fmt.Errorf("find peak %s: %w", key, ferr), fmt.Errorf("return to start: %w", err))
		}
		return out, fmt.Errorf("find peak %s: %w", key, ferr)
	}

	out.Fit = res
	monitoring.Logf("[peak] %s %s", key, res)
	seq.End(ctx, state.State{state.KeyFit: res})

	center, ok := res.Center()
	if !ok {
		monitoring.Logf("[peak] %s fit model has no center; returning to start", key)
		if err := w.mover.Drive(ctx, before, w.Options); err != nil {
			return out, fmt.Errorf("return to start: %w", err)
		}
		return out, nil
	}

	pk, err := w.peakAt(req, center, res, seq.LastState())
	if err != nil {
		return out, err
	}
	w.mu.Lock()
	w.last = pk
	w.mu.Unlock()
	out.Peak = pk

	if !req.AutoDrive {
		monitoring.Logger().Info("peak found", "motor", key, "center", center)
		return out, nil
	}
	if err := w.mover.Drive(ctx, pk.Targets, w.Options); err != nil {
		return out, fmt.Errorf("drive to peak: %w", err)
	}
	out.Drove = true
	return out, nil
}

// FindPeakTied is FindPeak with tied scanning tied at ratio times motor,
// as for a sample angle following half the detector angle.
func (w *Workflow) FindPeakTied(ctx context.Context, req Request, tied int, ratio float64, pubs scan.Publishers) (*Outcome, error) {
	req.Tied = append(append([]Tie(nil), req.Tied...), Ratio(req.Motor, tied, ratio))
	return w.FindPeak(ctx, req, pubs)
}

// peakAt computes the motor targets for a fitted center: the primary motor
// goes to center and each tied motor to its expression evaluated there.
func (w *Workflow) peakAt(req Request, center float64, res *fit.Result, last state.State) (*Peak, error) {
	key := state.MotorKey(req.Motor)
	env := expr.NewScope(expr.Vars(last.Numbers()))
	env.Set(key, center)
	targets := map[int]float64{req.Motor: center}
	for _, t := range req.Tied {
		v, err := expr.Evaluate(t.Expr, env)
		if err != nil {
			return nil, fmt.Errorf("tied motor %d at peak: %w", t.Motor, err)
		}
		env.Set(state.MotorKey(t.Motor), v)
		targets[t.Motor] = v
	}
	return &Peak{Motor: req.Motor, Center: center, Targets: targets, Fit: res}, nil
}

// LastPeak returns the most recent peak, if any.
func (w *Workflow) LastPeak() (*Peak, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return nil, false
	}
	cp := *w.last
	cp.Targets = make(map[int]float64, len(w.last.Targets))
	for k, v := range w.last.Targets {
		cp.Targets[k] = v
	}
	return &cp, true
}

// DriveToLastPeak drives to the most recent peak.
func (w *Workflow) DriveToLastPeak(ctx context.Context) error {
	pk, ok := w.LastPeak()
	if !ok {
		return ErrNoPeak
	}
	monitoring.Logf("[peak] driving to last peak %s = %g", state.MotorKey(pk.Motor), pk.Center)
	return w.mover.Drive(ctx, pk.Targets, w.Options)
}

func (w *Workflow) fitter(model string) (fit.Fitter, error) {
	if model == "" {
		if w.Fitter == nil {
			return fit.Gaussian, nil
		}
		return w.Fitter, nil
	}
	m, ok := fit.Lookup(model)
	if !ok {
		return nil, fmt.Errorf("unknown fit model %q (have %v)", model, fit.Names())
	}
	return m, nil
}

func fitterName(f fit.Fitter, res *fit.Result) string {
	if m, ok := f.(*fit.Model); ok {
		return m.Name
	}
	if res != nil && res.Model != "" {
		return res.Model
	}
	return "custom"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
