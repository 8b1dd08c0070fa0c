// Package scan runs parameter sweeps: each step moves devices to the
// step's computed state, measures, and publishes the point.
package scan

import (
	"context"
	"errors"
	"fmt"

	"github.com/ncnr/pyrecs/internal/control"
	"github.com/ncnr/pyrecs/internal/counting"
	"github.com/ncnr/pyrecs/internal/expr"
	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/motion"
	"github.com/ncnr/pyrecs/internal/state"
	"github.com/ncnr/pyrecs/internal/timeutil"
)

// Model is the instrument state a scan reads and updates. *state.Model
// implements it.
type Model interface {
	GetState(ctx context.Context, poll bool) (state.State, error)
	UpdateState(ctx context.Context, partial state.State) (state.State, error)
}

// Measurer performs one count against the current state.
// *counting.Counter implements it.
type Measurer interface {
	Measure(ctx context.Context, st state.State) (*counting.Result, error)
}

// Interrupts are the cooperative break and suspend signals checked between
// points. *control.Control implements it. Abort arrives through the
// context.
type Interrupts interface {
	BreakRequested() bool
	ClearBreak()
	Suspended() bool
	WaitResumed(ctx context.Context) error
}

// Engine executes scans.
type Engine struct {
	model    Model
	measurer Measurer
	ctl      Interrupts

	// Coordinator and Scaler are needed by RapidScan only.
	Coordinator *motion.Coordinator
	Scaler      counting.Scaler

	Clock    timeutil.Clock
	Recorder monitoring.Recorder
}

// NewEngine returns an Engine over the given state model, measurer and
// interrupt signals. A nil ctl means scans can only be aborted.
func NewEngine(m Model, meas Measurer, ctl Interrupts) *Engine {
	if ctl == nil {
		ctl = control.New()
	}
	return &Engine{
		model:    m,
		measurer: meas,
		ctl:      ctl,
		Clock:    timeutil.RealClock{},
		Recorder: monitoring.NoopRecorder{},
	}
}

// Options tune one scan.
type Options struct {
	Publishers Publishers
	// Extra are overlaid on the captured state when evaluating expressions;
	// later entries win.
	Extra []state.State
	// DeferEnd suppresses PublishEnd; the caller publishes the end itself.
	DeferEnd bool
}

// Point is one completed measurement.
type Point struct {
	Index int
	// State is the full instrument state after the measurement.
	State state.State
	// Scan holds the values computed for this point plus the result.
	Scan state.State
}

// Result returns the measurement of the point.
func (p Point) Result() *counting.Result {
	r, _ := counting.ResultOf(p.Scan)
	return r
}

// OneDimScan prepares a scan. Nothing touches hardware until the first call
// to Next. The expressions are compiled here so a bad definition fails
// before any device moves.
func (e *Engine) OneDimScan(def *Definition, opts Options) (*Sequence, error) {
	if def == nil {
		return nil, errors.New("nil scan definition")
	}
	compiled, err := def.compile()
	if err != nil {
		return nil, fmt.Errorf("scan definition: %w", err)
	}
	return &Sequence{engine: e, def: def, opts: opts, exprs: compiled}, nil
}

// Sequence is a running scan. It is single-pass: each Next performs the
// hardware work of one point (move, measure, publish) and the sequence can
// not be restarted.
type Sequence struct {
	engine *Engine
	def    *Definition
	opts   Options
	exprs  []*expr.Expr

	started bool
	done    bool
	next    int
	env     *expr.Scope
	last    state.State
	point   Point

	err     error
	aborted bool
	broken  bool
	ended   bool
}

// Definition returns the scan definition.
func (s *Sequence) Definition() *Definition { return s.def }

// Point returns the point produced by the last successful Next.
func (s *Sequence) Point() Point { return s.point }

// Err returns the error that ended the sequence. An abort is not an error;
// see Aborted.
func (s *Sequence) Err() error { return s.err }

// Aborted reports whether the scan was aborted.
func (s *Sequence) Aborted() bool { return s.aborted }

// Broken reports whether the scan ended early through a break request.
func (s *Sequence) Broken() bool { return s.broken }

// Ended reports whether PublishEnd has been called for the scan.
func (s *Sequence) Ended() bool { return s.ended }

// LastState returns the most recent full state seen by the scan.
func (s *Sequence) LastState() state.State { return s.last.Clone() }

// Next advances to the following point. It returns false when the scan is
// over: finished, broken, aborted or failed.
func (s *Sequence) Next(ctx context.Context) bool {
	if s.done {
		return false
	}
	if !s.started {
		s.started = true
		if err := s.start(ctx); err != nil {
			s.stop(ctx, err)
			return false
		}
	}
	if s.next >= s.def.Iterations {
		s.finish(ctx)
		return false
	}

	if s.engine.ctl.BreakRequested() {
		s.broken = true
		s.finish(ctx)
		return false
	}
	if ctx.Err() != nil {
		s.stop(ctx, context.Cause(ctx))
		return false
	}
	if s.engine.ctl.Suspended() {
		monitoring.Logf("[scan] suspended before point %d", s.next)
		if err := s.engine.ctl.WaitResumed(ctx); err != nil {
			s.stop(ctx, err)
			return false
		}
		if s.engine.ctl.BreakRequested() {
			s.broken = true
			s.finish(ctx)
			return false
		}
	}

	p, err := s.step(ctx, s.next)
	if err != nil {
		s.stop(ctx, err)
		return false
	}
	s.point = p
	s.next++
	return true
}

func (s *Sequence) start(ctx context.Context) error {
	e := s.engine
	e.ctl.ClearBreak()

	if init := s.def.Init(); len(init) > 0 {
		if _, err := e.model.UpdateState(ctx, init); err != nil {
			return fmt.Errorf("apply initial state: %w", err)
		}
	}
	st, err := e.model.GetState(ctx, false)
	if err != nil {
		return err
	}
	s.last = st

	env := expr.NewScope(nil)
	for k, v := range st.Numbers() {
		env.Set(k, v)
	}
	for _, extra := range s.opts.Extra {
		for k, v := range extra.Numbers() {
			env.Set(k, v)
		}
	}
	s.env = env

	monitoring.Logf("[scan] %s start: %d points varying %v", s.def.ScanType(), s.def.Iterations, s.def.VaryNames())
	s.opts.Publishers.Start(ctx, st, s.def)
	return nil
}

// step moves, measures and publishes point i.
func (s *Sequence) step(ctx context.Context, i int) (Point, error) {
	e := s.engine

	scope := expr.NewScope(s.env)
	scope.Set(IndexVar, float64(i))
	scanState := make(state.State, len(s.exprs)+1)
	for k, x := range s.exprs {
		name := s.def.Vary[k].Name
		v, err := x.Eval(scope)
		if err != nil {
			return Point{}, fmt.Errorf("point %d: %w", i, err)
		}
		scope.Set(name, v)
		scanState[name] = v
	}

	if _, err := e.model.UpdateState(ctx, scanState.Clone()); err != nil {
		return Point{}, fmt.Errorf("point %d: %w", i, err)
	}
	current, err := e.model.GetState(ctx, false)
	if err != nil {
		return Point{}, err
	}
	res, err := e.measurer.Measure(ctx, current)
	if err != nil {
		return Point{}, fmt.Errorf("point %d: measure: %w", i, err)
	}
	scanState[state.KeyResult] = res
	out, err := e.model.UpdateState(ctx, state.State{state.KeyResult: res})
	if err != nil {
		return Point{}, err
	}
	s.last = out

	s.opts.Publishers.Datapoint(ctx, out, s.def)
	e.Recorder.IncScanPoints(s.def.ScanType())
	return Point{Index: i, State: out, Scan: scanState}, nil
}

// finish ends a completed or broken scan.
func (s *Sequence) finish(ctx context.Context) {
	s.done = true
	if s.broken {
		monitoring.Logf("[scan] break after %d of %d points", s.next, s.def.Iterations)
	}
	if !s.opts.DeferEnd {
		s.End(ctx, nil)
	}
}

// stop ends the scan on an abort or error; PublishEnd is not called.
func (s *Sequence) stop(ctx context.Context, err error) {
	s.done = true
	if control.IsAbort(err) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		s.aborted = true
		monitoring.Logf("[scan] aborted at point %d", s.next)
		return
	}
	s.err = err
	monitoring.Logf("[scan] failed at point %d: %v", s.next, err)
}

// End publishes the end of the scan with extra merged into the last state.
// It is called automatically unless Options.DeferEnd was set, and only
// once.
func (s *Sequence) End(ctx context.Context, extra state.State) {
	if s.ended {
		return
	}
	s.ended = true
	st := s.last.Clone()
	if st == nil {
		st = make(state.State)
	}
	st[state.KeyScanType] = s.def.ScanType()
	for k, v := range extra {
		st[k] = state.CloneValue(v)
	}
	s.opts.Publishers.End(ctx, st, s.def)
}

// Drain runs the scan to completion and returns every point.
func (s *Sequence) Drain(ctx context.Context) ([]Point, error) {
	var points []Point
	for s.Next(ctx) {
		points = append(points, s.Point())
	}
	return points, s.Err()
}
