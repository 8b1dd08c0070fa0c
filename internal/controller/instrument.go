// Package controller is the instrument facade: it wires the state model,
// motion, counting, scans and peak finding together and runs every
// hardware-touching operation as a protected operation, at most one at a
// time.
package controller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ncnr/pyrecs/internal/config"
	"github.com/ncnr/pyrecs/internal/control"
	"github.com/ncnr/pyrecs/internal/counting"
	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/motion"
	"github.com/ncnr/pyrecs/internal/peak"
	"github.com/ncnr/pyrecs/internal/scan"
	"github.com/ncnr/pyrecs/internal/state"
	"github.com/ncnr/pyrecs/internal/timeutil"
)

// ErrBusy is returned when a protected operation is already running.
var ErrBusy = control.ErrBusy

// Options configure an Instrument.
type Options struct {
	Backend  motion.Backend
	Scaler   counting.Scaler
	Store    *config.Store
	Clock    timeutil.Clock
	Recorder monitoring.Recorder
	// Metadata is merged into the initial state.
	Metadata state.State
}

// OpResult records how the last protected operation ended.
type OpResult struct {
	Operation string    `json:"operation"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	Finished  time.Time `json:"finished"`
}

// Status is the operator-facing view of the instrument.
type Status struct {
	control.Status
	Last     *OpResult  `json:"last,omitempty"`
	LastPeak *peak.Peak `json:"last_peak,omitempty"`
}

// Instrument is the controller facade.
type Instrument struct {
	store   *config.Store
	model   *state.Model
	coord   *motion.Coordinator
	counter *counting.Counter
	engine  *scan.Engine
	peaks   *peak.Workflow
	ctl     *control.Control
	clock   timeutil.Clock
	rec     monitoring.Recorder

	publishers *xsync.MapOf[string, scan.Publisher]

	mu   sync.Mutex
	last *OpResult
}

// New builds an Instrument. Motion and counting settings come from the
// store; every motor in the store is exposed as a1..aN.
func New(opts Options) (*Instrument, error) {
	if opts.Backend == nil || opts.Scaler == nil || opts.Store == nil {
		return nil, errors.New("controller: backend, scaler and store are required")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Recorder == nil {
		opts.Recorder = monitoring.NoopRecorder{}
	}

	mc := opts.Store.Motion()
	coord := motion.NewCoordinator(opts.Backend, opts.Store)
	coord.Retries = mc.GetRetries()
	coord.PollInterval = mc.GetPollInterval()
	coord.CallTimeout = mc.GetCallTimeout()
	coord.DisableAfterMove = mc.DisableAfterMove
	coord.Clock = opts.Clock
	coord.Recorder = opts.Recorder

	counter := counting.NewCounter(opts.Scaler)
	counter.PollInterval = mc.GetPollInterval()
	counter.Clock = opts.Clock
	counter.Recorder = opts.Recorder

	model := state.NewModel(initialState(opts.Store, opts.Metadata))
	if err := model.Register(motion.NewFamily(coord, opts.Store.MotorNumbers())); err != nil {
		return nil, err
	}

	ctl := control.New()
	engine := scan.NewEngine(model, counter, ctl)
	engine.Coordinator = coord
	engine.Scaler = opts.Scaler
	engine.Clock = opts.Clock
	engine.Recorder = opts.Recorder

	peaks := peak.NewWorkflow(engine, coord)
	peaks.Recorder = opts.Recorder

	return &Instrument{
		store:      opts.Store,
		model:      model,
		coord:      coord,
		counter:    counter,
		engine:     engine,
		peaks:      peaks,
		ctl:        ctl,
		clock:      opts.Clock,
		rec:        opts.Recorder,
		publishers: xsync.NewMapOf[string, scan.Publisher](),
	}, nil
}

func initialState(store *config.Store, meta state.State) state.State {
	sc := store.Scaler()
	st := state.State{
		state.KeyGatingMode: sc.GetGatingMode(),
		state.KeyPrefactor:  sc.GetPrefactor(),
		"wavelength":        store.Wavelength(),
		"collimation":       store.Collimation(),
	}
	if sc.TimePreset > 0 {
		st[state.KeyTimePreset] = sc.TimePreset
	}
	if sc.MonitorPreset > 0 {
		st[state.KeyMonitorPreset] = sc.MonitorPreset
	}
	for _, m := range store.MotorNumbers() {
		if soft, err := store.SoftPosition(m); err == nil {
			st[state.MotorKey(m)] = soft
		}
	}
	for k, v := range meta {
		st[k] = v
	}
	return st
}

// Model returns the state model.
func (in *Instrument) Model() *state.Model { return in.model }

// Coordinator returns the motion coordinator.
func (in *Instrument) Coordinator() *motion.Coordinator { return in.coord }

// Store returns the calibration store.
func (in *Instrument) Store() *config.Store { return in.store }

// Control returns the interruption state.
func (in *Instrument) Control() *control.Control { return in.ctl }

// AddPublisher registers a publisher that receives every scan run through
// the instrument. A publisher of the same name is replaced.
func (in *Instrument) AddPublisher(name string, p scan.Publisher) {
	in.publishers.Store(name, p)
}

// RemovePublisher unregisters a publisher.
func (in *Instrument) RemovePublisher(name string) {
	in.publishers.Delete(name)
}

// Publishers returns the registered publishers ordered by name, followed by
// extra.
func (in *Instrument) Publishers(extra ...scan.Publisher) scan.Publishers {
	var names []string
	in.publishers.Range(func(name string, _ scan.Publisher) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	out := make(scan.Publishers, 0, len(names)+len(extra))
	for _, name := range names {
		if p, ok := in.publishers.Load(name); ok {
			out = append(out, p)
		}
	}
	return append(out, extra...)
}

// protected runs fn as protected operation op on a worker goroutine and
// waits for it. A call made from inside another protected operation runs
// inline. An abort ends the operation cleanly: the error is logged and nil
// returned.
func (in *Instrument) protected(ctx context.Context, op string, fn func(context.Context) error) error {
	if in.ctl.Protected(ctx) {
		return fn(ctx)
	}
	opCtx, finish, err := in.ctl.Begin(ctx, op)
	if err != nil {
		in.rec.IncOperation(op, "busy")
		return err
	}
	defer finish()

	done := make(chan error, 1)
	go func() { done <- in.run(opCtx, op, fn) }()
	return in.settle(op, <-done)
}

// Background starts fn as protected operation op and returns without
// waiting. The operation outlives ctx; use Abort to stop it. Called from
// inside a protected operation it fails with control.ErrBusy, since the
// slot is held until the caller returns.
func (in *Instrument) Background(ctx context.Context, op string, fn func(context.Context) error) error {
	if in.ctl.Protected(ctx) {
		in.rec.IncOperation(op, "busy")
		return control.ErrBusy
	}
	opCtx, finish, err := in.ctl.Begin(context.WithoutCancel(ctx), op)
	if err != nil {
		in.rec.IncOperation(op, "busy")
		return err
	}
	go func() {
		defer finish()
		_ = in.settle(op, in.run(opCtx, op, fn))
	}()
	return nil
}

// run calls fn, converting a panic into an error so a failing operation
// never takes the process down.
func (in *Instrument) run(ctx context.Context, op string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Logger().Error("operation panicked", "op", op, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s: panic: %v", op, r)
		}
	}()
	return fn(ctx)
}

// settle records the outcome of an operation and maps an abort to nil.
func (in *Instrument) settle(op string, err error) error {
	res := &OpResult{Operation: op, Outcome: "ok", Finished: in.clock.Now()}
	switch {
	case err == nil:
	case control.IsAbort(err):
		res.Outcome = "aborted"
		monitoring.Logf("[controller] %s aborted", op)
		err = nil
	default:
		res.Outcome = "error"
		res.Error = err.Error()
		monitoring.Logf("[controller] %s failed: %v", op, err)
	}
	in.mu.Lock()
	in.last = res
	in.mu.Unlock()
	in.rec.IncOperation(op, res.Outcome)
	return err
}

// GetState returns the instrument state. Polling reads the hardware and is
// a protected operation; the cached state is always available.
func (in *Instrument) GetState(ctx context.Context, poll bool) (state.State, error) {
	if !poll {
		return in.model.Snapshot(), nil
	}
	var st state.State
	err := in.protected(ctx, "get_state", func(ctx context.Context) error {
		var err error
		st, err = in.model.GetState(ctx, true)
		return err
	})
	return st, err
}

// UpdateState applies a partial state, driving any device-backed keys.
func (in *Instrument) UpdateState(ctx context.Context, partial state.State) (state.State, error) {
	var st state.State
	err := in.protected(ctx, "update_state", func(ctx context.Context) error {
		var err error
		st, err = in.model.UpdateState(ctx, partial)
		return err
	})
	return st, err
}

// DriveMulti moves motors together with backlash and limit checks. Limit
// violations and unreached motors are returned as *motion.LimitError and
// *motion.ToleranceError after the reachable motors have moved.
func (in *Instrument) DriveMulti(ctx context.Context, motors []int, positions []float64) error {
	return in.protected(ctx, "drive", func(ctx context.Context) error {
		err := in.coord.DriveMulti(ctx, motors, positions, motion.DefaultOptions)
		in.syncMotors(motors)
		return err
	})
}

// DriveMotor moves one motor.
func (in *Instrument) DriveMotor(ctx context.Context, motor int, position float64) error {
	return in.DriveMulti(ctx, []int{motor}, []float64{position})
}

// syncMotors copies recorded soft positions into the state cache.
func (in *Instrument) syncMotors(motors []int) {
	upd := make(state.State, len(motors))
	for _, m := range motors {
		if soft, err := in.store.SoftPosition(m); err == nil {
			upd[state.MotorKey(m)] = soft
		}
	}
	in.model.Merge(upd)
}

// SetSoftPosition redefines the soft position of a motor without moving it.
func (in *Instrument) SetSoftPosition(ctx context.Context, motor int, soft float64) error {
	return in.protected(ctx, "set_soft_position", func(ctx context.Context) error {
		if err := in.coord.SetSoftPosition(ctx, motor, soft); err != nil {
			return err
		}
		in.syncMotors([]int{motor})
		return nil
	})
}

// SetHardPosition redefines the hardware position of a motor without moving
// it.
func (in *Instrument) SetHardPosition(ctx context.Context, motor int, hard float64) error {
	return in.protected(ctx, "set_hard_position", func(ctx context.Context) error {
		if err := in.coord.SetHardPosition(ctx, motor, hard); err != nil {
			return err
		}
		in.syncMotors([]int{motor})
		return nil
	})
}

// Abort cancels the running operation. It reports whether one was running.
func (in *Instrument) Abort() bool {
	ok := in.ctl.Abort()
	if ok {
		monitoring.Logf("[controller] abort requested")
	}
	return ok
}

// SuspendToggle pauses or resumes scans at the next point boundary and
// returns the new suspended state.
func (in *Instrument) SuspendToggle() bool {
	s := in.ctl.SuspendToggle()
	monitoring.Logf("[controller] suspended=%v", s)
	return s
}

// BreakScan ends the running scan gracefully after the current point.
func (in *Instrument) BreakScan() {
	in.ctl.BreakScan()
	monitoring.Logf("[controller] break requested")
}

// Status returns the running operation and the outcome of the last one.
func (in *Instrument) Status() Status {
	s := Status{Status: in.ctl.Status()}
	in.mu.Lock()
	if in.last != nil {
		cp := *in.last
		s.Last = &cp
	}
	in.mu.Unlock()
	if pk, ok := in.peaks.LastPeak(); ok {
		s.LastPeak = pk
	}
	return s
}

// Save writes the calibration, including current positions and offsets,
// to path.
func (in *Instrument) Save(path string) error {
	return config.SaveInstrumentConfig(path, in.store.Snapshot())
}
