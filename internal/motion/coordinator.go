// Package motion moves instrument motors: limit checks, one-sided backlash
// compensation, concurrent commanding and tolerance retries.
package motion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/timeutil"
)

// Backend is the motor side of the motion controller. Positions are hard
// (raw controller) coordinates. Every call may block on I/O.
type Backend interface {
	Enable(ctx context.Context, motor int) error
	Disable(ctx context.Context, motor int) error
	MoveTo(ctx context.Context, motor int, hard float64) error
	Stop(ctx context.Context, motor int) error
	Position(ctx context.Context, motor int) (float64, error)
	IsMoving(ctx context.Context, motor int) (bool, error)
	AtHardwareLimit(ctx context.Context, motor int) (bool, error)
}

// Calibration is the per-motor configuration the coordinator reads.
// *config.Store implements it.
type Calibration interface {
	SoftOffset(motor int) (float64, error)
	HardPosition(motor int) (float64, error)
	SetHardPosition(motor int, v float64) error
	SetSoftOffset(motor int, v float64) error
	Backlash(motor int) (float64, error)
	Tolerance(motor int) (float64, error)
	UpperLimit(motor int) (float64, error)
	LowerLimit(motor int) (float64, error)
}

// Options control one DriveMulti call.
type Options struct {
	Backlash    bool
	CheckLimits bool
}

// DefaultOptions applies backlash and checks limits.
var DefaultOptions = Options{Backlash: true, CheckLimits: true}

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultRetries      = 1
)

// Coordinator executes coordinated multi-motor moves.
type Coordinator struct {
	backend Backend
	calib   Calibration

	// Retries is the number of extra attempts per phase for motors still
	// outside tolerance.
	Retries int
	// PollInterval is the wait between IsMoving polls.
	PollInterval time.Duration
	// CallTimeout bounds each backend call when positive.
	CallTimeout time.Duration
	// DisableAfterMove disables each motor once it has settled.
	DisableAfterMove bool

	Clock    timeutil.Clock
	Recorder monitoring.Recorder
}

// NewCoordinator returns a Coordinator with one retry and a 100ms poll.
func NewCoordinator(b Backend, c Calibration) *Coordinator {
	return &Coordinator{
		backend:      b,
		calib:        c,
		Retries:      defaultRetries,
		PollInterval: defaultPollInterval,
		Clock:        timeutil.RealClock{},
		Recorder:     monitoring.NoopRecorder{},
	}
}

// Backend returns the motion backend.
func (c *Coordinator) Backend() Backend { return c.backend }

// target is one motor leg of a coordinated move, in hard coordinates.
type target struct {
	motor     int
	hard      float64
	offset    float64
	tolerance float64
}

func (t target) soft() float64 { return t.hard - t.offset }

// Drive moves the motors in targets (motor number -> soft position),
// ordered by motor number.
func (c *Coordinator) Drive(ctx context.Context, targets map[int]float64, opts Options) error {
	motors := make([]int, 0, len(targets))
	for m := range targets {
		motors = append(motors, m)
	}
	sort.Ints(motors)
	positions := make([]float64, len(motors))
	for i, m := range motors {
		positions[i] = targets[m]
	}
	return c.DriveMulti(ctx, motors, positions, opts)
}

// DriveMotor moves a single motor to a soft position.
func (c *Coordinator) DriveMotor(ctx context.Context, motor int, soft float64, opts Options) error {
	return c.DriveMulti(ctx, []int{motor}, []float64{soft}, opts)
}

// DriveMulti moves motors[i] to the soft position positions[i], all motors
// together.
//
// Targets outside the hard limits are dropped and reported as *LimitError.
// A motor whose motion direction opposes the sign of its backlash is first
// driven to target-backlash and then to target. Each phase is retried up to
// Retries times for motors outside tolerance; motors still outside
// tolerance are reported in a *ToleranceError. Limit and tolerance problems
// are joined and do not stop the other motors (see IsRecoverable).
//
// Hardware failures return a *HardwareError. Cancelling ctx stops the
// motors in flight and returns the cancellation cause; completed moves are
// not undone.
func (c *Coordinator) DriveMulti(ctx context.Context, motors []int, positions []float64, opts Options) error {
	if len(motors) != len(positions) {
		return &MismatchError{Motors: len(motors), Targets: len(positions)}
	}
	if len(motors) == 0 {
		return nil
	}

	seen := make(map[int]bool, len(motors))
	var problems []error
	var legs []target
	for i, m := range motors {
		if seen[m] {
			return &MismatchError{Motors: len(motors), Targets: len(positions), Reason: fmt.Sprintf("motor %d listed twice", m)}
		}
		seen[m] = true

		leg, err := c.leg(m, positions[i])
		if err != nil {
			return &MismatchError{Reason: err.Error()}
		}
		if opts.CheckLimits {
			if lerr := c.checkLimits(leg); lerr != nil {
				c.Recorder.IncLimitViolations(m)
				monitoring.Logger().Warn("target outside limits, motor not moved",
					"motor", m, "target", lerr.Target, "hard", lerr.Hard,
					"lower", lerr.Lower, "upper", lerr.Upper)
				problems = append(problems, lerr)
				continue
			}
		}
		legs = append(legs, leg)
	}
	if len(legs) == 0 {
		return errors.Join(problems...)
	}

	// Motors already in tolerance are not commanded at all.
	pending, current, err := c.unfinished(ctx, legs)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return errors.Join(problems...)
	}

	var first, final []target
	for _, leg := range pending {
		pre, needed, err := c.backlashTarget(leg, current[leg.motor], opts.Backlash)
		if err != nil {
			return err
		}
		if needed {
			monitoring.Logf("[motion] motor %d: backlash pre-position %.4f before %.4f", leg.motor, pre.soft(), leg.soft())
			first = append(first, pre)
			final = append(final, leg)
		} else {
			first = append(first, leg)
		}
	}

	missed, err := c.driveRounds(ctx, first)
	if err != nil {
		return err
	}
	var misses []Miss
	prePositioned := make(map[int]bool, len(final))
	for _, leg := range final {
		prePositioned[leg.motor] = true
	}
	for _, m := range missed {
		// a pre-position only has to be on the correct side
		if !prePositioned[m.Motor] {
			misses = append(misses, m)
		}
	}

	if len(final) > 0 {
		missed, err := c.driveRounds(ctx, final)
		if err != nil {
			return err
		}
		misses = append(misses, missed...)
	}

	if len(misses) > 0 {
		sort.Slice(misses, func(i, j int) bool { return misses[i].Motor < misses[j].Motor })
		for _, m := range misses {
			c.Recorder.IncUnreached(m.Motor)
			monitoring.Logger().Warn("motor not in tolerance after retries",
				"motor", m.Motor, "target", m.Target, "actual", m.Actual, "tolerance", m.Tolerance)
		}
		problems = append(problems, &ToleranceError{Misses: misses})
	}
	return errors.Join(problems...)
}

func (c *Coordinator) leg(motor int, soft float64) (target, error) {
	if math.IsNaN(soft) || math.IsInf(soft, 0) {
		return target{}, fmt.Errorf("motor %d: target %g is not a finite position", motor, soft)
	}
	offset, err := c.calib.SoftOffset(motor)
	if err != nil {
		return target{}, err
	}
	tol, err := c.calib.Tolerance(motor)
	if err != nil {
		return target{}, err
	}
	return target{motor: motor, hard: soft + offset, offset: offset, tolerance: math.Abs(tol)}, nil
}

func (c *Coordinator) checkLimits(leg target) *LimitError {
	lo, err := c.calib.LowerLimit(leg.motor)
	if err != nil {
		return nil
	}
	hi, err := c.calib.UpperLimit(leg.motor)
	if err != nil {
		return nil
	}
	if leg.hard < lo || leg.hard > hi {
		return &LimitError{Motor: leg.motor, Target: leg.soft(), Hard: leg.hard, Lower: lo, Upper: hi}
	}
	return nil
}

// NeedsBacklash reports whether a move by delta must be split for a motor
// with the given backlash: only when both are non-zero and of opposite sign.
func NeedsBacklash(delta, backlash float64) bool {
	if delta == 0 || backlash == 0 {
		return false
	}
	return math.Signbit(delta) != math.Signbit(backlash)
}

// backlashTarget returns the pre-position leg for a move from the current
// hard position, and whether one is needed.
func (c *Coordinator) backlashTarget(leg target, current float64, enabled bool) (target, bool, error) {
	if !enabled {
		return leg, false, nil
	}
	b, err := c.calib.Backlash(leg.motor)
	if err != nil {
		return leg, false, err
	}
	if !NeedsBacklash(leg.hard-current, b) {
		return leg, false, nil
	}
	pre := leg
	pre.hard = leg.hard - b
	return pre, true, nil
}

func (c *Coordinator) retries() int {
	if c.Retries < 0 {
		return 0
	}
	return c.Retries
}

// driveRounds moves legs together and retries those outside tolerance. It
// returns the legs still missed after the last attempt.
func (c *Coordinator) driveRounds(ctx context.Context, legs []target) ([]Miss, error) {
	pending := legs
	var current map[int]float64
	for attempt := 0; attempt <= c.retries(); attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}
		if attempt > 0 {
			c.Recorder.IncMoveRetries()
			monitoring.Logf("[motion] retry %d for %d motor(s)", attempt, len(pending))
		}
		if err := c.moveTogether(ctx, pending); err != nil {
			return nil, err
		}
		var err error
		pending, current, err = c.unfinished(ctx, pending)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 {
			return nil, nil
		}
	}

	misses := make([]Miss, len(pending))
	for i, leg := range pending {
		misses[i] = Miss{
			Motor:     leg.motor,
			Target:    leg.soft(),
			Actual:    current[leg.motor] - leg.offset,
			Tolerance: leg.tolerance,
		}
	}
	return misses, nil
}

// unfinished reads every leg's hard position and returns the legs outside
// tolerance together with the positions read.
func (c *Coordinator) unfinished(ctx context.Context, legs []target) ([]target, map[int]float64, error) {
	current := make(map[int]float64, len(legs))
	var out []target
	for _, leg := range legs {
		pos, err := c.position(ctx, leg.motor)
		if err != nil {
			return nil, nil, err
		}
		current[leg.motor] = pos
		if math.Abs(pos-leg.hard) > leg.tolerance {
			out = append(out, leg)
		}
	}
	return out, current, nil
}

// moveTogether is the coordinated move primitive. Every motor is enabled and
// commanded before any motor is waited on; the waits then run concurrently
// and each motor is stopped, optionally disabled, and its settled position
// recorded.
func (c *Coordinator) moveTogether(ctx context.Context, legs []target) error {
	if len(legs) == 0 {
		return nil
	}

	cmd, cmdCtx := errgroup.WithContext(ctx)
	for _, leg := range legs {
		cmd.Go(func() error {
			if err := c.call(cmdCtx, "enable", leg.motor, func(ctx context.Context) error {
				return c.backend.Enable(ctx, leg.motor)
			}); err != nil {
				return err
			}
			c.Recorder.IncMoveCommands(leg.motor)
			return c.call(cmdCtx, "move", leg.motor, func(ctx context.Context) error {
				return c.backend.MoveTo(ctx, leg.motor, leg.hard)
			})
		})
	}
	if err := cmd.Wait(); err != nil {
		c.stopAll(ctx, legs)
		return err
	}

	settle, settleCtx := errgroup.WithContext(ctx)
	for _, leg := range legs {
		settle.Go(func() error {
			return c.settle(settleCtx, leg)
		})
	}
	return settle.Wait()
}

// settle waits for one commanded motor to finish, then stops it and
// records its position.
func (c *Coordinator) settle(ctx context.Context, leg target) error {
	m := leg.motor
	for {
		if ctx.Err() != nil {
			c.stopQuietly(ctx, m)
			return context.Cause(ctx)
		}

		var moving bool
		err := c.call(ctx, "is-moving", m, func(ctx context.Context) (err error) {
			moving, err = c.backend.IsMoving(ctx, m)
			return err
		})
		if err != nil {
			c.stopQuietly(ctx, m)
			return err
		}
		if !moving {
			break
		}

		var atLimit bool
		err = c.call(ctx, "limit", m, func(ctx context.Context) (err error) {
			atLimit, err = c.backend.AtHardwareLimit(ctx, m)
			return err
		})
		if err != nil {
			c.stopQuietly(ctx, m)
			return err
		}
		if atLimit {
			monitoring.Logger().Warn("motor hit hardware limit", "motor", m, "target", leg.soft())
			break
		}

		if err := timeutil.SleepContext(ctx, c.Clock, c.pollInterval()); err != nil {
			c.stopQuietly(ctx, m)
			return err
		}
	}

	if err := c.call(ctx, "stop", m, func(ctx context.Context) error {
		return c.backend.Stop(ctx, m)
	}); err != nil {
		return err
	}
	if c.DisableAfterMove {
		if err := c.call(ctx, "disable", m, func(ctx context.Context) error {
			return c.backend.Disable(ctx, m)
		}); err != nil {
			return err
		}
	}
	_, err := c.position(ctx, m)
	return err
}

func (c *Coordinator) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return defaultPollInterval
	}
	return c.PollInterval
}

// position reads a motor's hard position and records it in the
// calibration store.
func (c *Coordinator) position(ctx context.Context, motor int) (float64, error) {
	var pos float64
	err := c.call(ctx, "position", motor, func(ctx context.Context) (err error) {
		pos, err = c.backend.Position(ctx, motor)
		return err
	})
	if err != nil {
		return 0, err
	}
	if err := c.calib.SetHardPosition(motor, pos); err != nil {
		return 0, fmt.Errorf("record position of motor %d: %w", motor, err)
	}
	return pos, nil
}

// SoftPosition returns a motor's soft position. With poll set the backend is
// read; otherwise the last recorded hard position is used.
func (c *Coordinator) SoftPosition(ctx context.Context, motor int, poll bool) (float64, error) {
	offset, err := c.calib.SoftOffset(motor)
	if err != nil {
		return 0, err
	}
	var hard float64
	if poll {
		hard, err = c.position(ctx, motor)
	} else {
		hard, err = c.calib.HardPosition(motor)
	}
	if err != nil {
		return 0, err
	}
	return hard - offset, nil
}

// StartMove enables a motor and commands it toward a soft position without
// waiting for it to arrive. Continuous scans sample the motor while it
// moves and finish with Halt.
func (c *Coordinator) StartMove(ctx context.Context, motor int, soft float64, checkLimits bool) error {
	leg, err := c.leg(motor, soft)
	if err != nil {
		return &MismatchError{Reason: err.Error()}
	}
	if checkLimits {
		if lerr := c.checkLimits(leg); lerr != nil {
			c.Recorder.IncLimitViolations(motor)
			return lerr
		}
	}
	if err := c.call(ctx, "enable", motor, func(ctx context.Context) error {
		return c.backend.Enable(ctx, motor)
	}); err != nil {
		return err
	}
	c.Recorder.IncMoveCommands(motor)
	return c.call(ctx, "move", motor, func(ctx context.Context) error {
		return c.backend.MoveTo(ctx, motor, leg.hard)
	})
}

// Moving reports whether a motor started with StartMove is still travelling.
// A motor resting on a hardware limit switch counts as stopped.
func (c *Coordinator) Moving(ctx context.Context, motor int) (bool, error) {
	var moving bool
	if err := c.call(ctx, "is-moving", motor, func(ctx context.Context) (err error) {
		moving, err = c.backend.IsMoving(ctx, motor)
		return err
	}); err != nil || !moving {
		return false, err
	}
	var atLimit bool
	if err := c.call(ctx, "limit", motor, func(ctx context.Context) (err error) {
		atLimit, err = c.backend.AtHardwareLimit(ctx, motor)
		return err
	}); err != nil {
		return false, err
	}
	return !atLimit, nil
}

// Halt stops a motor, even after ctx is cancelled, and records where it
// stopped.
func (c *Coordinator) Halt(ctx context.Context, motor int) error {
	ctx = context.WithoutCancel(ctx)
	if err := c.call(ctx, "stop", motor, func(ctx context.Context) error {
		return c.backend.Stop(ctx, motor)
	}); err != nil {
		return err
	}
	if c.DisableAfterMove {
		if err := c.call(ctx, "disable", motor, func(ctx context.Context) error {
			return c.backend.Disable(ctx, motor)
		}); err != nil {
			return err
		}
	}
	_, err := c.position(ctx, motor)
	return err
}

// Tolerance returns the configured tolerance of a motor.
func (c *Coordinator) Tolerance(motor int) (float64, error) {
	tol, err := c.calib.Tolerance(motor)
	return math.Abs(tol), err
}

// stopAll stops every leg, ignoring cancellation of ctx.
func (c *Coordinator) stopAll(ctx context.Context, legs []target) {
	for _, leg := range legs {
		c.stopQuietly(ctx, leg.motor)
	}
}

// stopQuietly stops a motor after an abort or failure. The stop is issued
// even when ctx is already cancelled; its error is only logged.
func (c *Coordinator) stopQuietly(ctx context.Context, motor int) {
	ctx = context.WithoutCancel(ctx)
	if err := c.call(ctx, "stop", motor, func(ctx context.Context) error {
		return c.backend.Stop(ctx, motor)
	}); err != nil {
		monitoring.Logf("[motion] stop motor %d failed: %v", motor, err)
	}
}

// call runs one backend operation. With CallTimeout set the call gets its
// own deadline, and a backend that ignores its context is abandoned when
// the deadline passes. Failures come back as *HardwareError; cancellation
// of ctx comes back as its cause.
func (c *Coordinator) call(ctx context.Context, op string, motor int, fn func(context.Context) error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	var err error
	if c.CallTimeout > 0 {
		callCtx, cancel := context.WithTimeoutCause(ctx, c.CallTimeout, ErrCallTimeout)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- fn(callCtx) }()
		select {
		case err = <-done:
		case <-callCtx.Done():
			err = context.Cause(callCtx)
		}
	} else {
		err = fn(ctx)
	}

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return &HardwareError{Op: op, Motor: motor, Err: err}
}
