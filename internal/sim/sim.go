// Package sim simulates a motion controller and scaler: motors travel at a
// fixed speed on a clock and the detector count rate is a Gaussian peak in
// the position of one motor.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ncnr/pyrecs/internal/counting"
	"github.com/ncnr/pyrecs/internal/timeutil"
)

// ErrDisabled is returned when a disabled motor is commanded.
var ErrDisabled = errors.New("motor disabled")

// Peak describes the simulated detector response.
type Peak struct {
	Motor      int     `json:"motor"`
	Center     float64 `json:"center"`
	Sigma      float64 `json:"sigma"`
	Height     float64 `json:"height"`     // counts per second at the center
	Background float64 `json:"background"` // counts per second
}

// Rate returns the count rate at position x.
func (p Peak) Rate(x float64) float64 {
	if p.Sigma <= 0 {
		return p.Background
	}
	z := (x - p.Center) / p.Sigma
	return p.Background + p.Height*math.Exp(-0.5*z*z)
}

// MotorSpec configures one simulated motor. Limits are hard coordinates;
// equal limits mean unlimited travel.
type MotorSpec struct {
	Number       int
	Position     float64
	LowerLimit   float64
	UpperLimit   float64
	PositionBias float64 // added to every landing position
}

type motor struct {
	spec    MotorSpec
	enabled bool
	pos     float64
	start   float64
	target  float64
	t0      time.Time
	moving  bool
	atLimit bool
}

// Instrument is a simulated controller. It implements motion.Backend and
// counting.Scaler.
type Instrument struct {
	mu     sync.Mutex
	clock  timeutil.Clock
	motors map[int]*motor

	// Speed is the travel speed in units per second; zero moves instantly.
	Speed float64
	// MonitorRate is the monitor count rate per second.
	MonitorRate float64
	Peak        Peak

	counting  bool
	countFrom time.Time
	countEnd  time.Time
	lastTick  time.Time
	counts    float64
	monitor   float64
}

// New returns a simulated instrument with the given motors.
func New(clock timeutil.Clock, motors ...MotorSpec) *Instrument {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	in := &Instrument{
		clock:       clock,
		motors:      make(map[int]*motor, len(motors)),
		Speed:       0,
		MonitorRate: 1000,
	}
	for _, s := range motors {
		in.motors[s.Number] = &motor{spec: s, pos: s.Position}
	}
	return in
}

func (in *Instrument) motor(n int) (*motor, error) {
	m, ok := in.motors[n]
	if !ok {
		return nil, fmt.Errorf("no simulated motor %d", n)
	}
	return m, nil
}

// update advances a moving motor to time now.
func (in *Instrument) update(m *motor, now time.Time) {
	if !m.moving {
		return
	}
	dist := m.target - m.start
	if in.Speed <= 0 {
		m.pos = m.target
		m.moving = false
		return
	}
	travelled := in.Speed * now.Sub(m.t0).Seconds()
	if travelled >= math.Abs(dist) {
		m.pos = m.target
		m.moving = false
		return
	}
	m.pos = m.start + math.Copysign(travelled, dist)
}

func (in *Instrument) Enable(_ context.Context, n int) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	m, err := in.motor(n)
	if err != nil {
		return err
	}
	m.enabled = true
	return nil
}

func (in *Instrument) Disable(_ context.Context, n int) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	m, err := in.motor(n)
	if err != nil {
		return err
	}
	in.update(m, in.clock.Now())
	m.moving = false
	m.enabled = false
	return nil
}

func (in *Instrument) MoveTo(_ context.Context, n int, hard float64) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	m, err := in.motor(n)
	if err != nil {
		return err
	}
	if !m.enabled {
		return fmt.Errorf("move motor %d: %w", n, ErrDisabled)
	}
	now := in.clock.Now()
	in.update(m, now)

	target := hard + m.spec.PositionBias
	m.atLimit = false
	if m.spec.LowerLimit < m.spec.UpperLimit {
		if target < m.spec.LowerLimit {
			target, m.atLimit = m.spec.LowerLimit, true
		} else if target > m.spec.UpperLimit {
			target, m.atLimit = m.spec.UpperLimit, true
		}
	}
	m.start = m.pos
	m.target = target
	m.t0 = now
	m.moving = true
	in.update(m, now)
	return nil
}

func (in *Instrument) Stop(_ context.Context, n int) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	m, err := in.motor(n)
	if err != nil {
		return err
	}
	in.update(m, in.clock.Now())
	m.moving = false
	return nil
}

func (in *Instrument) Position(_ context.Context, n int) (float64, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	m, err := in.motor(n)
	if err != nil {
		return 0, err
	}
	in.update(m, in.clock.Now())
	return m.pos, nil
}

func (in *Instrument) IsMoving(_ context.Context, n int) (bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	m, err := in.motor(n)
	if err != nil {
		return false, err
	}
	in.update(m, in.clock.Now())
	return m.moving, nil
}

// AtHardwareLimit reports whether the last move was clipped by a limit
// switch and the motor has reached it.
func (in *Instrument) AtHardwareLimit(_ context.Context, n int) (bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	m, err := in.motor(n)
	if err != nil {
		return false, err
	}
	in.update(m, in.clock.Now())
	return m.atLimit && !m.moving, nil
}

// SetPosition redefines where a motor is without moving it, as after a
// homing run.
func (in *Instrument) SetPosition(_ context.Context, n int, hard float64) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	m, err := in.motor(n)
	if err != nil {
		return err
	}
	m.pos = hard
	m.moving = false
	return nil
}

// tick integrates counts up to now, or to the end of the count. The rate is
// taken at the current position of the peak motor. Callers hold in.mu.
func (in *Instrument) tick() {
	if !in.counting {
		return
	}
	now := in.clock.Now()
	if now.After(in.countEnd) {
		now = in.countEnd
	}
	dt := now.Sub(in.lastTick).Seconds()
	if dt > 0 {
		x := 0.0
		if m, ok := in.motors[in.Peak.Motor]; ok {
			in.update(m, now)
			x = m.pos
		}
		in.counts += in.Peak.Rate(x) * dt
		in.monitor += in.MonitorRate * dt
		in.lastTick = now
	}
	if !now.Before(in.countEnd) {
		in.counting = false
	}
}

func (in *Instrument) Reset(context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.counting = false
	in.counts = 0
	in.monitor = 0
	now := in.clock.Now()
	in.countFrom, in.countEnd, in.lastTick = now, now, now
	return nil
}

func (in *Instrument) start(d time.Duration) {
	now := in.clock.Now()
	in.counting = true
	in.countFrom = now
	in.countEnd = now.Add(d)
	in.lastTick = now
}

func (in *Instrument) CountForTime(_ context.Context, seconds float64) error {
	if seconds <= 0 {
		return fmt.Errorf("count time must be positive, got %g", seconds)
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.start(time.Duration(seconds * float64(time.Second)))
	return nil
}

func (in *Instrument) CountForMonitor(_ context.Context, monitor float64) error {
	if monitor <= 0 {
		return fmt.Errorf("monitor preset must be positive, got %g", monitor)
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.MonitorRate <= 0 {
		return errors.New("no monitor flux")
	}
	in.start(time.Duration(monitor / in.MonitorRate * float64(time.Second)))
	return nil
}

func (in *Instrument) IsCounting(context.Context) (bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.tick()
	return in.counting, nil
}

func (in *Instrument) AbortCount(context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.tick()
	in.counting = false
	in.countEnd = in.lastTick
	return nil
}

func (in *Instrument) Counts(context.Context) (counting.Counts, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.tick()
	return counting.Counts{
		CountTime: in.lastTick.Sub(in.countFrom).Seconds(),
		Monitor:   in.monitor,
		Counts:    in.counts,
	}, nil
}

func (in *Instrument) Elapsed(context.Context) (float64, bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.tick()
	return in.lastTick.Sub(in.countFrom).Seconds(), true, nil
}
