package scan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ncnr/pyrecs/internal/counting"
	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/motion"
	"github.com/ncnr/pyrecs/internal/state"
	"github.com/ncnr/pyrecs/internal/timeutil"
)

// KeyRate is the state key of the count rate of a rapid-scan point.
const KeyRate = "rate"

// MinRapidInterval is the shortest sampling interval a rapid scan accepts.
const MinRapidInterval = 10 * time.Millisecond

// RapidDefinition describes a count-while-moving scan of one motor. A zero
// Interval samples every 500ms and a zero MaxCount counts for up to a day.
type RapidDefinition struct {
	Motor      int
	Start      float64
	End        float64
	Interval   time.Duration
	MaxCount   time.Duration
	Filename   string
	Comment    string
	MaxSamples int
}

// Validate rejects positions that are not finite and intervals too short
// to poll hardware at.
func (d RapidDefinition) Validate() error {
	switch {
	case math.IsNaN(d.Start) || math.IsInf(d.Start, 0) || math.IsNaN(d.End) || math.IsInf(d.End, 0):
		return fmt.Errorf("rapid scan from %g to %g: positions must be finite", d.Start, d.End)
	case d.Interval < 0 || (d.Interval > 0 && d.Interval < MinRapidInterval):
		return fmt.Errorf("rapid scan interval %v is below the minimum of %v", d.Interval, MinRapidInterval)
	case d.MaxCount < 0:
		return fmt.Errorf("rapid scan max count %v is negative", d.MaxCount)
	case d.MaxSamples < 0:
		return fmt.Errorf("rapid scan max samples %d is negative", d.MaxSamples)
	}
	return nil
}

// Sample is one read of the moving motor and the running count. PosTime is
// taken just before the position read and CountTime just after the count
// read, so the two readings carry their own timestamps.
type Sample struct {
	PosTime   time.Time
	Position  float64
	CountTime time.Time
	Counts    float64
}

// RapidPoint is the count rate over one sample window and the motor
// position at the temporal midpoint of that window.
type RapidPoint struct {
	Position float64 `json:"position"`
	Rate     float64 `json:"rate"`
	Counts   float64 `json:"counts"`
	Seconds  float64 `json:"seconds"`
}

// Interpolate turns two consecutive samples into a point. The rate is
// Δcounts/Δt over the counting window and the position is the motor
// trajectory, linearly interpolated between the two position reads, at
// the middle of that window.
func Interpolate(prev, cur Sample) (RapidPoint, bool) {
	dt := cur.CountTime.Sub(prev.CountTime).Seconds()
	if dt <= 0 {
		return RapidPoint{}, false
	}
	dc := cur.Counts - prev.Counts
	mid := prev.CountTime.Add(cur.CountTime.Sub(prev.CountTime) / 2)

	pos := cur.Position
	span := cur.PosTime.Sub(prev.PosTime).Seconds()
	if span > 0 {
		frac := mid.Sub(prev.PosTime).Seconds() / span
		pos = prev.Position + frac*(cur.Position-prev.Position)
	}
	return RapidPoint{Position: pos, Rate: dc / dt, Counts: dc, Seconds: dt}, true
}

// RapidScan drives the motor to Start, then starts a count and a single
// move to End together and samples both every Interval until the motor is
// within tolerance of End or has stopped short of it. Each window becomes
// one published point.
func (e *Engine) RapidScan(ctx context.Context, def RapidDefinition, pubs Publishers) ([]RapidPoint, error) {
	if e.Coordinator == nil || e.Scaler == nil {
		return nil, errors.New("rapid scan needs a motion coordinator and a scaler")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if def.Interval <= 0 {
		def.Interval = 500 * time.Millisecond
	}
	if def.MaxCount <= 0 {
		def.MaxCount = 24 * time.Hour
	}
	clock := e.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	key := state.MotorKey(def.Motor)
	tol, err := e.Coordinator.Tolerance(def.Motor)
	if err != nil {
		return nil, err
	}

	if err := e.Coordinator.DriveMotor(ctx, def.Motor, def.Start, motion.DefaultOptions); err != nil {
		return nil, fmt.Errorf("drive to start: %w", err)
	}

	sdef := &Definition{
		Type:     TypeRapid,
		Vary:     []Var{{Name: key, Expr: fmt.Sprintf("%g", def.End)}},
		Filename: def.Filename,
		Comment:  def.Comment,
	}
	st, err := e.model.GetState(ctx, false)
	if err != nil {
		return nil, err
	}
	pubs.Start(ctx, st, sdef)

	if err := e.Scaler.Reset(ctx); err != nil {
		return nil, fmt.Errorf("scaler reset: %w", err)
	}
	if err := e.Scaler.CountForTime(ctx, def.MaxCount.Seconds()); err != nil {
		return nil, fmt.Errorf("scaler count: %w", err)
	}
	if err := e.Coordinator.StartMove(ctx, def.Motor, def.End, true); err != nil {
		e.abortCount(ctx)
		return nil, err
	}

	points, err := e.sampleUntil(ctx, clock, def, tol, key, sdef, pubs)

	e.abortCount(ctx)
	if herr := e.Coordinator.Halt(ctx, def.Motor); herr != nil && err == nil {
		err = herr
	}
	if err != nil {
		if ctx.Err() != nil {
			monitoring.Logf("[scan] rapid scan aborted after %d points", len(points))
		}
		return points, err
	}

	end, err := e.model.GetState(ctx, false)
	if err != nil {
		return points, err
	}
	if soft, err := e.Coordinator.SoftPosition(ctx, def.Motor, false); err == nil {
		end[key] = soft
	}
	end[state.KeyScanType] = TypeRapid
	pubs.End(ctx, end, sdef)
	return points, nil
}

func (e *Engine) sampleUntil(ctx context.Context, clock timeutil.Clock, def RapidDefinition, tol float64,
	key string, sdef *Definition, pubs Publishers) ([]RapidPoint, error) {
	prev, err := e.sample(ctx, clock, def.Motor)
	if err != nil {
		return nil, err
	}

	var points []RapidPoint
	for n := 0; def.MaxSamples <= 0 || n < def.MaxSamples; n++ {
		if err := timeutil.SleepContext(ctx, clock, def.Interval); err != nil {
			return points, err
		}
		cur, err := e.sample(ctx, clock, def.Motor)
		if err != nil {
			return points, err
		}

		if p, ok := Interpolate(prev, cur); ok {
			points = append(points, p)
			st := state.State{
				key:             p.Position,
				KeyRate:         p.Rate,
				state.KeyResult: &counting.Result{CountTime: p.Seconds, Counts: p.Counts},
			}
			pubs.Datapoint(ctx, st, sdef)
			e.Recorder.IncScanPoints(TypeRapid)
		}
		prev = cur

		if math.Abs(cur.Position-def.End) <= tol {
			break
		}
		moving, err := e.Coordinator.Moving(ctx, def.Motor)
		if err != nil {
			return points, err
		}
		if !moving {
			monitoring.Logger().Warn("rapid scan motor stopped short of end",
				"motor", def.Motor, "end", def.End, "actual", cur.Position)
			break
		}
	}
	return points, nil
}

func (e *Engine) sample(ctx context.Context, clock timeutil.Clock, motor int) (Sample, error) {
	var s Sample
	var err error
	s.PosTime = clock.Now()
	if s.Position, err = e.Coordinator.SoftPosition(ctx, motor, true); err != nil {
		return s, err
	}
	c, err := e.Scaler.Counts(ctx)
	if err != nil {
		return s, fmt.Errorf("scaler counts: %w", err)
	}
	s.Counts = c.Counts
	s.CountTime = clock.Now()
	return s, nil
}

func (e *Engine) abortCount(ctx context.Context) {
	if err := e.Scaler.AbortCount(context.WithoutCancel(ctx)); err != nil {
		monitoring.Logf("[scan] abort count: %v", err)
	}
}
