package scan

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncnr/pyrecs/internal/config"
	"github.com/ncnr/pyrecs/internal/control"
	"github.com/ncnr/pyrecs/internal/counting"
	"github.com/ncnr/pyrecs/internal/motion"
	"github.com/ncnr/pyrecs/internal/sim"
	"github.com/ncnr/pyrecs/internal/state"
	"github.com/ncnr/pyrecs/internal/timeutil"
)

func TestInterpolate(t *testing.T) {
	t0 := time.Unix(100, 0)
	at := func(s float64) time.Time { return t0.Add(time.Duration(s * float64(time.Second))) }

	tests := []struct {
		name      string
		prev, cur Sample
		want      RapidPoint
		ok        bool
	}{
		{
			name: "reads at the same instant",
			prev: Sample{PosTime: at(0), Position: 0, CountTime: at(0), Counts: 0},
			cur:  Sample{PosTime: at(1), Position: 2, CountTime: at(1), Counts: 50},
			want: RapidPoint{Position: 1, Rate: 50, Counts: 50, Seconds: 1},
			ok:   true,
		},
		{
			name: "count read lags position read",
			prev: Sample{PosTime: at(0), Position: 0, CountTime: at(0.5), Counts: 10},
			cur:  Sample{PosTime: at(2), Position: 4, CountTime: at(2.5), Counts: 30},
			// midpoint of the count window is t=1.5, three quarters of the
			// way between the position reads
			want: RapidPoint{Position: 3, Rate: 10, Counts: 20, Seconds: 2},
			ok:   true,
		},
		{
			name: "stationary position reads",
			prev: Sample{PosTime: at(1), Position: 7, CountTime: at(0), Counts: 0},
			cur:  Sample{PosTime: at(1), Position: 7, CountTime: at(2), Counts: 8},
			want: RapidPoint{Position: 7, Rate: 4, Counts: 8, Seconds: 2},
			ok:   true,
		},
		{
			name: "empty window",
			prev: Sample{CountTime: at(3), Counts: 5},
			cur:  Sample{CountTime: at(3), Counts: 6},
			ok:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Interpolate(tt.prev, tt.cur)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.InDelta(t, tt.want.Position, got.Position, 1e-9)
			assert.InDelta(t, tt.want.Rate, got.Rate, 1e-9)
			assert.InDelta(t, tt.want.Counts, got.Counts, 1e-9)
			assert.InDelta(t, tt.want.Seconds, got.Seconds, 1e-9)
		})
	}
}

type rapidRig struct {
	clock  *timeutil.MockClock
	hw     *sim.Instrument
	coord  *motion.Coordinator
	engine *Engine

	mu     sync.Mutex
	points []state.State
	ends   []state.State
}

func newRapidRig(t *testing.T) *rapidRig {
	t.Helper()
	return newRapidRigWithMotor(t, sim.MotorSpec{Number: 3})
}

func newRapidRigWithMotor(t *testing.T, spec sim.MotorSpec) *rapidRig {
	t.Helper()
	r := &rapidRig{clock: timeutil.NewAutoClock(time.Unix(0, 0))}
	r.hw = sim.New(r.clock, spec)
	r.hw.Speed = 1
	r.hw.Peak = sim.Peak{Motor: 3, Background: 100}

	store := config.NewStore(&config.InstrumentConfig{Motors: []config.MotorConfig{
		{Number: 3, Tolerance: 0.01, LowerLimit: -100, UpperLimit: 100},
	}})
	r.coord = motion.NewCoordinator(r.hw, store)
	r.coord.Clock = r.clock

	model := state.NewModel(nil)
	require.NoError(t, model.Register(motion.NewFamily(r.coord, []int{3})))
	counter := counting.NewCounter(r.hw)
	counter.Clock = r.clock

	r.engine = NewEngine(model, counter, nil)
	r.engine.Coordinator = r.coord
	r.engine.Scaler = r.hw
	r.engine.Clock = r.clock
	return r
}

func (r *rapidRig) publishers(onPoint func(n int)) Publishers {
	return Publishers{FuncPublisher{
		Datapoint: func(_ context.Context, st state.State, _ *Definition) error {
			r.mu.Lock()
			r.points = append(r.points, st)
			n := len(r.points)
			r.mu.Unlock()
			if onPoint != nil {
				onPoint(n)
			}
			return nil
		},
		End: func(_ context.Context, st state.State, _ *Definition) error {
			r.mu.Lock()
			r.ends = append(r.ends, st)
			r.mu.Unlock()
			return nil
		},
	}}
}

func TestRapidScan_ConstantRate(t *testing.T) {
	r := newRapidRig(t)
	def := RapidDefinition{Motor: 3, Start: 0, End: 2, Interval: 500 * time.Millisecond}

	points, err := r.engine.RapidScan(context.Background(), def, r.publishers(nil))
	require.NoError(t, err)
	require.Len(t, points, 4)

	for i, p := range points {
		assert.InDelta(t, 0.5*float64(i+1)-0.25, p.Position, 1e-9, "point %d", i)
		assert.InDelta(t, 100, p.Rate, 1e-9, "point %d", i)
		assert.InDelta(t, 0.5, p.Seconds, 1e-9, "point %d", i)
	}
	require.Len(t, r.points, 4)
	rate, _ := r.points[0].Float(KeyRate)
	assert.InDelta(t, 100, rate, 1e-9)

	require.Len(t, r.ends, 1)
	end := r.ends[0]
	a3, _ := end.Float("a3")
	assert.InDelta(t, 2, a3, 1e-9)
	typ, _ := end.String(state.KeyScanType)
	assert.Equal(t, TypeRapid, typ)

	busy, err := r.hw.IsCounting(context.Background())
	require.NoError(t, err)
	assert.False(t, busy, "count left running")
}

func TestRapidScan_DrivesToStartFirst(t *testing.T) {
	r := newRapidRig(t)
	require.NoError(t, r.hw.SetPosition(context.Background(), 3, -1))
	def := RapidDefinition{Motor: 3, Start: 1, End: 2, Interval: 250 * time.Millisecond}

	points, err := r.engine.RapidScan(context.Background(), def, r.publishers(nil))
	require.NoError(t, err)
	require.NotEmpty(t, points)
	assert.GreaterOrEqual(t, points[0].Position, 1.0, "sampling began before reaching start")
}

func TestRapidScan_AbortHaltsMotor(t *testing.T) {
	r := newRapidRig(t)
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	def := RapidDefinition{Motor: 3, Start: 0, End: 10, Interval: 500 * time.Millisecond}

	points, err := r.engine.RapidScan(ctx, def, r.publishers(func(n int) {
		if n == 2 {
			cancel(control.ErrAborted)
		}
	}))
	require.ErrorIs(t, err, control.ErrAborted)
	assert.Len(t, points, 2)
	assert.Empty(t, r.ends, "aborted scan must not publish an end")

	moving, err := r.hw.IsMoving(context.Background(), 3)
	require.NoError(t, err)
	assert.False(t, moving, "motor still moving after abort")
	pos, err := r.hw.Position(context.Background(), 3)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, pos, 1e-9)
}

func TestRapidScan_StopsAtHardwareLimit(t *testing.T) {
	r := newRapidRigWithMotor(t, sim.MotorSpec{Number: 3, LowerLimit: -5, UpperLimit: 5})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	def := RapidDefinition{Motor: 3, Start: 0, End: 10, Interval: time.Second}

	points, err := r.engine.RapidScan(ctx, def, r.publishers(nil))
	require.NoError(t, err)
	require.Len(t, points, 5)
	assert.InDelta(t, 4.5, points[4].Position, 1e-9)

	require.Len(t, r.ends, 1)
	a3, _ := r.ends[0].Float("a3")
	assert.InDelta(t, 5, a3, 1e-9)
	assert.Equal(t, time.Unix(5, 0), r.clock.Now())
}

func TestRapidScan_MaxSamples(t *testing.T) {
	r := newRapidRig(t)
	def := RapidDefinition{Motor: 3, Start: 0, End: 50, Interval: time.Second, MaxSamples: 3}

	points, err := r.engine.RapidScan(context.Background(), def, r.publishers(nil))
	require.NoError(t, err)
	assert.Len(t, points, 3)
	require.Len(t, r.ends, 1)
}

func TestRapidDefinition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		def     RapidDefinition
		wantErr bool
	}{
		{name: "defaults", def: RapidDefinition{Motor: 3, End: 1}},
		{name: "minimum interval", def: RapidDefinition{Motor: 3, End: 1, Interval: MinRapidInterval}},
		{name: "interval too short", def: RapidDefinition{Motor: 3, End: 1, Interval: time.Nanosecond}, wantErr: true},
		{name: "negative interval", def: RapidDefinition{Motor: 3, End: 1, Interval: -time.Second}, wantErr: true},
		{name: "negative max count", def: RapidDefinition{Motor: 3, End: 1, MaxCount: -time.Second}, wantErr: true},
		{name: "negative max samples", def: RapidDefinition{Motor: 3, End: 1, MaxSamples: -1}, wantErr: true},
		{name: "end not finite", def: RapidDefinition{Motor: 3, End: math.Inf(1)}, wantErr: true},
		{name: "start not a number", def: RapidDefinition{Motor: 3, Start: math.NaN()}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	r := newRapidRig(t)
	_, err := r.engine.RapidScan(context.Background(), RapidDefinition{Motor: 3, End: 1, Interval: time.Microsecond}, nil)
	require.Error(t, err)
	assert.Empty(t, r.points)
}

func TestRapidScan_NeedsHardware(t *testing.T) {
	e := NewEngine(state.NewModel(nil), nil, nil)
	_, err := e.RapidScan(context.Background(), RapidDefinition{Motor: 3}, nil)
	require.Error(t, err)
}
