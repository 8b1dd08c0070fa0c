package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncnr/pyrecs/internal/control"
	"github.com/ncnr/pyrecs/internal/counting"
	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/state"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

// rig is a state model with a recording motor family, a measurer and a
// publisher that all write to one event log.
type rig struct {
	mu      sync.Mutex
	log     []string
	model   *state.Model
	ctl     *control.Control
	engine  *Engine
	failAt  int // measurement index that fails, -1 for none
	measure int
	onPoint func(index int)
	ends    []state.State
}

func newRig(t *testing.T, initial state.State) *rig {
	t.Helper()
	r := &rig{failAt: -1, ctl: control.New()}
	r.model = state.NewModel(initial)
	require.NoError(t, r.model.Register(&state.FuncFamily{
		Name:    "motor",
		Members: []string{"a3", "a4"},
		Updater: func(_ context.Context, names []string, values []any) error {
			for i, n := range names {
				r.record(fmt.Sprintf("move %s=%g", n, values[i]))
			}
			return nil
		},
	}))
	r.engine = NewEngine(r.model, r, r.ctl)
	return r
}

func (r *rig) record(s string) {
	r.mu.Lock()
	r.log = append(r.log, s)
	r.mu.Unlock()
}

func (r *rig) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *rig) Measure(ctx context.Context, st state.State) (*counting.Result, error) {
	idx := r.measure
	r.measure++
	if idx == r.failAt {
		return nil, errors.New("detector offline")
	}
	a3, _ := st.Float("a3")
	r.record(fmt.Sprintf("measure a3=%g", a3))
	return &counting.Result{Counts: 100 * a3, Monitor: 1}, nil
}

func (r *rig) publisher() Publisher {
	index := 0
	return FuncPublisher{
		Start: func(context.Context, state.State, *Definition) error {
			r.record("start")
			return nil
		},
		Datapoint: func(_ context.Context, st state.State, _ *Definition) error {
			res, _ := counting.ResultOf(st)
			r.record(fmt.Sprintf("point counts=%g", res.Counts))
			if r.onPoint != nil {
				r.onPoint(index)
			}
			index++
			return nil
		},
		End: func(_ context.Context, st state.State, _ *Definition) error {
			r.record("end")
			r.ends = append(r.ends, st)
			return nil
		},
	}
}

func (r *rig) scan(t *testing.T, def *Definition, opts Options) *Sequence {
	t.Helper()
	opts.Publishers = append(opts.Publishers, r.publisher())
	seq, err := r.engine.OneDimScan(def, opts)
	require.NoError(t, err)
	return seq
}

func TestOneDimScan_LinearVary(t *testing.T) {
	r := newRig(t, state.State{"a3": 0.0})
	seq := r.scan(t, &Definition{Iterations: 5, Vary: []Var{{"a3", "1.0 + i*0.5"}}}, Options{})

	points, err := seq.Drain(context.Background())
	require.NoError(t, err)

	var got []float64
	for _, p := range points {
		got = append(got, p.Scan["a3"].(float64))
	}
	assert.Equal(t, []float64{1.0, 1.5, 2.0, 2.5, 3.0}, got)
	assert.True(t, seq.Ended())
	assert.False(t, seq.Aborted())
	assert.Equal(t, 300.0, points[4].Result().Counts)
	assert.Equal(t, 3.0, points[4].State["a3"])
}

func TestOneDimScan_TiedExpressionSeesFreshValue(t *testing.T) {
	r := newRig(t, state.State{"a3": 100.0, "a4": 100.0})
	seq := r.scan(t, &Definition{Iterations: 3, Vary: []Var{
		{"a3", "1.0 + i"},
		{"a4", "a3 / 2"},
	}}, Options{})

	points, err := seq.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, points, 3)
	for i, p := range points {
		want := (1.0 + float64(i)) / 2
		assert.Equal(t, want, p.Scan["a4"], "point %d", i)
	}
}

func TestOneDimScan_StepOrderIsNotPipelined(t *testing.T) {
	r := newRig(t, nil)
	seq := r.scan(t, &Definition{Iterations: 2, Vary: []Var{{"a3", "i + 1"}}}, Options{})
	ctx := context.Background()

	assert.Empty(t, r.events(), "nothing runs before the first Next")

	require.True(t, seq.Next(ctx))
	r.record("yield 0")
	require.True(t, seq.Next(ctx))
	r.record("yield 1")
	require.False(t, seq.Next(ctx))
	require.False(t, seq.Next(ctx), "a finished sequence stays finished")

	want := []string{
		"start",
		"move a3=1", "measure a3=1", "point counts=100", "yield 0",
		"move a3=2", "measure a3=2", "point counts=200", "yield 1",
		"end",
	}
	if diff := cmp.Diff(want, r.events()); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}
}

func TestOneDimScan_AbortStopsWithoutEnd(t *testing.T) {
	r := newRig(t, nil)
	ctx, finish, err := r.ctl.Begin(context.Background(), "scan")
	require.NoError(t, err)
	defer finish()

	r.onPoint = func(i int) {
		if i == 2 {
			r.ctl.Abort()
		}
	}
	seq := r.scan(t, &Definition{Iterations: 10, Vary: []Var{{"a3", "i"}}}, Options{})

	points, err := seq.Drain(ctx)
	assert.NoError(t, err)
	assert.Len(t, points, 3)
	assert.True(t, seq.Aborted())
	assert.False(t, seq.Ended())
	assert.NotContains(t, r.events(), "end")
}

func TestOneDimScan_BreakPublishesEnd(t *testing.T) {
	r := newRig(t, nil)
	r.onPoint = func(i int) {
		if i == 1 {
			r.ctl.BreakScan()
		}
	}
	seq := r.scan(t, &Definition{Iterations: 10, Vary: []Var{{"a3", "i"}}}, Options{})

	points, err := seq.Drain(context.Background())
	require.NoError(t, err)
	assert.Len(t, points, 2)
	assert.True(t, seq.Broken())
	assert.True(t, seq.Ended())
	require.Len(t, r.ends, 1)
	assert.Equal(t, TypeScan, r.ends[0][state.KeyScanType])
}

func TestOneDimScan_BreakFlagClearedAtStart(t *testing.T) {
	r := newRig(t, nil)
	r.ctl.BreakScan()
	seq := r.scan(t, &Definition{Iterations: 3, Vary: []Var{{"a3", "i"}}}, Options{})

	points, err := seq.Drain(context.Background())
	require.NoError(t, err)
	assert.Len(t, points, 3)
	assert.False(t, seq.Broken())
}

func TestOneDimScan_SuspendBlocksUntilResumed(t *testing.T) {
	r := newRig(t, nil)
	seq := r.scan(t, &Definition{Iterations: 2, Vary: []Var{{"a3", "i"}}}, Options{})
	ctx := context.Background()

	require.True(t, seq.Next(ctx))
	r.ctl.SuspendToggle()

	next := make(chan bool, 1)
	go func() { next <- seq.Next(ctx) }()

	select {
	case <-next:
		t.Fatal("scan advanced while suspended")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, countPrefix(r.events(), "measure"))

	r.ctl.SuspendToggle()
	select {
	case ok := <-next:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("scan did not resume")
	}
	assert.Equal(t, 2, countPrefix(r.events(), "measure"))
}

func TestOneDimScan_AbortWhileSuspended(t *testing.T) {
	r := newRig(t, nil)
	ctx, finish, err := r.ctl.Begin(context.Background(), "scan")
	require.NoError(t, err)
	defer finish()

	seq := r.scan(t, &Definition{Iterations: 3, Vary: []Var{{"a3", "i"}}}, Options{})
	require.True(t, seq.Next(ctx))
	r.ctl.SuspendToggle()

	next := make(chan bool, 1)
	go func() { next <- seq.Next(ctx) }()
	time.Sleep(20 * time.Millisecond)
	r.ctl.Abort()

	select {
	case ok := <-next:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("abort did not end the suspended scan")
	}
	assert.True(t, seq.Aborted())
	assert.False(t, seq.Ended())
}

func TestOneDimScan_DeferredEnd(t *testing.T) {
	r := newRig(t, nil)
	seq := r.scan(t, &Definition{Iterations: 2, Vary: []Var{{"a3", "i"}}, Type: TypeFindPeak}, Options{DeferEnd: true})

	_, err := seq.Drain(context.Background())
	require.NoError(t, err)
	assert.False(t, seq.Ended())
	assert.Empty(t, r.ends)

	seq.End(context.Background(), state.State{state.KeyFit: "payload"})
	seq.End(context.Background(), nil)
	require.Len(t, r.ends, 1, "end is published once")
	assert.Equal(t, TypeFindPeak, r.ends[0][state.KeyScanType])
	assert.Equal(t, "payload", r.ends[0][state.KeyFit])
}

func TestOneDimScan_PublisherErrorsDoNotStopScan(t *testing.T) {
	r := newRig(t, nil)
	failing := FuncPublisher{Datapoint: func(context.Context, state.State, *Definition) error {
		return errors.New("disk full")
	}}
	seq := r.scan(t, &Definition{Iterations: 3, Vary: []Var{{"a3", "i"}}}, Options{Publishers: Publishers{failing}})

	points, err := seq.Drain(context.Background())
	require.NoError(t, err)
	assert.Len(t, points, 3)
}

func TestOneDimScan_MeasureFailureEndsScan(t *testing.T) {
	r := newRig(t, nil)
	r.failAt = 1
	seq := r.scan(t, &Definition{Iterations: 3, Vary: []Var{{"a3", "i"}}}, Options{})

	points, err := seq.Drain(context.Background())
	assert.Error(t, err)
	assert.Len(t, points, 1)
	assert.False(t, seq.Aborted())
	assert.False(t, seq.Ended())
}

func TestOneDimScan_BadDefinition(t *testing.T) {
	r := newRig(t, nil)
	tests := []*Definition{
		{Iterations: 1, Vary: []Var{{"a3", "1 +"}}},
		{Iterations: 1, Vary: []Var{{"a3", "system('rm')"}}},
		{Iterations: 1, Vary: []Var{{"i", "1"}}},
		{Iterations: 1, Vary: []Var{{"a3", "1"}, {"a3", "2"}}},
		{Iterations: -1},
	}
	for _, def := range tests {
		_, err := r.engine.OneDimScan(def, Options{})
		assert.Error(t, err, "%+v", def)
	}
	assert.Empty(t, r.events())
}

func TestOneDimScan_UndefinedNameFailsAtFirstPoint(t *testing.T) {
	r := newRig(t, nil)
	seq := r.scan(t, &Definition{Iterations: 2, Vary: []Var{{"a3", "nosuch + i"}}}, Options{})
	points, err := seq.Drain(context.Background())
	assert.Error(t, err)
	assert.Empty(t, points)
	assert.NotContains(t, r.events(), "move a3=0")
}

func TestOneDimScan_InitStateAndExtraContext(t *testing.T) {
	r := newRig(t, nil)
	def := &Definition{
		Iterations: 2,
		Vary:       []Var{{"a3", "center + i*step"}},
		InitState:  []Entry{{"center", 10.0}, {state.KeyTimePreset, 2.0}},
	}
	seq := r.scan(t, def, Options{Extra: []state.State{{"step": 1.0}, {"step": 0.25}}})

	points, err := seq.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10.0, points[0].Scan["a3"])
	assert.Equal(t, 10.25, points[1].Scan["a3"])
	assert.Equal(t, 2.0, points[1].State[state.KeyTimePreset])
}

func countPrefix(events []string, prefix string) int {
	n := 0
	for _, e := range events {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}
