package state

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type updateCall struct {
	Names  []string
	Values []any
}

func recordingFamily(kind string, names []string, calls *[]updateCall) *FuncFamily {
	return &FuncFamily{
		Name:    kind,
		Members: names,
		Updater: func(_ context.Context, n []string, v []any) error {
			*calls = append(*calls, updateCall{Names: append([]string(nil), n...), Values: append([]any(nil), v...)})
			return nil
		},
	}
}

func TestUpdateState_RoutesDeviceKeysAndMergesMetadata(t *testing.T) {
	var calls []updateCall
	m := NewModel(nil)
	require.NoError(t, m.Register(recordingFamily("motor", []string{"a1", "a2", "a3"}, &calls)))

	out, err := m.UpdateState(context.Background(), State{"a1": 5.0, "scaler_time_preset": 2.0})
	require.NoError(t, err)

	want := []updateCall{{Names: []string{"a1"}, Values: []any{5.0}}}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Errorf("updater calls mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2.0, out["scaler_time_preset"])
	assert.Equal(t, 5.0, out["a1"])
}

func TestUpdateState_BatchesInFamilyOrder(t *testing.T) {
	var motors, temps []updateCall
	m := NewModel(nil)
	require.NoError(t, m.Register(recordingFamily("motor", []string{"a1", "a2", "a3"}, &motors)))
	require.NoError(t, m.Register(recordingFamily("temperature", []string{"t1"}, &temps)))

	_, err := m.UpdateState(context.Background(), State{"a3": 1.5, "t1": 300.0, "a1": -2.0})
	require.NoError(t, err)

	require.Len(t, motors, 1)
	assert.Equal(t, []string{"a1", "a3"}, motors[0].Names)
	assert.Equal(t, []any{-2.0, 1.5}, motors[0].Values)
	require.Len(t, temps, 1)
	assert.Equal(t, []string{"t1"}, temps[0].Names)
}

func TestRegister_RejectsCollision(t *testing.T) {
	var calls []updateCall
	m := NewModel(nil)
	require.NoError(t, m.Register(recordingFamily("motor", []string{"a1", "a2"}, &calls)))
	err := m.Register(recordingFamily("magnet", []string{"h1", "a2"}, &calls))
	assert.True(t, errors.Is(err, ErrNameCollision), "err = %v", err)
	assert.Equal(t, []string{"motor"}, m.Families())

	_, owned := m.Owner("h1")
	assert.False(t, owned, "a rejected family must not claim any name")
}

func TestUpdateState_PartialFailurePolicy(t *testing.T) {
	var motors []updateCall
	boom := errors.New("checksum error")
	m := NewModel(State{"note": "before"})
	require.NoError(t, m.Register(recordingFamily("motor", []string{"a1"}, &motors)))
	require.NoError(t, m.Register(&FuncFamily{
		Name:    "temperature",
		Members: []string{"t1"},
		Updater: func(context.Context, []string, []any) error { return boom },
	}))

	out, err := m.UpdateState(context.Background(), State{"a1": 1.0, "t1": 10.0, "note": "after"})

	var uerr *UpdateError
	require.True(t, errors.As(err, &uerr), "err = %v", err)
	assert.Equal(t, "temperature", uerr.Family)
	assert.Equal(t, []string{"motor"}, uerr.Applied)
	assert.True(t, errors.Is(err, boom))

	assert.Equal(t, 1.0, out["a1"], "completed family stays applied")
	assert.Equal(t, "before", out["note"], "metadata is not merged after a failure")
	_, hasT := out["t1"]
	assert.False(t, hasT)
}

func TestGetState_PollRefreshesCache(t *testing.T) {
	reading := 11.0
	var polls int
	m := NewModel(State{"a1": 10.0})
	require.NoError(t, m.Register(&FuncFamily{
		Name:    "motor",
		Members: []string{"a1"},
		Getter: func(_ context.Context, name string, poll bool) (any, error) {
			if poll {
				polls++
			}
			return reading, nil
		},
	}))

	cached, err := m.GetState(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 10.0, cached["a1"])
	assert.Equal(t, 0, polls)

	live, err := m.GetState(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 11.0, live["a1"])
	assert.Equal(t, 1, polls)

	again, _ := m.GetState(context.Background(), false)
	assert.Equal(t, 11.0, again["a1"], "poll result must be cached")
}

func TestGetState_SkipsFamiliesWithoutGetter(t *testing.T) {
	var calls []updateCall
	m := NewModel(State{"t1": 4.2})
	require.NoError(t, m.Register(recordingFamily("temperature", []string{"t1"}, &calls)))

	got, err := m.GetState(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 4.2, got["t1"])
}

func TestGetState_PollErrorPropagates(t *testing.T) {
	boom := errors.New("timeout")
	m := NewModel(nil)
	require.NoError(t, m.Register(&FuncFamily{
		Name:    "magnet",
		Members: []string{"h1"},
		Getter:  func(context.Context, string, bool) (any, error) { return nil, boom },
	}))
	_, err := m.GetState(context.Background(), true)
	assert.True(t, errors.Is(err, boom))
}

func TestGetState_ReturnsDefensiveCopy(t *testing.T) {
	m := NewModel(State{
		"result": State{"counts": 10.0, "image": []int{1, 2, 3}},
	})
	snap, err := m.GetState(context.Background(), false)
	require.NoError(t, err)

	res := snap["result"].(State)
	res["counts"] = 99.0
	res["image"].([]int)[0] = 42
	snap["extra"] = true

	again := m.Snapshot()
	assert.Equal(t, 10.0, again["result"].(State)["counts"])
	assert.Equal(t, 1, again["result"].(State)["image"].([]int)[0])
	_, leaked := again["extra"]
	assert.False(t, leaked)
}

func TestModel_GetSingleKey(t *testing.T) {
	m := NewModel(State{"a1": 1.0})
	require.NoError(t, m.Register(&FuncFamily{
		Name:    "motor",
		Members: []string{"a1"},
		Getter:  func(context.Context, string, bool) (any, error) { return 2.0, nil },
	}))

	v, err := m.Get(context.Background(), "a1", false)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	v, err = m.Get(context.Background(), "a1", true)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)
	assert.Equal(t, 2.0, m.Snapshot()["a1"])
}

func TestState_Numbers(t *testing.T) {
	s := State{"a1": 1.5, "n": 3, "mode": "TIME", "flag": true}
	got := s.Numbers()
	assert.Equal(t, map[string]float64{"a1": 1.5, "n": 3, "flag": 1}, got)
	assert.Equal(t, "a4", MotorKey(4))

	n, ok := ParseMotorKey("a12")
	assert.True(t, ok)
	assert.Equal(t, 12, n)
	for _, bad := range []string{"t1", "a", "a0", "ax"} {
		_, ok := ParseMotorKey(bad)
		assert.False(t, ok, bad)
	}
}
