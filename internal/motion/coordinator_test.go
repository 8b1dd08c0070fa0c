package motion

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncnr/pyrecs/internal/config"
	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/timeutil"
)

type event struct {
	op    string
	motor int
	value float64
}

// recordingBackend moves instantly and records every call in order.
type recordingBackend struct {
	mu      sync.Mutex
	pos     map[int]float64
	miss    map[int]float64 // added to every commanded position
	missFn  func(motor int, hard float64) float64
	moving  map[int]int     // remaining polls reporting "moving"
	polls   int             // polls a motor reports moving after a move
	limit   map[int]bool
	fail    map[string]error
	onPoll  func(motor int)
	blockOn string
	release chan struct{}
	events  []event
}

func newRecordingBackend(pos map[int]float64) *recordingBackend {
	return &recordingBackend{
		pos:     pos,
		miss:    map[int]float64{},
		moving:  map[int]int{},
		polls:   1,
		limit:   map[int]bool{},
		fail:    map[string]error{},
		release: make(chan struct{}),
	}
}

func (b *recordingBackend) record(op string, motor int, v float64) error {
	b.mu.Lock()
	b.events = append(b.events, event{op, motor, v})
	err := b.fail[op]
	block := b.blockOn == op
	b.mu.Unlock()
	if block {
		<-b.release
	}
	return err
}

func (b *recordingBackend) Enable(_ context.Context, m int) error  { return b.record("enable", m, 0) }
func (b *recordingBackend) Disable(_ context.Context, m int) error { return b.record("disable", m, 0) }
func (b *recordingBackend) Stop(_ context.Context, m int) error    { return b.record("stop", m, 0) }

func (b *recordingBackend) MoveTo(_ context.Context, m int, hard float64) error {
	if err := b.record("move", m, hard); err != nil {
		return err
	}
	b.mu.Lock()
	off := b.miss[m]
	if b.missFn != nil {
		off = b.missFn(m, hard)
	}
	b.pos[m] = hard + off
	b.moving[m] = b.polls
	b.mu.Unlock()
	return nil
}

func (b *recordingBackend) Position(_ context.Context, m int) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pos[m], nil
}

func (b *recordingBackend) IsMoving(_ context.Context, m int) (bool, error) {
	if err := b.record("is-moving", m, 0); err != nil {
		return false, err
	}
	if b.onPoll != nil {
		b.onPoll(m)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.moving[m] > 0 {
		b.moving[m]--
		return true, nil
	}
	return false, nil
}

func (b *recordingBackend) AtHardwareLimit(_ context.Context, m int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit[m], nil
}

func (b *recordingBackend) ops(op string) []event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []event
	for _, e := range b.events {
		if e.op == op {
			out = append(out, e)
		}
	}
	return out
}

func (b *recordingBackend) moves(motor int) []float64 {
	var out []float64
	for _, e := range b.ops("move") {
		if e.motor == motor {
			out = append(out, e.value)
		}
	}
	return out
}

func testStore(motors ...config.MotorConfig) *config.Store {
	return config.NewStore(&config.InstrumentConfig{Motors: motors})
}

func motorCfg(n int, hard, backlash float64) config.MotorConfig {
	return config.MotorConfig{
		Number:       n,
		Backlash:     backlash,
		Tolerance:    0.01,
		LowerLimit:   -100,
		UpperLimit:   100,
		HardPosition: hard,
	}
}

func newTestCoordinator(b Backend, s *config.Store) *Coordinator {
	c := NewCoordinator(b, s)
	c.Clock = timeutil.NewAutoClock(time.Unix(0, 0))
	return c
}

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func TestNeedsBacklash(t *testing.T) {
	tests := []struct {
		name            string
		delta, backlash float64
		want            bool
	}{
		{"positive move, negative backlash", 2, -0.5, true},
		{"negative move, positive backlash", -2, 0.5, true},
		{"same direction", 2, 0.5, false},
		{"same direction negative", -2, -0.5, false},
		{"zero delta", 0, -0.5, false},
		{"zero backlash", 2, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NeedsBacklash(tt.delta, tt.backlash); got != tt.want {
				t.Errorf("NeedsBacklash(%v, %v) = %v, want %v", tt.delta, tt.backlash, got, tt.want)
			}
		})
	}
}

func TestDriveMulti_BacklashPrePosition(t *testing.T) {
	b := newRecordingBackend(map[int]float64{3: 10.0})
	c := newTestCoordinator(b, testStore(motorCfg(3, 10.0, -0.5)))

	require.NoError(t, c.DriveMotor(context.Background(), 3, 12.0, DefaultOptions))
	assert.Equal(t, []float64{12.5, 12.0}, b.moves(3))
}

func TestDriveMulti_BacklashDirectionality(t *testing.T) {
	tests := []struct {
		name     string
		start    float64
		backlash float64
		opts     Options
		want     []float64
	}{
		{"into the slack", 14.0, -0.5, DefaultOptions, []float64{12.0}},
		{"against the slack", 10.0, 0.5, DefaultOptions, []float64{12.0}},
		{"reverse against the slack", 14.0, 0.5, DefaultOptions, []float64{11.5, 12.0}},
		{"backlash disabled", 10.0, -0.5, Options{CheckLimits: true}, []float64{12.0}},
		{"no backlash configured", 10.0, 0, DefaultOptions, []float64{12.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newRecordingBackend(map[int]float64{1: tt.start})
			c := newTestCoordinator(b, testStore(motorCfg(1, tt.start, tt.backlash)))
			require.NoError(t, c.DriveMotor(context.Background(), 1, 12.0, tt.opts))
			assert.Equal(t, tt.want, b.moves(1))
		})
	}
}

func TestDriveMulti_AllCommandedBeforeWaiting(t *testing.T) {
	b := newRecordingBackend(map[int]float64{1: 0, 2: 0, 3: 0})
	b.polls = 3
	c := newTestCoordinator(b, testStore(motorCfg(1, 0, 0), motorCfg(2, 0, 0), motorCfg(3, 0, 0)))

	require.NoError(t, c.DriveMulti(context.Background(), []int{1, 2, 3}, []float64{1, 2, 3}, DefaultOptions))

	b.mu.Lock()
	events := append([]event(nil), b.events...)
	b.mu.Unlock()

	firstWait, lastCommand := -1, -1
	for i, e := range events {
		switch e.op {
		case "enable", "move":
			lastCommand = i
		case "is-moving":
			if firstWait < 0 {
				firstWait = i
			}
		}
	}
	require.Len(t, b.ops("move"), 3)
	require.Len(t, b.ops("enable"), 3)
	require.GreaterOrEqual(t, firstWait, 0)
	assert.Less(t, lastCommand, firstWait, "a motor was waited on before every motor was commanded: %v", events)
	assert.Len(t, b.ops("stop"), 3)
}

func TestDriveMulti_SecondCallIsNoop(t *testing.T) {
	b := newRecordingBackend(map[int]float64{1: 0, 2: 5})
	c := newTestCoordinator(b, testStore(motorCfg(1, 0, -0.2), motorCfg(2, 5, 0.3)))
	ctx := context.Background()

	require.NoError(t, c.DriveMulti(ctx, []int{1, 2}, []float64{3, 1}, DefaultOptions))
	moves, enables := len(b.ops("move")), len(b.ops("enable"))
	require.Equal(t, 4, moves, "both motors pre-positioned then driven")

	require.NoError(t, c.DriveMulti(ctx, []int{1, 2}, []float64{3, 1}, DefaultOptions))
	assert.Equal(t, moves, len(b.ops("move")), "second call issued move commands")
	assert.Equal(t, enables, len(b.ops("enable")))
}

func TestDriveMulti_ToleranceRetriesThenReports(t *testing.T) {
	b := newRecordingBackend(map[int]float64{1: 0, 2: 0})
	b.miss[2] = 0.2
	s := testStore(motorCfg(1, 0, 0), motorCfg(2, 0, 0))
	c := newTestCoordinator(b, s)
	c.Retries = 2

	err := c.DriveMulti(context.Background(), []int{1, 2}, []float64{4, 4}, DefaultOptions)

	var terr *ToleranceError
	require.True(t, errors.As(err, &terr), "err = %v", err)
	require.Len(t, terr.Misses, 1)
	assert.Equal(t, 2, terr.Misses[0].Motor)
	assert.Equal(t, 4.0, terr.Misses[0].Target)
	assert.InDelta(t, 4.2, terr.Misses[0].Actual, 1e-9)
	assert.True(t, IsRecoverable(err))

	assert.Len(t, b.moves(1), 1)
	assert.Len(t, b.moves(2), 3, "one move plus two retries")

	hard, _ := s.HardPosition(2)
	assert.InDelta(t, 4.2, hard, 1e-9, "settled position is recorded")
}

func TestDriveMulti_PrePositionMissIsNotReported(t *testing.T) {
	b := newRecordingBackend(map[int]float64{1: 0})
	b.missFn = func(_ int, hard float64) float64 {
		if hard > 5.5 {
			return 0.3 // lands past the pre-position
		}
		return 0
	}
	c := newTestCoordinator(b, testStore(motorCfg(1, 0, -1)))
	c.Retries = 0

	require.NoError(t, c.DriveMotor(context.Background(), 1, 5, DefaultOptions))
	assert.Equal(t, []float64{6, 5}, b.moves(1))
}

func TestDriveMulti_LimitDropsOnlyThatMotor(t *testing.T) {
	b := newRecordingBackend(map[int]float64{1: 0, 2: 0})
	c := newTestCoordinator(b, testStore(motorCfg(1, 0, 0), motorCfg(2, 0, 0)))

	err := c.DriveMulti(context.Background(), []int{1, 2}, []float64{150, 3}, DefaultOptions)

	var lerr *LimitError
	require.True(t, errors.As(err, &lerr), "err = %v", err)
	assert.Equal(t, 1, lerr.Motor)
	assert.True(t, IsRecoverable(err))
	assert.Empty(t, b.moves(1))
	assert.Equal(t, []float64{3}, b.moves(2))

	require.NoError(t, c.DriveMulti(context.Background(), []int{1}, []float64{150}, Options{}))
	assert.Equal(t, []float64{150}, b.moves(1), "limits are not checked when disabled")
}

func TestDriveMulti_OffsetConvertsToHard(t *testing.T) {
	mc := motorCfg(4, 1.0, 0)
	mc.Offset = 1.0
	b := newRecordingBackend(map[int]float64{4: 1.0})
	c := newTestCoordinator(b, testStore(mc))

	require.NoError(t, c.DriveMotor(context.Background(), 4, 5, DefaultOptions))
	assert.Equal(t, []float64{6}, b.moves(4))

	soft, err := c.SoftPosition(context.Background(), 4, false)
	require.NoError(t, err)
	assert.Equal(t, 5.0, soft)
}

func TestDriveMulti_RejectsBadRequests(t *testing.T) {
	b := newRecordingBackend(map[int]float64{1: 0})
	c := newTestCoordinator(b, testStore(motorCfg(1, 0, 0)))
	ctx := context.Background()

	var merr *MismatchError
	assert.True(t, errors.As(c.DriveMulti(ctx, []int{1}, []float64{1, 2}, DefaultOptions), &merr))
	assert.True(t, errors.As(c.DriveMulti(ctx, []int{1, 1}, []float64{1, 2}, DefaultOptions), &merr))
	assert.True(t, errors.As(c.DriveMulti(ctx, []int{9}, []float64{1}, DefaultOptions), &merr))
	assert.False(t, IsRecoverable(merr))
	assert.Empty(t, b.events, "no hardware call before validation")

	assert.NoError(t, c.DriveMulti(ctx, nil, nil, DefaultOptions))
}

func TestDriveMulti_RejectsNonFiniteTargets(t *testing.T) {
	b := newRecordingBackend(map[int]float64{1: 0, 2: 0})
	c := newTestCoordinator(b, testStore(motorCfg(1, 0, 0), motorCfg(2, 0, 0)))
	ctx := context.Background()

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		var merr *MismatchError
		err := c.DriveMulti(ctx, []int{1, 2}, []float64{1, v}, DefaultOptions)
		require.True(t, errors.As(err, &merr), "target %g: err = %v", v, err)
		assert.Contains(t, merr.Error(), "not a finite position")

		err = c.StartMove(ctx, 2, v, true)
		assert.True(t, errors.As(err, &merr), "start move to %g: err = %v", v, err)
	}
	assert.Empty(t, b.events, "no hardware call for a non-finite target")
}

func TestDriveMulti_HardwareFailureStopsCommandedMotors(t *testing.T) {
	b := newRecordingBackend(map[int]float64{1: 0, 2: 0})
	b.fail["move"] = errors.New("checksum error")
	c := newTestCoordinator(b, testStore(motorCfg(1, 0, 0), motorCfg(2, 0, 0)))

	err := c.DriveMulti(context.Background(), []int{1, 2}, []float64{1, 2}, DefaultOptions)

	var herr *HardwareError
	require.True(t, errors.As(err, &herr), "err = %v", err)
	assert.Equal(t, "move", herr.Op)
	assert.False(t, IsRecoverable(err))
	assert.Len(t, b.ops("stop"), 2)
	assert.Empty(t, b.ops("is-moving"))
}

func TestDriveMulti_AbortStopsInFlightMotor(t *testing.T) {
	aborted := errors.New("aborted")
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	b := newRecordingBackend(map[int]float64{1: 0})
	b.polls = 1000
	b.onPoll = func(int) { cancel(aborted) }
	c := newTestCoordinator(b, testStore(motorCfg(1, 0, -0.5)))

	err := c.DriveMotor(ctx, 1, 5, DefaultOptions)
	assert.ErrorIs(t, err, aborted)
	assert.Len(t, b.moves(1), 1, "no further moves after abort")
	assert.Len(t, b.ops("stop"), 1)
}

func TestDriveMulti_HardwareLimitEndsWait(t *testing.T) {
	b := newRecordingBackend(map[int]float64{1: 0})
	b.polls = 1000
	b.limit[1] = true
	c := newTestCoordinator(b, testStore(motorCfg(1, 0, 0)))
	c.Retries = 0

	err := c.DriveMotor(context.Background(), 1, 5, DefaultOptions)
	// the fake reports the target position, so the motor is in tolerance
	require.NoError(t, err)
	assert.Len(t, b.ops("is-moving"), 1)
	assert.Len(t, b.ops("stop"), 1)
}

func TestDriveMulti_DisableAfterMove(t *testing.T) {
	b := newRecordingBackend(map[int]float64{1: 0})
	c := newTestCoordinator(b, testStore(motorCfg(1, 0, 0)))
	c.DisableAfterMove = true

	require.NoError(t, c.DriveMotor(context.Background(), 1, 2, DefaultOptions))
	assert.Len(t, b.ops("disable"), 1)
}

func TestDriveMulti_CallTimeout(t *testing.T) {
	b := newRecordingBackend(map[int]float64{1: 0})
	b.blockOn = "move"
	t.Cleanup(func() { close(b.release) })
	c := newTestCoordinator(b, testStore(motorCfg(1, 0, 0)))
	c.CallTimeout = 20 * time.Millisecond

	err := c.DriveMotor(context.Background(), 1, 2, DefaultOptions)

	var herr *HardwareError
	require.True(t, errors.As(err, &herr), "err = %v", err)
	assert.ErrorIs(t, err, ErrCallTimeout)
}
