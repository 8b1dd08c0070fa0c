package linebackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncnr/pyrecs/internal/config"
	"github.com/ncnr/pyrecs/internal/counting"
	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/motion"
	"github.com/ncnr/pyrecs/internal/serialmux"
	"github.com/ncnr/pyrecs/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

// fakeDevice answers the line protocol. Moves and counts complete at once.
type fakeDevice struct {
	mu       sync.Mutex
	pos      map[int]float64
	counting bool
	counts   [3]float64
	commands []string
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{pos: map[int]float64{1: 0, 2: 0}, counts: [3]float64{2, 1500, 321}}
}

func (d *fakeDevice) Query(_ context.Context, command string) (string, error) {
	return d.handle(command), nil
}

func (d *fakeDevice) handle(command string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, command)

	f := strings.Fields(command)
	motor := func() (int, bool) {
		if len(f) < 2 {
			return 0, false
		}
		n, err := strconv.Atoi(f[1])
		_, known := d.pos[n]
		return n, err == nil && known
	}
	switch f[0] {
	case "ENABLE", "DISABLE", "STOP":
		if _, ok := motor(); !ok {
			return "ERR no such motor"
		}
		return "OK"
	case "MOVE", "SETPOS":
		n, ok := motor()
		if !ok || len(f) != 3 {
			return "ERR bad request"
		}
		v, _ := strconv.ParseFloat(f[2], 64)
		d.pos[n] = v
		return "OK"
	case "POS?":
		n, ok := motor()
		if !ok {
			return "ERR no such motor"
		}
		return "OK " + strconv.FormatFloat(d.pos[n], 'f', -1, 64)
	case "MOVING?", "LIMIT?", "COUNTING?":
		return "OK 0"
	case "RESET", "ABORT":
		return "OK"
	case "COUNT":
		d.counting = true
		return "OK"
	case "COUNTS?":
		return fmt.Sprintf("OK %g %g %g", d.counts[0], d.counts[1], d.counts[2])
	case "ELAPSED?":
		return "OK 2.01"
	}
	return "ERR unknown command"
}

func (d *fakeDevice) log() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func TestClient_DriveThroughCoordinator(t *testing.T) {
	dev := newFakeDevice()
	store := config.NewStore(&config.InstrumentConfig{Motors: []config.MotorConfig{
		{Number: 1, Offset: 1, Tolerance: 0.01, LowerLimit: -50, UpperLimit: 50},
		{Number: 2, Backlash: 0.5, Tolerance: 0.01, LowerLimit: -50, UpperLimit: 50},
	}})
	coord := motion.NewCoordinator(New(dev), store)
	coord.Clock = timeutil.NewAutoClock(time.Unix(0, 0))

	ctx := context.Background()
	require.NoError(t, coord.DriveMulti(ctx, []int{1, 2}, []float64{4, -2.5}, motion.DefaultOptions))

	assert.Equal(t, 5.0, dev.pos[1], "soft 4 with offset 1 is hard 5")
	assert.Equal(t, -2.5, dev.pos[2])
	cmds := dev.log()
	assert.Contains(t, cmds, "ENABLE 1")
	assert.Contains(t, cmds, "MOVE 1 5")
	assert.Contains(t, cmds, "MOVE 2 -3", "backlash overshoot")
	assert.Contains(t, cmds, "MOVE 2 -2.5")

	soft, err := coord.SoftPosition(ctx, 1, true)
	require.NoError(t, err)
	assert.Equal(t, 4.0, soft)

	require.NoError(t, coord.SetHardPosition(ctx, 2, 10))
	assert.Equal(t, 10.0, dev.pos[2])
	assert.Contains(t, dev.log(), "SETPOS 2 10")
}

func TestClient_CountThroughCounter(t *testing.T) {
	dev := newFakeDevice()
	c := counting.NewCounter(New(dev))
	c.Clock = timeutil.NewAutoClock(time.Unix(0, 0))

	res, err := c.Count(context.Background(), -2)
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.CountTime)
	assert.Equal(t, 1500.0, res.Monitor)
	assert.Equal(t, 321.0, res.Counts)
	require.NotNil(t, res.Elapsed)
	assert.Equal(t, 2.01, *res.Elapsed)
	assert.Contains(t, dev.log(), "COUNT TIME 2")

	_, err = c.Count(context.Background(), 1e4)
	require.NoError(t, err)
	assert.Contains(t, dev.log(), "COUNT MON 10000")
}

type replyQuerier string

func (r replyQuerier) Query(context.Context, string) (string, error) { return string(r), nil }

func TestClient_Replies(t *testing.T) {
	ctx := context.Background()

	t.Run("device error", func(t *testing.T) {
		err := New(replyQuerier("ERR motor 3 not homed")).MoveTo(ctx, 3, 1)
		var de *DeviceError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "MOVE 3 1", de.Command)
		assert.Equal(t, "motor 3 not homed", de.Message)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := New(replyQuerier("??")).Position(ctx, 1)
		assert.ErrorIs(t, err, ErrMalformedReply)
	})

	t.Run("bad number", func(t *testing.T) {
		_, err := New(replyQuerier("OK twelve")).Position(ctx, 1)
		assert.ErrorIs(t, err, ErrMalformedReply)
	})

	t.Run("short counts", func(t *testing.T) {
		_, err := New(replyQuerier("OK 1 2")).Counts(ctx)
		assert.ErrorIs(t, err, ErrMalformedReply)
	})

	t.Run("untracked elapsed", func(t *testing.T) {
		_, tracked, err := New(replyQuerier("OK -")).Elapsed(ctx)
		require.NoError(t, err)
		assert.False(t, tracked)
	})

	t.Run("flags", func(t *testing.T) {
		moving, err := New(replyQuerier("OK 1")).IsMoving(ctx, 1)
		require.NoError(t, err)
		assert.True(t, moving)
	})

	t.Run("transport error", func(t *testing.T) {
		boom := errors.New("port gone")
		_, err := New(querierFunc(func(context.Context, string) (string, error) { return "", boom })).IsCounting(ctx)
		assert.ErrorIs(t, err, boom)
	})
}

type querierFunc func(context.Context, string) (string, error)

func (f querierFunc) Query(ctx context.Context, c string) (string, error) { return f(ctx, c) }

// devicePort connects a fakeDevice to a serial mux through a pipe.
type devicePort struct {
	dev *fakeDevice
	r   *io.PipeReader
	w   *io.PipeWriter
}

func (p *devicePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *devicePort) Write(b []byte) (int, error) {
	reply := p.dev.handle(strings.TrimSpace(string(b)))
	go func() {
		_, _ = p.w.Write([]byte("# event ignored\r\n" + reply + "\r\n"))
	}()
	return len(b), nil
}

func (p *devicePort) Close() error { return p.w.Close() }

func TestClient_OverSerialMux(t *testing.T) {
	r, w := io.Pipe()
	dev := newFakeDevice()
	mux := serialmux.NewSerialMux(&devicePort{dev: dev, r: r, w: w})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = mux.Monitor(ctx) }()
	defer mux.Close()

	client := New(mux)
	require.NoError(t, client.MoveTo(ctx, 2, 7.25))
	pos, err := client.Position(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 7.25, pos)

	err = client.Enable(ctx, 9)
	var de *DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "no such motor", de.Message)
}
