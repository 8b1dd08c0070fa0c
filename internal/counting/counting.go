// Package counting performs one detector measurement against the scaler:
// count for a fixed time or until a monitor preset is reached.
package counting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ncnr/pyrecs/internal/config"
	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/motion"
	"github.com/ncnr/pyrecs/internal/state"
	"github.com/ncnr/pyrecs/internal/timeutil"
)

// ErrBadPreset is returned when the gating fields of the state do not
// describe a count.
var ErrBadPreset = errors.New("invalid count preset")

// Counts is one scaler readout.
type Counts struct {
	CountTime float64
	Monitor   float64
	Counts    float64
}

// Scaler is the counting side of the motion controller. Counts start with
// CountForTime or CountForMonitor and run until IsCounting reports false.
type Scaler interface {
	Reset(ctx context.Context) error
	CountForTime(ctx context.Context, seconds float64) error
	CountForMonitor(ctx context.Context, monitor float64) error
	IsCounting(ctx context.Context) (bool, error)
	AbortCount(ctx context.Context) error
	Counts(ctx context.Context) (Counts, error)
	// Elapsed returns false when the scaler does not track elapsed time.
	Elapsed(ctx context.Context) (float64, bool, error)
}

// ImageReader is implemented by scalers with an area detector.
type ImageReader interface {
	Image(ctx context.Context) ([]int64, error)
}

// Result is the outcome of one measurement.
type Result struct {
	CountTime float64  `json:"count_time"`
	Monitor   float64  `json:"monitor"`
	Counts    float64  `json:"counts"`
	Elapsed   *float64 `json:"elapsed,omitempty"`
	Image     []int64  `json:"image,omitempty"`
}

// Clone returns a deep copy.
func (r *Result) Clone() any {
	if r == nil {
		return (*Result)(nil)
	}
	out := *r
	if r.Elapsed != nil {
		e := *r.Elapsed
		out.Elapsed = &e
	}
	if r.Image != nil {
		out.Image = append([]int64(nil), r.Image...)
	}
	return &out
}

// Map flattens the result for publishers that store plain values.
func (r *Result) Map() map[string]float64 {
	m := map[string]float64{
		"count_time": r.CountTime,
		"monitor":    r.Monitor,
		"counts":     r.Counts,
	}
	if r.Elapsed != nil {
		m["elapsed"] = *r.Elapsed
	}
	return m
}

// ResultOf extracts the measurement stored under state.KeyResult.
func ResultOf(s state.State) (*Result, bool) {
	r, ok := s[state.KeyResult].(*Result)
	return r, ok && r != nil
}

// Counter drives the scaler through one count.
type Counter struct {
	scaler Scaler

	PollInterval time.Duration
	Clock        timeutil.Clock
	Recorder     monitoring.Recorder
}

// NewCounter returns a Counter polling every 100ms.
func NewCounter(s Scaler) *Counter {
	return &Counter{
		scaler:       s,
		PollInterval: 100 * time.Millisecond,
		Clock:        timeutil.RealClock{},
		Recorder:     monitoring.NoopRecorder{},
	}
}

// Scaler returns the underlying scaler.
func (c *Counter) Scaler() Scaler { return c.scaler }

// Preset derives the signed count preset from the scaler fields of s:
// -(time_preset*prefactor) in TIME mode, monitor_preset*prefactor in NEUT
// mode. The prefactor defaults to 1.
func Preset(s state.State) (float64, error) {
	mode := config.GatingTime
	if v, ok := s.String(state.KeyGatingMode); ok && v != "" {
		mode = strings.ToUpper(v)
	}
	prefactor := 1.0
	if v, ok := s.Float(state.KeyPrefactor); ok && v != 0 {
		prefactor = v
	}

	switch mode {
	case config.GatingTime:
		t, ok := s.Float(state.KeyTimePreset)
		if !ok || t <= 0 {
			return 0, fmt.Errorf("%w: %s must be positive in %s mode", ErrBadPreset, state.KeyTimePreset, mode)
		}
		return -1 * (t * prefactor), nil
	case config.GatingMonitor:
		m, ok := s.Float(state.KeyMonitorPreset)
		if !ok || m <= 0 {
			return 0, fmt.Errorf("%w: %s must be positive in %s mode", ErrBadPreset, state.KeyMonitorPreset, mode)
		}
		return m * prefactor, nil
	}
	return 0, fmt.Errorf("%w: unknown gating mode %q", ErrBadPreset, mode)
}

// Measure performs exactly one count using the gating fields of s.
func (c *Counter) Measure(ctx context.Context, s state.State) (*Result, error) {
	preset, err := Preset(s)
	if err != nil {
		return nil, err
	}
	return c.Count(ctx, preset)
}

// Count runs one count. A negative preset counts for -preset seconds; a
// positive preset counts until that many monitor counts accumulate. The
// call blocks until the scaler stops or ctx is cancelled, in which case the
// count is aborted and the cancellation cause returned.
func (c *Counter) Count(ctx context.Context, preset float64) (*Result, error) {
	if preset == 0 {
		return nil, fmt.Errorf("%w: zero preset", ErrBadPreset)
	}
	mode := config.GatingMonitor
	if preset < 0 {
		mode = config.GatingTime
	}
	started := c.Clock.Now()

	if err := c.call(ctx, "reset", func(ctx context.Context) error { return c.scaler.Reset(ctx) }); err != nil {
		return nil, err
	}
	err := c.call(ctx, "count", func(ctx context.Context) error {
		if preset < 0 {
			return c.scaler.CountForTime(ctx, -preset)
		}
		return c.scaler.CountForMonitor(ctx, preset)
	})
	if err != nil {
		return nil, err
	}

	for {
		var counting bool
		err := c.call(ctx, "is-counting", func(ctx context.Context) (err error) {
			counting, err = c.scaler.IsCounting(ctx)
			return err
		})
		if err != nil {
			c.abort(ctx)
			return nil, err
		}
		if !counting {
			break
		}
		if err := timeutil.SleepContext(ctx, c.Clock, c.pollInterval()); err != nil {
			c.abort(ctx)
			return nil, err
		}
	}

	var counts Counts
	if err := c.call(ctx, "read counts", func(ctx context.Context) (err error) {
		counts, err = c.scaler.Counts(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	res := &Result{CountTime: counts.CountTime, Monitor: counts.Monitor, Counts: counts.Counts}

	var elapsed float64
	var tracked bool
	if err := c.call(ctx, "read elapsed", func(ctx context.Context) (err error) {
		elapsed, tracked, err = c.scaler.Elapsed(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if tracked {
		res.Elapsed = &elapsed
	}

	if ir, ok := c.scaler.(ImageReader); ok {
		if err := c.call(ctx, "read image", func(ctx context.Context) (err error) {
			res.Image, err = ir.Image(ctx)
			return err
		}); err != nil {
			return nil, err
		}
	}

	c.Recorder.ObserveCount(mode, c.Clock.Since(started))
	return res, nil
}

func (c *Counter) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return 100 * time.Millisecond
	}
	return c.PollInterval
}

// abort stops a count in progress even when ctx is already cancelled.
func (c *Counter) abort(ctx context.Context) {
	if err := c.scaler.AbortCount(context.WithoutCancel(ctx)); err != nil {
		monitoring.Logf("[counting] abort count failed: %v", err)
	}
}

func (c *Counter) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if err := fn(ctx); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return &motion.HardwareError{Op: "scaler " + op, Err: err}
	}
	return nil
}
