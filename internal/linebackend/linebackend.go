// Package linebackend drives a motion-controller daemon that speaks a line
// protocol: one request line, one reply line. Replies are "OK [value...]"
// or "ERR message". Lines starting with "#" are unsolicited events.
//
// Requests:
//
//	ENABLE n | DISABLE n | MOVE n hard | STOP n | SETPOS n hard
//	POS? n | MOVING? n | LIMIT? n
//	RESET | COUNT TIME s | COUNT MON m | COUNTING? | ABORT
//	COUNTS? -> OK time monitor counts
//	ELAPSED? -> OK seconds, or OK - when not tracked
package linebackend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ncnr/pyrecs/internal/counting"
	"github.com/ncnr/pyrecs/internal/motion"
)

// ErrMalformedReply is returned for replies that are neither OK nor ERR, or
// whose values do not parse.
var ErrMalformedReply = errors.New("malformed reply")

// Querier sends one request line and returns the reply line.
// *serialmux.SerialMux implements it.
type Querier interface {
	Query(ctx context.Context, command string) (string, error)
}

// DeviceError is an ERR reply.
type DeviceError struct {
	Command string
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: device error: %s", e.Command, e.Message)
}

// Client is a motion.Backend and counting.Scaler over a Querier.
type Client struct {
	q Querier
}

func New(q Querier) *Client {
	return &Client{q: q}
}

// do sends a request and returns the fields after OK.
func (c *Client) do(ctx context.Context, format string, args ...any) ([]string, error) {
	command := fmt.Sprintf(format, args...)
	reply, err := c.q.Query(ctx, command)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(reply)
	switch {
	case len(fields) > 0 && fields[0] == "OK":
		return fields[1:], nil
	case len(fields) > 0 && fields[0] == "ERR":
		return nil, &DeviceError{Command: command, Message: strings.Join(fields[1:], " ")}
	default:
		return nil, fmt.Errorf("%s: %w %q", command, ErrMalformedReply, reply)
	}
}

func (c *Client) float(ctx context.Context, format string, args ...any) (float64, error) {
	vals, err := c.do(ctx, format, args...)
	if err != nil {
		return 0, err
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("%s: %w: want one value, got %d", fmt.Sprintf(format, args...), ErrMalformedReply, len(vals))
	}
	v, err := strconv.ParseFloat(vals[0], 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %v", fmt.Sprintf(format, args...), ErrMalformedReply, err)
	}
	return v, nil
}

func (c *Client) flag(ctx context.Context, format string, args ...any) (bool, error) {
	v, err := c.float(ctx, format, args...)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (c *Client) exec(ctx context.Context, format string, args ...any) error {
	_, err := c.do(ctx, format, args...)
	return err
}

func formatPos(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (c *Client) Enable(ctx context.Context, motor int) error {
	return c.exec(ctx, "ENABLE %d", motor)
}

func (c *Client) Disable(ctx context.Context, motor int) error {
	return c.exec(ctx, "DISABLE %d", motor)
}

func (c *Client) MoveTo(ctx context.Context, motor int, hard float64) error {
	return c.exec(ctx, "MOVE %d %s", motor, formatPos(hard))
}

func (c *Client) Stop(ctx context.Context, motor int) error {
	return c.exec(ctx, "STOP %d", motor)
}

func (c *Client) Position(ctx context.Context, motor int) (float64, error) {
	return c.float(ctx, "POS? %d", motor)
}

func (c *Client) IsMoving(ctx context.Context, motor int) (bool, error) {
	return c.flag(ctx, "MOVING? %d", motor)
}

func (c *Client) AtHardwareLimit(ctx context.Context, motor int) (bool, error) {
	return c.flag(ctx, "LIMIT? %d", motor)
}

// SetPosition redefines the controller's position register without moving.
func (c *Client) SetPosition(ctx context.Context, motor int, hard float64) error {
	return c.exec(ctx, "SETPOS %d %s", motor, formatPos(hard))
}

func (c *Client) Reset(ctx context.Context) error {
	return c.exec(ctx, "RESET")
}

func (c *Client) CountForTime(ctx context.Context, seconds float64) error {
	return c.exec(ctx, "COUNT TIME %s", formatPos(seconds))
}

func (c *Client) CountForMonitor(ctx context.Context, monitor float64) error {
	return c.exec(ctx, "COUNT MON %s", formatPos(monitor))
}

func (c *Client) IsCounting(ctx context.Context) (bool, error) {
	return c.flag(ctx, "COUNTING?")
}

func (c *Client) AbortCount(ctx context.Context) error {
	return c.exec(ctx, "ABORT")
}

func (c *Client) Counts(ctx context.Context) (counting.Counts, error) {
	vals, err := c.do(ctx, "COUNTS?")
	if err != nil {
		return counting.Counts{}, err
	}
	if len(vals) != 3 {
		return counting.Counts{}, fmt.Errorf("COUNTS?: %w: want 3 values, got %d", ErrMalformedReply, len(vals))
	}
	var out [3]float64
	for i, s := range vals {
		if out[i], err = strconv.ParseFloat(s, 64); err != nil {
			return counting.Counts{}, fmt.Errorf("COUNTS?: %w: %v", ErrMalformedReply, err)
		}
	}
	return counting.Counts{CountTime: out[0], Monitor: out[1], Counts: out[2]}, nil
}

func (c *Client) Elapsed(ctx context.Context) (float64, bool, error) {
	vals, err := c.do(ctx, "ELAPSED?")
	if err != nil {
		return 0, false, err
	}
	if len(vals) == 1 && vals[0] == "-" {
		return 0, false, nil
	}
	if len(vals) != 1 {
		return 0, false, fmt.Errorf("ELAPSED?: %w: want one value, got %d", ErrMalformedReply, len(vals))
	}
	v, err := strconv.ParseFloat(vals[0], 64)
	if err != nil {
		return 0, false, fmt.Errorf("ELAPSED?: %w: %v", ErrMalformedReply, err)
	}
	return v, true, nil
}

var (
	_ motion.Backend        = (*Client)(nil)
	_ motion.PositionSetter = (*Client)(nil)
	_ counting.Scaler       = (*Client)(nil)
)
