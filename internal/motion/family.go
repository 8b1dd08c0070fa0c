package motion

import (
	"context"
	"fmt"

	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/state"
)

// Family exposes motors as the "motor" device family: state keys a1..aN
// hold soft positions and updating them drives the motors together.
type Family struct {
	coord   *Coordinator
	motors  []int
	names   []string
	Options Options
}

// NewFamily returns the motor family for the given motor numbers.
func NewFamily(c *Coordinator, motors []int) *Family {
	names := make([]string, len(motors))
	for i, m := range motors {
		names[i] = state.MotorKey(m)
	}
	return &Family{coord: c, motors: append([]int(nil), motors...), names: names, Options: DefaultOptions}
}

func (f *Family) Kind() string    { return "motor" }
func (f *Family) Names() []string { return f.names }

// Update drives the named motors. Limit and tolerance problems are logged
// and swallowed so a scan can continue past an unreachable point; hardware
// failures and cancellation are returned.
func (f *Family) Update(ctx context.Context, names []string, values []any) error {
	if len(names) != len(values) {
		return &MismatchError{Motors: len(names), Targets: len(values)}
	}
	motors := make([]int, len(names))
	positions := make([]float64, len(values))
	for i, name := range names {
		m, ok := state.ParseMotorKey(name)
		if !ok {
			return &MismatchError{Reason: fmt.Sprintf("%q is not a motor", name)}
		}
		v, ok := state.ToFloat(values[i])
		if !ok {
			return &MismatchError{Reason: fmt.Sprintf("%s: %v is not a number", name, values[i])}
		}
		motors[i] = m
		positions[i] = v
	}

	err := f.coord.DriveMulti(ctx, motors, positions, f.Options)
	if IsRecoverable(err) {
		monitoring.Logf("[motion] %v", err)
		return nil
	}
	return err
}

// Get returns the soft position of a motor.
func (f *Family) Get(ctx context.Context, name string, poll bool) (any, error) {
	m, ok := state.ParseMotorKey(name)
	if !ok {
		return nil, fmt.Errorf("%q is not a motor", name)
	}
	return f.coord.SoftPosition(ctx, m, poll)
}
