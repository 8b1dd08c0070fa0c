package motion

import (
	"context"
	"fmt"
)

// PositionSetter is implemented by backends that can redefine a motor's
// hardware position without moving it.
type PositionSetter interface {
	SetPosition(ctx context.Context, motor int, hard float64) error
}

// SetHardPosition declares that a motor is at hard position hard. The
// backend is told when it supports it. The offset is kept, so the soft
// position shifts by the same amount.
func (c *Coordinator) SetHardPosition(ctx context.Context, motor int, hard float64) error {
	if _, err := c.calib.SoftOffset(motor); err != nil {
		return err
	}
	if ps, ok := c.backend.(PositionSetter); ok {
		if err := c.call(ctx, "set position", motor, func(ctx context.Context) error {
			return ps.SetPosition(ctx, motor, hard)
		}); err != nil {
			return err
		}
	}
	return c.calib.SetHardPosition(motor, hard)
}

// SetSoftPosition declares that a motor's current position is soft. Only the
// offset changes; the hardware position is read fresh and kept.
func (c *Coordinator) SetSoftPosition(ctx context.Context, motor int, soft float64) error {
	hard, err := c.position(ctx, motor)
	if err != nil {
		return err
	}
	if err := c.calib.SetSoftOffset(motor, hard-soft); err != nil {
		return fmt.Errorf("set offset of motor %d: %w", motor, err)
	}
	return nil
}
