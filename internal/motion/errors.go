package motion

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCallTimeout is the cause recorded when a backend call exceeds
// Coordinator.CallTimeout.
var ErrCallTimeout = errors.New("hardware call timed out")

// LimitError reports a target outside the motor's configured hard limits.
// The motor is dropped from the move; other motors still move.
type LimitError struct {
	Motor        int
	Target       float64 // soft
	Hard         float64
	Lower, Upper float64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("motor %d: target %g (hard %g) outside limits [%g, %g]",
		e.Motor, e.Target, e.Hard, e.Lower, e.Upper)
}

// Miss is one motor left outside tolerance.
type Miss struct {
	Motor     int     `json:"motor"`
	Target    float64 `json:"target"`
	Actual    float64 `json:"actual"`
	Tolerance float64 `json:"tolerance"`
}

// ToleranceError lists the motors that were still outside tolerance after
// the retry budget was spent. Positions are soft.
type ToleranceError struct {
	Misses []Miss
}

func (e *ToleranceError) Error() string {
	parts := make([]string, len(e.Misses))
	for i, m := range e.Misses {
		parts[i] = fmt.Sprintf("a%d target %g actual %g", m.Motor, m.Target, m.Actual)
	}
	return "motors not in tolerance: " + strings.Join(parts, "; ")
}

// MismatchError rejects a move request before any hardware is commanded.
type MismatchError struct {
	Motors  int
	Targets int
	Reason  string
}

func (e *MismatchError) Error() string {
	if e.Reason != "" {
		return "invalid move request: " + e.Reason
	}
	return fmt.Sprintf("invalid move request: %d motors but %d targets", e.Motors, e.Targets)
}

// HardwareError wraps a failed backend call.
type HardwareError struct {
	Op    string
	Motor int
	Err   error
}

func (e *HardwareError) Error() string {
	if e.Motor > 0 {
		return fmt.Sprintf("%s motor %d: %v", e.Op, e.Motor, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }

// IsRecoverable reports whether err consists only of limit and tolerance
// problems, which leave the instrument usable. Hardware failures, request
// mismatches and cancellations are not recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs := joined.Unwrap()
		if len(errs) == 0 {
			return false
		}
		for _, e := range errs {
			if !IsRecoverable(e) {
				return false
			}
		}
		return true
	}
	var le *LimitError
	var te *ToleranceError
	return errors.As(err, &le) || errors.As(err, &te)
}
