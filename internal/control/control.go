// Package control implements cooperative interruption of protected
// instrument operations: abort (context cancellation), suspend (a resumable
// gate) and break (graceful early end of a scan). It also enforces that at
// most one protected operation is in flight.
package control

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrAborted is the cancellation cause of an operator abort.
	ErrAborted = errors.New("operation aborted")
	// ErrBusy is returned when a protected operation is already running.
	ErrBusy = errors.New("another operation is in progress")
)

type opKey struct{}

// Status describes the protected operation currently in flight.
type Status struct {
	Running   bool      `json:"running"`
	Operation string    `json:"operation,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Suspended bool      `json:"suspended"`
	Breaking  bool      `json:"breaking"`
}

// Control is the shared interruption state of one instrument.
type Control struct {
	mu        sync.Mutex
	running   bool
	operation string
	startedAt time.Time
	cancel    context.CancelCauseFunc
	suspended bool
	breaking  bool
	changed   chan struct{}
}

// New returns an idle Control.
func New() *Control {
	return &Control{changed: make(chan struct{})}
}

// notify wakes every goroutine blocked in WaitResumed. Callers hold c.mu.
func (c *Control) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Begin starts a protected operation named op. The returned context is
// cancelled with ErrAborted by Abort, and finish must be called when the
// operation ends. If ctx already belongs to a protected operation of c, the
// call is nested: ctx is returned unchanged and finish does nothing.
func (c *Control) Begin(ctx context.Context, op string) (context.Context, func(), error) {
	if owner, ok := ctx.Value(opKey{}).(*Control); ok && owner == c {
		return ctx, func() {}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil, nil, ErrBusy
	}
	opCtx, cancel := context.WithCancelCause(context.WithValue(ctx, opKey{}, c))
	c.running = true
	c.operation = op
	c.startedAt = time.Now()
	c.cancel = cancel

	var once sync.Once
	finish := func() {
		once.Do(func() {
			c.mu.Lock()
			c.running = false
			c.operation = ""
			c.cancel = nil
			c.mu.Unlock()
			cancel(context.Canceled)
		})
	}
	return opCtx, finish, nil
}

// Protected reports whether ctx belongs to a protected operation of c.
func (c *Control) Protected(ctx context.Context) bool {
	owner, ok := ctx.Value(opKey{}).(*Control)
	return ok && owner == c
}

// Abort cancels the running operation, if any. Suspension is lifted so a
// suspended scan can unwind.
func (c *Control) Abort() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = false
	c.notify()
	if c.cancel == nil {
		return false
	}
	c.cancel(ErrAborted)
	return true
}

// SuspendToggle flips the suspend gate and returns the new state.
func (c *Control) SuspendToggle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = !c.suspended
	c.notify()
	return c.suspended
}

// Suspended reports whether the suspend gate is closed.
func (c *Control) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

// BreakScan asks the running scan to stop after the current point.
func (c *Control) BreakScan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breaking = true
	c.notify()
}

// BreakRequested reports whether a break is pending.
func (c *Control) BreakRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breaking
}

// ClearBreak resets the break flag; scans call it when they start.
func (c *Control) ClearBreak() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breaking = false
}

// WaitResumed blocks while the gate is suspended. It returns nil once the
// gate opens or a break is requested, and the cancellation cause if ctx is
// done first.
func (c *Control) WaitResumed(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		c.mu.Lock()
		if !c.suspended || c.breaking {
			c.mu.Unlock()
			return nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// Status returns the current operation status.
func (c *Control) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Running:   c.running,
		Operation: c.operation,
		Suspended: c.suspended,
		Breaking:  c.breaking,
	}
	if c.running {
		s.StartedAt = c.startedAt
	}
	return s
}

// IsAbort reports whether err is, or was caused by, an operator abort.
func IsAbort(err error) bool {
	return errors.Is(err, ErrAborted)
}
