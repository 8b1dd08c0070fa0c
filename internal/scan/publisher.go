package scan

import (
	"context"

	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/state"
)

// Publisher consumes scan lifecycle events. A failing publisher is logged
// and does not stop the scan.
type Publisher interface {
	PublishStart(ctx context.Context, st state.State, def *Definition) error
	PublishDatapoint(ctx context.Context, st state.State, def *Definition) error
	PublishEnd(ctx context.Context, st state.State, def *Definition) error
}

// Publishers fans one event out to a list of publishers.
type Publishers []Publisher

// Start calls PublishStart on every publisher.
func (ps Publishers) Start(ctx context.Context, st state.State, def *Definition) {
	ps.each("start", func(p Publisher) error { return p.PublishStart(ctx, st.Clone(), def) })
}

// Datapoint calls PublishDatapoint on every publisher.
func (ps Publishers) Datapoint(ctx context.Context, st state.State, def *Definition) {
	ps.each("datapoint", func(p Publisher) error { return p.PublishDatapoint(ctx, st.Clone(), def) })
}

// End calls PublishEnd on every publisher.
func (ps Publishers) End(ctx context.Context, st state.State, def *Definition) {
	ps.each("end", func(p Publisher) error { return p.PublishEnd(ctx, st.Clone(), def) })
}

func (ps Publishers) each(event string, fn func(Publisher) error) {
	for _, p := range ps {
		if err := fn(p); err != nil {
			monitoring.Logf("[scan] publisher %T %s: %v", p, event, err)
		}
	}
}

// FuncPublisher adapts closures to Publisher. Nil fields are skipped.
type FuncPublisher struct {
	Start     func(ctx context.Context, st state.State, def *Definition) error
	Datapoint func(ctx context.Context, st state.State, def *Definition) error
	End       func(ctx context.Context, st state.State, def *Definition) error
}

func (f FuncPublisher) PublishStart(ctx context.Context, st state.State, def *Definition) error {
	if f.Start == nil {
		return nil
	}
	return f.Start(ctx, st, def)
}

func (f FuncPublisher) PublishDatapoint(ctx context.Context, st state.State, def *Definition) error {
	if f.Datapoint == nil {
		return nil
	}
	return f.Datapoint(ctx, st, def)
}

func (f FuncPublisher) PublishEnd(ctx context.Context, st state.State, def *Definition) error {
	if f.End == nil {
		return nil
	}
	return f.End(ctx, st, def)
}
