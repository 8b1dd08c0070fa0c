package state

import (
	"context"
	"errors"
)

// ErrNotReadable is returned by Get on a family that has no getter.
var ErrNotReadable = errors.New("device family has no getter")

// DeviceFamily is one addressable group of devices (motors, temperature
// controllers, magnets, power supplies). Update receives every key of one
// UpdateState call that belongs to the family, so a family can move its
// devices together.
type DeviceFamily interface {
	Kind() string
	Names() []string
	Update(ctx context.Context, names []string, values []any) error
}

// Getter is implemented by families whose devices can be read back. With
// poll set the device is read live; otherwise a cached value may be served.
type Getter interface {
	Get(ctx context.Context, name string, poll bool) (any, error)
}

// FuncFamily builds a DeviceFamily from closures.
type FuncFamily struct {
	Name    string
	Members []string
	Updater func(ctx context.Context, names []string, values []any) error
	Getter  func(ctx context.Context, name string, poll bool) (any, error)
}

func (f *FuncFamily) Kind() string    { return f.Name }
func (f *FuncFamily) Names() []string { return f.Members }

func (f *FuncFamily) Update(ctx context.Context, names []string, values []any) error {
	if f.Updater == nil {
		return nil
	}
	return f.Updater(ctx, names, values)
}

func (f *FuncFamily) Get(ctx context.Context, name string, poll bool) (any, error) {
	if f.Getter == nil {
		return nil, ErrNotReadable
	}
	return f.Getter(ctx, name, poll)
}
