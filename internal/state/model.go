package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNameCollision is returned when a family claims a name that another
// registered family already owns.
var ErrNameCollision = errors.New("device name already registered")

// UpdateError reports a failed UpdateState. Families are applied in
// registration order; Applied lists the families that completed before the
// failing one. Plain (non-device) keys of the failed call are not merged.
type UpdateError struct {
	Family  string
	Applied []string
	Err     error
}

func (e *UpdateError) Error() string {
	if len(e.Applied) == 0 {
		return fmt.Sprintf("update %s: %v", e.Family, e.Err)
	}
	return fmt.Sprintf("update %s (after %s): %v", e.Family, strings.Join(e.Applied, ", "), e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// Model is the cached instrument state plus the device registry. Reads are
// served from the cache unless polled. UpdateState calls are serialised; the
// cache itself may be read concurrently (e.g. for status display) while an
// update is moving hardware.
type Model struct {
	updateMu sync.Mutex

	mu       sync.RWMutex
	cache    State
	families []DeviceFamily
	owner    map[string]DeviceFamily
}

// NewModel creates a Model seeded with a copy of initial.
func NewModel(initial State) *Model {
	cache := initial.Clone()
	if cache == nil {
		cache = make(State)
	}
	return &Model{
		cache: cache,
		owner: make(map[string]DeviceFamily),
	}
}

// Register adds a device family. Names must not overlap with any family
// already registered.
func (m *Model) Register(f DeviceFamily) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range f.Names() {
		if prev, ok := m.owner[name]; ok {
			return fmt.Errorf("%s claims %q owned by %s: %w", f.Kind(), name, prev.Kind(), ErrNameCollision)
		}
	}
	for _, name := range f.Names() {
		m.owner[name] = f
	}
	m.families = append(m.families, f)
	return nil
}

// Families returns the registered family kinds in registration order.
func (m *Model) Families() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.families))
	for i, f := range m.families {
		out[i] = f.Kind()
	}
	return out
}

// Owner returns the family that owns name.
func (m *Model) Owner(name string) (DeviceFamily, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.owner[name]
	return f, ok
}

// Snapshot returns a deep copy of the cache without touching hardware.
func (m *Model) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache.Clone()
}

// Get returns one key. A device-backed key with poll set is read live and
// the cache refreshed.
func (m *Model) Get(ctx context.Context, key string, poll bool) (any, error) {
	if poll {
		if f, ok := m.Owner(key); ok {
			if g, ok := f.(Getter); ok {
				v, err := g.Get(ctx, key, true)
				switch {
				case err == nil:
					m.set(key, v)
					return CloneValue(v), nil
				case !errors.Is(err, ErrNotReadable):
					return nil, fmt.Errorf("read %s: %w", key, err)
				}
			}
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return CloneValue(m.cache[key]), nil
}

// GetState returns a full snapshot. With poll set every readable device is
// read live first and the cache refreshed with the results.
func (m *Model) GetState(ctx context.Context, poll bool) (State, error) {
	if poll {
		m.mu.RLock()
		families := append([]DeviceFamily(nil), m.families...)
		m.mu.RUnlock()

	nextFamily:
		for _, f := range families {
			g, ok := f.(Getter)
			if !ok {
				continue
			}
			for _, name := range f.Names() {
				if err := ctx.Err(); err != nil {
					return nil, context.Cause(ctx)
				}
				v, err := g.Get(ctx, name, true)
				if errors.Is(err, ErrNotReadable) {
					continue nextFamily
				}
				if err != nil {
					return nil, fmt.Errorf("poll %s %s: %w", f.Kind(), name, err)
				}
				m.set(name, v)
			}
		}
	}
	return m.Snapshot(), nil
}

// UpdateState applies partial. Keys owned by a device family are batched per
// family and passed to its updater as parallel name/value lists, in the
// order the family lists its names; families run in registration order.
// Remaining keys are merged into the cache as plain metadata once every
// family has succeeded. The full resulting state is returned.
func (m *Model) UpdateState(ctx context.Context, partial State) (State, error) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	type batch struct {
		family DeviceFamily
		names  []string
		values []any
	}

	m.mu.RLock()
	var batches []batch
	for _, f := range m.families {
		var b batch
		for _, name := range f.Names() {
			if v, ok := partial[name]; ok {
				b.names = append(b.names, name)
				b.values = append(b.values, v)
			}
		}
		if len(b.names) > 0 {
			b.family = f
			batches = append(batches, b)
		}
	}
	plain := make(State)
	for k, v := range partial {
		if _, owned := m.owner[k]; !owned {
			plain[k] = v
		}
	}
	m.mu.RUnlock()

	var applied []string
	for _, b := range batches {
		if err := b.family.Update(ctx, b.names, b.values); err != nil {
			return m.Snapshot(), &UpdateError{Family: b.family.Kind(), Applied: applied, Err: err}
		}
		if err := m.refresh(ctx, b.family, b.names, b.values); err != nil {
			return m.Snapshot(), &UpdateError{Family: b.family.Kind(), Applied: applied, Err: err}
		}
		applied = append(applied, b.family.Kind())
	}

	m.mu.Lock()
	for k, v := range plain {
		m.cache[k] = CloneValue(v)
	}
	out := m.cache.Clone()
	m.mu.Unlock()
	return out, nil
}

// refresh caches the values of an updated batch: the family's own reading
// when it has a getter, otherwise the requested values.
func (m *Model) refresh(ctx context.Context, f DeviceFamily, names []string, values []any) error {
	g, readable := f.(Getter)
	for i, name := range names {
		v := values[i]
		if readable {
			got, err := g.Get(ctx, name, false)
			switch {
			case err == nil:
				v = got
			case errors.Is(err, ErrNotReadable):
				readable = false
			default:
				return fmt.Errorf("read back %s: %w", name, err)
			}
		}
		m.set(name, v)
	}
	return nil
}

// Merge writes entries straight into the cache without routing them through
// device families. Device update callbacks use it to publish fresh readings.
func (m *Model) Merge(entries State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range entries {
		m.cache[k] = CloneValue(v)
	}
}

func (m *Model) set(key string, v any) {
	m.mu.Lock()
	m.cache[key] = CloneValue(v)
	m.mu.Unlock()
}
