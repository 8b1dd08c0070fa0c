package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownMotor is returned for a motor number with no calibration record.
var ErrUnknownMotor = errors.New("unknown motor")

// Store holds the live calibration table and instrument metadata. All
// accessors are keyed by 1-based motor number and are safe for concurrent use.
//
// The soft position of a motor is never stored: it is always derived as
// hard position minus offset, so the two can not drift apart.
type Store struct {
	mu     sync.RWMutex
	cfg    InstrumentConfig
	motors map[int]*MotorConfig
}

// NewStore copies cfg into a new Store.
func NewStore(cfg *InstrumentConfig) *Store {
	s := &Store{motors: make(map[int]*MotorConfig)}
	if cfg == nil {
		cfg = &InstrumentConfig{}
	}
	s.cfg = *cfg
	s.cfg.Collimation = append([]float64(nil), cfg.Collimation...)
	s.cfg.Motors = nil
	for _, m := range cfg.Motors {
		mc := m
		s.motors[m.Number] = &mc
	}
	return s
}

func (s *Store) motor(m int) (*MotorConfig, error) {
	mc, ok := s.motors[m]
	if !ok {
		return nil, fmt.Errorf("motor %d: %w", m, ErrUnknownMotor)
	}
	return mc, nil
}

func (s *Store) read(m int, f func(*MotorConfig) float64) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mc, err := s.motor(m)
	if err != nil {
		return 0, err
	}
	return f(mc), nil
}

func (s *Store) write(m int, f func(*MotorConfig)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mc, err := s.motor(m)
	if err != nil {
		return err
	}
	f(mc)
	return nil
}

// MotorNumbers returns the configured motor numbers in ascending order.
func (s *Store) MotorNumbers() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.motors))
	for n := range s.motors {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// MotorCount returns the number of configured motors.
func (s *Store) MotorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.motors)
}

func (s *Store) SoftOffset(m int) (float64, error) {
	return s.read(m, func(mc *MotorConfig) float64 { return mc.Offset })
}

func (s *Store) SetSoftOffset(m int, v float64) error {
	return s.write(m, func(mc *MotorConfig) { mc.Offset = v })
}

func (s *Store) HardPosition(m int) (float64, error) {
	return s.read(m, func(mc *MotorConfig) float64 { return mc.HardPosition })
}

// SetHardPosition records the hardware position of m. The offset is kept, so
// the soft position moves with it.
func (s *Store) SetHardPosition(m int, v float64) error {
	return s.write(m, func(mc *MotorConfig) { mc.HardPosition = v })
}

// SoftPosition returns hard position minus offset.
func (s *Store) SoftPosition(m int) (float64, error) {
	return s.read(m, func(mc *MotorConfig) float64 { return mc.HardPosition - mc.Offset })
}

// SetSoftPosition redefines the current soft position of m by adjusting its
// offset; the hardware position is untouched.
func (s *Store) SetSoftPosition(m int, soft float64) error {
	return s.write(m, func(mc *MotorConfig) { mc.Offset = mc.HardPosition - soft })
}

func (s *Store) Backlash(m int) (float64, error) {
	return s.read(m, func(mc *MotorConfig) float64 { return mc.Backlash })
}

func (s *Store) Tolerance(m int) (float64, error) {
	return s.read(m, func(mc *MotorConfig) float64 { return mc.Tolerance })
}

func (s *Store) UpperLimit(m int) (float64, error) {
	return s.read(m, func(mc *MotorConfig) float64 { return mc.UpperLimit })
}

func (s *Store) LowerLimit(m int) (float64, error) {
	return s.read(m, func(mc *MotorConfig) float64 { return mc.LowerLimit })
}

// Tolerances returns the tolerance of every motor keyed by number.
func (s *Store) Tolerances() map[int]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]float64, len(s.motors))
	for n, mc := range s.motors {
		out[n] = mc.Tolerance
	}
	return out
}

// Wavelength returns the configured neutron wavelength.
func (s *Store) Wavelength() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Wavelength
}

// Collimation returns a copy of the collimation settings.
func (s *Store) Collimation() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]float64(nil), s.cfg.Collimation...)
}

// Scaler returns the scaler defaults.
func (s *Store) Scaler() ScalerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Scaler
}

// Motion returns the motion defaults.
func (s *Store) Motion() MotionConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Motion
}

// ApplyCalibration takes backlash, tolerance and limits from cfg for every
// motor known to both. Offsets and positions are live values and are kept.
// Motors present only in cfg are ignored.
func (s *Store) ApplyCalibration(cfg *InstrumentConfig) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range cfg.Motors {
		mc, ok := s.motors[m.Number]
		if !ok {
			continue
		}
		mc.Backlash = m.Backlash
		mc.Tolerance = m.Tolerance
		mc.LowerLimit = m.LowerLimit
		mc.UpperLimit = m.UpperLimit
		if m.Name != "" {
			mc.Name = m.Name
		}
		n++
	}
	s.cfg.Scaler = cfg.Scaler
	s.cfg.Motion = cfg.Motion
	return n
}

// Snapshot returns a deep copy of the current configuration, suitable for
// SaveInstrumentConfig.
func (s *Store) Snapshot() *InstrumentConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.cfg
	out.Collimation = append([]float64(nil), s.cfg.Collimation...)
	nums := make([]int, 0, len(s.motors))
	for n := range s.motors {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	out.Motors = make([]MotorConfig, 0, len(nums))
	for _, n := range nums {
		out.Motors = append(out.Motors, *s.motors[n])
	}
	return &out
}
