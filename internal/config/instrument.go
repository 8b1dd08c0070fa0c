package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scaler gating modes.
const (
	GatingTime    = "TIME"
	GatingMonitor = "NEUT"
)

const (
	defaultRetries      = 1
	defaultPollInterval = 100 * time.Millisecond
	maxConfigFileSize   = 1 * 1024 * 1024
)

// InstrumentConfig is the instrument description: global metadata, scaler
// and motion defaults, and the per-motor calibration table.
type InstrumentConfig struct {
	Name        string        `json:"name,omitempty" yaml:"name,omitempty"`
	Wavelength  float64       `json:"wavelength" yaml:"wavelength"`
	Collimation []float64     `json:"collimation,omitempty" yaml:"collimation,omitempty"`
	Scaler      ScalerConfig  `json:"scaler" yaml:"scaler"`
	Motion      MotionConfig  `json:"motion" yaml:"motion"`
	Motors      []MotorConfig `json:"motors" yaml:"motors"`
}

// ScalerConfig holds the counting defaults seeded into the instrument state.
type ScalerConfig struct {
	GatingMode    string  `json:"gating_mode,omitempty" yaml:"gating_mode,omitempty"`
	TimePreset    float64 `json:"time_preset,omitempty" yaml:"time_preset,omitempty"`
	MonitorPreset float64 `json:"monitor_preset,omitempty" yaml:"monitor_preset,omitempty"`
	Prefactor     float64 `json:"prefactor,omitempty" yaml:"prefactor,omitempty"`
}

// MotionConfig tunes the motion coordinator. Durations are strings like "50ms".
type MotionConfig struct {
	Retries          *int   `json:"retries,omitempty" yaml:"retries,omitempty"`
	PollInterval     string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	CallTimeout      string `json:"call_timeout,omitempty" yaml:"call_timeout,omitempty"`
	DisableAfterMove bool   `json:"disable_after_move,omitempty" yaml:"disable_after_move,omitempty"`
}

// MotorConfig is the calibration record of one motor. Limits and the stored
// position are hardware coordinates; soft = hard - offset.
type MotorConfig struct {
	Number       int     `json:"number" yaml:"number"`
	Name         string  `json:"name,omitempty" yaml:"name,omitempty"`
	Offset       float64 `json:"offset" yaml:"offset"`
	Backlash     float64 `json:"backlash" yaml:"backlash"`
	Tolerance    float64 `json:"tolerance" yaml:"tolerance"`
	LowerLimit   float64 `json:"lower_limit" yaml:"lower_limit"`
	UpperLimit   float64 `json:"upper_limit" yaml:"upper_limit"`
	HardPosition float64 `json:"hard_position" yaml:"hard_position"`
}

// GetRetries returns the tolerance retry budget (default 1).
func (m MotionConfig) GetRetries() int {
	if m.Retries == nil {
		return defaultRetries
	}
	return *m.Retries
}

// GetPollInterval returns the hardware polling interval (default 100ms).
func (m MotionConfig) GetPollInterval() time.Duration {
	if m.PollInterval == "" {
		return defaultPollInterval
	}
	d, err := time.ParseDuration(m.PollInterval)
	if err != nil {
		return defaultPollInterval
	}
	return d
}

// GetCallTimeout returns the per-call hardware deadline. Zero disables it.
func (m MotionConfig) GetCallTimeout() time.Duration {
	if m.CallTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(m.CallTimeout)
	if err != nil {
		return 0
	}
	return d
}

// GetGatingMode returns the normalised gating mode (default TIME).
func (s ScalerConfig) GetGatingMode() string {
	if s.GatingMode == "" {
		return GatingTime
	}
	return strings.ToUpper(s.GatingMode)
}

// GetPrefactor returns the preset multiplier (default 1).
func (s ScalerConfig) GetPrefactor() float64 {
	if s.Prefactor == 0 {
		return 1
	}
	return s.Prefactor
}

// Validate checks the configuration for internal consistency.
func (c *InstrumentConfig) Validate() error {
	if c.Wavelength < 0 {
		return fmt.Errorf("wavelength must be non-negative, got %g", c.Wavelength)
	}
	switch c.Scaler.GetGatingMode() {
	case GatingTime, GatingMonitor:
	default:
		return fmt.Errorf("scaler gating_mode must be %s or %s, got %q", GatingTime, GatingMonitor, c.Scaler.GatingMode)
	}
	if c.Motion.Retries != nil && *c.Motion.Retries < 0 {
		return fmt.Errorf("motion retries must be non-negative, got %d", *c.Motion.Retries)
	}
	if c.Motion.PollInterval != "" {
		d, err := time.ParseDuration(c.Motion.PollInterval)
		if err != nil {
			return fmt.Errorf("invalid poll_interval %q: %w", c.Motion.PollInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("poll_interval must be positive, got %s", d)
		}
	}
	if c.Motion.CallTimeout != "" {
		if _, err := time.ParseDuration(c.Motion.CallTimeout); err != nil {
			return fmt.Errorf("invalid call_timeout %q: %w", c.Motion.CallTimeout, err)
		}
	}

	seen := make(map[int]bool, len(c.Motors))
	for _, m := range c.Motors {
		if m.Number < 1 {
			return fmt.Errorf("motor numbers are 1-based, got %d", m.Number)
		}
		if seen[m.Number] {
			return fmt.Errorf("motor %d defined twice", m.Number)
		}
		seen[m.Number] = true
		if m.Tolerance < 0 {
			return fmt.Errorf("motor %d: tolerance must be non-negative, got %g", m.Number, m.Tolerance)
		}
		if m.LowerLimit > m.UpperLimit {
			return fmt.Errorf("motor %d: lower limit %g above upper limit %g", m.Number, m.LowerLimit, m.UpperLimit)
		}
	}
	return nil
}

// LoadInstrumentConfig loads an InstrumentConfig from a .json, .yaml or .yml
// file. The file is size-checked and validated.
func LoadInstrumentConfig(path string) (*InstrumentConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &InstrumentConfig{}
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SaveInstrumentConfig writes cfg to path in the format implied by its
// extension. The file is written to a temporary sibling and renamed.
func SaveInstrumentConfig(path string, cfg *InstrumentConfig) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		return fmt.Errorf("unsupported config extension for %s", path)
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
