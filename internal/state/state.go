// Package state holds the process-wide snapshot of instrument configuration
// and routes updates for device-backed keys through registered device
// families.
package state

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Well-known keys.
const (
	KeyResult        = "result"
	KeyTimestamp     = "timestamp"
	KeyProjectPath   = "project_path"
	KeyGatingMode    = "scaler_gating_mode"
	KeyTimePreset    = "scaler_time_preset"
	KeyMonitorPreset = "scaler_monitor_preset"
	KeyPrefactor     = "scaler_prefactor"
	KeyScanType      = "scan_type"
	KeyFit           = "fit"
)

// MotorKey returns the state key holding the soft position of motor n.
func MotorKey(n int) string {
	return fmt.Sprintf("a%d", n)
}

// ParseMotorKey is the inverse of MotorKey.
func ParseMotorKey(key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, "a")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// State maps keys to heterogeneous values: numbers, strings and nested
// results.
type State map[string]any

// Cloner is implemented by values that need a deep copy when a State is
// cloned.
type Cloner interface {
	Clone() any
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies the container types a State may hold. Other values
// are returned unchanged.
func CloneValue(v any) any {
	switch x := v.(type) {
	case State:
		return x.Clone()
	case map[string]any:
		return map[string]any(State(x).Clone())
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = CloneValue(e)
		}
		return out
	case []float64:
		return append([]float64(nil), x...)
	case []int:
		return append([]int(nil), x...)
	case []string:
		return append([]string(nil), x...)
	case Cloner:
		return x.Clone()
	default:
		return v
	}
}

// Float returns the value at key as a float64 when it holds a number.
func (s State) Float(key string) (float64, bool) {
	return ToFloat(s[key])
}

// String returns the value at key when it holds a string.
func (s State) String(key string) (string, bool) {
	v, ok := s[key].(string)
	return v, ok
}

// Numbers returns every numeric entry of s.
func (s State) Numbers() map[string]float64 {
	out := make(map[string]float64, len(s))
	for k, v := range s {
		if f, ok := ToFloat(v); ok {
			out[k] = f
		}
	}
	return out
}

// Keys returns the keys of s in sorted order.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToFloat converts the numeric kinds found in a State to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
