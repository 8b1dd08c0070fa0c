package scan

import (
	"errors"
	"fmt"

	"github.com/ncnr/pyrecs/internal/expr"
	"github.com/ncnr/pyrecs/internal/state"
)

// Scan type tags carried in the end-of-scan state.
const (
	TypeScan     = "SCAN"
	TypeFindPeak = "FP"
	TypeRapid    = "RAPID"
)

// IndexVar is bound to the 0-based iteration index in every expression.
const IndexVar = "i"

// Var is one entry of an ordered mapping.
type Var struct {
	Name string `json:"name"`
	Expr string `json:"expr"`
}

// Entry is one entry of an ordered key/value mapping.
type Entry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Definition describes one scan. It must not change while the scan runs.
type Definition struct {
	Iterations int     `json:"iterations"`
	Vary       []Var   `json:"vary"`
	InitState  []Entry `json:"init_state,omitempty"`
	Filename   string  `json:"filename,omitempty"`
	Comment    string  `json:"comment,omitempty"`
	Namestr    string  `json:"namestr,omitempty"`
	// Type tags the scan for publishers; empty means TypeScan.
	Type string `json:"type,omitempty"`
}

// ScanType returns the tag of the scan.
func (d *Definition) ScanType() string {
	if d.Type == "" {
		return TypeScan
	}
	return d.Type
}

// VaryNames returns the varied names in evaluation order.
func (d *Definition) VaryNames() []string {
	names := make([]string, len(d.Vary))
	for i, v := range d.Vary {
		names[i] = v.Name
	}
	return names
}

// Init returns InitState as a State.
func (d *Definition) Init() state.State {
	if len(d.InitState) == 0 {
		return nil
	}
	s := make(state.State, len(d.InitState))
	for _, e := range d.InitState {
		s[e.Key] = e.Value
	}
	return s
}

// Validate checks the definition and compiles its expressions. An
// expression may only reference names bound when it runs; that is checked
// during the scan, since the state is captured at start.
func (d *Definition) Validate() error {
	_, err := d.compile()
	return err
}

func (d *Definition) compile() ([]*expr.Expr, error) {
	if d.Iterations < 0 {
		return nil, fmt.Errorf("iterations must be non-negative, got %d", d.Iterations)
	}
	seen := make(map[string]bool, len(d.Vary))
	out := make([]*expr.Expr, len(d.Vary))
	var errs []error
	for i, v := range d.Vary {
		if v.Name == "" {
			errs = append(errs, fmt.Errorf("vary[%d]: empty name", i))
			continue
		}
		if v.Name == IndexVar {
			errs = append(errs, fmt.Errorf("vary[%d]: %q is reserved for the iteration index", i, IndexVar))
			continue
		}
		if seen[v.Name] {
			errs = append(errs, fmt.Errorf("vary[%d]: %q varied twice", i, v.Name))
			continue
		}
		seen[v.Name] = true
		e, err := expr.Parse(v.Expr)
		if err != nil {
			errs = append(errs, fmt.Errorf("vary %s: %w", v.Name, err))
			continue
		}
		out[i] = e
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
