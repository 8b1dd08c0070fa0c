// Package expr evaluates the arithmetic expressions used in scan
// definitions, e.g. "start + i*0.5" or "a3/2". The grammar is numbers,
// variables, + - * / // % ** ^, parentheses and a fixed set of math
// functions. Nothing else is reachable from an expression.
package expr

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrUndefined is returned when an expression references a name that is
	// not bound in the environment.
	ErrUndefined = errors.New("undefined name")
	// ErrDomain is returned for division by zero, out-of-domain function
	// arguments such as sqrt(-1), and results that are not finite.
	ErrDomain = errors.New("math domain error")
)

// SyntaxError reports a parse failure at a byte offset of the source.
type SyntaxError struct {
	Src string
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at %d in %q: %s", e.Pos, e.Src, e.Msg)
}

// Env resolves variable names to values.
type Env interface {
	Lookup(name string) (float64, bool)
}

// Vars is a flat Env.
type Vars map[string]float64

func (v Vars) Lookup(name string) (float64, bool) {
	x, ok := v[name]
	return x, ok
}

// Scope is an Env layered over a parent. Names set on the scope shadow the
// parent's.
type Scope struct {
	parent Env
	vars   map[string]float64
}

// NewScope returns an empty scope over parent, which may be nil.
func NewScope(parent Env) *Scope {
	return &Scope{parent: parent, vars: make(map[string]float64)}
}

// Set binds name in this scope.
func (s *Scope) Set(name string, v float64) { s.vars[name] = v }

func (s *Scope) Lookup(name string) (float64, bool) {
	if v, ok := s.vars[name]; ok {
		return v, true
	}
	if s.parent != nil {
		return s.parent.Lookup(name)
	}
	return 0, false
}

// Constants is the base namespace of every evaluation.
var Constants = Vars{
	"pi":  math.Pi,
	"e":   math.E,
	"tau": 2 * math.Pi,
	"inf": math.Inf(1),
}

// Expr is a parsed expression.
type Expr struct {
	src  string
	root node
	vars []string
}

// Parse compiles src. Unknown functions and wrong argument counts are
// reported here, before anything is evaluated.
func Parse(src string) (*Expr, error) {
	p := &parser{src: src}
	p.next()
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.err != nil {
		return nil, p.err
	}
	if p.tok.kind != tokEOF {
		return nil, p.errorf("unexpected %q", p.tok.text)
	}

	seen := make(map[string]struct{})
	collectVars(root, seen)
	vars := make([]string, 0, len(seen))
	for name := range seen {
		vars = append(vars, name)
	}
	sort.Strings(vars)

	return &Expr{src: src, root: root, vars: vars}, nil
}

// MustParse is like Parse but panics on error. It is meant for expressions
// built by the program itself.
func MustParse(src string) *Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Vars returns the variable names the expression references, sorted.
func (e *Expr) Vars() []string { return append([]string(nil), e.vars...) }

// Eval evaluates the expression. Constants are visible beneath env. A NaN
// or infinite result is an ErrDomain; intermediate infinities are allowed.
func (e *Expr) Eval(env Env) (float64, error) {
	v, err := e.root.eval(withConstants{env})
	if err != nil {
		return 0, fmt.Errorf("eval %q: %w", e.src, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("eval %q: %w: result %g", e.src, ErrDomain, v)
	}
	return v, nil
}

// Evaluate parses and evaluates src in one step.
func Evaluate(src string, env Env) (float64, error) {
	e, err := Parse(src)
	if err != nil {
		return 0, err
	}
	return e.Eval(env)
}

type withConstants struct{ env Env }

func (w withConstants) Lookup(name string) (float64, bool) {
	if w.env != nil {
		if v, ok := w.env.Lookup(name); ok {
			return v, true
		}
	}
	return Constants.Lookup(name)
}

func collectVars(n node, seen map[string]struct{}) {
	switch n := n.(type) {
	case varNode:
		seen[string(n)] = struct{}{}
	case unaryNode:
		collectVars(n.x, seen)
	case binaryNode:
		collectVars(n.x, seen)
		collectVars(n.y, seen)
	case callNode:
		for _, a := range n.args {
			collectVars(a, seen)
		}
	}
}
