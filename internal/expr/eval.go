package expr

import (
	"fmt"
	"math"
	"sort"
)

type node interface {
	eval(env Env) (float64, error)
}

type numNode float64

func (n numNode) eval(Env) (float64, error) { return float64(n), nil }

type varNode string

func (n varNode) eval(env Env) (float64, error) {
	v, ok := env.Lookup(string(n))
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUndefined, string(n))
	}
	return v, nil
}

type unaryNode struct {
	op string
	x  node
}

func (n unaryNode) eval(env Env) (float64, error) {
	x, err := n.x.eval(env)
	if err != nil {
		return 0, err
	}
	if n.op == "-" {
		return -x, nil
	}
	return x, nil
}

type binaryNode struct {
	op   string
	x, y node
}

func (n binaryNode) eval(env Env) (float64, error) {
	x, err := n.x.eval(env)
	if err != nil {
		return 0, err
	}
	y, err := n.y.eval(env)
	if err != nil {
		return 0, err
	}
	switch n.op {
	case "+":
		return x + y, nil
	case "-":
		return x - y, nil
	case "*":
		return x * y, nil
	case "/":
		if y == 0 {
			return 0, fmt.Errorf("%w: division by zero", ErrDomain)
		}
		return x / y, nil
	case "//":
		if y == 0 {
			return 0, fmt.Errorf("%w: division by zero", ErrDomain)
		}
		return math.Floor(x / y), nil
	case "%":
		if y == 0 {
			return 0, fmt.Errorf("%w: modulo by zero", ErrDomain)
		}
		// sign follows the divisor
		m := math.Mod(x, y)
		if m != 0 && (m < 0) != (y < 0) {
			m += y
		}
		return m, nil
	case "**":
		if x == 0 && y < 0 {
			return 0, fmt.Errorf("%w: zero to a negative power", ErrDomain)
		}
		r := math.Pow(x, y)
		if math.IsNaN(r) && !math.IsNaN(x) && !math.IsNaN(y) {
			return 0, fmt.Errorf("%w: %g ** %g", ErrDomain, x, y)
		}
		return r, nil
	}
	return 0, fmt.Errorf("unknown operator %q", n.op)
}

type callNode struct {
	name string
	fn   function
	args []node
}

func (n callNode) eval(env Env) (float64, error) {
	args := make([]float64, len(n.args))
	anyNaN := false
	for i, a := range n.args {
		v, err := a.eval(env)
		if err != nil {
			return 0, err
		}
		args[i] = v
		anyNaN = anyNaN || math.IsNaN(v)
	}
	r := n.fn.call(args)
	if math.IsNaN(r) && !anyNaN {
		return 0, fmt.Errorf("%w: %s%v", ErrDomain, n.name, args)
	}
	return r, nil
}

type function struct {
	minArgs, maxArgs int // maxArgs < 0 means variadic
	call             func(args []float64) float64
}

func (f function) arity() string {
	switch {
	case f.maxArgs < 0:
		return fmt.Sprintf("at least %d arguments", f.minArgs)
	case f.minArgs == f.maxArgs && f.minArgs == 1:
		return "1 argument"
	case f.minArgs == f.maxArgs:
		return fmt.Sprintf("%d arguments", f.minArgs)
	}
	return fmt.Sprintf("%d to %d arguments", f.minArgs, f.maxArgs)
}

func unary(f func(float64) float64) function {
	return function{1, 1, func(a []float64) float64 { return f(a[0]) }}
}

func binary(f func(float64, float64) float64) function {
	return function{2, 2, func(a []float64) float64 { return f(a[0], a[1]) }}
}

// functions is the complete set callable from an expression.
var functions = map[string]function{
	"sin":   unary(math.Sin),
	"cos":   unary(math.Cos),
	"tan":   unary(math.Tan),
	"asin":  unary(math.Asin),
	"acos":  unary(math.Acos),
	"atan":  unary(math.Atan),
	"sinh":  unary(math.Sinh),
	"cosh":  unary(math.Cosh),
	"tanh":  unary(math.Tanh),
	"sqrt":  unary(math.Sqrt),
	"exp":   unary(math.Exp),
	"log10": unary(math.Log10),
	"log2":  unary(math.Log2),
	"abs":   unary(math.Abs),
	"fabs":  unary(math.Abs),
	"floor": unary(math.Floor),
	"ceil":  unary(math.Ceil),
	"round": unary(math.RoundToEven),
	"trunc": unary(math.Trunc),
	"degrees": unary(func(x float64) float64 {
		return x * 180 / math.Pi
	}),
	"radians": unary(func(x float64) float64 {
		return x * math.Pi / 180
	}),
	"atan2": binary(math.Atan2),
	"pow":   binary(math.Pow),
	"hypot": binary(math.Hypot),
	"fmod":  binary(math.Mod),
	"log": {1, 2, func(a []float64) float64 {
		if len(a) == 2 {
			return math.Log(a[0]) / math.Log(a[1])
		}
		return math.Log(a[0])
	}},
	"min": {1, -1, func(a []float64) float64 {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Min(m, v)
		}
		return m
	}},
	"max": {1, -1, func(a []float64) float64 {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Max(m, v)
		}
		return m
	}},
}

// Functions returns the names callable from an expression, sorted.
func Functions() []string {
	out := make([]string, 0, len(functions))
	for name := range functions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
