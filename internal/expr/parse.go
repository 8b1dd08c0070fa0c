package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokKind
	text string
	pos  int
	num  float64
}

type parser struct {
	src string
	off int
	tok token
	err error
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Src: p.src, Pos: p.tok.pos, Msg: fmt.Sprintf(format, args...)}
}

// next advances to the following token. Lexing errors are stored in p.err
// and surface on the next parse step.
func (p *parser) next() {
	for p.off < len(p.src) && unicode.IsSpace(rune(p.src[p.off])) {
		p.off++
	}
	start := p.off
	if p.off >= len(p.src) {
		p.tok = token{kind: tokEOF, pos: start}
		return
	}

	c := p.src[p.off]
	switch {
	case isDigit(c) || (c == '.' && p.off+1 < len(p.src) && isDigit(p.src[p.off+1])):
		p.lexNumber()
		return
	case isIdentStart(c):
		for p.off < len(p.src) && isIdentPart(p.src[p.off]) {
			p.off++
		}
		p.tok = token{kind: tokIdent, text: p.src[start:p.off], pos: start}
		return
	case c == '(':
		p.off++
		p.tok = token{kind: tokLParen, text: "(", pos: start}
		return
	case c == ')':
		p.off++
		p.tok = token{kind: tokRParen, text: ")", pos: start}
		return
	case c == ',':
		p.off++
		p.tok = token{kind: tokComma, text: ",", pos: start}
		return
	}

	for _, op := range []string{"**", "//", "+", "-", "*", "/", "%", "^"} {
		if strings.HasPrefix(p.src[p.off:], op) {
			p.off += len(op)
			p.tok = token{kind: tokOp, text: op, pos: start}
			return
		}
	}
	p.tok = token{kind: tokEOF, pos: start}
	if p.err == nil {
		p.err = &SyntaxError{Src: p.src, Pos: start, Msg: fmt.Sprintf("unexpected character %q", c)}
	}
}

func (p *parser) lexNumber() {
	start := p.off
	for p.off < len(p.src) && (isDigit(p.src[p.off]) || p.src[p.off] == '.') {
		p.off++
	}
	if p.off < len(p.src) && (p.src[p.off] == 'e' || p.src[p.off] == 'E') {
		j := p.off + 1
		if j < len(p.src) && (p.src[j] == '+' || p.src[j] == '-') {
			j++
		}
		if j < len(p.src) && isDigit(p.src[j]) {
			for j < len(p.src) && isDigit(p.src[j]) {
				j++
			}
			p.off = j
		}
	}
	text := p.src[start:p.off]
	v, err := strconv.ParseFloat(text, 64)
	if err != nil && p.err == nil {
		p.err = &SyntaxError{Src: p.src, Pos: start, Msg: fmt.Sprintf("bad number %q", text)}
	}
	p.tok = token{kind: tokNum, text: text, pos: start, num: v}
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c|0x20 >= 'a' && c|0x20 <= 'z') }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) }

// expr := term (('+' | '-') term)*
func (p *parser) parseExpr() (node, error) {
	x, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text
		p.next()
		y, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		x = binaryNode{op: op, x: x, y: y}
	}
	return x, nil
}

// term := unary (('*' | '/' | '//' | '%') unary)*
func (p *parser) parseTerm() (node, error) {
	x, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp {
		op := p.tok.text
		if op != "*" && op != "/" && op != "//" && op != "%" {
			break
		}
		p.next()
		y, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		x = binaryNode{op: op, x: x, y: y}
	}
	return x, nil
}

// unary := ('+' | '-') unary | power
func (p *parser) parseUnary() (node, error) {
	if p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: op, x: x}, nil
	}
	return p.parsePower()
}

// power := primary (('**' | '^') unary)?
//
// The exponent is parsed as a unary so that 2**-1 works and a**b**c groups
// to the right; -2**2 is -(2**2).
func (p *parser) parsePower() (node, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokOp && (p.tok.text == "**" || p.tok.text == "^") {
		p.next()
		y, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return binaryNode{op: "**", x: x, y: y}, nil
	}
	return x, nil
}

func (p *parser) parsePrimary() (node, error) {
	if p.err != nil {
		return nil, p.err
	}
	switch p.tok.kind {
	case tokNum:
		v := p.tok.num
		p.next()
		return numNode(v), nil
	case tokIdent:
		name := p.tok.text
		pos := p.tok.pos
		p.next()
		if p.tok.kind != tokLParen {
			return varNode(name), nil
		}
		return p.parseCall(name, pos)
	case tokLParen:
		p.next()
		x, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, p.errorf("expected )")
		}
		p.next()
		return x, nil
	case tokEOF:
		return nil, p.errorf("unexpected end of expression")
	}
	return nil, p.errorf("unexpected %q", p.tok.text)
}

func (p *parser) parseCall(name string, pos int) (node, error) {
	fn, ok := functions[name]
	if !ok {
		return nil, &SyntaxError{Src: p.src, Pos: pos, Msg: fmt.Sprintf("unknown function %q", name)}
	}
	p.next() // (

	var args []node
	if p.tok.kind != tokRParen {
		for {
			a, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			if p.tok.kind != tokComma {
				break
			}
			p.next()
		}
	}
	if p.tok.kind != tokRParen {
		return nil, p.errorf("expected ) after arguments to %s", name)
	}
	p.next()

	if len(args) < fn.minArgs || (fn.maxArgs >= 0 && len(args) > fn.maxArgs) {
		return nil, &SyntaxError{Src: p.src, Pos: pos, Msg: fmt.Sprintf("%s takes %s", name, fn.arity())}
	}
	return callNode{name: name, fn: fn, args: args}, nil
}
