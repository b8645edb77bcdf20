package policyexpr

import (
	"strconv"
	"strings"
	"unicode"
)

// maxConditionLen bounds parse input so a hostile condition cannot blow up
// evaluation; policies are admin-written one-liners.
const maxConditionLen = 4096

// Parse compiles a condition into its AST.
//
// Grammar (precedence low to high):
//
//	expr    := term ("or" term)*
//	term    := factor ("and" factor)*
//	factor  := "not" factor | "(" expr ")" | predicate
//	predicate := attr op literal | attr "in" "[" literals "]" | attr "contains" string
func Parse(condition string) (Expr, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return nil, &EvalError{Expr: condition, Reason: "empty condition"}
	}
	if len(condition) > maxConditionLen {
		return nil, &EvalError{Expr: condition[:64] + "...", Reason: "condition too long"}
	}
	toks, err := lex(condition)
	if err != nil {
		return nil, err
	}
	p := &parser{src: condition, toks: toks}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, &EvalError{Expr: condition, Reason: "trailing input at " + p.peek().val}
	}
	return expr, nil
}

// Evaluate parses and evaluates in one step. Any parse or evaluation
// failure comes back as *EvalError; callers deny on error.
func Evaluate(condition string, ctx Context) (bool, error) {
	expr, err := Parse(condition)
	if err != nil {
		return false, err
	}
	return expr.Eval(ctx)
}

type tokKind int

const (
	tokIdent tokKind = iota
	tokString
	tokNumber
	tokOp      // == != < <= > >=
	tokLParen  // (
	tokRParen  // )
	tokLBrack  // [
	tokRBrack  // ]
	tokComma   // ,
	tokKeyword // and or not in contains
)

type token struct {
	kind tokKind
	val  string
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		ch := src[i]
		switch {
		case ch == ' ' || ch == '\t':
			i++
		case ch == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case ch == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case ch == '[':
			toks = append(toks, token{tokLBrack, "["})
			i++
		case ch == ']':
			toks = append(toks, token{tokRBrack, "]"})
			i++
		case ch == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case ch == '"' || ch == '\'':
			quote := ch
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j >= len(src) {
				return nil, &EvalError{Expr: src, Reason: "unterminated string"}
			}
			toks = append(toks, token{tokString, src[i+1 : j]})
			i = j + 1
		case strings.ContainsRune("=!<>", rune(ch)):
			j := i + 1
			if j < len(src) && src[j] == '=' {
				j++
			}
			op := src[i:j]
			switch op {
			case "==", "!=", "<", "<=", ">", ">=":
				toks = append(toks, token{tokOp, op})
			default:
				return nil, &EvalError{Expr: src, Reason: "bad operator " + op}
			}
			i = j
		case ch >= '0' && ch <= '9' || ch == '-':
			j := i + 1
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case isIdentStart(rune(ch)):
			j := i + 1
			for j < len(src) && isIdentPart(rune(src[j])) {
				j++
			}
			word := src[i:j]
			switch word {
			case "and", "or", "not", "in", "contains":
				toks = append(toks, token{tokKeyword, word})
			default:
				toks = append(toks, token{tokIdent, word})
			}
			i = j
		default:
			return nil, &EvalError{Expr: src, Reason: "unexpected character " + string(ch)}
		}
	}
	return toks, nil
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.'
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.done() {
		return token{}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) accept(kind tokKind, val string) bool {
	if p.done() {
		return false
	}
	t := p.toks[p.pos]
	if t.kind == kind && (val == "" || t.val == val) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseExpr() (Expr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.accept(tokKeyword, "or") {
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &Or{L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (Expr, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.accept(tokKeyword, "and") {
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &And{L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseFactor() (Expr, error) {
	if p.accept(tokKeyword, "not") {
		inner, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return &Not{E: inner}, nil
	}
	if p.accept(tokLParen, "") {
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if !p.accept(tokRParen, "") {
			return nil, &EvalError{Expr: p.src, Reason: "missing closing paren"}
		}
		return inner, nil
	}
	return p.parsePredicate()
}

func (p *parser) parsePredicate() (Expr, error) {
	if p.done() || p.peek().kind != tokIdent {
		return nil, &EvalError{Expr: p.src, Reason: "expected attribute"}
	}
	attr := p.next().val
	switch {
	case p.accept(tokKeyword, "in"):
		if !p.accept(tokLBrack, "") {
			return nil, &EvalError{Expr: p.src, Reason: "in requires a [list]"}
		}
		var list []Literal
		for {
			lit, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			list = append(list, lit)
			if p.accept(tokComma, "") {
				continue
			}
			break
		}
		if !p.accept(tokRBrack, "") {
			return nil, &EvalError{Expr: p.src, Reason: "missing closing bracket"}
		}
		return &In{Attr: attr, List: list}, nil
	case p.accept(tokKeyword, "contains"):
		if p.done() || p.peek().kind != tokString {
			return nil, &EvalError{Expr: p.src, Reason: "contains requires a string"}
		}
		return &Contains{Attr: attr, Item: p.next().val}, nil
	default:
		if p.done() || p.peek().kind != tokOp {
			return nil, &EvalError{Expr: p.src, Reason: "expected comparison after " + attr}
		}
		op := p.next().val
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return &Cmp{Attr: attr, Op: op, Lit: lit}, nil
	}
}

func (p *parser) parseLiteral() (Literal, error) {
	if p.done() {
		return Literal{}, &EvalError{Expr: p.src, Reason: "expected literal"}
	}
	t := p.next()
	switch t.kind {
	case tokString:
		return Literal{Str: t.val}, nil
	case tokNumber:
		n, err := strconv.ParseFloat(t.val, 64)
		if err != nil {
			return Literal{}, &EvalError{Expr: p.src, Reason: "bad number " + t.val}
		}
		return Literal{Num: n, IsNum: true}, nil
	default:
		return Literal{}, &EvalError{Expr: p.src, Reason: "expected literal, got " + t.val}
	}
}
