// Package condition implements the trigger condition language used in
// pipeline definitions, e.g.
//
//	branch = 'master' OR tag =~ '^v.*'
//
// Conditions are evaluated against the git context of a run. A keyword with
// no value in the current run (for example tag on a branch build) never
// matches: = and =~ evaluate to false, != and !~ to true.
package condition

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Context carries the git facts a condition can reference.
type Context struct {
	Branch      string
	Tag         string
	PullRequest string
}

func (c Context) lookup(key string) (string, bool) {
	switch key {
	case keyBranch:
		return c.Branch, c.Branch != ""
	case keyTag:
		return c.Tag, c.Tag != ""
	case keyPullRequest:
		return c.PullRequest, c.PullRequest != ""
	}
	return "", false
}

const (
	keyBranch      = "branch"
	keyTag         = "tag"
	keyPullRequest = "pull_request"
)

const (
	opEq       = "="
	opNeq      = "!="
	opMatch    = "=~"
	opNotMatch = "!~"
	opAnd      = "AND"
	opOr       = "OR"
)

// Expr is a parsed condition. Eval never fails; regular expressions are
// compiled during Parse.
type Expr interface {
	Eval(ctx Context) bool
	String() string
}

// Parse compiles a condition expression. The grammar is
//
//	expr    = term { "OR" term }
//	term    = factor { "AND" factor }
//	factor  = "(" expr ")" | "true" | "false" | keyword op string
//	keyword = "branch" | "tag" | "pull_request"
//	op      = "=" | "!=" | "=~" | "!~"
//
// with strings in single quotes and AND/OR case insensitive.
func Parse(input string) (Expr, error) {
	if strings.TrimSpace(input) == "" {
		return nil, errors.New("empty condition")
	}
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokenEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.pos)
	}
	return e, nil
}

// Evaluate parses expr and evaluates it against ctx in one step.
func Evaluate(expr string, ctx Context) (bool, error) {
	e, err := Parse(expr)
	if err != nil {
		return false, err
	}
	return e.Eval(ctx), nil
}

type boolExpr bool

func (b boolExpr) Eval(Context) bool { return bool(b) }

func (b boolExpr) String() string {
	if b {
		return "true"
	}
	return "false"
}

type compareExpr struct {
	key string
	op  string
	val string
	re  *regexp.Regexp
}

func (c *compareExpr) Eval(ctx Context) bool {
	v, set := ctx.lookup(c.key)
	switch c.op {
	case opEq:
		return set && v == c.val
	case opNeq:
		return !set || v != c.val
	case opMatch:
		return set && c.re.MatchString(v)
	case opNotMatch:
		return !set || !c.re.MatchString(v)
	}
	return false
}

func (c *compareExpr) String() string {
	return fmt.Sprintf("%s %s '%s'", c.key, c.op, c.val)
}

type binaryExpr struct {
	op  string
	lhs Expr
	rhs Expr
}

func (b *binaryExpr) Eval(ctx Context) bool {
	if b.op == opAnd {
		return b.lhs.Eval(ctx) && b.rhs.Eval(ctx)
	}
	return b.lhs.Eval(ctx) || b.rhs.Eval(ctx)
}

func (b *binaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", b.lhs, b.op, b.rhs)
}

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenWord
	tokenString
	tokenOp
	tokenAnd
	tokenOr
	tokenLParen
	tokenRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokenLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokenRParen, ")", i})
			i++
		case c == '=':
			if i+1 < len(input) && input[i+1] == '~' {
				toks = append(toks, token{tokenOp, opMatch, i})
				i += 2
			} else {
				toks = append(toks, token{tokenOp, opEq, i})
				i++
			}
		case c == '!':
			if i+1 < len(input) && input[i+1] == '~' {
				toks = append(toks, token{tokenOp, opNotMatch, i})
				i += 2
			} else if i+1 < len(input) && input[i+1] == '=' {
				toks = append(toks, token{tokenOp, opNeq, i})
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected '!' at offset %d", i)
			}
		case c == '\'':
			j := i + 1
			for j < len(input) && input[j] != '\'' {
				j++
			}
			if j >= len(input) {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, token{tokenString, input[i+1 : j], i})
			i = j + 1
		case isWordChar(c):
			j := i
			for j < len(input) && isWordChar(input[j]) {
				j++
			}
			word := input[i:j]
			switch strings.ToUpper(word) {
			case opAnd:
				toks = append(toks, token{tokenAnd, opAnd, i})
			case opOr:
				toks = append(toks, token{tokenOr, opOr, i})
			default:
				toks = append(toks, token{tokenWord, word, i})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	return append(toks, token{tokenEOF, "", len(input)}), nil
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (Expr, error) {
	lhs, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenOr {
		p.next()
		rhs, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		lhs = &binaryExpr{op: opOr, lhs: lhs, rhs: rhs}
	}
	return lhs, nil
}

func (p *parser) parseAnd() (Expr, error) {
	lhs, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenAnd {
		p.next()
		rhs, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		lhs = &binaryExpr{op: opAnd, lhs: lhs, rhs: rhs}
	}
	return lhs, nil
}

func (p *parser) parseFactor() (Expr, error) {
	tok := p.next()
	switch tok.kind {
	case tokenLParen:
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokenRParen {
			return nil, fmt.Errorf("expected ')' at offset %d", closing.pos)
		}
		return e, nil
	case tokenWord:
		switch tok.text {
		case "true":
			return boolExpr(true), nil
		case "false":
			return boolExpr(false), nil
		case keyBranch, keyTag, keyPullRequest:
			return p.parseCompare(tok.text)
		default:
			return nil, fmt.Errorf("unknown keyword %q at offset %d", tok.text, tok.pos)
		}
	case tokenEOF:
		return nil, errors.New("unexpected end of condition")
	default:
		return nil, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.pos)
	}
}

func (p *parser) parseCompare(key string) (Expr, error) {
	op := p.next()
	if op.kind != tokenOp {
		return nil, fmt.Errorf("expected operator after %q at offset %d", key, op.pos)
	}
	val := p.next()
	if val.kind != tokenString {
		return nil, fmt.Errorf("expected quoted string after %q at offset %d", op.text, val.pos)
	}
	cmp := &compareExpr{key: key, op: op.text, val: val.text}
	if op.text == opMatch || op.text == opNotMatch {
		re, err := regexp.Compile(val.text)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", val.text, err)
		}
		cmp.re = re
	}
	return cmp, nil
}
