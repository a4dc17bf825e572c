package querycache

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/sogaiu/bupstash/internal/fault"
	"github.com/sogaiu/bupstash/internal/item"
)

// TimestampFormat is how the timestamp pseudo-tag renders item times.
const TimestampFormat = "2006/01/02 15:04:05"

// Query filters item listings. The zero Query matches everything.
//
//	name=backup-*            glob match on a tag
//	host==db1                exact match
//	name=x and not (a=1 or b=2)
//	id=5c1f*  timestamp=2024/06/*
//
// Adjacent terms are joined with an implicit and.
type Query struct {
	root node
	src  string
}

// Parse compiles a query. An empty string matches every item.
func Parse(s string) (*Query, error) {
	toks, err := lex(s)
	if err != nil {
		return nil, err
	}
	q := &Query{src: s}
	if len(toks) == 0 {
		return q, nil
	}
	p := &parser{toks: toks}
	q.root, err = p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, p.errorf("unexpected %q", p.peek().text)
	}
	return q, nil
}

func (q *Query) String() string {
	if q == nil {
		return ""
	}
	return q.src
}

// Match reports whether an item with the given summary is selected.
func (q *Query) Match(s item.Summary) bool {
	if q == nil || q.root == nil {
		return true
	}
	return q.root.match(s)
}

// lookup resolves a tag name, including the id and timestamp pseudo-tags.
func lookup(s item.Summary, name string) (string, bool) {
	switch name {
	case "id":
		return s.ID.String(), true
	case "timestamp":
		return s.Timestamp.UTC().Format(TimestampFormat), true
	}
	v, ok := s.Tags[name]
	return v, ok
}

type node interface {
	match(item.Summary) bool
}

type andNode struct{ l, r node }
type orNode struct{ l, r node }
type notNode struct{ n node }

type globNode struct {
	tag string
	re  *regexp.Regexp
}

type exactNode struct {
	tag   string
	value string
}

func (n andNode) match(s item.Summary) bool { return n.l.match(s) && n.r.match(s) }
func (n orNode) match(s item.Summary) bool  { return n.l.match(s) || n.r.match(s) }
func (n notNode) match(s item.Summary) bool { return !n.n.match(s) }

func (n globNode) match(s item.Summary) bool {
	v, ok := lookup(s, n.tag)
	return ok && n.re.MatchString(v)
}

func (n exactNode) match(s item.Summary) bool {
	v, ok := lookup(s, n.tag)
	return ok && v == n.value
}

// compileGlob turns a glob with * and ? into an anchored regexp. Unlike
// path.Match, * also matches slashes, so tags holding paths glob naturally.
func compileGlob(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuoted
	tokLParen
	tokRParen
	tokEq
	tokEqEq
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func isWordRune(r rune) bool {
	return !unicode.IsSpace(r) && r != '(' && r != ')' && r != '=' && r != '"' && r != '\''
}

func lex(s string) ([]token, error) {
	var toks []token
	runes := []rune(s)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == '=':
			if i+1 < len(runes) && runes[i+1] == '=' {
				toks = append(toks, token{kind: tokEqEq, text: "==", pos: i})
				i += 2
			} else {
				toks = append(toks, token{kind: tokEq, text: "=", pos: i})
				i++
			}
		case r == '"' || r == '\'':
			var b strings.Builder
			j := i + 1
			for ; j < len(runes) && runes[j] != r; j++ {
				if runes[j] == '\\' && j+1 < len(runes) {
					j++
				}
				b.WriteRune(runes[j])
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("query: unterminated quote at %d: %w", i, fault.ErrInvalid)
			}
			toks = append(toks, token{kind: tokQuoted, text: b.String(), pos: i})
			i = j + 1
		default:
			j := i
			for j < len(runes) && isWordRune(runes[j]) {
				j++
			}
			toks = append(toks, token{kind: tokWord, text: string(runes[i:j]), pos: i})
			i = j
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) done() bool  { return p.i >= len(p.toks) }
func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	p.i++
	return t
}

func (p *parser) keyword(kw string) bool {
	return !p.done() && p.peek().kind == tokWord && p.peek().text == kw
}

func (p *parser) errorf(format string, args ...any) error {
	pos := len(p.toks)
	if !p.done() {
		pos = p.peek().pos
	}
	return fmt.Errorf("query: %s at %d: %w", fmt.Sprintf(format, args...), pos, fault.ErrInvalid)
}

func (p *parser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("or") {
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = orNode{l, r}
	}
	return l, nil
}

func (p *parser) parseAnd() (node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for !p.done() && p.peek().kind != tokRParen && !p.keyword("or") {
		if p.keyword("and") {
			p.next()
		}
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = andNode{l, r}
	}
	return l, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.done() {
		return nil, p.errorf("unexpected end of query")
	}
	switch {
	case p.keyword("not"):
		p.next()
		n, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{n}, nil
	case p.peek().kind == tokLParen:
		p.next()
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.done() || p.peek().kind != tokRParen {
			return nil, p.errorf("missing )")
		}
		p.next()
		return n, nil
	}
	return p.parseTerm()
}

func (p *parser) parseTerm() (node, error) {
	tag := p.next()
	if tag.kind != tokWord && tag.kind != tokQuoted {
		return nil, fmt.Errorf("query: expected tag at %d: %w", tag.pos, fault.ErrInvalid)
	}
	if p.done() || (p.peek().kind != tokEq && p.peek().kind != tokEqEq) {
		return nil, p.errorf("expected = or == after %q", tag.text)
	}
	op := p.next()
	if p.done() || (p.peek().kind != tokWord && p.peek().kind != tokQuoted) {
		return nil, p.errorf("expected value for %q", tag.text)
	}
	value := p.next().text

	if op.kind == tokEqEq {
		return exactNode{tag: tag.text, value: value}, nil
	}
	re, err := compileGlob(value)
	if err != nil {
		return nil, fmt.Errorf("query: glob %q: %v: %w", value, err, fault.ErrInvalid)
	}
	return globNode{tag: tag.text, re: re}, nil
}
