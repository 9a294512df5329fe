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
	tokNumber
	tokString
	tokIdent // bare identifier or dotted path (may start with $)
	tokOp    // || && == != < <= > >=
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	pos  int
}

type lexer struct {
	src string
	pos int
}

func newLexer(src string) *lexer { return &lexer{src: src} }

func (l *lexer) lex() (token, error) {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	start := l.pos
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: start}, nil
	}
	c := l.src[l.pos]

	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == '"':
		return l.lexString(start)
	case c >= '0' && c <= '9':
		return l.lexNumber(start)
	case c == '|' || c == '&':
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == c {
			l.pos += 2
			return token{kind: tokOp, text: l.src[start:l.pos], pos: start}, nil
		}
		return token{}, fmt.Errorf("unexpected %q at offset %d", string(c), start)
	case c == '=' || c == '!':
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
			l.pos += 2
			return token{kind: tokOp, text: l.src[start:l.pos], pos: start}, nil
		}
		return token{}, fmt.Errorf("unexpected %q at offset %d", string(c), start)
	case c == '<' || c == '>':
		l.pos++
		if l.pos < len(l.src) && l.src[l.pos] == '=' {
			l.pos++
		}
		return token{kind: tokOp, text: l.src[start:l.pos], pos: start}, nil
	case c == '$' || c == '_' || unicode.IsLetter(rune(c)):
		return l.lexIdent(start)
	}
	return token{}, fmt.Errorf("unexpected %q at offset %d", string(c), start)
}

func (l *lexer) lexString(start int) (token, error) {
	l.pos++ // opening quote
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.pos+1 < len(l.src) {
			next := l.src[l.pos+1]
			switch next {
			case '"', '\\':
				b.WriteByte(next)
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				return token{}, fmt.Errorf("invalid escape \\%c at offset %d", next, l.pos)
			}
			l.pos += 2
			continue
		}
		if c == '"' {
			l.pos++
			return token{kind: tokString, text: b.String(), pos: start}, nil
		}
		b.WriteByte(c)
		l.pos++
	}
	return token{}, fmt.Errorf("unterminated string at offset %d", start)
}

func (l *lexer) lexNumber(start int) (token, error) {
	seenDot := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '.' {
			if seenDot {
				break
			}
			seenDot = true
			l.pos++
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		l.pos++
	}
	return token{kind: tokNumber, text: l.src[start:l.pos], pos: start}, nil
}

func (l *lexer) lexIdent(start int) (token, error) {
	for l.pos < len(l.src) {
		c := rune(l.src[l.pos])
		if c == '_' || c == '.' || c == '$' || unicode.IsLetter(c) || unicode.IsDigit(c) {
			l.pos++
			continue
		}
		break
	}
	return token{kind: tokIdent, text: l.src[start:l.pos], pos: start}, nil
}

type parser struct {
	lex *lexer
	tok token
}

func (p *parser) next() error {
	t, err := p.lex.lex()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

// parseOr → parseAnd ( "||" parseAnd )*
func (p *parser) parseOr() (*Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "||" {
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Node{kind: nodeBinary, op: "||", left: left, right: right}
	}
	return left, nil
}

// parseAnd → parseEquality ( "&&" parseEquality )*
func (p *parser) parseAnd() (*Node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "&&" {
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = &Node{kind: nodeBinary, op: "&&", left: left, right: right}
	}
	return left, nil
}

// parseEquality → parseRelational ( ("==" | "!=") parseRelational )*
func (p *parser) parseEquality() (*Node, error) {
	left, err := p.parseRelational()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "==" || p.tok.text == "!=") {
		op := p.tok.text
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.parseRelational()
		if err != nil {
			return nil, err
		}
		left = &Node{kind: nodeBinary, op: op, left: left, right: right}
	}
	return left, nil
}

// parseRelational → parsePrimary ( ("<" | "<=" | ">" | ">=") parsePrimary )*
func (p *parser) parseRelational() (*Node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp {
		switch p.tok.text {
		case "<", "<=", ">", ">=":
		default:
			return left, nil
		}
		op := p.tok.text
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = &Node{kind: nodeBinary, op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parsePrimary() (*Node, error) {
	switch p.tok.kind {
	case tokLParen:
		if err := p.next(); err != nil {
			return nil, err
		}
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("expected ')' at offset %d", p.tok.pos)
		}
		if err := p.next(); err != nil {
			return nil, err
		}
		return n, nil

	case tokNumber:
		text := p.tok.text
		pos := p.tok.pos
		if err := p.next(); err != nil {
			return nil, err
		}
		if strings.Contains(text, ".") {
			f, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q at offset %d", text, pos)
			}
			return &Node{kind: nodeLiteral, value: f}, nil
		}
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at offset %d", text, pos)
		}
		return &Node{kind: nodeLiteral, value: i}, nil

	case tokString:
		v := p.tok.text
		if err := p.next(); err != nil {
			return nil, err
		}
		return &Node{kind: nodeLiteral, value: v}, nil

	case tokIdent:
		text := p.tok.text
		pos := p.tok.pos
		if err := p.next(); err != nil {
			return nil, err
		}
		switch text {
		case "true":
			return &Node{kind: nodeLiteral, value: true}, nil
		case "false":
			return &Node{kind: nodeLiteral, value: false}, nil
		case "null":
			return &Node{kind: nodeLiteral, value: nil}, nil
		}
		segs := strings.Split(text, ".")
		switch segs[0] {
		case "user_state", "$event", "$run":
		default:
			return nil, fmt.Errorf("unknown identifier %q at offset %d", text, pos)
		}
		if len(segs) < 2 || hasEmptySegment(segs) {
			return nil, fmt.Errorf("incomplete path %q at offset %d", text, pos)
		}
		return &Node{kind: nodePath, path: segs}, nil
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", p.tok.text, p.tok.pos)
}

func hasEmptySegment(segs []string) bool {
	for _, s := range segs {
		if s == "" {
			return true
		}
	}
	return false
}
