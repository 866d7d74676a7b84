package dsl

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tEOF tokenKind = iota
	tIdent
	tString
	tNumber
	tOp
	tLParen
	tRParen
	tLBracket
	tRBracket
	tComma
)

type token struct {
	kind tokenKind
	text string
	num  float64
	line int
	col  int
}

type lexError struct {
	msg  string
	line int
	col  int
}

func (e *lexError) Error() string {
	return fmt.Sprintf("%s at line %d column %d", e.msg, e.line, e.col)
}

type lexer struct {
	src  string
	pos  int
	line int
	col  int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, col: 1}
}

func (l *lexer) errorf(line, col int, format string, args ...interface{}) *lexError {
	return &lexError{msg: fmt.Sprintf(format, args...), line: line, col: col}
}

func (l *lexer) peek() byte {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *lexer) advance() byte {
	ch := l.src[l.pos]
	l.pos++
	if ch == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return ch
}

func (l *lexer) skipSpaceAndComments() {
	for l.pos < len(l.src) {
		ch := l.peek()
		if ch == '#' {
			for l.pos < len(l.src) && l.peek() != '\n' {
				l.advance()
			}
			continue
		}
		if ch == ' ' || ch == '\t' || ch == '\r' || ch == '\n' {
			l.advance()
			continue
		}
		return
	}
}

// tokens lexes the whole source. Stops at the first lexical error.
func (l *lexer) tokens() ([]token, *lexError) {
	var out []token
	for {
		l.skipSpaceAndComments()
		line, col := l.line, l.col
		if l.pos >= len(l.src) {
			out = append(out, token{kind: tEOF, line: line, col: col})
			return out, nil
		}
		ch := l.peek()
		switch {
		case ch == '(':
			l.advance()
			out = append(out, token{kind: tLParen, text: "(", line: line, col: col})
		case ch == ')':
			l.advance()
			out = append(out, token{kind: tRParen, text: ")", line: line, col: col})
		case ch == '[':
			l.advance()
			out = append(out, token{kind: tLBracket, text: "[", line: line, col: col})
		case ch == ']':
			l.advance()
			out = append(out, token{kind: tRBracket, text: "]", line: line, col: col})
		case ch == ',':
			l.advance()
			out = append(out, token{kind: tComma, text: ",", line: line, col: col})
		case ch == '"':
			tok, err := l.lexString(line, col)
			if err != nil {
				return nil, err
			}
			out = append(out, tok)
		case ch == '=' || ch == '!' || ch == '<' || ch == '>':
			tok, err := l.lexOperator(line, col)
			if err != nil {
				return nil, err
			}
			out = append(out, tok)
		case ch == '-' || (ch >= '0' && ch <= '9'):
			tok, err := l.lexNumber(line, col)
			if err != nil {
				return nil, err
			}
			out = append(out, tok)
		case isIdentStart(rune(ch)):
			out = append(out, l.lexIdent(line, col))
		default:
			return nil, l.errorf(line, col, "unexpected character %q", string(ch))
		}
	}
}

func (l *lexer) lexString(line, col int) (token, *lexError) {
	l.advance() // opening quote
	var b strings.Builder
	for {
		if l.pos >= len(l.src) {
			return token{}, l.errorf(line, col, "unterminated string")
		}
		ch := l.advance()
		if ch == '"' {
			return token{kind: tString, text: b.String(), line: line, col: col}, nil
		}
		if ch == '\n' {
			return token{}, l.errorf(line, col, "unterminated string")
		}
		if ch != '\\' {
			b.WriteByte(ch)
			continue
		}
		if l.pos >= len(l.src) {
			return token{}, l.errorf(line, col, "unterminated string")
		}
		esc := l.advance()
		switch esc {
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		default:
			return token{}, l.errorf(l.line, l.col-1, "invalid escape \\%s", string(esc))
		}
	}
}

func (l *lexer) lexOperator(line, col int) (token, *lexError) {
	ch := l.advance()
	two := string(ch)
	if l.peek() == '=' {
		l.advance()
		two += "="
	}
	switch two {
	case "==", "!=", "<=", ">=", "<", ">":
		return token{kind: tOp, text: two, line: line, col: col}, nil
	default:
		return token{}, l.errorf(line, col, "invalid operator %q", two)
	}
}

func (l *lexer) lexNumber(line, col int) (token, *lexError) {
	start := l.pos
	if l.peek() == '-' {
		l.advance()
	}
	digits := 0
	for l.pos < len(l.src) && l.peek() >= '0' && l.peek() <= '9' {
		l.advance()
		digits++
	}
	if l.peek() == '.' {
		l.advance()
		for l.pos < len(l.src) && l.peek() >= '0' && l.peek() <= '9' {
			l.advance()
			digits++
		}
	}
	raw := l.src[start:l.pos]
	if digits == 0 {
		return token{}, l.errorf(line, col, "invalid number %q", raw)
	}
	num, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return token{}, l.errorf(line, col, "invalid number %q", raw)
	}
	return token{kind: tNumber, text: raw, num: num, line: line, col: col}, nil
}

func (l *lexer) lexIdent(line, col int) token {
	start := l.pos
	for l.pos < len(l.src) {
		r := rune(l.peek())
		if isIdentStart(r) || unicode.IsDigit(r) || r == '.' {
			l.advance()
			continue
		}
		break
	}
	return token{kind: tIdent, text: l.src[start:l.pos], line: line, col: col}
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}
