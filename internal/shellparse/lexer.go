package shellparse

import (
	"strings"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokPipe
	tokAnd
	tokOr
	tokSeq
	tokAmp
	tokRedirect
	tokEOF
)

// token is one lexical unit. Word tokens carry the composed text plus
// any env references and substitutions found while scanning the word.
type token struct {
	kind   tokenKind
	text   string
	offset int

	envRefs []EnvRef
	subs    []Substitution

	// redirect fields
	fd   int
	mode RedirectMode
	// dup marks &> style redirects that apply to stdout and stderr.
	dup bool
}

// lexer is a single-pass, non-backtracking scanner. Every loop advances
// the position, so runtime is linear in the input length regardless of
// content.
type lexer struct {
	src     string
	pos     int
	dialect Dialect

	warnings []string
}

func newLexer(src string, dialect Dialect) *lexer {
	return &lexer{src: src, dialect: dialect}
}

func (l *lexer) errf(offset int, msg string) error {
	return &SyntaxError{Offset: offset, Msg: msg}
}

func (l *lexer) peek() byte {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *lexer) peekAt(n int) byte {
	if l.pos+n >= len(l.src) {
		return 0
	}
	return l.src[l.pos+n]
}

// next returns the next token. Operator recognition depends on the
// dialect; word scanning is delegated to scanWord.
func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, offset: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]

	// Comments run to end of line. cmd.exe has no '#' comments.
	if c == '#' && l.dialect != DialectWinCmd {
		for l.pos < len(l.src) && l.src[l.pos] != '\n' {
			l.pos++
		}
		return l.next()
	}

	switch c {
	case '|':
		if l.peekAt(1) == '|' {
			l.pos += 2
			return token{kind: tokOr, text: "||", offset: start}, nil
		}
		l.pos++
		return token{kind: tokPipe, text: "|", offset: start}, nil
	case '&':
		if l.peekAt(1) == '&' {
			l.pos += 2
			return token{kind: tokAnd, text: "&&", offset: start}, nil
		}
		if l.peekAt(1) == '>' && l.dialect == DialectPosix {
			l.pos += 2
			mode := RedirOverwrite
			if l.peek() == '>' {
				l.pos++
				mode = RedirAppend
			}
			return token{kind: tokRedirect, fd: 1, mode: mode, dup: true, offset: start}, nil
		}
		l.pos++
		return token{kind: tokAmp, text: "&", offset: start}, nil
	case ';':
		l.pos++
		return token{kind: tokSeq, text: ";", offset: start}, nil
	case '>', '<':
		return l.scanRedirect(1, start)
	}

	// Bare fd prefix before a redirect operator, e.g. "2>" or "2>>".
	if c >= '0' && c <= '9' && (l.peekAt(1) == '>' || l.peekAt(1) == '<') {
		fd := int(c - '0')
		l.pos++
		return l.scanRedirect(fd, start)
	}

	return l.scanWord(start)
}

func (l *lexer) scanRedirect(fd int, start int) (token, error) {
	c := l.src[l.pos]
	l.pos++
	if c == '<' {
		if l.peek() == '<' {
			// Here-documents are valid shell but not modeled; the body
			// degrades to literal words with a warning, never silent
			// pass-through of unanalyzed content.
			l.pos++
			if l.peek() == '<' { // here-string <<<
				l.pos++
			}
			l.warn("here-document content treated as literal arguments")
			return l.next()
		}
		return token{kind: tokRedirect, fd: 0, mode: RedirInput, offset: start}, nil
	}
	mode := RedirOverwrite
	if l.peek() == '>' {
		l.pos++
		mode = RedirAppend
	}
	if fd == 0 {
		fd = 1
	}
	return token{kind: tokRedirect, fd: fd, mode: mode, offset: start}, nil
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		switch l.src[l.pos] {
		case ' ', '\t', '\r', '\n':
			l.pos++
		default:
			return
		}
	}
}

func (l *lexer) warn(msg string) {
	for _, w := range l.warnings {
		if w == msg {
			return
		}
	}
	l.warnings = append(l.warnings, msg)
}

func isMeta(c byte, dialect Dialect) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '|', ';', '&', '<', '>':
		return true
	}
	return false
}

// scanWord consumes one word, handling quoting, escapes, env references
// and command substitutions per dialect. The returned token text is the
// word with quotes removed; substitution syntax stays in the text as a
// structural marker so argument order is preserved.
func (l *lexer) scanWord(start int) (token, error) {
	var b strings.Builder
	tok := token{kind: tokWord, offset: start}

	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if isMeta(c, l.dialect) {
			break
		}

		switch {
		case c == '\\' && l.dialect == DialectPosix:
			if l.pos+1 >= len(l.src) {
				return tok, l.errf(l.pos, "trailing backslash")
			}
			b.WriteByte(l.src[l.pos+1])
			l.pos += 2

		case c == '^' && l.dialect == DialectWinCmd:
			if l.pos+1 >= len(l.src) {
				return tok, l.errf(l.pos, "trailing escape character")
			}
			b.WriteByte(l.src[l.pos+1])
			l.pos += 2

		case c == '`' && l.dialect == DialectPowerShell:
			// Backtick is PowerShell's escape character.
			if l.pos+1 >= len(l.src) {
				return tok, l.errf(l.pos, "trailing escape character")
			}
			b.WriteByte(l.src[l.pos+1])
			l.pos += 2

		case c == '\'':
			if err := l.scanSingleQuote(&b); err != nil {
				return tok, err
			}

		case c == '"':
			if err := l.scanDoubleQuote(&b, &tok); err != nil {
				return tok, err
			}

		case c == '`' && l.dialect == DialectPosix:
			if err := l.scanBacktick(&b, &tok); err != nil {
				return tok, err
			}

		case c == '$' && l.dialect != DialectWinCmd:
			if err := l.scanDollar(&b, &tok); err != nil {
				return tok, err
			}

		case c == '%' && l.dialect == DialectWinCmd:
			l.scanPercentRef(&b, &tok)

		case c == '(' && l.dialect == DialectPosix && b.Len() == 0:
			// Process substitution and subshell grouping are valid shell
			// that this parser does not model structurally.
			l.warn("subshell grouping treated as literal text")
			b.WriteByte(c)
			l.pos++

		default:
			b.WriteByte(c)
			l.pos++
		}
	}

	tok.text = b.String()
	return tok, nil
}

func (l *lexer) scanSingleQuote(b *strings.Builder) error {
	open := l.pos
	l.pos++ // opening quote
	for l.pos < len(l.src) {
		if l.src[l.pos] == '\'' {
			if l.dialect == DialectPowerShell && l.peekAt(1) == '\'' {
				// '' is an escaped quote inside PowerShell single quotes.
				b.WriteByte('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return nil
		}
		b.WriteByte(l.src[l.pos])
		l.pos++
	}
	return l.errf(open, "unterminated single-quoted string")
}

func (l *lexer) scanDoubleQuote(b *strings.Builder, tok *token) error {
	open := l.pos
	l.pos++ // opening quote
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '"':
			l.pos++
			return nil
		case c == '\\' && l.dialect == DialectPosix:
			if l.pos+1 >= len(l.src) {
				return l.errf(l.pos, "trailing backslash in string")
			}
			b.WriteByte(l.src[l.pos+1])
			l.pos += 2
		case c == '`' && l.dialect == DialectPowerShell:
			if l.pos+1 >= len(l.src) {
				return l.errf(l.pos, "trailing escape character in string")
			}
			b.WriteByte(l.src[l.pos+1])
			l.pos += 2
		case c == '`' && l.dialect == DialectPosix:
			if err := l.scanBacktick(b, tok); err != nil {
				return err
			}
		case c == '$':
			if err := l.scanDollar(b, tok); err != nil {
				return err
			}
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	return l.errf(open, "unterminated double-quoted string")
}

// scanBacktick records a legacy `...` command substitution.
func (l *lexer) scanBacktick(b *strings.Builder, tok *token) error {
	open := l.pos
	l.pos++ // opening backtick
	bodyStart := l.pos
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.pos+1 < len(l.src) {
			l.pos += 2
			continue
		}
		if c == '`' {
			body := l.src[bodyStart:l.pos]
			l.pos++
			tok.subs = append(tok.subs, Substitution{Body: body, Offset: open})
			b.WriteString("$(" + body + ")")
			return nil
		}
		l.pos++
	}
	return l.errf(open, "unterminated backtick substitution")
}

// scanDollar handles $VAR, ${VAR}, $env:VAR and $( ... ) forms.
func (l *lexer) scanDollar(b *strings.Builder, tok *token) error {
	open := l.pos
	l.pos++ // '$'

	switch {
	case l.peek() == '(':
		return l.scanSubstitution(b, tok, open)

	case l.peek() == '{':
		l.pos++
		nameStart := l.pos
		for l.pos < len(l.src) && l.src[l.pos] != '}' {
			l.pos++
		}
		if l.pos >= len(l.src) {
			return l.errf(open, "unterminated ${} reference")
		}
		name := l.src[nameStart:l.pos]
		l.pos++ // '}'
		tok.envRefs = append(tok.envRefs, EnvRef{Name: name, Offset: open})
		b.WriteString("${" + name + "}")
		return nil

	default:
		nameStart := l.pos
		if l.dialect == DialectPowerShell && strings.HasPrefix(l.src[l.pos:], "env:") {
			l.pos += len("env:")
			nameStart = l.pos
		}
		for l.pos < len(l.src) && isNameByte(l.src[l.pos]) {
			l.pos++
		}
		if l.pos == nameStart {
			// Lone '$' is literal.
			b.WriteByte('$')
			return nil
		}
		name := l.src[nameStart:l.pos]
		tok.envRefs = append(tok.envRefs, EnvRef{Name: name, Offset: open})
		b.WriteString("$" + name)
		return nil
	}
}

// scanSubstitution consumes a depth-limited $( ... ) body. Nested
// parentheses and quoted sections inside the body are tracked so the
// closing delimiter is found correctly, but the body itself is kept as
// raw text and never evaluated.
func (l *lexer) scanSubstitution(b *strings.Builder, tok *token, open int) error {
	l.pos++ // '('
	bodyStart := l.pos
	depth := 1

	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch c {
		case '\\':
			l.pos++
		case '\'', '"':
			quote := c
			l.pos++
			for l.pos < len(l.src) && l.src[l.pos] != quote {
				if l.src[l.pos] == '\\' && quote == '"' {
					l.pos++
				}
				l.pos++
			}
			if l.pos >= len(l.src) {
				return l.errf(open, "unterminated string inside substitution")
			}
		case '(':
			depth++
			if depth > MaxDepth {
				return ErrTooComplex
			}
		case ')':
			depth--
			if depth == 0 {
				body := l.src[bodyStart:l.pos]
				l.pos++
				tok.subs = append(tok.subs, Substitution{Body: body, Offset: open})
				b.WriteString("$(" + body + ")")
				return nil
			}
		}
		l.pos++
	}
	return l.errf(open, "unterminated command substitution")
}

// scanPercentRef handles cmd.exe %VAR% references. A lone '%' with no
// closing delimiter is literal, matching cmd semantics.
func (l *lexer) scanPercentRef(b *strings.Builder, tok *token) {
	open := l.pos
	end := open + 1
	for end < len(l.src) && isNameByte(l.src[end]) {
		end++
	}
	if end > open+1 && end < len(l.src) && l.src[end] == '%' {
		name := l.src[open+1 : end]
		tok.envRefs = append(tok.envRefs, EnvRef{Name: name, Offset: open})
		b.WriteString("%" + name + "%")
		l.pos = end + 1
		return
	}
	b.WriteByte('%')
	l.pos++
}

func isNameByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
