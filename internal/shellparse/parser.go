package shellparse

import "strings"

// parser assembles lexer tokens into pipeline segments. It is a small
// recursive-descent parser over an essentially flat grammar; depth
// limiting happens in the lexer where nesting actually occurs.
type parser struct {
	lex     *lexer
	raw     string
	dialect Dialect
}

func newParser(raw string, dialect Dialect) *parser {
	return &parser{lex: newLexer(raw, dialect), raw: raw, dialect: dialect}
}

func (p *parser) parse() (*ParsedCommand, error) {
	pc := &ParsedCommand{Raw: p.raw, Dialect: p.dialect}

	var (
		cur       *Segment
		connector = ConnNone
		// optionalNext is set after a trailing-'&' flush: "sleep 5 &"
		// is complete, so a pending connector there is not an error.
		optionalNext bool
	)

	flush := func(offset int) error {
		if cur == nil {
			if connector == ConnNone || optionalNext {
				return nil
			}
			return &SyntaxError{Offset: offset, Msg: "empty pipeline stage"}
		}
		pc.Segments = append(pc.Segments, *cur)
		cur = nil
		return nil
	}

	for {
		tok, err := p.lex.next()
		if err != nil {
			return nil, err
		}

		switch tok.kind {
		case tokEOF:
			if err := flush(tok.offset); err != nil {
				return nil, err
			}
			if len(pc.Segments) == 0 {
				return nil, ErrEmpty
			}
			pc.Warnings = p.lex.warnings
			return pc, nil

		case tokWord:
			if cur == nil {
				cur = &Segment{Connector: connector}
				cur.Name = tok.text
				connector = ConnNone
				optionalNext = false
			} else {
				cur.Args = append(cur.Args, tok.text)
			}
			cur.EnvRefs = append(cur.EnvRefs, tok.envRefs...)
			cur.Substitutions = append(cur.Substitutions, tok.subs...)

		case tokRedirect:
			if cur == nil {
				cur = &Segment{Connector: connector}
				connector = ConnNone
			}
			target, err := p.lex.next()
			if err != nil {
				return nil, err
			}
			if target.kind != tokWord {
				return nil, &SyntaxError{Offset: tok.offset, Msg: "redirect missing target"}
			}
			cur.EnvRefs = append(cur.EnvRefs, target.envRefs...)
			cur.Substitutions = append(cur.Substitutions, target.subs...)
			cur.Redirects = append(cur.Redirects, Redirect{Stream: tok.fd, Mode: tok.mode, Target: target.text})
			if tok.dup {
				cur.Redirects = append(cur.Redirects, Redirect{Stream: 2, Mode: tok.mode, Target: target.text})
			}

		case tokPipe, tokAnd, tokOr, tokSeq:
			if cur == nil || cur.Name == "" {
				return nil, &SyntaxError{Offset: tok.offset, Msg: "operator without preceding command"}
			}
			if err := flush(tok.offset); err != nil {
				return nil, err
			}
			switch tok.kind {
			case tokPipe:
				connector = ConnPipe
			case tokAnd:
				connector = ConnAnd
			case tokOr:
				connector = ConnOr
			default:
				connector = ConnSeq
			}

		case tokAmp:
			if cur == nil || cur.Name == "" {
				return nil, &SyntaxError{Offset: tok.offset, Msg: "'&' without preceding command"}
			}
			cur.Background = true
			if err := flush(tok.offset); err != nil {
				return nil, err
			}
			connector = ConnSeq
			optionalNext = true
		}
	}
}

// parseBasic is the conservative fallback: whitespace-split words with
// every metacharacter treated as literal text. It cannot fail on content,
// only on emptiness, which guarantees structured output for any input.
func parseBasic(raw string) (*ParsedCommand, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil, ErrEmpty
	}
	seg := Segment{Name: fields[0], Args: fields[1:]}
	return &ParsedCommand{
		Raw:           raw,
		Dialect:       DialectBasic,
		Segments:      []Segment{seg},
		LowConfidence: true,
	}, nil
}
