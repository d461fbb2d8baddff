// Package shellparse turns raw shell command text into a normalized,
// dialect-independent structure. Parsing is purely syntactic: command
// substitutions are recorded as structure and never evaluated, so an
// obfuscated payload stays visible to downstream analysis instead of
// being resolved away.
package shellparse

import (
	"errors"
	"fmt"
)

// Dialect identifies the shell syntax used to parse a command.
type Dialect string

const (
	// DialectPosix covers sh/bash/zsh style syntax.
	DialectPosix Dialect = "posix"
	// DialectPowerShell covers PowerShell syntax.
	DialectPowerShell Dialect = "powershell"
	// DialectWinCmd covers Windows cmd.exe syntax.
	DialectWinCmd Dialect = "cmd"
	// DialectBasic is the conservative fallback: whitespace-split words,
	// every metacharacter treated as a literal. Used when auto-detection
	// is ambiguous so that every input yields some structured output.
	DialectBasic Dialect = "basic"
	// DialectAuto asks the parser to detect the dialect itself.
	DialectAuto Dialect = ""
)

// Limits that keep parsing bounded on adversarial input.
const (
	// MaxInputLen is the maximum accepted raw command length in bytes.
	MaxInputLen = 64 * 1024
	// MaxDepth is the maximum nesting depth of substitutions and groups.
	MaxDepth = 64
)

// Sentinel errors returned by Parse.
var (
	// ErrTooLong indicates the raw input exceeds MaxInputLen.
	ErrTooLong = errors.New("shellparse: input exceeds maximum length")
	// ErrTooComplex indicates nesting deeper than MaxDepth.
	ErrTooComplex = errors.New("shellparse: input exceeds maximum nesting depth")
	// ErrEmpty indicates the input contains no command.
	ErrEmpty = errors.New("shellparse: empty command")
)

// SyntaxError is a structured parse failure carrying the offending byte
// offset. Malformed input is always a hard error: no command is fixed up
// and passed through.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("shellparse: %s at byte %d", e.Msg, e.Offset)
}

// Connector describes how a segment is joined to the previous one.
type Connector string

const (
	ConnNone Connector = ""   // first segment
	ConnPipe Connector = "|"  // stdout piped into this segment
	ConnAnd  Connector = "&&" // runs if previous succeeded
	ConnOr   Connector = "||" // runs if previous failed
	ConnSeq  Connector = ";"  // unconditional sequencing
)

// RedirectMode distinguishes overwrite from append redirections.
type RedirectMode string

const (
	RedirOverwrite RedirectMode = "overwrite"
	RedirAppend    RedirectMode = "append"
	RedirInput     RedirectMode = "input"
)

// Redirect is a single I/O redirection on a segment.
type Redirect struct {
	// Stream is the file descriptor being redirected (0, 1, 2).
	Stream int
	Mode   RedirectMode
	Target string
}

// EnvRef records a referenced (not resolved) environment variable.
type EnvRef struct {
	Name string
	// Offset is the byte position of the reference in the raw input.
	Offset int
}

// Substitution is a command substitution recorded structurally. Body is
// the raw inner text; it is never executed or expanded.
type Substitution struct {
	// Body is the substituted command text, verbatim.
	Body string
	// Offset is the byte position where the substitution starts.
	Offset int
}

// Segment is one stage of a pipeline: an executable name, its arguments
// in original order, and everything referenced along the way. Argument
// order is preserved exactly; it carries risk semantics.
type Segment struct {
	Connector     Connector
	Name          string
	Args          []string
	EnvRefs       []EnvRef
	Redirects     []Redirect
	Substitutions []Substitution
	// Background marks a segment terminated by an unquoted '&'.
	Background bool
}

// ParsedCommand is the immutable result of parsing. Raw is retained for
// audit only and must never be re-parsed for execution.
type ParsedCommand struct {
	Raw      string
	Dialect  Dialect
	Segments []Segment
	// LowConfidence marks output produced by the conservative basic-mode
	// fallback; downstream scoring treats it as a risk signal.
	LowConfidence bool
	// Warnings lists constructs that were degraded to literal text
	// instead of being structurally modeled.
	Warnings []string
}

// Words returns every executable name and argument in order, across all
// segments. Convenience for matchers that scan flat word lists.
func (pc *ParsedCommand) Words() []string {
	var out []string
	for _, seg := range pc.Segments {
		out = append(out, seg.Name)
		out = append(out, seg.Args...)
	}
	return out
}

// HasSubstitution reports whether any segment carries a command
// substitution.
func (pc *ParsedCommand) HasSubstitution() bool {
	for _, seg := range pc.Segments {
		if len(seg.Substitutions) > 0 {
			return true
		}
	}
	return false
}

// Parse converts raw command text into a ParsedCommand. If hint is
// DialectAuto the dialect is detected from the text; ambiguous input is
// parsed in basic mode and flagged low-confidence rather than rejected.
func Parse(raw string, hint Dialect) (*ParsedCommand, error) {
	if len(raw) > MaxInputLen {
		return nil, ErrTooLong
	}

	dialect := hint
	lowConfidence := false
	if dialect == DialectAuto {
		var certain bool
		dialect, certain = DetectDialect(raw)
		if !certain {
			dialect = DialectBasic
			lowConfidence = true
		}
	}

	var (
		pc  *ParsedCommand
		err error
	)
	switch dialect {
	case DialectBasic:
		pc, err = parseBasic(raw)
	case DialectPosix, DialectPowerShell, DialectWinCmd:
		p := newParser(raw, dialect)
		pc, err = p.parse()
	default:
		return nil, fmt.Errorf("shellparse: unknown dialect %q", dialect)
	}
	if err != nil {
		return nil, err
	}
	pc.LowConfidence = pc.LowConfidence || lowConfidence
	return pc, nil
}
